package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/lyzr/mediacache/common/apperr"
	"github.com/lyzr/mediacache/common/config"
	"github.com/lyzr/mediacache/common/logger"
)

// Storage modes
const (
	ModeGCS         = "gcs"
	ModeGCSEmulator = "gcs_emulator"
	ModeMemory      = "memory"
)

// GCSStore stores blobs in one Google Cloud Storage bucket
type GCSStore struct {
	client        *storage.Client
	bucket        string
	mode          string
	emulatorHost  string
	cdnDomain     string
	publicBaseURL string
	signed        bool
	signedTTL     time.Duration
	defaultFolder string
	uploadTimeout time.Duration
	deleteTimeout time.Duration
	log           *logger.Logger
}

// New builds the store selected by cfg.Mode
func New(ctx context.Context, cfg config.StorageConfig, log *logger.Logger) (Store, func() error, error) {
	if cfg.Mode == ModeMemory {
		base := cfg.PublicBaseURL
		if base == "" {
			base = "http://localhost/objects"
		}
		log.Warn("using in-memory object store; blobs are lost on restart")
		return NewMemoryStore(base, cfg.DefaultFolder), func() error { return nil }, nil
	}

	s, err := NewGCSStore(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return s, s.Close, nil
}

// NewGCSStore connects to GCS or to a storage emulator
func NewGCSStore(ctx context.Context, cfg config.StorageConfig, log *logger.Logger) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("missing env var GCS_BUCKET_NAME")
	}
	publicBase, err := normalizeBaseURL(cfg.PublicBaseURL)
	if err != nil {
		return nil, err
	}

	client, err := newStorageClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	s := newGCSStore(client, cfg, publicBase, log)
	s.log.Info("object storage initialized",
		"mode", s.mode,
		"bucket", s.bucket,
		"emulator_host", s.emulatorHost,
		"public_base_url", s.publicBaseURL,
		"signed_urls", s.signed,
	)
	return s, nil
}

func newGCSStore(client *storage.Client, cfg config.StorageConfig, publicBase string, log *logger.Logger) *GCSStore {
	return &GCSStore{
		client:        client,
		bucket:        cfg.Bucket,
		mode:          cfg.Mode,
		emulatorHost:  strings.TrimRight(strings.TrimSpace(cfg.EmulatorHost), "/"),
		cdnDomain:     strings.TrimSpace(cfg.CDNDomain),
		publicBaseURL: publicBase,
		signed:        cfg.URLMode == "signed" && cfg.Mode != ModeGCSEmulator,
		signedTTL:     cfg.SignedURLTTL,
		defaultFolder: cfg.DefaultFolder,
		uploadTimeout: orDefault(cfg.UploadTimeout, 2*time.Minute),
		deleteTimeout: orDefault(cfg.DeleteTimeout, 30*time.Second),
		log:           log.With("service", "ObjectStore"),
	}
}

func newStorageClient(ctx context.Context, cfg config.StorageConfig) (*storage.Client, error) {
	switch cfg.Mode {
	case ModeGCS:
		return storage.NewClient(ctx, option.WithScopes(storage.ScopeReadWrite))
	case ModeGCSEmulator:
		endpoint := strings.TrimRight(strings.TrimSpace(cfg.EmulatorHost), "/")
		if endpoint == "" {
			return nil, fmt.Errorf("STORAGE_EMULATOR_HOST is required in %s mode", ModeGCSEmulator)
		}
		// the storage client reads the emulator endpoint from the environment
		_ = os.Setenv("STORAGE_EMULATOR_HOST", endpoint)
		return storage.NewClient(ctx, option.WithoutAuthentication())
	default:
		return nil, fmt.Errorf("invalid OBJECT_STORAGE_MODE %q", cfg.Mode)
	}
}

func normalizeBaseURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("invalid OBJECT_STORAGE_PUBLIC_BASE_URL=%q; expected absolute URL like http://localhost:4443", raw)
	}
	return strings.TrimRight(raw, "/"), nil
}

// Upload writes a blob; failures are UploadErrors
func (s *GCSStore) Upload(ctx context.Context, in UploadInput) (*UploadResult, error) {
	key, err := BuildKey(in.Folder, in.Scope, in.Filename, in.ContentType, s.defaultFolder)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.uploadTimeout)
	defer cancel()

	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = in.ContentType
	w.CacheControl = "public, max-age=31536000, immutable"
	if _, err := io.Copy(w, bytes.NewReader(in.Data)); err != nil {
		_ = w.Close()
		return nil, &apperr.UploadError{Key: key, Err: fmt.Errorf("write: %w", err)}
	}
	if err := w.Close(); err != nil {
		return nil, &apperr.UploadError{Key: key, Err: fmt.Errorf("close writer: %w", err)}
	}

	u, err := s.URL(ctx, key)
	if err != nil {
		return nil, &apperr.UploadError{Key: key, Err: err}
	}
	return &UploadResult{Key: key, URL: u}, nil
}

// Delete removes a blob. A blob that is already gone is not an error.
func (s *GCSStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.deleteTimeout)
	defer cancel()

	err := s.client.Bucket(s.bucket).Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete GCS object %q in bucket %q: %w", key, s.bucket, err)
	}
	return nil
}

// URL returns a public URL, or a V4 signed GET URL when signed URLs are enabled
func (s *GCSStore) URL(_ context.Context, key string) (string, error) {
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if !s.signed {
		return s.publicURL(key), nil
	}

	u, err := s.client.Bucket(s.bucket).SignedURL(key, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  "GET",
		Expires: time.Now().Add(s.signedTTL),
	})
	if err != nil {
		return "", fmt.Errorf("sign URL for %q: %w", key, err)
	}
	return u, nil
}

// SignedURLTTL reports how long URLs from this store stay valid; zero means forever
func (s *GCSStore) SignedURLTTL() time.Duration {
	if !s.signed {
		return 0
	}
	return s.signedTTL
}

func (s *GCSStore) publicURL(key string) string {
	if s.cdnDomain != "" {
		return fmt.Sprintf("https://%s/%s", s.cdnDomain, key)
	}
	if s.mode == ModeGCSEmulator {
		base := s.publicBaseURL
		if base == "" {
			base = s.emulatorHost
		}
		if base != "" {
			return fmt.Sprintf("%s/storage/v1/b/%s/o/%s?alt=media", base, url.PathEscape(s.bucket), url.PathEscape(key))
		}
	}
	if s.publicBaseURL != "" {
		return fmt.Sprintf("%s/%s/%s", s.publicBaseURL, s.bucket, key)
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", s.bucket, key)
}

// Close releases the storage client
func (s *GCSStore) Close() error {
	return s.client.Close()
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
