package service

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/mediacache/common/apperr"
	"github.com/lyzr/mediacache/common/imagehash"
	"github.com/lyzr/mediacache/common/logger"
	"github.com/lyzr/mediacache/common/metrics"
	"github.com/lyzr/mediacache/common/models"
	"github.com/lyzr/mediacache/common/objectstore"
	"github.com/lyzr/mediacache/common/queue"
)

const (
	maxSimilarResults = 50
	maxBatchIDs       = 500
)

// AssetRepository is the slice of the cache asset store the service needs
type AssetRepository interface {
	CreateOrGet(ctx context.Context, asset *models.CacheAsset) (*models.CacheAsset, bool, error)
	GetByID(ctx context.Context, id string) (*models.CacheAsset, error)
	GetByIDs(ctx context.Context, ids []string) ([]*models.CacheAsset, error)
	GetByURL(ctx context.Context, originalURL string) (*models.CacheAsset, error)
	List(ctx context.Context, params models.ListParams) ([]*models.CacheAsset, int, error)
	MarkFailed(ctx context.Context, id, reason string) error
	ResetPending(ctx context.Context, id string) (*models.CacheAsset, bool, error)
	DeleteByIDs(ctx context.Context, ids []string) ([]*models.CacheAsset, error)
	FindSimilar(ctx context.Context, hash, excludeID string, threshold, limit int) ([]*models.SimilarAsset, error)
}

// JobEnqueuer admits cache jobs
type JobEnqueuer interface {
	Add(ctx context.Context, p queue.Payload, opts queue.AddOptions) (bool, error)
}

// URLCache memoizes resolved object-store URLs
type URLCache interface {
	Get(key string) (string, bool)
	Set(key, value string, ttl time.Duration)
	Delete(keys ...string)
}

// CacheAssetService is the single entry point for registering and resolving cached media
type CacheAssetService struct {
	repo    AssetRepository
	jobs    JobEnqueuer
	store   objectstore.Store
	urls    URLCache // nil disables URL memoization
	urlTTL  time.Duration
	metrics *metrics.Metrics
	log     *logger.Logger
}

// CacheAssetServiceConfig wires CacheAssetService
type CacheAssetServiceConfig struct {
	Repo    AssetRepository
	Jobs    JobEnqueuer
	Store   objectstore.Store
	URLs    URLCache
	URLTTL  time.Duration // must stay below the signed URL lifetime
	Metrics *metrics.Metrics
	Logger  *logger.Logger
}

// NewCacheAssetService creates a new cache asset service
func NewCacheAssetService(cfg CacheAssetServiceConfig) *CacheAssetService {
	return &CacheAssetService{
		repo:    cfg.Repo,
		jobs:    cfg.Jobs,
		store:   cfg.Store,
		urls:    cfg.URLs,
		urlTTL:  cfg.URLTTL,
		metrics: cfg.Metrics,
		log:     cfg.Logger,
	}
}

// CreateInput is a registration request
type CreateInput struct {
	OriginalURL string
	Folder      string
	Filename    string
}

// CreateCacheAsset registers originalURL. An existing registration is returned unchanged
// with created=false and no job is enqueued.
func (s *CacheAssetService) CreateCacheAsset(ctx context.Context, in CreateInput) (*models.CacheAsset, bool, error) {
	originalURL, err := normalizeURL(in.OriginalURL)
	if err != nil {
		return nil, false, err
	}
	if _, err := objectstore.BuildKey(in.Folder, "", in.Filename, "", "cache"); err != nil {
		return nil, false, err
	}

	asset := &models.CacheAsset{
		ID:          uuid.NewString(),
		OriginalURL: originalURL,
		Status:      models.CacheAssetPending,
		Folder:      optional(in.Folder),
		Filename:    optional(in.Filename),
	}

	stored, created, err := s.repo.CreateOrGet(ctx, asset)
	if err != nil {
		return nil, false, fmt.Errorf("failed to register cache asset: %w", err)
	}
	if !created {
		s.log.WithContext(ctx).Debug("cache asset already registered",
			"cache_asset_id", stored.ID, "status", stored.Status)
		return stored, false, nil
	}

	if err := s.enqueue(ctx, stored); err != nil {
		// Leave the row retryable rather than PENDING with no job behind it
		if markErr := s.repo.MarkFailed(ctx, stored.ID, "enqueue failed: "+err.Error()); markErr != nil {
			s.log.Error("failed to mark unqueued asset", "cache_asset_id", stored.ID, "error", markErr)
		}
		return nil, false, err
	}

	s.log.WithContext(ctx).Info("cache asset registered",
		"cache_asset_id", stored.ID,
		"url", stored.OriginalURL,
	)
	return stored, true, nil
}

// GetURL resolves the URL to serve for an asset: the object-store URL once CACHED,
// otherwise fallback or the original URL. It never waits for caching.
func (s *CacheAssetService) GetURL(ctx context.Context, id, fallback string) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", apperr.Validation("id", "is required")
	}
	asset, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	return s.resolve(ctx, asset, fallback), nil
}

// GetURLs resolves ids in one store round trip. Positions match ids; unknown ids resolve to "".
func (s *CacheAssetService) GetURLs(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) > maxBatchIDs {
		return nil, apperr.Validation("ids", "at most %d ids per request", maxBatchIDs)
	}

	assets, err := s.repo.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*models.CacheAsset, len(assets))
	for _, a := range assets {
		byID[a.ID] = a
	}

	out := make([]string, len(ids))
	for i, id := range ids {
		if a, ok := byID[id]; ok {
			out[i] = s.resolve(ctx, a, "")
		}
	}
	return out, nil
}

// GetCacheAssetByURL returns the asset registered for originalURL, or nil
func (s *CacheAssetService) GetCacheAssetByURL(ctx context.Context, originalURL string) (*models.CacheAsset, error) {
	normalized, err := normalizeURL(originalURL)
	if err != nil {
		return nil, err
	}
	return s.repo.GetByURL(ctx, normalized)
}

// AssetView is an asset with the URL callers should serve
type AssetView struct {
	*models.CacheAsset
	URL string `json:"url"`
}

// ListResult is one page of assets
type ListResult struct {
	Items []AssetView `json:"items"`
	Total int         `json:"total"`
	Page  int         `json:"page"`
	Limit int         `json:"limit"`
}

// List pages through assets with resolved URLs
func (s *CacheAssetService) List(ctx context.Context, params models.ListParams) (*ListResult, error) {
	params = params.Normalize()

	assets, total, err := s.repo.List(ctx, params)
	if err != nil {
		return nil, err
	}

	items := make([]AssetView, 0, len(assets))
	for _, a := range assets {
		items = append(items, AssetView{CacheAsset: a, URL: s.resolve(ctx, a, "")})
	}

	return &ListResult{
		Items: items,
		Total: total,
		Page:  params.Page,
		Limit: params.Limit,
	}, nil
}

// Delete removes rows, then their blobs. Blob failures are logged and skipped.
func (s *CacheAssetService) Delete(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, apperr.Validation("ids", "at least one id is required")
	}
	if len(ids) > maxBatchIDs {
		return 0, apperr.Validation("ids", "at most %d ids per request", maxBatchIDs)
	}

	deleted, err := s.repo.DeleteByIDs(ctx, ids)
	if err != nil {
		return 0, err
	}

	for _, a := range deleted {
		s.forgetURL(a.ID)
		if a.CacheKey == nil {
			continue
		}
		if err := s.store.Delete(ctx, *a.CacheKey); err != nil {
			s.log.Warn("failed to delete cached blob",
				"cache_asset_id", a.ID,
				"cache_key", *a.CacheKey,
				"error", err,
			)
		}
	}

	s.log.WithContext(ctx).Info("cache assets deleted", "requested", len(ids), "deleted", len(deleted))
	return len(deleted), nil
}

// Retry moves a FAILED asset back to PENDING and enqueues it again
func (s *CacheAssetService) Retry(ctx context.Context, id string) (*models.CacheAsset, error) {
	asset, reset, err := s.repo.ResetPending(ctx, id)
	if err != nil {
		return nil, err
	}
	if !reset {
		return nil, apperr.Validation("status", "only FAILED assets can be retried, asset %s is %s", id, asset.Status)
	}

	if err := s.enqueue(ctx, asset); err != nil {
		if markErr := s.repo.MarkFailed(ctx, asset.ID, "enqueue failed: "+err.Error()); markErr != nil {
			s.log.Error("failed to mark unqueued asset", "cache_asset_id", asset.ID, "error", markErr)
		}
		return nil, err
	}

	s.log.WithContext(ctx).Info("cache asset re-enqueued", "cache_asset_id", id)
	return asset, nil
}

// FindSimilar lists assets whose image hash is within threshold bits of the asset's hash.
// Nothing is merged; callers decide what a match means.
func (s *CacheAssetService) FindSimilar(ctx context.Context, id string, threshold int) ([]*models.SimilarAsset, error) {
	if threshold < 0 || threshold > 64 {
		return nil, apperr.Validation("threshold", "must be between 0 and 64")
	}

	asset, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if asset.ImageHash == nil || !imagehash.Valid(*asset.ImageHash) {
		return nil, apperr.Validation("id", "asset %s has no image hash", id)
	}

	similar, err := s.repo.FindSimilar(ctx, *asset.ImageHash, asset.ID, threshold, maxSimilarResults)
	if err != nil {
		return nil, err
	}
	if similar == nil {
		similar = []*models.SimilarAsset{}
	}
	return similar, nil
}

func (s *CacheAssetService) enqueue(ctx context.Context, asset *models.CacheAsset) error {
	payload := queue.CacheAssetPayload{
		OriginalURL:  asset.OriginalURL,
		CacheAssetID: asset.ID,
		Folder:       deref(asset.Folder),
		Filename:     deref(asset.Filename),
	}

	added, err := s.jobs.Add(ctx, payload, queue.AddOptions{Priority: 0})
	if err != nil {
		s.log.Error("failed to enqueue cache job",
			"cache_asset_id", asset.ID,
			"url", asset.OriginalURL,
			"error", err,
		)
		return fmt.Errorf("failed to enqueue cache job: %w", err)
	}
	if !added {
		s.log.Debug("cache job already live", "cache_asset_id", asset.ID)
	}
	return nil
}

func (s *CacheAssetService) resolve(ctx context.Context, a *models.CacheAsset, fallback string) string {
	if a.Status != models.CacheAssetCached || a.CacheKey == nil {
		if fallback != "" {
			return fallback
		}
		return a.OriginalURL
	}

	if s.urls != nil {
		cached, ok := s.urls.Get(urlCacheKey(a.ID))
		s.metrics.URLCacheLookup(ok)
		if ok {
			return cached
		}
	}

	resolved, err := s.store.URL(ctx, *a.CacheKey)
	if err != nil {
		s.log.Warn("failed to resolve cached URL, serving original",
			"cache_asset_id", a.ID,
			"cache_key", *a.CacheKey,
			"error", err,
		)
		if fallback != "" {
			return fallback
		}
		return a.OriginalURL
	}

	if s.urls != nil {
		s.urls.Set(urlCacheKey(a.ID), resolved, s.urlTTL)
	}
	return resolved
}

func (s *CacheAssetService) forgetURL(id string) {
	if s.urls != nil {
		s.urls.Delete(urlCacheKey(id))
	}
}

func urlCacheKey(id string) string {
	return "url:" + id
}

func normalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", apperr.Validation("originalUrl", "is required")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", apperr.Validation("originalUrl", "must be an absolute http(s) URL")
	}
	return raw, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
