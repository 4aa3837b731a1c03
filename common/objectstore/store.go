// Package objectstore uploads cached media blobs and resolves their URLs.
package objectstore

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/lyzr/mediacache/common/apperr"
)

// Store is the object-store contract used by the worker (Upload) and the API (URL, Delete)
type Store interface {
	Upload(ctx context.Context, in UploadInput) (*UploadResult, error)
	Delete(ctx context.Context, key string) error
	URL(ctx context.Context, key string) (string, error)
}

// UploadInput is one blob to write
type UploadInput struct {
	Data        []byte
	Folder      string
	Scope       string // optional; usually the asset id, so two assets never share a key
	Filename    string // optional; a random name is generated when empty
	ContentType string
}

// UploadResult identifies the stored blob
type UploadResult struct {
	Key string
	URL string
}

// BuildKey returns <folder>/<scope>/<filename>. Without a filename the key is <folder>/<scope><ext>,
// or <folder>/<uuid><ext> when scope is empty too. A given scope always maps to the same key.
func BuildKey(folder, scope, filename, contentType, defaultFolder string) (string, error) {
	folder = strings.Trim(strings.TrimSpace(folder), "/")
	if folder == "" {
		folder = strings.Trim(defaultFolder, "/")
	}
	if folder == "" {
		folder = "cache"
	}
	folder = path.Clean(folder)
	if folder == ".." || strings.HasPrefix(folder, "../") {
		return "", apperr.Validation("folder", "folder %q escapes the bucket root", folder)
	}

	scope = strings.TrimSpace(scope)
	if scope == "." || scope == ".." || strings.ContainsAny(scope, "/\\") {
		return "", apperr.Validation("scope", "invalid key scope %q", scope)
	}

	filename = strings.TrimSpace(filename)
	if filename == "" {
		name := scope
		if name == "" {
			name = uuid.NewString()
		}
		return folder + "/" + name + extensionFor(contentType), nil
	}

	dir := folder
	if scope != "" {
		dir = folder + "/" + scope
	}
	key := path.Clean(dir + "/" + filename)
	if !strings.HasPrefix(key, dir+"/") {
		return "", apperr.Validation("filename", "key %q escapes its folder", key)
	}
	return key, nil
}

func extensionFor(contentType string) string {
	switch strings.ToLower(strings.TrimSpace(contentType)) {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	case "image/avif":
		return ".avif"
	case "image/bmp":
		return ".bmp"
	case "image/svg+xml":
		return ".svg"
	case "video/mp4":
		return ".mp4"
	case "video/webm":
		return ".webm"
	case "video/quicktime":
		return ".mov"
	default:
		return ""
	}
}

// MemoryStore keeps blobs in process memory. Used for local development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	baseURL string
	folder  string
	objects map[string]memoryObject
}

type memoryObject struct {
	data        []byte
	contentType string
}

// NewMemoryStore creates an empty in-memory store whose URLs start with baseURL
func NewMemoryStore(baseURL, defaultFolder string) *MemoryStore {
	return &MemoryStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		folder:  defaultFolder,
		objects: make(map[string]memoryObject),
	}
}

func (m *MemoryStore) Upload(ctx context.Context, in UploadInput) (*UploadResult, error) {
	key, err := BuildKey(in.Folder, in.Scope, in.Filename, in.ContentType, m.folder)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, &apperr.UploadError{Key: key, Err: err}
	}

	data := make([]byte, len(in.Data))
	copy(data, in.Data)

	m.mu.Lock()
	m.objects[key] = memoryObject{data: data, contentType: in.ContentType}
	m.mu.Unlock()

	return &UploadResult{Key: key, URL: m.publicURL(key)}, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return fmt.Errorf("object %q does not exist", key)
	}
	delete(m.objects, key)
	return nil
}

func (m *MemoryStore) URL(_ context.Context, key string) (string, error) {
	return m.publicURL(key), nil
}

// Get returns a stored blob and its content type
func (m *MemoryStore) Get(key string) ([]byte, string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	return obj.data, obj.contentType, ok
}

// Len returns the number of stored blobs
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

func (m *MemoryStore) publicURL(key string) string {
	return m.baseURL + "/" + key
}
