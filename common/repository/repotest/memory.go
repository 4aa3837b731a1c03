// Package repotest provides an in-memory cache asset store for tests that run without Postgres.
package repotest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lyzr/mediacache/common/apperr"
	"github.com/lyzr/mediacache/common/imagehash"
	"github.com/lyzr/mediacache/common/models"
)

// Memory mirrors repository.CacheAssetRepository over a map
type Memory struct {
	mu      sync.Mutex
	byID    map[string]*models.CacheAsset
	byURL   map[string]string
	history map[string][]models.CacheAssetStatus
	seq     int
	Err     error // when set, every call fails with it
}

// NewMemory creates an empty store
func NewMemory() *Memory {
	return &Memory{
		byID:    make(map[string]*models.CacheAsset),
		byURL:   make(map[string]string),
		history: make(map[string][]models.CacheAssetStatus),
	}
}

// History returns the statuses written for id, in order
func (m *Memory) History(id string) []models.CacheAssetStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.CacheAssetStatus(nil), m.history[id]...)
}

// Put stores a copy of a directly
func (m *Memory) Put(a *models.CacheAsset) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store(a)
}

func (m *Memory) store(a *models.CacheAsset) {
	m.seq++
	cp := *a
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Unix(int64(m.seq), 0)
	}
	cp.UpdatedAt = cp.CreatedAt
	m.byID[cp.ID] = &cp
	m.byURL[cp.OriginalURL] = cp.ID
}

func (m *Memory) get(id string) (*models.CacheAsset, error) {
	a, ok := m.byID[id]
	if !ok {
		return nil, apperr.NotFound("cache asset", id)
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) CreateOrGet(_ context.Context, asset *models.CacheAsset) (*models.CacheAsset, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, false, m.Err
	}
	if id, ok := m.byURL[asset.OriginalURL]; ok {
		a, err := m.get(id)
		return a, false, err
	}
	m.store(asset)
	m.history[asset.ID] = append(m.history[asset.ID], asset.Status)
	a, err := m.get(asset.ID)
	return a, true, err
}

func (m *Memory) GetByID(_ context.Context, id string) (*models.CacheAsset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	return m.get(id)
}

func (m *Memory) GetByIDs(_ context.Context, ids []string) ([]*models.CacheAsset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var out []*models.CacheAsset
	for _, id := range ids {
		if a, err := m.get(id); err == nil {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *Memory) GetByURL(_ context.Context, originalURL string) (*models.CacheAsset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	id, ok := m.byURL[originalURL]
	if !ok {
		return nil, nil
	}
	return m.get(id)
}

func (m *Memory) List(_ context.Context, params models.ListParams) ([]*models.CacheAsset, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, 0, m.Err
	}
	params = params.Normalize()

	var matched []*models.CacheAsset
	for _, a := range m.byID {
		if params.Search != "" && !strings.Contains(strings.ToLower(a.OriginalURL), strings.ToLower(params.Search)) {
			continue
		}
		if params.ContentType != "" && (a.ContentType == nil || !strings.HasPrefix(*a.ContentType, params.ContentType)) {
			continue
		}
		cp := *a
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := len(matched)
	start := params.Offset()
	if start > total {
		start = total
	}
	end := start + params.Limit
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (m *Memory) update(id string, fn func(a *models.CacheAsset)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	a, ok := m.byID[id]
	if !ok {
		return apperr.NotFound("cache asset", id)
	}
	fn(a)
	a.UpdatedAt = time.Now()
	m.history[id] = append(m.history[id], a.Status)
	return nil
}

func (m *Memory) MarkCaching(_ context.Context, id string) error {
	return m.update(id, func(a *models.CacheAsset) {
		a.Status = models.CacheAssetCaching
		a.ErrorMessage = nil
	})
}

func (m *Memory) MarkCached(_ context.Context, id string, f models.CachedFields) error {
	return m.update(id, func(a *models.CacheAsset) {
		now := time.Now()
		key, ct, size := f.CacheKey, f.ContentType, f.FileSize
		a.Status = models.CacheAssetCached
		a.CacheKey = &key
		a.ContentType = &ct
		a.FileSize = &size
		a.ImageHash = f.ImageHash
		a.ErrorMessage = nil
		a.CachedAt = &now
	})
}

func (m *Memory) MarkFailed(_ context.Context, id, reason string) error {
	return m.update(id, func(a *models.CacheAsset) {
		a.Status = models.CacheAssetFailed
		a.ErrorMessage = &reason
	})
}

func (m *Memory) ResetPending(ctx context.Context, id string) (*models.CacheAsset, bool, error) {
	current, err := m.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if current.Status != models.CacheAssetFailed {
		return current, false, nil
	}
	if err := m.update(id, func(a *models.CacheAsset) {
		a.Status = models.CacheAssetPending
		a.ErrorMessage = nil
	}); err != nil {
		return nil, false, err
	}
	a, err := m.GetByID(ctx, id)
	return a, err == nil, err
}

func (m *Memory) DeleteByIDs(_ context.Context, ids []string) ([]*models.CacheAsset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var deleted []*models.CacheAsset
	for _, id := range ids {
		a, ok := m.byID[id]
		if !ok {
			continue
		}
		delete(m.byID, id)
		delete(m.byURL, a.OriginalURL)
		deleted = append(deleted, a)
	}
	return deleted, nil
}

func (m *Memory) FindSimilar(_ context.Context, hash, excludeID string, threshold, limit int) ([]*models.SimilarAsset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var out []*models.SimilarAsset
	for _, a := range m.byID {
		if a.ID == excludeID || a.ImageHash == nil {
			continue
		}
		d, err := imagehash.HammingDistance(hash, *a.ImageHash)
		if err != nil || d > threshold {
			continue
		}
		out = append(out, &models.SimilarAsset{CacheAsset: *a, Distance: d})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
