package models

import "time"

// CacheAssetStatus is the caching lifecycle of one external resource
type CacheAssetStatus string

const (
	CacheAssetPending CacheAssetStatus = "PENDING"
	CacheAssetCaching CacheAssetStatus = "CACHING"
	CacheAssetCached  CacheAssetStatus = "CACHED"
	CacheAssetFailed  CacheAssetStatus = "FAILED"
)

// Valid reports whether s is a known status
func (s CacheAssetStatus) Valid() bool {
	switch s {
	case CacheAssetPending, CacheAssetCaching, CacheAssetCached, CacheAssetFailed:
		return true
	}
	return false
}

// CacheAsset tracks one external URL through the cache
// Maps to: cache_assets table
type CacheAsset struct {
	ID          string           `db:"id" json:"id"`
	OriginalURL string           `db:"original_url" json:"originalUrl"`
	Status      CacheAssetStatus `db:"status" json:"status"`

	// Set once the blob is uploaded
	CacheKey    *string `db:"cache_key" json:"cacheKey,omitempty"`
	ContentType *string `db:"content_type" json:"contentType,omitempty"`
	FileSize    *int64  `db:"file_size" json:"fileSize,omitempty"`

	// 16 hex chars, images only
	ImageHash *string `db:"image_hash" json:"imageHash,omitempty"`

	// Target path hints from registration
	Folder   *string `db:"folder" json:"folder,omitempty"`
	Filename *string `db:"filename" json:"filename,omitempty"`

	ErrorMessage *string    `db:"error_message" json:"errorMessage,omitempty"`
	CachedAt     *time.Time `db:"cached_at" json:"cachedAt,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updatedAt"`
}

// CachedFields are written when a worker finishes caching an asset
type CachedFields struct {
	CacheKey    string
	ContentType string
	FileSize    int64
	ImageHash   *string
}

// SimilarAsset is a perceptual-hash match with its bit distance
type SimilarAsset struct {
	CacheAsset
	Distance int `json:"distance"`
}

// ListParams filters and pages cache assets
type ListParams struct {
	Page        int
	Limit       int
	Search      string // substring of original_url
	ContentType string // prefix, e.g. "image" or "image/png"
}

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// Normalize clamps paging values
func (p ListParams) Normalize() ListParams {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit < 1 {
		p.Limit = DefaultListLimit
	}
	if p.Limit > MaxListLimit {
		p.Limit = MaxListLimit
	}
	return p
}

// Offset returns the row offset for the page
func (p ListParams) Offset() int {
	return (p.Page - 1) * p.Limit
}
