package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/lyzr/mediacache/common/apperr"
	"github.com/lyzr/mediacache/common/db"
	"github.com/lyzr/mediacache/common/models"
)

const cacheAssetColumns = `id, original_url, status, cache_key, content_type, file_size, image_hash,
	folder, filename, error_message, cached_at, created_at, updated_at`

// listFilter matches $1 anywhere in original_url and $2 as a content_type prefix. Both are
// passed through likeEscape, so % and _ in user input match literally.
const listFilter = `($1 = '' OR original_url ILIKE '%' || $1 || '%' ESCAPE '\') AND ($2 = '' OR content_type LIKE $2 || '%' ESCAPE '\')`

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likeEscape(s string) string { return likeEscaper.Replace(s) }

// CacheAssetRepository handles database operations for cache assets
type CacheAssetRepository struct {
	db *db.DB
}

// NewCacheAssetRepository creates a new cache asset repository
func NewCacheAssetRepository(database *db.DB) *CacheAssetRepository {
	return &CacheAssetRepository{db: database}
}

func scanCacheAsset(row pgx.Row, extra ...any) (*models.CacheAsset, error) {
	a := &models.CacheAsset{}
	dest := []any{
		&a.ID,
		&a.OriginalURL,
		&a.Status,
		&a.CacheKey,
		&a.ContentType,
		&a.FileSize,
		&a.ImageHash,
		&a.Folder,
		&a.Filename,
		&a.ErrorMessage,
		&a.CachedAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	return a, nil
}

// CreateOrGet inserts a PENDING asset for asset.OriginalURL, or returns the existing row for
// that URL. created reports whether a new row was written.
func (r *CacheAssetRepository) CreateOrGet(ctx context.Context, asset *models.CacheAsset) (*models.CacheAsset, bool, error) {
	query := `
		INSERT INTO cache_assets (id, original_url, status, folder, filename, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		ON CONFLICT (original_url) DO NOTHING
		RETURNING ` + cacheAssetColumns

	created, err := scanCacheAsset(r.db.QueryRow(ctx, query,
		asset.ID,
		asset.OriginalURL,
		models.CacheAssetPending,
		asset.Folder,
		asset.Filename,
	))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to create cache asset: %w", err)
	}

	existing, err := r.GetByURL(ctx, asset.OriginalURL)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		// deleted between the conflict and the read
		return nil, false, fmt.Errorf("cache asset for %s vanished during registration", asset.OriginalURL)
	}
	return existing, false, nil
}

// GetByID retrieves an asset; NotFoundError when it does not exist
func (r *CacheAssetRepository) GetByID(ctx context.Context, id string) (*models.CacheAsset, error) {
	query := `SELECT ` + cacheAssetColumns + ` FROM cache_assets WHERE id = $1`

	a, err := scanCacheAsset(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("cache asset", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache asset: %w", err)
	}
	return a, nil
}

// GetByIDs retrieves many assets in one round trip; missing ids are simply absent
func (r *CacheAssetRepository) GetByIDs(ctx context.Context, ids []string) ([]*models.CacheAsset, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `SELECT ` + cacheAssetColumns + ` FROM cache_assets WHERE id = ANY($1)`

	rows, err := r.db.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get cache assets: %w", err)
	}
	defer rows.Close()

	var assets []*models.CacheAsset
	for rows.Next() {
		a, err := scanCacheAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cache asset: %w", err)
		}
		assets = append(assets, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cache assets: %w", err)
	}
	return assets, nil
}

// GetByURL retrieves the asset for an original URL, or nil when none exists
func (r *CacheAssetRepository) GetByURL(ctx context.Context, originalURL string) (*models.CacheAsset, error) {
	query := `SELECT ` + cacheAssetColumns + ` FROM cache_assets WHERE original_url = $1`

	a, err := scanCacheAsset(r.db.QueryRow(ctx, query, originalURL))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache asset by url: %w", err)
	}
	return a, nil
}

// List returns one page of assets, newest first, with the total number of matches
func (r *CacheAssetRepository) List(ctx context.Context, params models.ListParams) ([]*models.CacheAsset, int, error) {
	params = params.Normalize()

	query := `
		SELECT ` + cacheAssetColumns + `, COUNT(*) OVER() AS total
		FROM cache_assets
		WHERE ` + listFilter + `
		ORDER BY created_at DESC, id
		LIMIT $3 OFFSET $4
	`

	search, contentType := likeEscape(params.Search), likeEscape(params.ContentType)
	rows, err := r.db.Query(ctx, query, search, contentType, params.Limit, params.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list cache assets: %w", err)
	}
	defer rows.Close()

	var (
		assets []*models.CacheAsset
		total  int
	)
	for rows.Next() {
		a, err := scanCacheAsset(rows, &total)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan cache asset: %w", err)
		}
		assets = append(assets, a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating cache assets: %w", err)
	}

	if len(assets) == 0 && params.Page > 1 {
		// past the last page the window function has no row to report on
		if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM cache_assets WHERE `+listFilter,
			search, contentType).Scan(&total); err != nil {
			return nil, 0, fmt.Errorf("failed to count cache assets: %w", err)
		}
	}
	return assets, total, nil
}

// MarkCaching moves an asset to CACHING and clears any previous error
func (r *CacheAssetRepository) MarkCaching(ctx context.Context, id string) error {
	return r.exec(ctx, id, "mark caching", `
		UPDATE cache_assets
		SET status = $2, error_message = NULL, updated_at = now()
		WHERE id = $1`, models.CacheAssetCaching)
}

// MarkCached records a successful upload
func (r *CacheAssetRepository) MarkCached(ctx context.Context, id string, f models.CachedFields) error {
	return r.exec(ctx, id, "mark cached", `
		UPDATE cache_assets
		SET status = $2, cache_key = $3, content_type = $4, file_size = $5, image_hash = $6,
		    error_message = NULL, cached_at = now(), updated_at = now()
		WHERE id = $1`,
		models.CacheAssetCached, f.CacheKey, f.ContentType, f.FileSize, f.ImageHash)
}

// MarkFailed records a terminal failure
func (r *CacheAssetRepository) MarkFailed(ctx context.Context, id, reason string) error {
	return r.exec(ctx, id, "mark failed", `
		UPDATE cache_assets
		SET status = $2, error_message = $3, updated_at = now()
		WHERE id = $1`, models.CacheAssetFailed, reason)
}

// ResetPending moves a FAILED asset back to PENDING. It reports false when the asset is not FAILED.
func (r *CacheAssetRepository) ResetPending(ctx context.Context, id string) (*models.CacheAsset, bool, error) {
	query := `
		UPDATE cache_assets
		SET status = $2, error_message = NULL, updated_at = now()
		WHERE id = $1 AND status = $3
		RETURNING ` + cacheAssetColumns

	a, err := scanCacheAsset(r.db.QueryRow(ctx, query, id, models.CacheAssetPending, models.CacheAssetFailed))
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := r.GetByID(ctx, id)
		if getErr != nil {
			return nil, false, getErr
		}
		return current, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to reset cache asset: %w", err)
	}
	return a, true, nil
}

// DeleteByIDs removes rows and returns what was deleted so callers can clean up blobs
func (r *CacheAssetRepository) DeleteByIDs(ctx context.Context, ids []string) ([]*models.CacheAsset, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `DELETE FROM cache_assets WHERE id = ANY($1) RETURNING ` + cacheAssetColumns

	rows, err := r.db.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to delete cache assets: %w", err)
	}
	defer rows.Close()

	var deleted []*models.CacheAsset
	for rows.Next() {
		a, err := scanCacheAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deleted cache asset: %w", err)
		}
		deleted = append(deleted, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deleted cache assets: %w", err)
	}
	return deleted, nil
}

// FindSimilar returns assets whose image hash is within threshold bits of hash, closest first
func (r *CacheAssetRepository) FindSimilar(ctx context.Context, hash, excludeID string, threshold, limit int) ([]*models.SimilarAsset, error) {
	query := `
		SELECT ` + cacheAssetColumns + `, d.distance
		FROM cache_assets,
		     LATERAL (SELECT bit_count(('x' || image_hash)::bit(64) # ('x' || $1)::bit(64))::int AS distance) d
		WHERE image_hash IS NOT NULL
		  AND id <> $2
		  AND d.distance <= $3
		ORDER BY d.distance, created_at
		LIMIT $4
	`

	rows, err := r.db.Query(ctx, query, hash, excludeID, threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find similar cache assets: %w", err)
	}
	defer rows.Close()

	var out []*models.SimilarAsset
	for rows.Next() {
		var distance int
		a, err := scanCacheAsset(rows, &distance)
		if err != nil {
			return nil, fmt.Errorf("failed to scan similar cache asset: %w", err)
		}
		out = append(out, &models.SimilarAsset{CacheAsset: *a, Distance: distance})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating similar cache assets: %w", err)
	}
	return out, nil
}

func (r *CacheAssetRepository) exec(ctx context.Context, id, op, query string, args ...any) error {
	tag, err := r.db.Exec(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to %s cache asset %s: %w", op, id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("cache asset", id)
	}
	return nil
}
