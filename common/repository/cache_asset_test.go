package repository

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/mediacache/common/apperr"
	"github.com/lyzr/mediacache/common/config"
	"github.com/lyzr/mediacache/common/db"
	"github.com/lyzr/mediacache/common/logger"
	"github.com/lyzr/mediacache/common/models"
)

// newTestRepo connects to MEDIACACHE_TEST_DATABASE_URL and skips when it is unset
func newTestRepo(t *testing.T) *CacheAssetRepository {
	t.Helper()
	dsn := os.Getenv("MEDIACACHE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("MEDIACACHE_TEST_DATABASE_URL not set; skipping Postgres integration test")
	}

	t.Setenv("DATABASE_URL", dsn)
	cfg, err := config.Load("repository-test")
	require.NoError(t, err)

	ctx := context.Background()
	database, err := db.New(ctx, cfg, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(database.Close)

	require.NoError(t, database.Migrate(ctx))
	return NewCacheAssetRepository(database)
}

func newAsset(url string) *models.CacheAsset {
	return &models.CacheAsset{ID: uuid.NewString(), OriginalURL: url}
}

func uniqueURL(name string) string {
	return "https://example.com/" + uuid.NewString() + "/" + name
}

func TestCacheAssetRepository_CreateOrGetIsIdempotent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	url := uniqueURL("photo.jpg")

	first, created, err := repo.CreateOrGet(ctx, newAsset(url))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.CacheAssetPending, first.Status)

	second, created, err := repo.CreateOrGet(ctx, newAsset(url))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	byURL, err := repo.GetByURL(ctx, url)
	require.NoError(t, err)
	assert.Equal(t, first.ID, byURL.ID)

	missing, err := repo.GetByURL(ctx, uniqueURL("nothing.jpg"))
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCacheAssetRepository_Lifecycle(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	a, _, err := repo.CreateOrGet(ctx, newAsset(uniqueURL("a.jpg")))
	require.NoError(t, err)

	require.NoError(t, repo.MarkCaching(ctx, a.ID))
	hash := "0f0f0f0f0f0f0f0f"
	require.NoError(t, repo.MarkCached(ctx, a.ID, models.CachedFields{
		CacheKey: "cache/a.jpg", ContentType: "image/jpeg", FileSize: 1234, ImageHash: &hash,
	}))

	got, err := repo.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CacheAssetCached, got.Status)
	require.NotNil(t, got.CacheKey)
	assert.Equal(t, "cache/a.jpg", *got.CacheKey)
	require.NotNil(t, got.FileSize)
	assert.Equal(t, int64(1234), *got.FileSize)
	require.NotNil(t, got.CachedAt)

	_, reset, err := repo.ResetPending(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, reset, "only FAILED assets can be reset")

	require.NoError(t, repo.MarkFailed(ctx, a.ID, "download_error"))
	after, reset, err := repo.ResetPending(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, reset)
	assert.Equal(t, models.CacheAssetPending, after.Status)

	err = repo.MarkCaching(ctx, uuid.NewString())
	assert.True(t, apperr.IsNotFound(err))
}

func TestCacheAssetRepository_GetByIDsAndDelete(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	a, _, err := repo.CreateOrGet(ctx, newAsset(uniqueURL("a.jpg")))
	require.NoError(t, err)
	b, _, err := repo.CreateOrGet(ctx, newAsset(uniqueURL("b.jpg")))
	require.NoError(t, err)

	got, err := repo.GetByIDs(ctx, []string{a.ID, uuid.NewString(), b.ID})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	deleted, err := repo.DeleteByIDs(ctx, []string{a.ID, b.ID})
	require.NoError(t, err)
	assert.Len(t, deleted, 2)

	_, err = repo.GetByID(ctx, a.ID)
	assert.True(t, apperr.IsNotFound(err))
}

func TestCacheAssetRepository_FindSimilar(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	hashes := map[string]string{
		"base":  "0f0f0f0f0f0f0f0f",
		"near":  "0f0f0f0f0f0f0f0e", // 1 bit
		"far":   "f0f0f0f0f0f0f0f0", // 64 bits
		"close": "0f0f0f0f0f0f0f00", // 4 bits
	}
	ids := map[string]string{}
	for name, h := range hashes {
		a, _, err := repo.CreateOrGet(ctx, newAsset(uniqueURL(name+".jpg")))
		require.NoError(t, err)
		hash := h
		require.NoError(t, repo.MarkCached(ctx, a.ID, models.CachedFields{CacheKey: "k/" + name, ContentType: "image/jpeg", FileSize: 1, ImageHash: &hash}))
		ids[name] = a.ID
	}

	similar, err := repo.FindSimilar(ctx, hashes["base"], ids["base"], 5, 50)
	require.NoError(t, err)

	found := map[string]int{}
	for _, s := range similar {
		found[s.ID] = s.Distance
	}
	assert.Equal(t, 1, found[ids["near"]])
	assert.Equal(t, 4, found[ids["close"]])
	assert.NotContains(t, found, ids["far"])
	assert.NotContains(t, found, ids["base"])
}

func TestCacheAssetRepository_List(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	marker := uuid.NewString()

	for i := 0; i < 3; i++ {
		_, _, err := repo.CreateOrGet(ctx, newAsset("https://list.example.com/"+marker+"/"+uuid.NewString()))
		require.NoError(t, err)
	}

	items, total, err := repo.List(ctx, models.ListParams{Page: 1, Limit: 2, Search: marker})
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Equal(t, 3, total)

	items, total, err = repo.List(ctx, models.ListParams{Page: 5, Limit: 2, Search: marker})
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Equal(t, 3, total)
}

func TestLikeEscape(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"photo.jpg", "photo.jpg"},
		{"100%", `100\%`},
		{"my_file", `my\_file`},
		{`a\b`, `a\\b`},
		{`%_\`, `\%\_\\`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, likeEscape(tt.in), tt.in)
	}
}

func TestCacheAssetRepository_ListWildcardsMatchLiterally(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	marker := uuid.NewString()

	literal, _, err := repo.CreateOrGet(ctx, newAsset("https://list.example.com/"+marker+"/100%_off.jpg"))
	require.NoError(t, err)
	_, _, err = repo.CreateOrGet(ctx, newAsset("https://list.example.com/"+marker+"/100xyoff.jpg"))
	require.NoError(t, err)

	items, total, err := repo.List(ctx, models.ListParams{Page: 1, Limit: 10, Search: marker + "/100%_"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, items, 1)
	assert.Contains(t, items[0].OriginalURL, "100%_off")

	require.NoError(t, repo.MarkCached(ctx, literal.ID, models.CachedFields{
		CacheKey: "cache/off.jpg", ContentType: "image/jpeg", FileSize: 10,
	}))

	_, total, err = repo.List(ctx, models.ListParams{Page: 1, Limit: 10, Search: marker, ContentType: "image_"})
	require.NoError(t, err)
	assert.Equal(t, 0, total)

	_, total, err = repo.List(ctx, models.ListParams{Page: 1, Limit: 10, Search: marker, ContentType: "image/"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}
