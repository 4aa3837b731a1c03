package objectstore

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/mediacache/common/apperr"
	"github.com/lyzr/mediacache/common/config"
	"github.com/lyzr/mediacache/common/logger"
)

func TestBuildKey(t *testing.T) {
	key, err := BuildKey("posts/", "", "cover.jpg", "image/jpeg", "cache")
	require.NoError(t, err)
	assert.Equal(t, "posts/cover.jpg", key)

	key, err = BuildKey("", "", "", "image/png", "cache")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "cache/"))
	assert.True(t, strings.HasSuffix(key, ".png"))
	assert.Len(t, strings.TrimSuffix(strings.TrimPrefix(key, "cache/"), ".png"), 36)

	key, err = BuildKey("", "", "", "application/x-unknown", "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "cache/"))

	_, err = BuildKey("cache", "", "../../etc/passwd", "", "")
	assert.True(t, apperr.IsValidation(err))

	_, err = BuildKey("../up", "", "a.jpg", "", "")
	assert.True(t, apperr.IsValidation(err))
}

func TestBuildKey_Scoped(t *testing.T) {
	a, err := BuildKey("posts", "asset-1", "cover.png", "image/png", "cache")
	require.NoError(t, err)
	b, err := BuildKey("posts", "asset-2", "cover.png", "image/png", "cache")
	require.NoError(t, err)
	assert.Equal(t, "posts/asset-1/cover.png", a)
	assert.Equal(t, "posts/asset-2/cover.png", b)

	again, err := BuildKey("posts", "asset-1", "cover.png", "image/png", "cache")
	require.NoError(t, err)
	assert.Equal(t, a, again)

	key, err := BuildKey("", "asset-1", "", "image/webp", "cache")
	require.NoError(t, err)
	assert.Equal(t, "cache/asset-1.webp", key)

	_, err = BuildKey("posts", "asset-1", "../asset-2/cover.png", "", "")
	assert.True(t, apperr.IsValidation(err))

	for _, scope := range []string{"..", "a/b", `a\b`} {
		_, err = BuildKey("posts", scope, "x.jpg", "", "")
		assert.True(t, apperr.IsValidation(err), scope)
	}
}

func TestMemoryStore_ScopedUploadsDoNotCollide(t *testing.T) {
	s := NewMemoryStore("http://cdn.test", "cache")
	ctx := context.Background()

	first, err := s.Upload(ctx, UploadInput{Data: []byte("one"), Folder: "posts", Scope: "a1", Filename: "cover.png", ContentType: "image/png"})
	require.NoError(t, err)
	second, err := s.Upload(ctx, UploadInput{Data: []byte("two"), Folder: "posts", Scope: "a2", Filename: "cover.png", ContentType: "image/png"})
	require.NoError(t, err)

	assert.NotEqual(t, first.Key, second.Key)
	assert.Equal(t, 2, s.Len())
	data, _, _ := s.Get(first.Key)
	assert.Equal(t, []byte("one"), data)
	data, _, _ = s.Get(second.Key)
	assert.Equal(t, []byte("two"), data)
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore("http://cdn.test/", "cache")
	ctx := context.Background()

	res, err := s.Upload(ctx, UploadInput{Data: []byte("abc"), Folder: "posts", Filename: "a.jpg", ContentType: "image/jpeg"})
	require.NoError(t, err)
	assert.Equal(t, "posts/a.jpg", res.Key)
	assert.Equal(t, "http://cdn.test/posts/a.jpg", res.URL)

	data, ct, ok := s.Get("posts/a.jpg")
	require.True(t, ok)
	assert.Equal(t, []byte("abc"), data)
	assert.Equal(t, "image/jpeg", ct)

	u, err := s.URL(ctx, res.Key)
	require.NoError(t, err)
	assert.Equal(t, res.URL, u)

	require.NoError(t, s.Delete(ctx, res.Key))
	assert.Error(t, s.Delete(ctx, res.Key))
	assert.Equal(t, 0, s.Len())
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	s := NewMemoryStore("http://cdn.test", "cache")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Upload(ctx, UploadInput{Data: []byte("x"), ContentType: "image/png"})
	assert.Equal(t, apperr.CodeUpload, apperr.CodeOf(err))
}

func TestGCSStore_PublicURL(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.StorageConfig
		base string
		want string
	}{
		{
			name: "cdn domain wins",
			cfg:  config.StorageConfig{Mode: ModeGCS, Bucket: "media", CDNDomain: "cdn.example.com"},
			want: "https://cdn.example.com/cache/a.jpg",
		},
		{
			name: "default gcs",
			cfg:  config.StorageConfig{Mode: ModeGCS, Bucket: "media"},
			want: "https://storage.googleapis.com/media/cache/a.jpg",
		},
		{
			name: "public base url",
			cfg:  config.StorageConfig{Mode: ModeGCS, Bucket: "media"},
			base: "http://files.local",
			want: "http://files.local/media/cache/a.jpg",
		},
		{
			name: "emulator media url",
			cfg:  config.StorageConfig{Mode: ModeGCSEmulator, Bucket: "media", EmulatorHost: "http://localhost:4443/"},
			want: "http://localhost:4443/storage/v1/b/media/o/cache%2Fa.jpg?alt=media",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newGCSStore(nil, tt.cfg, tt.base, logger.Nop())
			u, err := s.URL(context.Background(), "/cache/a.jpg")
			require.NoError(t, err)
			assert.Equal(t, tt.want, u)
			assert.Equal(t, time.Duration(0), s.SignedURLTTL())
		})
	}
}

func TestGCSStore_SignedModeIgnoredForEmulator(t *testing.T) {
	s := newGCSStore(nil, config.StorageConfig{
		Mode: ModeGCSEmulator, Bucket: "media", EmulatorHost: "http://localhost:4443",
		URLMode: "signed", SignedURLTTL: time.Hour,
	}, "", logger.Nop())
	assert.False(t, s.signed)

	s = newGCSStore(nil, config.StorageConfig{Mode: ModeGCS, Bucket: "media", URLMode: "signed", SignedURLTTL: time.Hour}, "", logger.Nop())
	assert.Equal(t, time.Hour, s.SignedURLTTL())
}

func TestNew_MemoryMode(t *testing.T) {
	store, closeFn, err := New(context.Background(), config.StorageConfig{Mode: ModeMemory, DefaultFolder: "cache"}, logger.Nop())
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &MemoryStore{}, store)
}

func TestNormalizeBaseURL(t *testing.T) {
	u, err := normalizeBaseURL(" http://localhost:4443/ ")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:4443", u)

	_, err = normalizeBaseURL("localhost:4443")
	assert.Error(t, err)
}
