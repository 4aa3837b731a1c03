package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/mediacache/common/apperr"
	"github.com/lyzr/mediacache/common/clients"
	"github.com/lyzr/mediacache/common/download"
	"github.com/lyzr/mediacache/common/events"
	"github.com/lyzr/mediacache/common/imagehash"
	"github.com/lyzr/mediacache/common/logger"
	"github.com/lyzr/mediacache/common/models"
	"github.com/lyzr/mediacache/common/objectstore"
	"github.com/lyzr/mediacache/common/queue"
	"github.com/lyzr/mediacache/common/repository/repotest"
	"github.com/lyzr/mediacache/common/retry"
)

func jpegBytes(t *testing.T) []byte {
	t.Helper()
	return tintedJPEG(t, 120)
}

func tintedJPEG(t *testing.T, blue uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 8), G: uint8(y * 8), B: blue, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func fastPolicy(jobAttempts int) retry.Policy {
	return retry.Policy{
		JobAttempts:   jobAttempts,
		FetchAttempts: 1,
		BaseDelay:     5 * time.Millisecond,
		MaxDelay:      20 * time.Millisecond,
		FetchMaxDelay: 5 * time.Millisecond,
	}
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingEmitter) Publish(_ context.Context, channel string, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingEmitter) All() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

type pipeline struct {
	queue  *queue.Queue
	repo   *repotest.Memory
	store  *objectstore.MemoryStore
	events *recordingEmitter
	runner *Runner
}

func newPipeline(t *testing.T, policy retry.Policy) *pipeline {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	q, err := queue.New(rdb, queue.Options{
		Prefix:       "test",
		Name:         "cache-assets",
		Type:         queue.JobTypeCacheAsset,
		Policy:       policy,
		LeaseTimeout: 5 * time.Second,
	}, logger.Nop())
	require.NoError(t, err)

	p := &pipeline{
		queue:  q,
		repo:   repotest.NewMemory(),
		store:  objectstore.NewMemoryStore("https://cdn.test", "cache"),
		events: &recordingEmitter{},
	}
	h := NewCacheHandler(CacheHandlerConfig{
		Repo:    p.repo,
		Fetcher: download.New(policy, download.Options{Timeout: 2 * time.Second}, logger.Nop()),
		Store:   p.store,
		Events:  p.events,
		Logger:  logger.Nop(),
	})
	p.runner, err = NewRunner(RunnerConfig{
		Queue:        q,
		Handlers:     map[queue.JobType]Handler{queue.JobTypeCacheAsset: h},
		Concurrency:  2,
		PollInterval: time.Second,
		Logger:       logger.Nop(),
	})
	require.NoError(t, err)
	return p
}

// start runs the runner plus a delayed-job pump until the test ends
func (p *pipeline) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = p.runner.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = p.queue.PromoteDelayed(ctx)
			}
		}
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
}

func (p *pipeline) register(t *testing.T, id, url string) {
	t.Helper()
	p.repo.Put(&models.CacheAsset{ID: id, OriginalURL: url, Status: models.CacheAssetPending})
	added, err := p.queue.Add(context.Background(), queue.CacheAssetPayload{OriginalURL: url, CacheAssetID: id}, queue.AddOptions{})
	require.NoError(t, err)
	require.True(t, added)
}

func (p *pipeline) waitForStatus(t *testing.T, id string, want models.CacheAssetStatus) *models.CacheAsset {
	t.Helper()
	var asset *models.CacheAsset
	require.Eventually(t, func() bool {
		a, err := p.repo.GetByID(context.Background(), id)
		if err != nil {
			return false
		}
		asset = a
		return a.Status == want
	}, 5*time.Second, 10*time.Millisecond)
	return asset
}

func TestPipeline_CachesImage(t *testing.T) {
	body := jpegBytes(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	p := newPipeline(t, fastPolicy(3))
	p.register(t, "a1", srv.URL+"/cat.jpg")
	p.start(t)

	asset := p.waitForStatus(t, "a1", models.CacheAssetCached)

	assert.Equal(t, []models.CacheAssetStatus{models.CacheAssetCaching, models.CacheAssetCached}, p.repo.History("a1"))
	require.NotNil(t, asset.ImageHash)
	assert.True(t, imagehash.Valid(*asset.ImageHash))
	require.NotNil(t, asset.CacheKey)
	assert.Equal(t, int64(len(body)), *asset.FileSize)

	stored, ct, ok := p.store.Get(*asset.CacheKey)
	require.True(t, ok)
	assert.Equal(t, body, stored)
	assert.Contains(t, ct, "image/jpeg")

	require.Eventually(t, func() bool { return len(p.events.All()) == 1 }, time.Second, 10*time.Millisecond)
	ev := p.events.All()[0]
	assert.Equal(t, events.TypeCacheAssetComplete, ev.Type)
	assert.Equal(t, "a1", ev.EntityID)
	assert.True(t, ev.Success)

	require.Eventually(t, func() bool {
		s, err := p.queue.Stats(context.Background())
		return err == nil && s.Completed == 1 && s.Active == 0
	}, time.Second, 10*time.Millisecond)
}

func TestPipeline_SameFolderAndFilenameKeepSeparateBlobs(t *testing.T) {
	bodies := map[string][]byte{"/one.jpg": tintedJPEG(t, 10), "/two.jpg": tintedJPEG(t, 240)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(bodies[r.URL.Path])
	}))
	defer srv.Close()

	p := newPipeline(t, fastPolicy(3))
	for id, path := range map[string]string{"a1": "/one.jpg", "a2": "/two.jpg"} {
		p.repo.Put(&models.CacheAsset{ID: id, OriginalURL: srv.URL + path, Status: models.CacheAssetPending})
		added, err := p.queue.Add(context.Background(), queue.CacheAssetPayload{
			OriginalURL: srv.URL + path, CacheAssetID: id, Folder: "posts", Filename: "cover.png",
		}, queue.AddOptions{})
		require.NoError(t, err)
		require.True(t, added)
	}
	p.start(t)

	first := p.waitForStatus(t, "a1", models.CacheAssetCached)
	second := p.waitForStatus(t, "a2", models.CacheAssetCached)

	require.NotNil(t, first.CacheKey)
	require.NotNil(t, second.CacheKey)
	assert.Equal(t, "posts/a1/cover.png", *first.CacheKey)
	assert.Equal(t, "posts/a2/cover.png", *second.CacheKey)
	assert.Equal(t, 2, p.store.Len())

	stored, _, ok := p.store.Get(*first.CacheKey)
	require.True(t, ok)
	assert.Equal(t, bodies["/one.jpg"], stored)
	stored, _, ok = p.store.Get(*second.CacheKey)
	require.True(t, ok)
	assert.Equal(t, bodies["/two.jpg"], stored)
}

func TestPipeline_RetryBudgetThenFailed(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	policy := fastPolicy(3)
	p := newPipeline(t, policy)
	p.register(t, "a1", srv.URL+"/flaky.png")
	p.start(t)

	asset := p.waitForStatus(t, "a1", models.CacheAssetFailed)

	assert.Equal(t, int32(policy.TotalFetchBudget()), hits.Load())
	assert.Equal(t, []models.CacheAssetStatus{
		models.CacheAssetCaching, models.CacheAssetCaching, models.CacheAssetCaching, models.CacheAssetFailed,
	}, p.repo.History("a1"))
	require.NotNil(t, asset.ErrorMessage)
	assert.Contains(t, *asset.ErrorMessage, "503")
	assert.Equal(t, 0, p.store.Len())

	job, err := p.queue.GetJob(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, queue.StateFailed, job.State)
	assert.Equal(t, 3, job.Attempts)

	require.Eventually(t, func() bool { return len(p.events.All()) == 1 }, time.Second, 10*time.Millisecond)
	assert.False(t, p.events.All()[0].Success)
}

func TestPipeline_CorruptImageFailsWithoutRetry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("definitely not a png"))
	}))
	defer srv.Close()

	p := newPipeline(t, fastPolicy(3))
	p.register(t, "a1", srv.URL+"/broken.png")
	p.start(t)

	asset := p.waitForStatus(t, "a1", models.CacheAssetFailed)

	assert.Equal(t, int32(1), hits.Load())
	require.NotNil(t, asset.ErrorMessage)
	assert.Contains(t, *asset.ErrorMessage, "hash")
	assert.Equal(t, 0, p.store.Len())

	job, err := p.queue.GetJob(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, 1, job.Attempts)
}

func cacheJob(t *testing.T, p queue.CacheAssetPayload) *queue.Job {
	t.Helper()
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	return &queue.Job{ID: p.CacheAssetID, Type: queue.JobTypeCacheAsset, Payload: raw, Attempts: 1, MaxAttempts: 3}
}

type staticFetcher struct {
	res *download.Result
	err error
}

func (f staticFetcher) Fetch(context.Context, string) (*download.Result, error) {
	return f.res, f.err
}

func TestCacheHandler_NonImageIsNotHashed(t *testing.T) {
	repo := repotest.NewMemory()
	repo.Put(&models.CacheAsset{ID: "doc", OriginalURL: "https://example.com/a.pdf", Status: models.CacheAssetPending})
	store := objectstore.NewMemoryStore("https://cdn.test", "cache")

	h := NewCacheHandler(CacheHandlerConfig{
		Repo: repo,
		Fetcher: staticFetcher{res: &download.Result{
			Data: []byte("%PDF-1.4"), ContentType: "application/pdf", Size: 8, Attempts: 1,
		}},
		Store: store,
	})

	job := cacheJob(t, queue.CacheAssetPayload{OriginalURL: "https://example.com/a.pdf", CacheAssetID: "doc", Folder: "docs", Filename: "a.pdf"})
	require.NoError(t, h.Handle(context.Background(), job))

	a, err := repo.GetByID(context.Background(), "doc")
	require.NoError(t, err)
	assert.Equal(t, models.CacheAssetCached, a.Status)
	assert.Nil(t, a.ImageHash)
	assert.Equal(t, "docs/doc/a.pdf", *a.CacheKey)
}

func TestCacheHandler_UndecodableImageFormatIsCachedWithoutHash(t *testing.T) {
	repo := repotest.NewMemory()
	repo.Put(&models.CacheAsset{ID: "av", OriginalURL: "https://example.com/a.avif", Status: models.CacheAssetPending})

	h := NewCacheHandler(CacheHandlerConfig{
		Repo:    repo,
		Fetcher: staticFetcher{res: &download.Result{Data: []byte("avif"), ContentType: "image/avif", Size: 4}},
		Store:   objectstore.NewMemoryStore("https://cdn.test", "cache"),
	})

	require.NoError(t, h.Handle(context.Background(), cacheJob(t, queue.CacheAssetPayload{OriginalURL: "https://example.com/a.avif", CacheAssetID: "av"})))

	a, err := repo.GetByID(context.Background(), "av")
	require.NoError(t, err)
	assert.Equal(t, models.CacheAssetCached, a.Status)
	assert.Nil(t, a.ImageHash)
}

func TestCacheHandler_MissingAssetIsTerminal(t *testing.T) {
	h := NewCacheHandler(CacheHandlerConfig{
		Repo:    repotest.NewMemory(),
		Fetcher: staticFetcher{err: errors.New("should not be called")},
		Store:   objectstore.NewMemoryStore("https://cdn.test", "cache"),
	})

	err := h.Handle(context.Background(), cacheJob(t, queue.CacheAssetPayload{OriginalURL: "https://example.com/x.jpg", CacheAssetID: "gone"}))
	require.Error(t, err)
	assert.True(t, apperr.IsNotFound(err))
	assert.False(t, apperr.Retryable(err))
}

func TestCacheHandler_DownloadErrorIsRetryable(t *testing.T) {
	repo := repotest.NewMemory()
	repo.Put(&models.CacheAsset{ID: "a1", OriginalURL: "https://example.com/x.jpg", Status: models.CacheAssetPending})

	h := NewCacheHandler(CacheHandlerConfig{
		Repo:    repo,
		Fetcher: staticFetcher{err: &apperr.DownloadError{URL: "https://example.com/x.jpg", StatusCode: 502}},
		Store:   objectstore.NewMemoryStore("https://cdn.test", "cache"),
	})

	err := h.Handle(context.Background(), cacheJob(t, queue.CacheAssetPayload{OriginalURL: "https://example.com/x.jpg", CacheAssetID: "a1"}))
	require.Error(t, err)
	assert.True(t, apperr.Retryable(err))

	a, _ := repo.GetByID(context.Background(), "a1")
	assert.Equal(t, models.CacheAssetCaching, a.Status)
}

func TestCacheHandler_FailedMarksRowAndPublishes(t *testing.T) {
	repo := repotest.NewMemory()
	repo.Put(&models.CacheAsset{ID: "a1", OriginalURL: "https://example.com/x.jpg", Status: models.CacheAssetCaching})
	em := &recordingEmitter{}

	h := NewCacheHandler(CacheHandlerConfig{Repo: repo, Events: em})
	h.Failed(context.Background(), cacheJob(t, queue.CacheAssetPayload{OriginalURL: "https://example.com/x.jpg", CacheAssetID: "a1"}),
		errors.New("lease expired"))

	a, err := repo.GetByID(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, models.CacheAssetFailed, a.Status)
	assert.Equal(t, "lease expired", *a.ErrorMessage)

	evs := em.All()
	require.Len(t, evs, 1)
	assert.False(t, evs[0].Success)
	assert.Equal(t, "lease expired", evs[0].Error)
}

type fakeOCR struct {
	resp *clients.OCRResponse
	err  error
	got  []clients.OCRRequest
}

func (f *fakeOCR) Process(_ context.Context, req clients.OCRRequest) (*clients.OCRResponse, error) {
	f.got = append(f.got, req)
	return f.resp, f.err
}

func ocrJob(t *testing.T, p queue.OCRPayload) *queue.Job {
	t.Helper()
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	return &queue.Job{ID: p.PostID, Type: queue.JobTypeOCR, Payload: raw, Attempts: 1, MaxAttempts: 3}
}

func TestOCRHandler(t *testing.T) {
	payload := queue.OCRPayload{PostID: "p1", ImageURLs: []string{"https://example.com/1.jpg"}}

	t.Run("success publishes ocr_complete", func(t *testing.T) {
		svc := &fakeOCR{resp: &clients.OCRResponse{PostID: "p1", Success: true}}
		em := &recordingEmitter{}
		h := NewOCRHandler(svc, em, nil, logger.Nop())

		require.NoError(t, h.Handle(context.Background(), ocrJob(t, payload)))
		require.Len(t, svc.got, 1)
		assert.Equal(t, payload.ImageURLs, svc.got[0].ImageURLs)

		evs := em.All()
		require.Len(t, evs, 1)
		assert.Equal(t, events.TypeOCRComplete, evs[0].Type)
		assert.Equal(t, "p1", evs[0].EntityID)
		assert.True(t, evs[0].Success)
	})

	t.Run("reported failure completes with success false", func(t *testing.T) {
		em := &recordingEmitter{}
		h := NewOCRHandler(&fakeOCR{resp: &clients.OCRResponse{Success: false, Error: "no text"}}, em, nil, logger.Nop())

		require.NoError(t, h.Handle(context.Background(), ocrJob(t, payload)))
		evs := em.All()
		require.Len(t, evs, 1)
		assert.False(t, evs[0].Success)
		assert.Equal(t, "no text", evs[0].Error)
	})

	t.Run("transport error is returned for retry", func(t *testing.T) {
		em := &recordingEmitter{}
		h := NewOCRHandler(&fakeOCR{err: &apperr.DownloadError{URL: "http://ocr", StatusCode: 503}}, em, nil, logger.Nop())

		err := h.Handle(context.Background(), ocrJob(t, payload))
		require.Error(t, err)
		assert.True(t, apperr.Retryable(err))
		assert.Empty(t, em.All())

		h.Failed(context.Background(), ocrJob(t, payload), err)
		evs := em.All()
		require.Len(t, evs, 1)
		assert.False(t, evs[0].Success)
	})
}
