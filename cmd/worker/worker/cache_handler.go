package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/lyzr/mediacache/common/apperr"
	"github.com/lyzr/mediacache/common/download"
	"github.com/lyzr/mediacache/common/events"
	"github.com/lyzr/mediacache/common/imagehash"
	"github.com/lyzr/mediacache/common/logger"
	"github.com/lyzr/mediacache/common/metrics"
	"github.com/lyzr/mediacache/common/models"
	"github.com/lyzr/mediacache/common/objectstore"
	"github.com/lyzr/mediacache/common/queue"
)

const publishTimeout = 5 * time.Second

// AssetStore is the row lifecycle the cache handler drives
type AssetStore interface {
	MarkCaching(ctx context.Context, id string) error
	MarkCached(ctx context.Context, id string, f models.CachedFields) error
	MarkFailed(ctx context.Context, id, reason string) error
}

// Fetcher downloads one URL
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*download.Result, error)
}

// CacheHandlerConfig wires a CacheHandler
type CacheHandlerConfig struct {
	Repo    AssetStore
	Fetcher Fetcher
	Store   objectstore.Store
	Events  events.Emitter // optional
	Metrics *metrics.Metrics
	Logger  *logger.Logger
}

// CacheHandler copies one external resource into the object store
type CacheHandler struct {
	repo    AssetStore
	fetcher Fetcher
	store   objectstore.Store
	events  events.Emitter
	metrics *metrics.Metrics
	log     *logger.Logger
}

// NewCacheHandler creates the cache_asset handler
func NewCacheHandler(cfg CacheHandlerConfig) *CacheHandler {
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	return &CacheHandler{
		repo:    cfg.Repo,
		fetcher: cfg.Fetcher,
		store:   cfg.Store,
		events:  cfg.Events,
		metrics: cfg.Metrics,
		log:     cfg.Logger,
	}
}

// Handle runs MarkCaching, download, hash, upload and MarkCached for one asset
func (h *CacheHandler) Handle(ctx context.Context, job *queue.Job) error {
	p, err := job.CacheAsset()
	if err != nil {
		return err
	}
	log := h.log.WithAssetID(p.CacheAssetID).With("url", p.OriginalURL, "attempt", job.Attempts)

	if err := h.repo.MarkCaching(ctx, p.CacheAssetID); err != nil {
		log.Error("failed to mark asset caching", "error", err)
		return err
	}

	res, err := h.fetcher.Fetch(ctx, p.OriginalURL)
	if err != nil {
		h.metrics.Download(err, 0)
		log.Warn("download failed", "error", err)
		return err
	}
	h.metrics.Download(nil, res.Size)
	log.Debug("downloaded", "content_type", res.ContentType, "size", res.Size, "fetch_attempts", res.Attempts)

	var hash *string
	switch {
	case imagehash.Hashable(res.ContentType):
		v, err := imagehash.Compute(res.Data)
		if err != nil {
			log.Error("failed to hash image", "content_type", res.ContentType, "error", err)
			return err
		}
		hash = &v
	case imagehash.IsImageContentType(res.ContentType):
		log.Debug("image format cannot be hashed, caching without hash", "content_type", res.ContentType)
	}

	up, err := h.store.Upload(ctx, objectstore.UploadInput{
		Data:        res.Data,
		Folder:      p.Folder,
		Scope:       p.CacheAssetID,
		Filename:    p.Filename,
		ContentType: res.ContentType,
	})
	h.metrics.Upload(err)
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeInternal {
			err = &apperr.UploadError{Err: err}
		}
		log.Error("upload failed", "error", err)
		return err
	}

	if err := h.repo.MarkCached(ctx, p.CacheAssetID, models.CachedFields{
		CacheKey:    up.Key,
		ContentType: res.ContentType,
		FileSize:    res.Size,
		ImageHash:   hash,
	}); err != nil {
		// the key is per asset, so the retry overwrites this blob
		log.Error("failed to mark asset cached", "key", up.Key, "error", err)
		return fmt.Errorf("mark cached: %w", err)
	}

	log.Info("asset cached", "key", up.Key, "size", res.Size, "hashed", hash != nil)
	h.publish(ctx, p.CacheAssetID, nil)
	return nil
}

// Failed records the terminal failure on the asset row and tells subscribers
func (h *CacheHandler) Failed(ctx context.Context, job *queue.Job, cause error) {
	p, err := job.CacheAsset()
	if err != nil {
		h.log.Warn("failed job has an unreadable payload", "job_id", job.ID, "error", err)
		return
	}
	log := h.log.WithAssetID(p.CacheAssetID)

	reason := cause.Error()
	if err := h.repo.MarkFailed(ctx, p.CacheAssetID, reason); err != nil {
		if apperr.IsNotFound(err) {
			log.Info("asset deleted before its job failed")
			return
		}
		log.Error("failed to mark asset failed", "error", err, "reason", reason)
	}
	h.publish(ctx, p.CacheAssetID, cause)
}

func (h *CacheHandler) publish(ctx context.Context, id string, cause error) {
	if h.events == nil {
		return
	}
	ev := events.Event{Type: events.TypeCacheAssetComplete, EntityID: id, Success: cause == nil}
	if cause != nil {
		ev.Error = cause.Error()
	}
	publishEvent(ctx, h.events, h.metrics, h.log, events.ChannelCacheAssets, ev)
}

// publishEvent is best-effort: the job outcome is already durable
func publishEvent(ctx context.Context, em events.Emitter, m *metrics.Metrics, log *logger.Logger, channel string, ev events.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := em.Publish(ctx, channel, ev); err != nil {
		log.Warn("failed to publish event", "channel", channel, "type", ev.Type, "entity_id", ev.EntityID, "error", err)
		return
	}
	m.EventPublished(channel)
}
