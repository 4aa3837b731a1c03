package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/mediacache/cmd/api/service"
	"github.com/lyzr/mediacache/common/apperr"
	"github.com/lyzr/mediacache/common/imagehash"
	"github.com/lyzr/mediacache/common/logger"
	"github.com/lyzr/mediacache/common/models"
)

// CacheAssetHandler serves /api/cache-assets
type CacheAssetHandler struct {
	svc *service.CacheAssetService
	log *logger.Logger
}

// NewCacheAssetHandler creates a new cache asset handler
func NewCacheAssetHandler(svc *service.CacheAssetService, log *logger.Logger) *CacheAssetHandler {
	return &CacheAssetHandler{svc: svc, log: log}
}

// CreateCacheAssetRequest is the registration body
type CreateCacheAssetRequest struct {
	OriginalURL string `json:"originalUrl"`
	Folder      string `json:"folder,omitempty"`
	Filename    string `json:"filename,omitempty"`
}

// CacheAssetResponse identifies an asset and its lifecycle state
type CacheAssetResponse struct {
	CacheAssetID string                  `json:"cacheAssetId"`
	Status       models.CacheAssetStatus `json:"status"`
}

// Create registers a URL for caching
// POST /api/cache-assets
// 201 on first registration, 200 when the URL was already known
func (h *CacheAssetHandler) Create(c echo.Context) error {
	var req CreateCacheAssetRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}

	asset, created, err := h.svc.CreateCacheAsset(c.Request().Context(), service.CreateInput{
		OriginalURL: req.OriginalURL,
		Folder:      req.Folder,
		Filename:    req.Filename,
	})
	if err != nil {
		return err
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return c.JSON(status, CacheAssetResponse{CacheAssetID: asset.ID, Status: asset.Status})
}

// Get resolves one id, a batch of ids, or lists assets
// GET /api/cache-assets?id=<id>[&fallback=<url>]
// GET /api/cache-assets?ids=a,b,c
// GET /api/cache-assets?page=&limit=&search=&contentType=
func (h *CacheAssetHandler) Get(c echo.Context) error {
	ctx := c.Request().Context()

	if id := c.QueryParam("id"); id != "" {
		url, err := h.svc.GetURL(ctx, id, c.QueryParam("fallback"))
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, map[string]string{"url": url})
	}

	if raw := c.QueryParam("ids"); raw != "" {
		urls, err := h.svc.GetURLs(ctx, splitIDs(raw))
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, map[string][]string{"urls": urls})
	}

	page, err := intParam(c, "page", 1)
	if err != nil {
		return err
	}
	limit, err := intParam(c, "limit", models.DefaultListLimit)
	if err != nil {
		return err
	}

	res, err := h.svc.List(ctx, models.ListParams{
		Page:        page,
		Limit:       limit,
		Search:      c.QueryParam("search"),
		ContentType: c.QueryParam("contentType"),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// Delete removes assets and their blobs
// DELETE /api/cache-assets?ids=a,b,c
func (h *CacheAssetHandler) Delete(c echo.Context) error {
	ids := splitIDs(c.QueryParam("ids"))
	deleted, err := h.svc.Delete(c.Request().Context(), ids)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{"deleted": deleted})
}

// Lookup finds the asset registered for a URL
// GET /api/cache-assets/lookup?url=<originalUrl>
func (h *CacheAssetHandler) Lookup(c echo.Context) error {
	raw := c.QueryParam("url")
	asset, err := h.svc.GetCacheAssetByURL(c.Request().Context(), raw)
	if err != nil {
		return err
	}
	if asset == nil {
		return apperr.NotFound("cache asset", raw)
	}
	return c.JSON(http.StatusOK, asset)
}

// Retry re-enqueues a FAILED asset
// POST /api/cache-assets/:id/retry
func (h *CacheAssetHandler) Retry(c echo.Context) error {
	asset, err := h.svc.Retry(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, CacheAssetResponse{CacheAssetID: asset.ID, Status: asset.Status})
}

// Similar lists perceptual-hash neighbours of an asset
// GET /api/cache-assets/:id/similar?threshold=5
func (h *CacheAssetHandler) Similar(c echo.Context) error {
	threshold, err := intParam(c, "threshold", imagehash.DefaultSimilarityThreshold)
	if err != nil {
		return err
	}

	items, err := h.svc.FindSimilar(c.Request().Context(), c.Param("id"), threshold)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"items":     items,
		"threshold": threshold,
	})
}

func splitIDs(raw string) []string {
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func intParam(c echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Validation(name, "must be an integer")
	}
	return n, nil
}
