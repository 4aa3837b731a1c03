package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/mediacache/cmd/api/service"
	"github.com/lyzr/mediacache/common/queue"
)

// AdminHandler serves the queue maintenance endpoints
type AdminHandler struct {
	svc *service.QueueAdminService
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(svc *service.QueueAdminService) *AdminHandler {
	return &AdminHandler{svc: svc}
}

// QueueAllOCRRequest enqueues OCR for many posts
type QueueAllOCRRequest struct {
	Posts    []queue.OCRPayload `json:"posts"`
	Priority int                `json:"priority,omitempty"`
}

// QueueAllOCR bulk-enqueues OCR jobs
// POST /api/admin/ocr/queue-all
func (h *AdminHandler) QueueAllOCR(c echo.Context) error {
	var req QueueAllOCRRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}

	res, err := h.svc.QueueAllOCR(c.Request().Context(), req.Posts, req.Priority)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// Stats returns queue counts
// GET /api/admin/queues/:name/stats
func (h *AdminHandler) Stats(c echo.Context) error {
	stats, err := h.svc.Stats(c.Request().Context(), c.Param("name"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

// Clear drops every job of a queue
// DELETE /api/admin/queues/:name
func (h *AdminHandler) Clear(c echo.Context) error {
	n, err := h.svc.Clear(c.Request().Context(), c.Param("name"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{"keysDeleted": n})
}

// GetJob returns one job
// GET /api/admin/queues/:name/jobs/:id
func (h *AdminHandler) GetJob(c echo.Context) error {
	job, err := h.svc.GetJob(c.Request().Context(), c.Param("name"), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, job)
}
