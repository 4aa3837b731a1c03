package worker

import (
	"context"

	"github.com/lyzr/mediacache/common/clients"
	"github.com/lyzr/mediacache/common/events"
	"github.com/lyzr/mediacache/common/logger"
	"github.com/lyzr/mediacache/common/metrics"
	"github.com/lyzr/mediacache/common/queue"
)

// OCRProcessor runs text extraction for a post
type OCRProcessor interface {
	Process(ctx context.Context, req clients.OCRRequest) (*clients.OCRResponse, error)
}

// OCRHandler forwards ocr jobs to the extraction service
type OCRHandler struct {
	ocr     OCRProcessor
	events  events.Emitter
	metrics *metrics.Metrics
	log     *logger.Logger
}

// NewOCRHandler creates the ocr handler; em may be nil
func NewOCRHandler(ocr OCRProcessor, em events.Emitter, m *metrics.Metrics, log *logger.Logger) *OCRHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &OCRHandler{ocr: ocr, events: em, metrics: m, log: log}
}

// Handle sends the post to the OCR service. A response with success=false completes the job:
// the service saw the post and reported on it, so running it again would not change the answer.
func (h *OCRHandler) Handle(ctx context.Context, job *queue.Job) error {
	p, err := job.OCR()
	if err != nil {
		return err
	}
	log := h.log.With("post_id", p.PostID, "attempt", job.Attempts, "images", len(p.ImageURLs))

	resp, err := h.ocr.Process(ctx, clients.OCRRequest{PostID: p.PostID, ImageURLs: p.ImageURLs})
	if err != nil {
		log.Warn("OCR request failed", "error", err)
		return err
	}

	ev := events.Event{Type: events.TypeOCRComplete, EntityID: p.PostID, Success: resp.Success, Error: resp.Error}
	if resp.Success {
		log.Info("OCR complete")
	} else {
		log.Warn("OCR service reported failure", "error", resp.Error)
	}
	h.publish(ctx, ev)
	return nil
}

// Failed tells subscribers the post will not be processed
func (h *OCRHandler) Failed(ctx context.Context, job *queue.Job, cause error) {
	postID := job.ID
	if p, err := job.OCR(); err == nil {
		postID = p.PostID
	}
	h.publish(ctx, events.Event{Type: events.TypeOCRComplete, EntityID: postID, Success: false, Error: cause.Error()})
}

func (h *OCRHandler) publish(ctx context.Context, ev events.Event) {
	if h.events == nil {
		return
	}
	publishEvent(ctx, h.events, h.metrics, h.log, events.ChannelOCR, ev)
}
