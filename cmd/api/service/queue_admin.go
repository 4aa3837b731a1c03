package service

import (
	"context"
	"fmt"

	"github.com/lyzr/mediacache/common/apperr"
	"github.com/lyzr/mediacache/common/logger"
	"github.com/lyzr/mediacache/common/queue"
)

// maxBulkJobs bounds one queue-all request
const maxBulkJobs = 1000

// AdminQueue is the operator surface of one queue
type AdminQueue interface {
	Name() string
	AddBulk(ctx context.Context, jobs []queue.BulkJob) (queue.BulkResult, error)
	Stats(ctx context.Context) (queue.Stats, error)
	Clear(ctx context.Context) (int, error)
	GetJob(ctx context.Context, id string) (*queue.Job, error)
}

// QueueAdminService backs the admin endpoints
type QueueAdminService struct {
	ocr    AdminQueue
	queues map[string]AdminQueue
	log    *logger.Logger
}

// NewQueueAdminService registers the OCR queue plus any other queues by name
func NewQueueAdminService(ocr AdminQueue, others []AdminQueue, log *logger.Logger) *QueueAdminService {
	queues := map[string]AdminQueue{ocr.Name(): ocr}
	for _, q := range others {
		queues[q.Name()] = q
	}
	return &QueueAdminService{ocr: ocr, queues: queues, log: log}
}

// QueueAllOCR enqueues one OCR job per post in a single batch
func (s *QueueAdminService) QueueAllOCR(ctx context.Context, posts []queue.OCRPayload, priority int) (queue.BulkResult, error) {
	if len(posts) == 0 {
		return queue.BulkResult{}, apperr.Validation("posts", "at least one post is required")
	}
	if len(posts) > maxBulkJobs {
		return queue.BulkResult{}, apperr.Validation("posts", "at most %d posts per request", maxBulkJobs)
	}

	jobs := make([]queue.BulkJob, 0, len(posts))
	for _, p := range posts {
		jobs = append(jobs, queue.BulkJob{Payload: p, Priority: priority})
	}

	res, err := s.ocr.AddBulk(ctx, jobs)
	if err != nil {
		return res, err
	}

	s.log.WithContext(ctx).Info("ocr jobs queued",
		"queue", s.ocr.Name(),
		"added", res.Added,
		"skipped", res.Skipped,
	)
	return res, nil
}

// Stats returns a snapshot of one queue
func (s *QueueAdminService) Stats(ctx context.Context, name string) (queue.Stats, error) {
	q, err := s.queue(name)
	if err != nil {
		return queue.Stats{}, err
	}
	return q.Stats(ctx)
}

// Clear drops every job of one queue, including in-flight ones
func (s *QueueAdminService) Clear(ctx context.Context, name string) (int, error) {
	q, err := s.queue(name)
	if err != nil {
		return 0, err
	}

	n, err := q.Clear(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to clear queue %s: %w", name, err)
	}

	s.log.WithContext(ctx).Warn("queue cleared", "queue", name, "keys", n)
	return n, nil
}

// GetJob returns one job of one queue
func (s *QueueAdminService) GetJob(ctx context.Context, name, id string) (*queue.Job, error) {
	q, err := s.queue(name)
	if err != nil {
		return nil, err
	}
	return q.GetJob(ctx, id)
}

func (s *QueueAdminService) queue(name string) (AdminQueue, error) {
	q, ok := s.queues[name]
	if !ok {
		return nil, apperr.NotFound("queue", name)
	}
	return q, nil
}
