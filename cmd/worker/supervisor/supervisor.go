// Package supervisor keeps queues moving when no worker is looking: it promotes delayed retries,
// takes jobs back from consumers whose lease expired and exports queue depth.
package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/lyzr/mediacache/common/logger"
	"github.com/lyzr/mediacache/common/metrics"
	"github.com/lyzr/mediacache/common/queue"
)

// Queue is the maintenance surface of one queue family
type Queue interface {
	Name() string
	PromoteDelayed(ctx context.Context) (int, error)
	RecoverExpiredLeases(ctx context.Context) (queue.RecoverResult, error)
	Stats(ctx context.Context) (queue.Stats, error)
	GetJob(ctx context.Context, id string) (*queue.Job, error)
}

// FailureHook is told about jobs that failed because their lease ran out on the last attempt
type FailureHook interface {
	Terminal(ctx context.Context, job *queue.Job, cause error)
}

// Watched pairs a queue with the hook that owns its jobs
type Watched struct {
	Queue Queue
	Hook  FailureHook // optional
}

// Supervisor runs the periodic sweep
type Supervisor struct {
	queues        []Watched
	metrics       *metrics.Metrics
	logger        *logger.Logger
	checkInterval time.Duration
}

// New creates a supervisor
func New(queues []Watched, m *metrics.Metrics, log *logger.Logger) *Supervisor {
	if log == nil {
		log = logger.Nop()
	}
	return &Supervisor{
		queues:        queues,
		metrics:       m,
		logger:        log,
		checkInterval: 5 * time.Second,
	}
}

// WithCheckInterval sets the sweep interval
func (s *Supervisor) WithCheckInterval(interval time.Duration) *Supervisor {
	if interval > 0 {
		s.checkInterval = interval
	}
	return s
}

// Start sweeps every check interval until ctx is done
func (s *Supervisor) Start(ctx context.Context) error {
	s.logger.Info("queue supervisor starting", "check_interval", s.checkInterval, "queues", len(s.queues))

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("queue supervisor shutting down")
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one maintenance pass over every queue
func (s *Supervisor) Sweep(ctx context.Context) {
	for _, w := range s.queues {
		if err := s.sweepQueue(ctx, w); err != nil && ctx.Err() == nil {
			s.logger.Error("queue sweep failed", "queue", w.Queue.Name(), "error", err)
		}
	}
}

func (s *Supervisor) sweepQueue(ctx context.Context, w Watched) error {
	name := w.Queue.Name()

	promoted, err := w.Queue.PromoteDelayed(ctx)
	if err != nil {
		return err
	}
	if promoted > 0 {
		s.logger.Debug("promoted delayed jobs", "queue", name, "count", promoted)
	}

	rec, err := w.Queue.RecoverExpiredLeases(ctx)
	if err != nil {
		return err
	}
	s.metrics.LeaseRecovered(name, rec.Requeued, rec.Failed)
	for _, id := range rec.FailedIDs {
		s.failExpired(ctx, w, id)
	}

	stats, err := w.Queue.Stats(ctx)
	if err != nil {
		return err
	}
	s.metrics.SetQueueJobs(name, string(queue.StateWaiting), stats.Waiting)
	s.metrics.SetQueueJobs(name, string(queue.StateActive), stats.Active)
	s.metrics.SetQueueJobs(name, string(queue.StateDelayed), stats.Delayed)
	s.metrics.SetQueueJobs(name, string(queue.StateCompleted), stats.Completed)
	s.metrics.SetQueueJobs(name, string(queue.StateFailed), stats.Failed)
	return nil
}

func (s *Supervisor) failExpired(ctx context.Context, w Watched, id string) {
	if w.Hook == nil {
		return
	}
	job, err := w.Queue.GetJob(ctx, id)
	if err != nil {
		s.logger.Error("failed to load expired job", "queue", w.Queue.Name(), "job_id", id, "error", err)
		return
	}
	reason := job.FailedReason
	if reason == "" {
		reason = "lease expired"
	}
	s.logger.Warn("job failed after its lease expired", "queue", w.Queue.Name(), "job_id", id, "attempts", job.Attempts)
	w.Hook.Terminal(ctx, job, errors.New(reason))
}
