// Package worker claims jobs from one queue family and runs the handler registered for each job type.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lyzr/mediacache/common/apperr"
	"github.com/lyzr/mediacache/common/logger"
	"github.com/lyzr/mediacache/common/metrics"
	"github.com/lyzr/mediacache/common/queue"
	"github.com/lyzr/mediacache/common/retry"
)

const ackTimeout = 10 * time.Second

// Handler processes one job type. Handle is called once per attempt; Failed is called exactly once
// when the job ends in the failed state, whether by error or by an expired lease.
type Handler interface {
	Handle(ctx context.Context, job *queue.Job) error
	Failed(ctx context.Context, job *queue.Job, cause error)
}

// Source is the part of a queue the runner consumes
type Source interface {
	Name() string
	Policy() retry.Policy
	LeaseTimeout() time.Duration
	Claim(ctx context.Context, consumer string) (*queue.Job, error)
	ExtendLease(ctx context.Context, job *queue.Job) error
	Complete(ctx context.Context, job *queue.Job) error
	Fail(ctx context.Context, job *queue.Job, reason string, retryable bool) (bool, error)
	Wait(ctx context.Context, timeout time.Duration) (bool, error)
}

// RunnerConfig wires a Runner
type RunnerConfig struct {
	Queue        Source
	Handlers     map[queue.JobType]Handler
	Concurrency  int
	PollInterval time.Duration
	Metrics      *metrics.Metrics
	Logger       *logger.Logger
}

// Runner drives a bounded number of concurrent slots against one queue
type Runner struct {
	queue       Source
	handlers    map[queue.JobType]Handler
	concurrency int
	poll        time.Duration
	consumer    string
	metrics     *metrics.Metrics
	log         *logger.Logger
}

// NewRunner creates a runner
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("runner: queue is required")
	}
	if len(cfg.Handlers) == 0 {
		return nil, fmt.Errorf("runner %s: at least one handler is required", cfg.Queue.Name())
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}

	consumer := fmt.Sprintf("%s_worker_%s", cfg.Queue.Name(), uuid.New().String()[:8])
	return &Runner{
		queue:       cfg.Queue,
		handlers:    cfg.Handlers,
		concurrency: cfg.Concurrency,
		poll:        cfg.PollInterval,
		consumer:    consumer,
		metrics:     cfg.Metrics,
		log:         cfg.Logger.With("queue", cfg.Queue.Name(), "consumer", consumer),
	}, nil
}

// Consumer returns the name this runner claims jobs under
func (r *Runner) Consumer() string { return r.consumer }

// Run processes jobs until ctx is cancelled. In-flight jobs are finished before it returns.
func (r *Runner) Run(ctx context.Context) error {
	policy := r.queue.Policy()
	r.log.Info("worker starting",
		"concurrency", r.concurrency,
		"job_attempts", policy.JobAttempts,
		"fetch_attempts", policy.FetchAttempts,
		"total_fetch_budget", policy.TotalFetchBudget(),
		"lease_timeout", r.queue.LeaseTimeout())

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.concurrency; i++ {
		g.Go(func() error {
			return r.slot(gctx)
		})
	}
	err := g.Wait()
	r.log.Info("worker stopped")
	return err
}

// Terminal runs the failure hook for a job that failed outside a handler call
func (r *Runner) Terminal(ctx context.Context, job *queue.Job, cause error) {
	h, ok := r.handlers[job.Type]
	if !ok {
		r.log.Warn("no handler for failed job", "job_id", job.ID, "type", job.Type)
		return
	}
	h.Failed(ctx, job, cause)
}

func (r *Runner) slot(ctx context.Context) error {
	claimFailures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		job, err := r.queue.Claim(ctx, r.consumer)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			claimFailures++
			delay := r.queue.Policy().JobBackoff(claimFailures)
			r.log.Error("failed to claim job", "error", err, "retry_in", delay)
			_ = retry.Sleep(ctx, delay)
			continue
		}
		claimFailures = 0

		if job == nil {
			if _, err := r.queue.Wait(ctx, r.poll); err != nil && ctx.Err() == nil {
				r.log.Warn("wait for jobs failed", "error", err)
				_ = retry.Sleep(ctx, r.poll)
			}
			continue
		}

		r.process(ctx, job)
	}
}

// process runs one claimed job to an acknowledgement. The handler keeps running after ctx is
// cancelled so shutdown drains in-flight work; only a lost lease aborts it.
func (r *Runner) process(ctx context.Context, job *queue.Job) {
	log := r.log.WithJobID(r.queue.Name(), job.ID).With("type", job.Type, "attempt", job.Attempts)
	start := time.Now()

	h, ok := r.handlers[job.Type]
	var err error
	if !ok {
		err = apperr.Validation("type", "no handler for job type %q", job.Type)
	} else {
		err = r.runWithLease(ctx, job, h, log)
	}

	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
	defer cancel()

	if errors.Is(err, queue.ErrLeaseLost) {
		log.Warn("lease lost while processing, job belongs to another consumer now")
		r.metrics.ObserveJob(r.queue.Name(), "lease_lost", time.Since(start))
		return
	}

	if err == nil {
		if ackErr := r.queue.Complete(ackCtx, job); ackErr != nil {
			log.Error("failed to complete job", "error", ackErr)
			return
		}
		log.Info("job completed", "duration", time.Since(start))
		r.metrics.ObserveJob(r.queue.Name(), "completed", time.Since(start))
		return
	}

	retryable := apperr.Retryable(err)
	terminal, ackErr := r.queue.Fail(ackCtx, job, err.Error(), retryable)
	if ackErr != nil {
		log.Error("failed to record job failure", "error", ackErr, "cause", err)
		return
	}

	if !terminal {
		log.Warn("job attempt failed, will retry", "error", err, "max_attempts", job.MaxAttempts)
		r.metrics.ObserveJob(r.queue.Name(), "retried", time.Since(start))
		return
	}

	log.Error("job failed", "error", err, "retryable", retryable, "max_attempts", job.MaxAttempts)
	r.metrics.ObserveJob(r.queue.Name(), "failed", time.Since(start))
	if ok {
		h.Failed(ackCtx, job, err)
	}
}

func (r *Runner) runWithLease(ctx context.Context, job *queue.Job, h Handler, log *logger.Logger) error {
	jobCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	defer cancel(nil)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.heartbeat(jobCtx, job, cancel, stop, log)
	}()

	err := h.Handle(jobCtx, job)
	close(stop)
	<-done

	if errors.Is(context.Cause(jobCtx), queue.ErrLeaseLost) {
		return queue.ErrLeaseLost
	}
	return err
}

func (r *Runner) heartbeat(ctx context.Context, job *queue.Job, cancel context.CancelCauseFunc, stop <-chan struct{}, log *logger.Logger) {
	interval := r.queue.LeaseTimeout() / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			extendCtx, done := context.WithTimeout(ctx, ackTimeout)
			err := r.queue.ExtendLease(extendCtx, job)
			done()
			if errors.Is(err, queue.ErrLeaseLost) {
				cancel(queue.ErrLeaseLost)
				return
			}
			if err != nil {
				log.Warn("failed to extend lease", "error", err)
			}
		}
	}
}
