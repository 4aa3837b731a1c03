// Package retry holds the single retry policy shared by the queue and the download client.
package retry

import (
	"context"
	"time"

	"github.com/lyzr/mediacache/common/config"
)

// Policy describes the whole retry budget for one job.
// JobAttempts is the number of times the queue runs a job; FetchAttempts is the number of
// HTTP attempts the download client makes inside one job attempt.
type Policy struct {
	JobAttempts   int
	FetchAttempts int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	FetchMaxDelay time.Duration
}

// Default returns the policy used when nothing is configured
func Default() Policy {
	return Policy{
		JobAttempts:   3,
		FetchAttempts: 1,
		BaseDelay:     2 * time.Second,
		MaxDelay:      time.Minute,
		FetchMaxDelay: 5 * time.Second,
	}
}

// FromConfig builds the policy from queue + download settings
func FromConfig(cfg *config.Config) Policy {
	return Policy{
		JobAttempts:   cfg.Queue.Attempts,
		FetchAttempts: cfg.Download.FetchAttempts,
		BaseDelay:     cfg.Queue.BackoffBase,
		MaxDelay:      cfg.Queue.BackoffMax,
		FetchMaxDelay: cfg.Download.FetchMaxBackoff,
	}
}

// JobBackoff returns the delay before job attempt n+1 after attempt n failed (n starts at 1)
func (p Policy) JobBackoff(attempt int) time.Duration {
	return exponential(p.BaseDelay, attempt, p.MaxDelay)
}

// FetchBackoff returns the delay between HTTP attempts inside one job attempt
func (p Policy) FetchBackoff(attempt int) time.Duration {
	base := p.BaseDelay / 2
	if base <= 0 {
		base = p.BaseDelay
	}
	return exponential(base, attempt, p.FetchMaxDelay)
}

// TotalFetchBudget is the worst-case number of downloads for a persistently failing URL
func (p Policy) TotalFetchBudget() int {
	return max(p.JobAttempts, 1) * max(p.FetchAttempts, 1)
}

// Exhausted reports whether attempt is the last one the queue will make
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.JobAttempts
}

func exponential(base time.Duration, attempt int, ceiling time.Duration) time.Duration {
	if base <= 0 || attempt < 1 {
		return 0
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if ceiling > 0 && d >= ceiling {
			return ceiling
		}
	}
	if ceiling > 0 && d > ceiling {
		return ceiling
	}
	return d
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
