// Package queue is a durable Redis-backed job queue with priorities, retry backoff and claim leases.
// Each job family (cache assets, OCR) gets its own Queue; state transitions run as Lua scripts so a
// job id is never active twice.
package queue

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lyzr/mediacache/common/apperr"
	"github.com/lyzr/mediacache/common/logger"
	"github.com/lyzr/mediacache/common/retry"
)

var (
	//go:embed scripts/add.lua
	addLua string
	//go:embed scripts/claim.lua
	claimLua string
	//go:embed scripts/extend.lua
	extendLua string
	//go:embed scripts/complete.lua
	completeLua string
	//go:embed scripts/fail.lua
	failLua string
	//go:embed scripts/promote.lua
	promoteLua string
	//go:embed scripts/recover.lua
	recoverLua string

	addScript      = redis.NewScript(addLua)
	claimScript    = redis.NewScript(claimLua)
	extendScript   = redis.NewScript(extendLua)
	completeScript = redis.NewScript(completeLua)
	failScript     = redis.NewScript(failLua)
	promoteScript  = redis.NewScript(promoteLua)
	recoverScript  = redis.NewScript(recoverLua)
)

const (
	// MaxPriority keeps priority*2^42+seq inside a float64 mantissa
	MaxPriority = 1000

	notifyCap    = 100
	sweepBatch   = 500
	leaseExpired = "lease expired before the job was acknowledged"
)

// ErrLeaseLost is returned when a job is acknowledged by a consumer that no longer holds it
var ErrLeaseLost = errors.New("job lease lost")

// Options configures one queue family
type Options struct {
	Prefix        string
	Name          string
	Type          JobType
	Policy        retry.Policy
	LeaseTimeout  time.Duration
	KeepCompleted int
}

// AddOptions tunes admission of a single job. Lower priority values are claimed first.
type AddOptions struct {
	Priority int
}

// BulkJob is one entry of AddBulk
type BulkJob struct {
	Payload  Payload
	Priority int
}

// BulkResult reports how many bulk entries were admitted
type BulkResult struct {
	Added   int `json:"added"`
	Skipped int `json:"skipped"`
}

// Stats is a point-in-time snapshot; counts are not read under a lock
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Total     int64 `json:"total"`
}

// RecoverResult reports what a lease sweep did
type RecoverResult struct {
	Requeued  int
	Failed    int
	FailedIDs []string // jobs that ran out of attempts; their owners may need cleanup
}

// Queue is one job family
type Queue struct {
	rdb           *redis.Client
	name          string
	base          string
	jobType       JobType
	policy        retry.Policy
	lease         time.Duration
	keepCompleted int
	log           *logger.Logger
	now           func() time.Time
}

// New creates a queue over an injected Redis client. The client's lifecycle belongs to the caller.
func New(rdb *redis.Client, opts Options, log *logger.Logger) (*Queue, error) {
	if rdb == nil {
		return nil, fmt.Errorf("queue %s: redis client is required", opts.Name)
	}
	if opts.Name == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	if !opts.Type.Valid() {
		return nil, fmt.Errorf("queue %s: unknown job type %q", opts.Name, opts.Type)
	}
	if opts.Policy.JobAttempts < 1 {
		opts.Policy = retry.Default()
	}
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = 2 * time.Minute
	}
	if opts.KeepCompleted <= 0 {
		opts.KeepCompleted = 1000
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "mediacache"
	}

	return &Queue{
		rdb:           rdb,
		name:          opts.Name,
		base:          "{" + prefix + ":queue:" + opts.Name + "}",
		jobType:       opts.Type,
		policy:        opts.Policy,
		lease:         opts.LeaseTimeout,
		keepCompleted: opts.KeepCompleted,
		log:           log.With("queue", opts.Name),
		now:           time.Now,
	}, nil
}

// Name returns the queue family name
func (q *Queue) Name() string { return q.name }

// Type returns the only job type this queue admits
func (q *Queue) Type() JobType { return q.jobType }

// Policy returns the retry policy applied on Fail
func (q *Queue) Policy() retry.Policy { return q.policy }

// LeaseTimeout returns how long a claim is valid without an extension
func (q *Queue) LeaseTimeout() time.Duration { return q.lease }

func (q *Queue) nowMs() int64 { return q.now().UnixMilli() }

func (q *Queue) jobKey(id string) string { return q.base + ":job:" + id }

// keys lists the KEYS every script receives, plus the job hash when id is set. The braces in
// base keep them in one cluster slot, which the sweep scripts rely on for job hashes they
// derive from ARGV[1].
func (q *Queue) keys(id string) []string {
	k := []string{
		q.base + ":waiting",
		q.base + ":active",
		q.base + ":delayed",
		q.base + ":completed",
		q.base + ":failed",
		q.base + ":seq",
		q.base + ":notify",
	}
	if id != "" {
		k = append(k, q.jobKey(id))
	}
	return k
}

func (q *Queue) addArgs(p Payload, priority int) ([]any, error) {
	if p == nil {
		return nil, apperr.Validation("payload", "is required")
	}
	if p.Type() != q.jobType {
		return nil, apperr.Validation("type", "queue %s accepts %q jobs, got %q", q.name, q.jobType, p.Type())
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if priority < 0 || priority > MaxPriority {
		return nil, apperr.Validation("priority", "must be between 0 and %d", MaxPriority)
	}

	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.Type(), err)
	}

	return []any{
		q.jobKey(""),
		p.JobID(),
		string(p.Type()),
		string(body),
		priority,
		q.policy.JobAttempts,
		q.nowMs(),
		notifyCap,
	}, nil
}

// Add admits one job. It returns false when a job with the same id is already waiting, delayed or
// active; a completed or failed job with the same id is replaced.
func (q *Queue) Add(ctx context.Context, p Payload, opts AddOptions) (bool, error) {
	args, err := q.addArgs(p, opts.Priority)
	if err != nil {
		return false, err
	}

	added, err := addScript.Run(ctx, q.rdb, q.keys(p.JobID()), args...).Int()
	if err != nil {
		q.log.Error("failed to add job", "job_id", p.JobID(), "error", err)
		return false, fmt.Errorf("add job %s to %s: %w", p.JobID(), q.name, err)
	}

	if added == 0 {
		q.log.Debug("job already queued", "job_id", p.JobID())
		return false, nil
	}
	q.log.Debug("job added", "job_id", p.JobID(), "priority", opts.Priority)
	return true, nil
}

// AddBulk admits many jobs in one MULTI/EXEC round trip with the same per-item admission rule.
// Any invalid entry rejects the whole batch before anything is sent.
func (q *Queue) AddBulk(ctx context.Context, jobs []BulkJob) (BulkResult, error) {
	var result BulkResult
	if len(jobs) == 0 {
		return result, nil
	}

	argSets := make([][]any, len(jobs))
	for i, j := range jobs {
		args, err := q.addArgs(j.Payload, j.Priority)
		if err != nil {
			return result, fmt.Errorf("bulk entry %d: %w", i, err)
		}
		argSets[i] = args
	}

	cmds := make([]*redis.Cmd, len(jobs))
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, args := range argSets {
			cmds[i] = addScript.Eval(ctx, pipe, q.keys(jobs[i].Payload.JobID()), args...)
		}
		return nil
	})
	if err != nil {
		q.log.Error("bulk add failed", "count", len(jobs), "error", err)
		return result, fmt.Errorf("bulk add to %s: %w", q.name, err)
	}

	for _, cmd := range cmds {
		n, err := cmd.Int()
		if err != nil {
			return result, fmt.Errorf("bulk add to %s: %w", q.name, err)
		}
		if n == 1 {
			result.Added++
		} else {
			result.Skipped++
		}
	}

	q.log.Info("bulk jobs added", "added", result.Added, "skipped", result.Skipped)
	return result, nil
}

// Claim takes the next waiting job for consumer and starts its lease. It returns nil when the
// queue is empty.
func (q *Queue) Claim(ctx context.Context, consumer string) (*Job, error) {
	reply, err := claimScript.Run(ctx, q.rdb, q.keys(""), q.jobKey(""), consumer, q.nowMs(), q.lease.Milliseconds()).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim from %s: %w", q.name, err)
	}
	return jobFromFields(fieldsFromReply(reply))
}

// ExtendLease pushes the claim deadline of an active job forward
func (q *Queue) ExtendLease(ctx context.Context, job *Job) error {
	deadline := q.nowMs() + q.lease.Milliseconds()
	ok, err := extendScript.Run(ctx, q.rdb, q.keys(job.ID), q.jobKey(""), job.ID, job.Consumer, deadline).Int()
	if err != nil {
		return fmt.Errorf("extend lease %s: %w", job.ID, err)
	}
	if ok == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Complete acknowledges a job. Only the most recent completed jobs are retained.
func (q *Queue) Complete(ctx context.Context, job *Job) error {
	ok, err := completeScript.Run(ctx, q.rdb, q.keys(job.ID), q.jobKey(""), job.ID, job.Consumer, q.nowMs(), q.keepCompleted).Int()
	if err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	if ok == 0 {
		return ErrLeaseLost
	}
	job.State = StateCompleted
	return nil
}

// Fail records a failed attempt. The job is delayed for the policy backoff when retryable is true
// and attempts remain; otherwise it becomes terminally failed and terminal is true.
func (q *Queue) Fail(ctx context.Context, job *Job, reason string, retryable bool) (terminal bool, err error) {
	retryJob := retryable && !q.policy.Exhausted(job.Attempts)
	var delay time.Duration
	if retryJob {
		delay = q.policy.JobBackoff(job.Attempts)
	}

	flag := "0"
	if retryJob {
		flag = "1"
	}

	res, err := failScript.Run(ctx, q.rdb, q.keys(job.ID),
		q.jobKey(""), job.ID, job.Consumer, q.nowMs(), reason, flag, delay.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	if res == 0 {
		return false, ErrLeaseLost
	}

	job.FailedReason = reason
	if res == 2 {
		job.State = StateFailed
		return true, nil
	}
	job.State = StateDelayed
	q.log.Debug("job scheduled for retry", "job_id", job.ID, "attempt", job.Attempts, "delay", delay)
	return false, nil
}

// PromoteDelayed moves delayed jobs whose backoff has elapsed back to waiting
func (q *Queue) PromoteDelayed(ctx context.Context) (int, error) {
	n, err := promoteScript.Run(ctx, q.rdb, q.keys(""), q.jobKey(""), q.nowMs(), sweepBatch, notifyCap).Int()
	if err != nil {
		return 0, fmt.Errorf("promote delayed in %s: %w", q.name, err)
	}
	return n, nil
}

// RecoverExpiredLeases returns jobs whose claim expired to waiting, or to failed when their
// attempts are spent
func (q *Queue) RecoverExpiredLeases(ctx context.Context) (RecoverResult, error) {
	reply, err := recoverScript.Run(ctx, q.rdb, q.keys(""), q.jobKey(""), q.nowMs(), sweepBatch, leaseExpired, notifyCap).Slice()
	if err != nil {
		return RecoverResult{}, fmt.Errorf("recover leases in %s: %w", q.name, err)
	}
	res := RecoverResult{}
	if len(reply) >= 2 {
		requeued, _ := reply[0].(int64)
		failed, _ := reply[1].(int64)
		res.Requeued, res.Failed = int(requeued), int(failed)
		for _, v := range reply[2:] {
			if id, ok := v.(string); ok {
				res.FailedIDs = append(res.FailedIDs, id)
			}
		}
	}
	if res.Requeued > 0 || res.Failed > 0 {
		q.log.Warn("recovered expired leases", "requeued", res.Requeued, "failed", res.Failed)
	}
	return res, nil
}

// Wait blocks until a job is announced or timeout elapses. It reports whether it was woken.
func (q *Queue) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	_, err := q.rdb.BLPop(ctx, timeout, q.base+":notify").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, fmt.Errorf("wait on %s: %w", q.name, err)
	}
	return true, nil
}

// Stats returns job counts per state
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.rdb.Pipeline()
	waiting := pipe.ZCard(ctx, q.base+":waiting")
	active := pipe.ZCard(ctx, q.base+":active")
	completed := pipe.ZCard(ctx, q.base+":completed")
	failed := pipe.ZCard(ctx, q.base+":failed")
	delayed := pipe.ZCard(ctx, q.base+":delayed")
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("stats for %s: %w", q.name, err)
	}

	s := Stats{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Delayed:   delayed.Val(),
	}
	s.Total = s.Waiting + s.Active + s.Completed + s.Failed + s.Delayed
	return s, nil
}

// GetJob returns a job by id in any state
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	fields, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	job, err := jobFromFields(fields)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, apperr.NotFound("job", id)
	}
	return job, nil
}

// Clear drops every job of this queue, including active ones. Workers holding a claim will get
// ErrLeaseLost when they acknowledge.
func (q *Queue) Clear(ctx context.Context) (int, error) {
	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := q.rdb.Scan(ctx, cursor, q.base+":*", 500).Result()
		if err != nil {
			return deleted, fmt.Errorf("scan %s: %w", q.name, err)
		}
		if len(keys) > 0 {
			n, err := q.rdb.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, fmt.Errorf("clear %s: %w", q.name, err)
			}
			deleted += int(n)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	q.log.Warn("queue cleared", "keys_deleted", deleted)
	return deleted, nil
}
