package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/mediacache/common/logger"
	"github.com/lyzr/mediacache/common/metrics"
	"github.com/lyzr/mediacache/common/queue"
	"github.com/lyzr/mediacache/common/retry"
)

type recordingHook struct {
	mu     sync.Mutex
	jobs   []string
	causes []string
}

func (h *recordingHook) Terminal(_ context.Context, job *queue.Job, cause error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.jobs = append(h.jobs, job.ID)
	h.causes = append(h.causes, cause.Error())
}

func newQueue(t *testing.T, attempts int, lease time.Duration) *queue.Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	policy := retry.Default()
	policy.JobAttempts = attempts
	policy.BaseDelay = time.Millisecond
	policy.MaxDelay = time.Millisecond

	q, err := queue.New(rdb, queue.Options{
		Prefix:       "test",
		Name:         "cache-assets",
		Type:         queue.JobTypeCacheAsset,
		Policy:       policy,
		LeaseTimeout: lease,
	}, logger.Nop())
	require.NoError(t, err)
	return q
}

func addAsset(t *testing.T, q *queue.Queue, id string) {
	t.Helper()
	ok, err := q.Add(context.Background(), queue.CacheAssetPayload{OriginalURL: "https://example.com/" + id, CacheAssetID: id}, queue.AddOptions{})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSweep_FailsExpiredLeaseOnLastAttempt(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t, 1, 10*time.Millisecond)
	addAsset(t, q, "a1")

	job, err := q.Claim(ctx, "dead-consumer")
	require.NoError(t, err)
	require.NotNil(t, job)
	time.Sleep(30 * time.Millisecond)

	hook := &recordingHook{}
	m := metrics.New()
	s := New([]Watched{{Queue: q, Hook: hook}}, m, logger.Nop())
	s.Sweep(ctx)

	assert.Equal(t, []string{"a1"}, hook.jobs)
	require.Len(t, hook.causes, 1)
	assert.Contains(t, hook.causes[0], "lease expired")

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(0), stats.Active)

	assert.Equal(t, 1.0, gaugeValue(t, m, "failed"))
}

func TestSweep_RequeuesExpiredLeaseWithAttemptsLeft(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t, 3, 10*time.Millisecond)
	addAsset(t, q, "a1")

	_, err := q.Claim(ctx, "dead-consumer")
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	hook := &recordingHook{}
	New([]Watched{{Queue: q, Hook: hook}}, nil, logger.Nop()).Sweep(ctx)

	assert.Empty(t, hook.jobs)
	job, err := q.Claim(ctx, "live-consumer")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "a1", job.ID)
	assert.Equal(t, 2, job.Attempts)
}

func TestSweep_PromotesDelayedJobs(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t, 3, time.Minute)
	addAsset(t, q, "a1")

	job, err := q.Claim(ctx, "c1")
	require.NoError(t, err)
	terminal, err := q.Fail(ctx, job, "boom", true)
	require.NoError(t, err)
	require.False(t, terminal)
	time.Sleep(10 * time.Millisecond)

	New([]Watched{{Queue: q}}, nil, logger.Nop()).Sweep(ctx)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Waiting)
	assert.Equal(t, int64(0), stats.Delayed)
}

func TestStart_StopsOnCancel(t *testing.T) {
	q := newQueue(t, 1, time.Minute)
	s := New([]Watched{{Queue: q}}, nil, logger.Nop()).WithCheckInterval(5 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Start(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func gaugeValue(t *testing.T, m *metrics.Metrics, state string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != "mediacache_queue_jobs" {
			continue
		}
		for _, metric := range f.GetMetric() {
			labels := map[string]string{}
			for _, l := range metric.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["queue"] == "cache-assets" && labels["state"] == state {
				return metric.GetGauge().GetValue()
			}
		}
	}
	t.Fatalf("gauge for state %s not found", state)
	return 0
}
