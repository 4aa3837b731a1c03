package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJobBackoff_DoublesAndCaps(t *testing.T) {
	p := Policy{BaseDelay: 2 * time.Second, MaxDelay: 10 * time.Second}

	assert.Equal(t, 2*time.Second, p.JobBackoff(1))
	assert.Equal(t, 4*time.Second, p.JobBackoff(2))
	assert.Equal(t, 8*time.Second, p.JobBackoff(3))
	assert.Equal(t, 10*time.Second, p.JobBackoff(4))
	assert.Equal(t, 10*time.Second, p.JobBackoff(30))
	assert.Equal(t, time.Duration(0), p.JobBackoff(0))
}

func TestFetchBackoff_CappedAtFiveSeconds(t *testing.T) {
	p := Default()

	assert.Equal(t, 1*time.Second, p.FetchBackoff(1))
	assert.Equal(t, 2*time.Second, p.FetchBackoff(2))
	assert.Equal(t, 4*time.Second, p.FetchBackoff(3))
	assert.Equal(t, 5*time.Second, p.FetchBackoff(4))
}

func TestTotalFetchBudget(t *testing.T) {
	assert.Equal(t, 3, Default().TotalFetchBudget())

	layered := Default()
	layered.FetchAttempts = 3
	assert.Equal(t, 9, layered.TotalFetchBudget())
}

func TestExhausted(t *testing.T) {
	p := Default()
	assert.False(t, p.Exhausted(1))
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
}

func TestSleep_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Sleep(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}
