package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldRetry(t *testing.T) {
	policy := Policy{MaxAttempts: 2}

	assert.True(t, policy.ShouldRetry(0))
	assert.True(t, policy.ShouldRetry(1))
	assert.False(t, policy.ShouldRetry(2))
	assert.False(t, policy.ShouldRetry(3))
}

func TestExceedsUnchangedRatio(t *testing.T) {
	policy := Policy{UnchangedRatio: 0.5}

	assert.False(t, policy.ExceedsUnchangedRatio(0, 0))
	assert.False(t, policy.ExceedsUnchangedRatio(5, 10))
	assert.True(t, policy.ExceedsUnchangedRatio(6, 10))
	assert.True(t, policy.ExceedsUnchangedRatio(10, 10))

	// A ratio of 1.0 can never be exceeded: short all-numeric batches
	// stay accepted.
	strict := Policy{UnchangedRatio: 1.0}
	assert.False(t, strict.ExceedsUnchangedRatio(3, 3))
}

func TestWait_RespectsCancellation(t *testing.T) {
	policy := Policy{Backoff: time.Minute}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := policy.Wait(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWait_ZeroBackoffReturnsImmediately(t *testing.T) {
	policy := Policy{}

	start := time.Now()
	require.NoError(t, policy.Wait(context.Background()))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestDefaultPolicy(t *testing.T) {
	policy := DefaultPolicy()
	assert.Equal(t, 2, policy.MaxAttempts)
	assert.Equal(t, 0.5, policy.UnchangedRatio)
	assert.Equal(t, 500*time.Millisecond, policy.Backoff)
}
