package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinator_AcquireReturnsSameContextPerKey(t *testing.T) {
	c := NewCoordinator(context.Background())

	first := c.Acquire("tab-1")
	second := c.Acquire("tab-1")
	other := c.Acquire("tab-2")

	assert.Equal(t, first, second)
	assert.NotSame(t, first, other)
}

func TestCoordinator_CancelSignalsAndRemoves(t *testing.T) {
	c := NewCoordinator(context.Background())

	ctx := c.Acquire("tab-1")
	c.Cancel("tab-1")

	require.Error(t, ctx.Err())
	assert.False(t, c.Active("tab-1"))

	// A new acquisition gets a fresh, uncancelled context.
	fresh := c.Acquire("tab-1")
	assert.NoError(t, fresh.Err())
}

func TestCoordinator_ClearBySoleHolderReleasesContext(t *testing.T) {
	c := NewCoordinator(context.Background())

	ctx := c.Acquire("tab-1")
	c.Clear("tab-1")

	// The spent context is detached from the base context instead of
	// accumulating for the process lifetime.
	assert.Error(t, ctx.Err())
	assert.False(t, c.Active("tab-1"))

	fresh := c.Acquire("tab-1")
	assert.NoError(t, fresh.Err())
}

func TestCoordinator_ClearDoesNotSignalRemainingHolders(t *testing.T) {
	c := NewCoordinator(context.Background())

	first := c.Acquire("tab-1")
	second := c.Acquire("tab-1")
	require.Equal(t, first, second)

	c.Clear("tab-1")
	assert.NoError(t, first.Err())
	assert.True(t, c.Active("tab-1"))

	c.Clear("tab-1")
	assert.Error(t, first.Err())
	assert.False(t, c.Active("tab-1"))
}

func TestCoordinator_ClearUnknownKeyIsANoOp(t *testing.T) {
	c := NewCoordinator(context.Background())
	c.Clear("never-acquired")
	assert.False(t, c.Active("never-acquired"))
}

func TestCoordinator_CancelledTokenNeverReused(t *testing.T) {
	c := NewCoordinator(context.Background())

	stale := c.Acquire("tab-1")
	c.Cancel("tab-1")

	fresh := c.Acquire("tab-1")
	assert.NotEqual(t, stale, fresh)
	assert.NoError(t, fresh.Err())
	assert.Error(t, stale.Err())
}

func TestCoordinator_CancelAll(t *testing.T) {
	c := NewCoordinator(context.Background())

	a := c.Acquire("a")
	b := c.Acquire("b")
	c.CancelAll()

	assert.Error(t, a.Err())
	assert.Error(t, b.Err())
	assert.False(t, c.Active("a"))
	assert.False(t, c.Active("b"))
}
