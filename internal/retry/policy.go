// Package retry centralizes the retry policy shared by the batch
// translator's escalation loop and the remote-queue status poller.
package retry

import (
	"context"
	"time"
)

// Policy describes how many attempts to make and how long to pause
// between them. UnchangedRatio is the fraction of outputs identical to
// their inputs above which a translation batch is retried; it is a
// heuristic, so callers can tune it (short all-numeric batches trigger
// it legitimately).
type Policy struct {
	MaxAttempts    int
	UnchangedRatio float64
	Backoff        time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    2,
		UnchangedRatio: 0.5,
		Backoff:        500 * time.Millisecond,
	}
}

// ShouldRetry reports whether another attempt is allowed after the given
// number of completed retries.
func (p Policy) ShouldRetry(retriesDone int) bool {
	return retriesDone < p.MaxAttempts
}

// ExceedsUnchangedRatio reports whether unchanged/total crosses the
// retry threshold. A total of zero never triggers.
func (p Policy) ExceedsUnchangedRatio(unchanged, total int) bool {
	if total == 0 {
		return false
	}
	return float64(unchanged)/float64(total) > p.UnchangedRatio
}

// Wait sleeps for the backoff interval or until ctx is cancelled,
// returning ctx.Err in the latter case.
func (p Policy) Wait(ctx context.Context) error {
	if p.Backoff <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(p.Backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
