package translator

import (
	"context"
	"time"

	"github.com/MimeLyc/subtitle-orchestrator/internal/retry"
)

// ModelCaller is the model-call primitive. Satisfied by llm.Client.
type ModelCaller interface {
	SimpleChat(ctx context.Context, prompt string, systemPrompt string) (string, error)
}

// ProgressFunc reports batch progress: current completed batch and total.
type ProgressFunc func(current, total int)

// Options configures the batch translation pipeline. Zero values fall back
// to the documented defaults.
type Options struct {
	BatchSize       int           // merged units per model call (default 25)
	ContextChars    int           // chars of surrounding context in prompts (default 100)
	InterBatchDelay time.Duration // client-side rate limiting pause (default 300ms)
	Refine          bool          // run the optional fluency pass
	Policy          retry.Policy
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 25
	}
	if o.ContextChars <= 0 {
		o.ContextChars = 100
	}
	if o.InterBatchDelay <= 0 {
		o.InterBatchDelay = 300 * time.Millisecond
	}
	if o.Policy.MaxAttempts == 0 && o.Policy.UnchangedRatio == 0 {
		o.Policy = retry.DefaultPolicy()
	}
	return o
}
