package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/MimeLyc/subtitle-orchestrator/internal/subtitle"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Item is one scheduled translation. Terminal statuses are never
// re-entered; a later request for the same (jobIdentifier, targetLanguage)
// while one is pending or processing is rejected, not duplicated.
type Item struct {
	ID             string     `json:"id"`
	JobIdentifier  string     `json:"job_identifier"`
	TargetLanguage string     `json:"target_language"`
	Status         Status     `json:"status"`
	Priority       int        `json:"priority"`
	Error          string     `json:"error,omitempty"`
	AddedAt        time.Time  `json:"added_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// Runner executes one item end-to-end and returns the translated
// subtitles. Satisfied by a closure over router.Run.
type Runner func(ctx context.Context, item *Item) ([]subtitle.TranslatedSegment, error)

// dedupeKey is boundary-safe: distinct tuples never collide even when
// their raw concatenations would.
func dedupeKey(jobIdentifier, targetLanguage string) string {
	return fmt.Sprintf("%d:%s|%d:%s", len(jobIdentifier), jobIdentifier, len(targetLanguage), targetLanguage)
}

func cloneItem(item *Item) *Item {
	if item == nil {
		return nil
	}
	tmp := *item
	return &tmp
}
