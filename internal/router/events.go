package router

import (
	"github.com/MimeLyc/subtitle-orchestrator/internal/subtitle"
)

// EventKind closes the set of router event variants so consumers can
// switch exhaustively.
type EventKind int

const (
	EventProgress EventKind = iota
	EventSubtitleBatch
	EventResult
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventSubtitleBatch:
		return "subtitles"
	case EventResult:
		return "result"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// BatchInfo identifies one partial batch within a job.
type BatchInfo struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// Progress is the payload of an EventProgress event.
type Progress struct {
	Stage      string     `json:"stage"`
	Message    string     `json:"message"`
	Percent    float64    `json:"percent,omitempty"`
	Step       int        `json:"step,omitempty"`
	TotalSteps int        `json:"totalSteps,omitempty"`
	ETA        string     `json:"eta,omitempty"`
	BatchInfo  *BatchInfo `json:"batchInfo,omitempty"`
}

// Event is one tagged message from the router to its caller. Exactly one
// of the payload fields is meaningful, selected by Kind. The stream always
// terminates with EventResult or EventError.
type Event struct {
	Kind      EventKind
	Progress  *Progress
	Subtitles []subtitle.TranslatedSegment
	BatchInfo *BatchInfo
	Err       error
}

func progressEvent(p Progress) Event {
	return Event{Kind: EventProgress, Progress: &p}
}

func batchEvent(subtitles []subtitle.TranslatedSegment, info BatchInfo) Event {
	return Event{Kind: EventSubtitleBatch, Subtitles: subtitles, BatchInfo: &info}
}

func resultEvent(subtitles []subtitle.TranslatedSegment) Event {
	return Event{Kind: EventResult, Subtitles: subtitles}
}

func errorEvent(err error) Event {
	return Event{Kind: EventError, Err: err}
}
