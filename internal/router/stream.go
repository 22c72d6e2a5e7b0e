package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MimeLyc/subtitle-orchestrator/internal/engine"
	"github.com/MimeLyc/subtitle-orchestrator/internal/sse"
	"github.com/MimeLyc/subtitle-orchestrator/internal/subtitle"
	"github.com/MimeLyc/subtitle-orchestrator/pkg/log"
)

// streamRequest is the body of a combined fetch+translate request.
type streamRequest struct {
	JobIdentifier   string `json:"jobIdentifier"`
	SourceLanguage  string `json:"sourceLanguage,omitempty"`
	TargetLanguage  string `json:"targetLanguage"`
	SourceHint      string `json:"sourceHint,omitempty"`
	ForceRegenerate bool   `json:"forceRegenerate,omitempty"`
	Progressive     bool   `json:"progressive,omitempty"`
}

// streamPayload is the envelope decoded from every data field. Exactly one
// of the terminal members (Result, Error) is set on the last event; batch
// events carry Stage == "subtitles".
type streamPayload struct {
	Stage      string                       `json:"stage,omitempty"`
	Message    string                       `json:"message,omitempty"`
	Percent    float64                      `json:"percent,omitempty"`
	Step       int                          `json:"step,omitempty"`
	TotalSteps int                          `json:"totalSteps,omitempty"`
	ETA        string                       `json:"eta,omitempty"`
	Subtitles  []subtitle.TranslatedSegment `json:"subtitles,omitempty"`
	BatchInfo  *BatchInfo                   `json:"batchInfo,omitempty"`
	Result     *struct {
		Subtitles []subtitle.TranslatedSegment `json:"subtitles"`
	} `json:"result,omitempty"`
	Error string `json:"error,omitempty"`
}

// runStream executes the Combined and Streaming tiers: one request whose
// response is an event stream. Progressive mode forwards partial subtitle
// batches as they arrive; if the stream ends without a terminal result but
// partials were received, the accumulation is the result.
func (r *Router) runStream(ctx context.Context, job Job, events chan<- Event, progressive bool) ([]subtitle.TranslatedSegment, error) {
	body, err := json.Marshal(streamRequest{
		JobIdentifier:   job.ID,
		SourceLanguage:  job.SourceLang,
		TargetLanguage:  job.TargetLang,
		SourceHint:      job.SourceHint,
		ForceRegenerate: job.ForceRegenerate,
		Progressive:     progressive,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal stream request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.APIURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create stream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, engine.WrapError(err, engine.ErrCancelled, "stream request aborted")
		}
		return nil, engine.WrapError(err, engine.ErrNetwork, "stream request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, engine.NewError(engine.ErrNetwork,
			fmt.Sprintf("stream request failed with status %d", resp.StatusCode))
	}

	return r.consumeStream(ctx, resp.Body, events, progressive)
}

func (r *Router) consumeStream(ctx context.Context, stream io.Reader, events chan<- Event, progressive bool) ([]subtitle.TranslatedSegment, error) {
	chunks := make(chan []byte)
	readErrs := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := stream.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case chunks <- chunk:
				case <-done:
					return
				}
			}
			if err != nil {
				select {
				case readErrs <- err:
				case <-done:
				}
				return
			}
		}
	}()

	var accumulated []subtitle.TranslatedSegment
	remainder := ""

	// The inactivity timeout resets on every received chunk: long model
	// inference phases are silent legitimately, a dead connection is not.
	inactivity := time.NewTimer(r.cfg.InactivityTimeout)
	defer inactivity.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, engine.WrapError(ctx.Err(), engine.ErrCancelled, "stream aborted")

		case <-inactivity.C:
			return nil, engine.NewError(engine.ErrTimeout, "stream inactive past the stall ceiling")

		case err := <-readErrs:
			if err == io.EOF {
				if progressive && len(accumulated) > 0 {
					// Graceful degradation: the transport died after
					// delivering usable partial batches.
					log.Warn("Stream ended without terminal result, returning %d accumulated subtitles", len(accumulated))
					return accumulated, nil
				}
				return nil, engine.NewError(engine.ErrNetwork, "stream ended without a result event")
			}
			if ctx.Err() != nil {
				return nil, engine.WrapError(err, engine.ErrCancelled, "stream aborted")
			}
			return nil, engine.WrapError(err, engine.ErrNetwork, "stream read failed")

		case chunk := <-chunks:
			if !inactivity.Stop() {
				<-inactivity.C
			}
			inactivity.Reset(r.cfg.InactivityTimeout)

			var parsed []sse.Event
			parsed, remainder = sse.Parse(remainder + string(chunk))
			for _, event := range parsed {
				result, terminalErr, doneStream := r.handleStreamEvent(event, events, progressive, &accumulated)
				if terminalErr != nil {
					return nil, terminalErr
				}
				if doneStream {
					return result, nil
				}
			}
		}
	}
}

// handleStreamEvent interprets one framed event. Malformed payloads are
// logged and skipped; the stream continues.
func (r *Router) handleStreamEvent(
	event sse.Event,
	events chan<- Event,
	progressive bool,
	accumulated *[]subtitle.TranslatedSegment,
) (result []subtitle.TranslatedSegment, terminalErr error, done bool) {
	if event.Data == "" {
		return nil, nil, false
	}

	var payload streamPayload
	if err := json.Unmarshal([]byte(event.Data), &payload); err != nil {
		log.Warn("Skipping malformed stream payload: %v", err)
		return nil, nil, false
	}

	switch {
	case payload.Error != "":
		return nil, engine.NewError(engine.ErrNetwork, payload.Error), false

	case payload.Result != nil:
		return payload.Result.Subtitles, nil, true

	case payload.Stage == "subtitles":
		*accumulated = append(*accumulated, payload.Subtitles...)
		if progressive {
			info := BatchInfo{}
			if payload.BatchInfo != nil {
				info = *payload.BatchInfo
			}
			events <- batchEvent(payload.Subtitles, info)
		}
		return nil, nil, false

	default:
		events <- progressEvent(Progress{
			Stage:      payload.Stage,
			Message:    payload.Message,
			Percent:    payload.Percent,
			Step:       payload.Step,
			TotalSteps: payload.TotalSteps,
			ETA:        payload.ETA,
			BatchInfo:  payload.BatchInfo,
		})
		return nil, nil, false
	}
}
