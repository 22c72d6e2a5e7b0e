package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MimeLyc/subtitle-orchestrator/internal/engine"
	"github.com/MimeLyc/subtitle-orchestrator/internal/subtitle"
	"github.com/MimeLyc/subtitle-orchestrator/pkg/log"
)

type queueSubmitRequest struct {
	Input queueSubmitInput `json:"input"`
}

type queueSubmitInput struct {
	JobIdentifier   string `json:"jobIdentifier"`
	TargetLanguage  string `json:"targetLanguage"`
	SourceHint      string `json:"sourceHint,omitempty"`
	ForceRegenerate bool   `json:"forceRegenerate,omitempty"`
}

type queueSubmitResponse struct {
	ID string `json:"id"`
}

type queueStatusResponse struct {
	Status string `json:"status"`
	Output *struct {
		Subtitles []subtitle.TranslatedSegment `json:"subtitles,omitempty"`
		Error     string                       `json:"error,omitempty"`
	} `json:"output,omitempty"`
	Error string `json:"error,omitempty"`
}

// runRemoteQueue submits the job to a queue-style endpoint and polls its
// status on a fixed interval. Progress is derived from status transitions
// only, so it is coarser than the streaming tiers.
func (r *Router) runRemoteQueue(ctx context.Context, job Job, events chan<- Event) ([]subtitle.TranslatedSegment, error) {
	jobID, err := r.submitRemoteJob(ctx, job)
	if err != nil {
		return nil, err
	}
	log.Info("Submitted job %s to remote queue as %s", job.ID, jobID)

	events <- progressEvent(Progress{Stage: "queued", Message: "job accepted by remote queue"})

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	lastStatus := "queued"
	for {
		select {
		case <-ctx.Done():
			return nil, engine.WrapError(ctx.Err(), engine.ErrCancelled, "remote queue poll aborted")

		case <-ticker.C:
			status, err := r.pollRemoteStatus(ctx, jobID)
			if err != nil {
				if ctx.Err() != nil {
					return nil, engine.WrapError(err, engine.ErrCancelled, "remote queue poll aborted")
				}
				// Failed polls retry silently until the ceiling.
				log.Debug("Status poll for %s failed, retrying: %v", jobID, err)
				continue
			}

			if status.Status != lastStatus {
				lastStatus = status.Status
				events <- progressEvent(Progress{
					Stage:   status.Status,
					Message: fmt.Sprintf("remote job %s", status.Status),
				})
			}

			switch status.Status {
			case "queued", "running":
				// keep polling
			case "completed":
				if status.Output == nil {
					return nil, engine.NewError(engine.ErrParse, "completed status without output")
				}
				if status.Output.Error != "" {
					return nil, engine.NewError(engine.ErrNetwork, status.Output.Error)
				}
				return status.Output.Subtitles, nil
			case "failed":
				message := status.Error
				if message == "" && status.Output != nil {
					message = status.Output.Error
				}
				if message == "" {
					message = "remote job failed"
				}
				return nil, engine.NewError(engine.ErrNetwork, message)
			case "cancelled":
				return nil, engine.NewError(engine.ErrCancelled, "remote job cancelled")
			default:
				log.Warn("Unknown remote status %q for job %s, continuing", status.Status, jobID)
			}
		}
	}
}

func (r *Router) submitRemoteJob(ctx context.Context, job Job) (string, error) {
	body, err := json.Marshal(queueSubmitRequest{
		Input: queueSubmitInput{
			JobIdentifier:   job.ID,
			TargetLanguage:  job.TargetLang,
			SourceHint:      job.SourceHint,
			ForceRegenerate: job.ForceRegenerate,
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal submit request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.APIURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", engine.WrapError(err, engine.ErrCancelled, "submit aborted")
		}
		return "", engine.WrapError(err, engine.ErrNetwork, "remote queue submit failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", engine.WrapError(err, engine.ErrNetwork, "read submit response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", engine.NewError(engine.ErrNetwork,
			fmt.Sprintf("remote queue submit failed with status %d", resp.StatusCode))
	}

	var submitted queueSubmitResponse
	if err := json.Unmarshal(raw, &submitted); err != nil {
		return "", engine.WrapError(err, engine.ErrParse, "parse submit response")
	}
	if submitted.ID == "" {
		return "", engine.NewError(engine.ErrParse, "remote queue returned no job id")
	}
	return submitted.ID, nil
}

func (r *Router) pollRemoteStatus(ctx context.Context, jobID string) (*queueStatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL(r.cfg.APIURL, jobID), nil)
	if err != nil {
		return nil, err
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status poll returned %d", resp.StatusCode)
	}

	var status queueStatusResponse
	if err := json.Unmarshal(raw, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// statusURL derives the poll endpoint from the submit endpoint: a
// trailing /run segment is replaced by /status/{id}.
func statusURL(apiURL, jobID string) string {
	trimmed := strings.TrimSuffix(apiURL, "/")
	if strings.HasSuffix(trimmed, "/run") {
		return strings.TrimSuffix(trimmed, "/run") + "/status/" + jobID
	}
	return trimmed + "/status/" + jobID
}
