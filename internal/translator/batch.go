package translator

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/MimeLyc/subtitle-orchestrator/internal/engine"
	"github.com/MimeLyc/subtitle-orchestrator/internal/subtitle"
	"github.com/MimeLyc/subtitle-orchestrator/pkg/log"
)

// BatchTranslator turns raw subtitle segments into translated segments via
// the model-call primitive. Batch-level failures degrade to identity
// translations; only cancellation and configuration errors propagate.
type BatchTranslator struct {
	model ModelCaller
	opts  Options
}

func NewBatchTranslator(model ModelCaller, opts Options) *BatchTranslator {
	return &BatchTranslator{
		model: model,
		opts:  opts.withDefaults(),
	}
}

// Translate runs the full pipeline: language pre-check, sentence merge,
// batched model calls with unchanged-ratio retry escalation, proportional
// resplit, and the optional refinement pass.
func (t *BatchTranslator) Translate(
	ctx context.Context,
	segments []subtitle.Segment,
	sourceLang string,
	targetLang string,
	onProgress ProgressFunc,
) ([]subtitle.TranslatedSegment, error) {
	if t.model == nil {
		return nil, engine.NewError(engine.ErrConfiguration, "model caller is not set")
	}
	if len(segments) == 0 {
		return nil, nil
	}

	// Skip the network entirely when the content is already in the target
	// language.
	detected := subtitle.DetectLanguage(segments)
	if detected.String() != "und" && subtitle.SameLanguage(detected.String(), targetLang) {
		log.Info("Detected language %s matches target %s, skipping translation", detected, targetLang)
		return subtitle.Identity(segments), nil
	}

	units := mergeSentences(segments)
	translations, failed, err := t.translateUnits(ctx, units, sourceLang, targetLang, onProgress)
	if err != nil {
		return nil, err
	}

	refined := make([]bool, len(units))
	if t.opts.Refine {
		translations, refined = t.refineUnits(ctx, translations, targetLang)
	}

	return t.assemble(segments, units, translations, failed, refined), nil
}

// translateUnits processes merged units batch by batch, in index order.
// Returns one translation per unit plus a per-unit failure marker.
func (t *BatchTranslator) translateUnits(
	ctx context.Context,
	units []mergedUnit,
	sourceLang string,
	targetLang string,
	onProgress ProgressFunc,
) (translations []string, failed []bool, err error) {
	translations = make([]string, len(units))
	failed = make([]bool, len(units))

	totalBatches := (len(units) + t.opts.BatchSize - 1) / t.opts.BatchSize
	batchIndex := 0

	for start := 0; start < len(units); start += t.opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, nil, engine.WrapError(err, engine.ErrCancelled, "translation cancelled")
		}

		end := min(start+t.opts.BatchSize, len(units))
		batch := units[start:end]

		results, batchErr := t.translateBatch(ctx, units, start, end, sourceLang, targetLang)
		if batchErr != nil {
			if engine.IsCancelled(batchErr) {
				return nil, nil, batchErr
			}
			// Outright failure falls back to identity translation, flagged
			// per segment; it never aborts the job.
			log.Error("Batch %d/%d failed, falling back to identity: %v", batchIndex+1, totalBatches, batchErr)
			for i, unit := range batch {
				translations[start+i] = unit.Text
				failed[start+i] = true
			}
		} else {
			for i := range batch {
				translations[start+i] = results[i].text
				failed[start+i] = results[i].unchanged
			}
		}

		batchIndex++
		if onProgress != nil {
			onProgress(batchIndex, totalBatches)
		}

		if end < len(units) {
			if err := t.sleep(ctx); err != nil {
				return nil, nil, engine.WrapError(err, engine.ErrCancelled, "translation cancelled")
			}
		}
	}

	return translations, failed, nil
}

type unitResult struct {
	text      string
	unchanged bool
}

// translateBatch issues the model call for units[start:end], re-issuing
// with an escalated prompt while too many outputs come back unchanged.
func (t *BatchTranslator) translateBatch(
	ctx context.Context,
	units []mergedUnit,
	start, end int,
	sourceLang string,
	targetLang string,
) ([]unitResult, error) {
	batch := units[start:end]
	retries := 0

	for {
		prompt := t.buildPrompt(units, start, end, sourceLang, targetLang, retries > 0)

		content, err := t.model.SimpleChat(ctx, prompt, t.systemPrompt(sourceLang, targetLang))
		if err != nil {
			return nil, err
		}

		lines := parseNumberedLines(content)
		if len(lines) != len(batch) {
			if t.opts.Policy.ShouldRetry(retries) {
				retries++
				log.Warn("Batch returned %d lines for %d inputs, retrying (%d)", len(lines), len(batch), retries)
				if err := t.opts.Policy.Wait(ctx); err != nil {
					return nil, engine.WrapError(err, engine.ErrCancelled, "translation cancelled")
				}
				continue
			}
			return nil, engine.NewError(engine.ErrTranslationUnchanged,
				fmt.Sprintf("line count mismatch: got %d, want %d", len(lines), len(batch)))
		}

		results := make([]unitResult, len(batch))
		unchanged := 0
		for i, line := range lines {
			same := strings.EqualFold(strings.TrimSpace(line), strings.TrimSpace(batch[i].Text))
			results[i] = unitResult{text: line, unchanged: same}
			if same {
				unchanged++
			}
		}

		if t.opts.Policy.ExceedsUnchangedRatio(unchanged, len(batch)) && t.opts.Policy.ShouldRetry(retries) {
			retries++
			log.Info("Batch came back %d/%d unchanged, escalating retry %d", unchanged, len(batch), retries)
			if err := t.opts.Policy.Wait(ctx); err != nil {
				return nil, engine.WrapError(err, engine.ErrCancelled, "translation cancelled")
			}
			continue
		}

		return results, nil
	}
}

// refineUnits asks the model to improve fluency of already-translated text
// without changing meaning. Only non-empty results are accepted; failures
// leave the first-pass translation in place.
func (t *BatchTranslator) refineUnits(ctx context.Context, translations []string, targetLang string) ([]string, []bool) {
	refined := make([]string, len(translations))
	copy(refined, translations)
	marks := make([]bool, len(translations))

	for start := 0; start < len(translations); start += t.opts.BatchSize {
		if ctx.Err() != nil {
			return refined, marks
		}
		end := min(start+t.opts.BatchSize, len(translations))

		var sb strings.Builder
		sb.WriteString(fmt.Sprintf("Improve the fluency of the following %s subtitle lines without changing their meaning or length. ", targetLang))
		sb.WriteString("Return one line per input, numbered identically.\n\n")
		for i := start; i < end; i++ {
			sb.WriteString(fmt.Sprintf("%d. %s\n", i-start+1, translations[i]))
		}

		content, err := t.model.SimpleChat(ctx, sb.String(), "")
		if err != nil {
			log.Warn("Refinement batch failed, keeping first-pass output: %v", err)
			continue
		}
		lines := parseNumberedLines(content)
		if len(lines) != end-start {
			continue
		}
		for i, line := range lines {
			if strings.TrimSpace(line) != "" {
				refined[start+i] = line
				marks[start+i] = true
			}
		}
	}
	return refined, marks
}

// assemble resplits unit translations back across the original segments,
// preserving each segment's timing.
func (t *BatchTranslator) assemble(
	segments []subtitle.Segment,
	units []mergedUnit,
	translations []string,
	failed []bool,
	refined []bool,
) []subtitle.TranslatedSegment {
	ret := make([]subtitle.TranslatedSegment, len(segments))

	for u, unit := range units {
		if len(unit.Indices) == 1 {
			idx := unit.Indices[0]
			ret[idx] = subtitle.TranslatedSegment{
				Segment:           segments[idx],
				TranslatedText:    translations[u],
				TranslationFailed: failed[u],
				Refined:           refined[u],
			}
			continue
		}

		pieces := resplitTranslation(translations[u], len(unit.Indices))
		for i, idx := range unit.Indices {
			ret[idx] = subtitle.TranslatedSegment{
				Segment:           segments[idx],
				TranslatedText:    pieces[i],
				TranslationFailed: failed[u],
				Refined:           refined[u],
			}
		}
	}

	return ret
}

func (t *BatchTranslator) systemPrompt(sourceLang, targetLang string) string {
	return fmt.Sprintf(
		"You are a professional subtitle translator. Translate subtitles from %s to %s. "+
			"Return ONLY the translated lines, numbered to match the input. "+
			"The number of output lines must exactly match the number of input lines.",
		sourceLang, targetLang)
}

// buildPrompt numbers the batch lines and includes up to ContextChars of
// the immediately surrounding units for coherence.
func (t *BatchTranslator) buildPrompt(
	units []mergedUnit,
	start, end int,
	sourceLang string,
	targetLang string,
	escalated bool,
) string {
	var sb strings.Builder

	if escalated {
		sb.WriteString(fmt.Sprintf(
			"IMPORTANT: You MUST translate every line into %s. Do NOT copy the input unchanged. ", targetLang))
		sb.WriteString("Even names and short phrases must be rendered in the target language where a rendering exists.\n\n")
	} else {
		sb.WriteString(fmt.Sprintf("Translate the following subtitle lines from %s to %s.\n\n", sourceLang, targetLang))
	}

	if start > 0 {
		sb.WriteString("Preceding context: ")
		sb.WriteString(clampTail(units[start-1].Text, t.opts.ContextChars))
		sb.WriteString("\n")
	}
	if end < len(units) {
		sb.WriteString("Following context: ")
		sb.WriteString(clampHead(units[end].Text, t.opts.ContextChars))
		sb.WriteString("\n")
	}
	sb.WriteString("\n")

	for i := start; i < end; i++ {
		sb.WriteString(fmt.Sprintf("%d. %s\n", i-start+1, units[i].Text))
	}

	return sb.String()
}

func clampHead(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}

func clampTail(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[len(runes)-limit:])
}

var enumerationPrefix = regexp.MustCompile(`^\s*\d+\s*[.):]\s*`)

// parseNumberedLines splits model output into one translation per line,
// dropping leading enumerations and blank lines.
func parseNumberedLines(content string) []string {
	var ret []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		ret = append(ret, enumerationPrefix.ReplaceAllString(line, ""))
	}
	return ret
}

func (t *BatchTranslator) sleep(ctx context.Context) error {
	delay := t.opts.InterBatchDelay
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
