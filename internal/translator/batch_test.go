package translator

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/subtitle-orchestrator/internal/engine"
	"github.com/MimeLyc/subtitle-orchestrator/internal/retry"
	"github.com/MimeLyc/subtitle-orchestrator/internal/subtitle"
)

var numberedLine = regexp.MustCompile(`(?m)^(\d+)\. (.*)$`)

// fakeModel answers prompts by applying translate to every numbered input
// line, preserving the numbering.
type fakeModel struct {
	mu        sync.Mutex
	calls     int
	translate func(line string) string
	err       error
}

func (m *fakeModel) SimpleChat(_ context.Context, prompt string, _ string) (string, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}

	var sb strings.Builder
	for _, match := range numberedLine.FindAllStringSubmatch(prompt, -1) {
		sb.WriteString(fmt.Sprintf("%s. %s\n", match[1], m.translate(match[2])))
	}
	return sb.String(), nil
}

func (m *fakeModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func fastOptions() Options {
	return Options{
		BatchSize:       25,
		InterBatchDelay: time.Millisecond,
		Policy: retry.Policy{
			MaxAttempts:    2,
			UnchangedRatio: 0.5,
			Backoff:        time.Millisecond,
		},
	}
}

func englishSegments() []subtitle.Segment {
	return []subtitle.Segment{
		seg(0, time.Second, "This is a complete English sentence."),
		seg(time.Second, 2*time.Second, "Here is another one for the detector!"),
		seg(2*time.Second, 3*time.Second, "The weather was lovely today."),
	}
}

func TestTranslate_SkipsWhenSourceMatchesTarget(t *testing.T) {
	model := &fakeModel{translate: func(line string) string { return "should not be called" }}
	translator := NewBatchTranslator(model, fastOptions())

	got, err := translator.Translate(context.Background(), englishSegments(), "en", "en", nil)

	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, ts := range got {
		assert.True(t, ts.SkippedTranslation, "segment %d", i)
		assert.Equal(t, ts.Text, ts.TranslatedText, "segment %d", i)
	}
	assert.Zero(t, model.callCount())
}

func TestTranslate_TranslatesAndPreservesTimings(t *testing.T) {
	model := &fakeModel{translate: func(line string) string { return "traduit: " + line }}
	translator := NewBatchTranslator(model, fastOptions())
	segments := englishSegments()

	got, err := translator.Translate(context.Background(), segments, "en", "fr", nil)

	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, ts := range got {
		assert.Equal(t, segments[i].Start, ts.Start, "segment %d", i)
		assert.Equal(t, segments[i].End, ts.End, "segment %d", i)
		assert.False(t, ts.SkippedTranslation)
		assert.False(t, ts.TranslationFailed)
		assert.NotEqual(t, ts.Text, ts.TranslatedText)
	}
}

func TestTranslate_UnchangedBatchRetriesThenFlagsFailure(t *testing.T) {
	model := &fakeModel{translate: func(line string) string { return line }}
	translator := NewBatchTranslator(model, fastOptions())

	got, err := translator.Translate(context.Background(), englishSegments(), "en", "fr", nil)

	require.NoError(t, err)
	// Initial call plus MaxAttempts escalated retries.
	assert.Equal(t, 3, model.callCount())
	for i, ts := range got {
		assert.True(t, ts.TranslationFailed, "segment %d", i)
		assert.Equal(t, ts.Text, ts.TranslatedText, "segment %d", i)
	}
}

func TestTranslate_OutrightFailureFallsBackToIdentity(t *testing.T) {
	model := &fakeModel{
		translate: func(line string) string { return line },
		err:       engine.NewError(engine.ErrNetwork, "connection reset"),
	}
	translator := NewBatchTranslator(model, fastOptions())

	got, err := translator.Translate(context.Background(), englishSegments(), "en", "fr", nil)

	require.NoError(t, err, "batch failures must not abort the job")
	require.Len(t, got, 3)
	for i, ts := range got {
		assert.True(t, ts.TranslationFailed, "segment %d", i)
		assert.Equal(t, ts.Text, ts.TranslatedText, "segment %d", i)
	}
}

func TestTranslate_MergedSentenceResplitAcrossOriginals(t *testing.T) {
	segments := []subtitle.Segment{
		seg(0, time.Second, "The quick brown"),
		seg(time.Second, 2*time.Second, "fox jumps over"),
		seg(2*time.Second, 3*time.Second, "the lazy dog."),
	}
	model := &fakeModel{translate: func(line string) string {
		return "uno dos tres cuatro cinco seis siete ocho nueve"
	}}
	translator := NewBatchTranslator(model, fastOptions())

	got, err := translator.Translate(context.Background(), segments, "en", "es", nil)

	require.NoError(t, err)
	require.Len(t, got, 3)
	totalWords := 0
	for i, ts := range got {
		totalWords += len(strings.Fields(ts.TranslatedText))
		assert.Equal(t, segments[i].Start, ts.Start)
		assert.Equal(t, segments[i].End, ts.End)
	}
	assert.Equal(t, 9, totalWords)
}

func TestTranslate_CancellationAbortsPipeline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	model := &fakeModel{translate: func(line string) string { return "x " + line }}
	translator := NewBatchTranslator(model, fastOptions())

	_, err := translator.Translate(ctx, []subtitle.Segment{
		seg(0, time.Second, "Ceci est une phrase complète."),
	}, "fr", "en", nil)

	require.Error(t, err)
	assert.True(t, engine.IsCancelled(err))
}

func TestTranslate_ProgressReportedPerBatch(t *testing.T) {
	opts := fastOptions()
	opts.BatchSize = 1

	model := &fakeModel{translate: func(line string) string { return "übersetzt: " + line }}
	translator := NewBatchTranslator(model, opts)

	var mu sync.Mutex
	var progress [][2]int
	onProgress := func(current, total int) {
		mu.Lock()
		progress = append(progress, [2]int{current, total})
		mu.Unlock()
	}

	_, err := translator.Translate(context.Background(), englishSegments(), "en", "de", onProgress)

	require.NoError(t, err)
	require.Len(t, progress, 3)
	assert.Equal(t, [2]int{1, 3}, progress[0])
	assert.Equal(t, [2]int{3, 3}, progress[2])
}

func TestTranslate_RefinementPassMarksSegments(t *testing.T) {
	opts := fastOptions()
	opts.Refine = true

	model := &fakeModel{translate: func(line string) string { return "polished " + line }}
	translator := NewBatchTranslator(model, opts)

	got, err := translator.Translate(context.Background(), englishSegments(), "en", "fr", nil)

	require.NoError(t, err)
	for i, ts := range got {
		assert.True(t, ts.Refined, "segment %d", i)
	}
}

// Short all-numeric batches legitimately come back unchanged; the threshold
// is configurable so such content does not waste retries.
func TestTranslate_AllNumericBatchWithRelaxedThreshold(t *testing.T) {
	opts := fastOptions()
	opts.Policy.UnchangedRatio = 1.0 // never exceeded

	model := &fakeModel{translate: func(line string) string { return line }}
	translator := NewBatchTranslator(model, opts)

	segments := []subtitle.Segment{
		seg(0, time.Second, "42."),
		seg(time.Second, 2*time.Second, "1987."),
	}
	_, err := translator.Translate(context.Background(), segments, "en", "fr", nil)

	require.NoError(t, err)
	assert.Equal(t, 1, model.callCount(), "no escalation retries expected")
}
