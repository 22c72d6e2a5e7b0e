package translator

import (
	"strings"

	"github.com/MimeLyc/subtitle-orchestrator/internal/subtitle"
)

// sentenceTerminals covers sentence-ending punctuation across scripts:
// Latin, CJK full-width, ellipsis, Arabic question mark, Devanagari danda.
const sentenceTerminals = ".!?。！？…؟।"

// mergedUnit is a run of consecutive segments joined into one sentence for
// translation. Indices records which original segments it subsumes so the
// translation can be resplit exactly.
type mergedUnit struct {
	Text    string
	Indices []int
}

// mergeSentences groups consecutive segments into units ending at
// sentence-terminal punctuation or at the final segment.
func mergeSentences(segments []subtitle.Segment) []mergedUnit {
	var units []mergedUnit
	var texts []string
	var indices []int

	flush := func() {
		if len(indices) == 0 {
			return
		}
		units = append(units, mergedUnit{
			Text:    strings.Join(texts, " "),
			Indices: indices,
		})
		texts = nil
		indices = nil
	}

	for i, seg := range segments {
		texts = append(texts, strings.TrimSpace(seg.Text))
		indices = append(indices, i)
		if endsSentence(seg.Text) || i == len(segments)-1 {
			flush()
		}
	}
	return units
}

func endsSentence(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	runes := []rune(trimmed)
	return strings.ContainsRune(sentenceTerminals, runes[len(runes)-1])
}

// resplitTranslation redistributes a merged translation across the original
// segments by word count proportional to the number of covered originals.
// Original timings are preserved unchanged.
func resplitTranslation(translated string, count int) []string {
	if count <= 1 {
		return []string{translated}
	}

	words := strings.Fields(translated)
	if len(words) == 0 {
		ret := make([]string, count)
		return ret
	}

	ret := make([]string, 0, count)
	perSegment := len(words) / count
	remainder := len(words) % count

	pos := 0
	for i := 0; i < count; i++ {
		take := perSegment
		if i < remainder {
			take++
		}
		end := pos + take
		if i == count-1 {
			end = len(words)
		}
		if pos > len(words) {
			pos = len(words)
		}
		if end > len(words) {
			end = len(words)
		}
		ret = append(ret, strings.Join(words[pos:end], " "))
		pos = end
	}
	return ret
}
