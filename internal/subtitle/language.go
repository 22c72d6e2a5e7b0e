package subtitle

import (
	"strings"

	"github.com/abadojack/whatlanggo"
	"golang.org/x/text/language"
)

// detectSampleSize bounds how many segments feed the language vote.
const detectSampleSize = 20

// DetectLanguage runs a script-based detector over a sample of segments and
// returns the majority language. Used for the pre-translation check that
// skips the network when source and target already match.
func DetectLanguage(segments []Segment) language.Tag {
	if len(segments) == 0 {
		return language.Und
	}

	sample := segments
	if len(sample) > detectSampleSize {
		sample = sample[:detectSampleSize]
	}

	langMap := make(map[string]int)
	for _, seg := range sample {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		lang := whatlanggo.DetectLang(text).Iso6391()
		langMap[lang]++
	}

	var topLang string
	var topCount int
	for lang, count := range langMap {
		if count > topCount {
			topLang = lang
			topCount = count
		}
	}

	if topLang == "" {
		return language.Und
	}
	return language.Make(topLang)
}

// SameLanguage reports whether two language identifiers normalize to the
// same base language (e.g. "en-US" and "en").
func SameLanguage(a, b string) bool {
	tagA, errA := language.Parse(a)
	tagB, errB := language.Parse(b)
	if errA != nil || errB != nil {
		return strings.EqualFold(a, b)
	}
	baseA, confA := tagA.Base()
	baseB, confB := tagB.Base()
	if confA == language.No || confB == language.No {
		return strings.EqualFold(a, b)
	}
	return baseA == baseB
}
