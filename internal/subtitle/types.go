package subtitle

import "time"

// Segment is a single timed subtitle unit as produced by the upstream
// source. Immutable once produced; End is always after Start.
type Segment struct {
	Start   time.Duration `json:"start"`
	End     time.Duration `json:"end"`
	Text    string        `json:"text"`
	Speaker string        `json:"speaker,omitempty"`
}

// TranslatedSegment is a Segment plus its translation and outcome flags.
// Values are never mutated after creation; a new value replaces an old one.
type TranslatedSegment struct {
	Segment
	TranslatedText     string `json:"translatedText"`
	SkippedTranslation bool   `json:"skippedTranslation,omitempty"`
	TranslationFailed  bool   `json:"translationFailed,omitempty"`
	Refined            bool   `json:"refined,omitempty"`
}

// Identity returns segments passed through untranslated, flagged as skipped.
func Identity(segments []Segment) []TranslatedSegment {
	ret := make([]TranslatedSegment, len(segments))
	for i, seg := range segments {
		ret[i] = TranslatedSegment{
			Segment:            seg,
			TranslatedText:     seg.Text,
			SkippedTranslation: true,
		}
	}
	return ret
}
