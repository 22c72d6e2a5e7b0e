package subtitle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/text/language"
)

func segs(texts ...string) []Segment {
	ret := make([]Segment, len(texts))
	for i, text := range texts {
		ret[i] = Segment{
			Start: time.Duration(i) * time.Second,
			End:   time.Duration(i+1) * time.Second,
			Text:  text,
		}
	}
	return ret
}

func TestDetectLanguage(t *testing.T) {
	english := segs(
		"The quick brown fox jumps over the lazy dog.",
		"This is clearly an English sentence with many words.",
		"Another line of dialogue for the detector to chew on.",
	)
	tag := DetectLanguage(english)
	base, _ := tag.Base()
	assert.Equal(t, "en", base.String())
}

func TestDetectLanguage_Empty(t *testing.T) {
	assert.Equal(t, language.Und, DetectLanguage(nil))
	assert.Equal(t, language.Und, DetectLanguage(segs("", "   ")))
}

func TestDetectLanguage_MajorityWins(t *testing.T) {
	mixed := segs(
		"Ceci est une phrase française avec beaucoup de mots distincts.",
		"Encore une autre phrase française pour renforcer la majorité.",
		"Une troisième phrase française qui confirme la tendance.",
		"One lone English line.",
	)
	tag := DetectLanguage(mixed)
	base, _ := tag.Base()
	assert.Equal(t, "fr", base.String())
}

func TestSameLanguage(t *testing.T) {
	assert.True(t, SameLanguage("en", "en"))
	assert.True(t, SameLanguage("en-US", "en"))
	assert.True(t, SameLanguage("EN", "en-GB"))
	assert.False(t, SameLanguage("en", "fr"))
	assert.False(t, SameLanguage("zh", "ja"))

	// Unparseable values fall back to case-insensitive comparison.
	assert.True(t, SameLanguage("??", "??"))
	assert.False(t, SameLanguage("??", "en"))
}

func TestIdentity(t *testing.T) {
	original := segs("hello", "world")
	identity := Identity(original)

	assert.Len(t, identity, 2)
	for i, seg := range identity {
		assert.Equal(t, original[i].Text, seg.TranslatedText)
		assert.True(t, seg.SkippedTranslation)
		assert.Equal(t, original[i].Start, seg.Start)
		assert.Equal(t, original[i].End, seg.End)
	}
}
