package cache

import (
	"fmt"
	"strings"
)

// Key builds an order- and boundary-safe cache key for a translation job.
// Each component is length-prefixed so distinct tuples can never collide
// the way naive concatenation does (("ab","c") vs ("a","bc")).
func Key(jobID, sourceLang, targetLang string) string {
	parts := []string{jobID, sourceLang, targetLang}
	encoded := make([]string, len(parts))
	for i, part := range parts {
		encoded[i] = fmt.Sprintf("%d:%s", len(part), part)
	}
	return strings.Join(encoded, "|")
}
