package core

import (
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
)

// NormalizeTitle lowercases, strips punctuation, and collapses whitespace
// runs. Used for fuzzy duplicate detection at ingestion and dispatch time.
func NormalizeTitle(title string) string {
	var b strings.Builder
	b.Grow(len(title))
	lastSpace := true
	for _, r := range strings.ToLower(title) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		default:
			// punctuation dropped
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// TitleSimilarity returns a similarity in [0,1] between two already-normalized
// titles: 1 - editDistance/maxLen. Two empty titles are not considered similar.
func TitleSimilarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	maxLen := len([]rune(a))
	if l := len([]rune(b)); l > maxLen {
		maxLen = l
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(maxLen)
}
