// Package textsim holds token-set similarity helpers shared by fusion and dedupe.
package textsim

import (
	"strings"
	"unicode"
)

// Tokens returns the set of lower-cased alphanumeric words in text
func Tokens(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, f := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		set[f] = struct{}{}
	}
	return set
}

// Jaccard is |A∩B| / |A∪B| over token sets. Two empty texts are identical.
func Jaccard(a, b string) float64 {
	return JaccardSets(Tokens(a), Tokens(b))
}

// JaccardSets computes Jaccard similarity for precomputed token sets
func JaccardSets(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	inter := 0
	for tok := range small {
		if _, ok := large[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
