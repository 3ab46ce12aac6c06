package index

import (
	"strings"
	"unicode"
)

// Trigrams returns the trigram set of s the way pg_trgm builds it: the text
// is lower-cased and split into alphanumeric words, and each word is padded
// with two leading spaces and one trailing space.
func Trigrams(s string) map[string]struct{} {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(words) == 0 {
		return nil
	}

	set := make(map[string]struct{})
	for _, w := range words {
		runes := []rune("  " + w + " ")
		for i := 0; i+3 <= len(runes); i++ {
			set[string(runes[i:i+3])] = struct{}{}
		}
	}
	return set
}

// Similarity is the trigram similarity of two strings in [0, 1]
func Similarity(a, b string) float64 {
	return setSimilarity(Trigrams(a), Trigrams(b))
}

func setSimilarity(ta, tb map[string]struct{}) float64 {
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	intersection := 0
	for k := range ta {
		if _, ok := tb[k]; ok {
			intersection++
		}
	}
	union := len(ta) + len(tb) - intersection
	return float64(intersection) / float64(union)
}
