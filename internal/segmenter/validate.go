package segmenter

import (
	"strings"
	"unicode"
)

// Normalize lowercases text, drops punctuation and collapses whitespace so
// reconstructions can be compared independent of formatting.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	pendingSpace := false
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			pendingSpace = b.Len() > 0
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			// dropped
		default:
			if pendingSpace {
				b.WriteByte(' ')
				pendingSpace = false
			}
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// Similarity scores how well the segments reconstruct source:
// character-set Jaccard index multiplied by the length ratio of the
// normalized texts. 1.0 means a perfect reconstruction.
func Similarity(source string, segments []Segment) float64 {
	parts := make([]string, len(segments))
	for i, s := range segments {
		parts[i] = s.Text
	}
	return similarity(Normalize(source), Normalize(strings.Join(parts, " ")))
}

// ValidateChunks reports whether segments reconstruct source above the
// acceptance threshold.
func ValidateChunks(source string, segments []Segment) bool {
	return Similarity(source, segments) >= SimilarityThreshold
}

func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}

	setA := charSet(a)
	setB := charSet(b)
	intersection := 0
	for r := range setA {
		if _, ok := setB[r]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	jaccard := float64(intersection) / float64(union)

	la, lb := len([]rune(a)), len([]rune(b))
	ratio := float64(la) / float64(lb)
	if la > lb {
		ratio = float64(lb) / float64(la)
	}

	return jaccard * ratio
}

func charSet(s string) map[rune]struct{} {
	set := make(map[rune]struct{})
	for _, r := range s {
		if r != ' ' {
			set[r] = struct{}{}
		}
	}
	return set
}
