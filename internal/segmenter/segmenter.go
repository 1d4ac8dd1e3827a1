// Package segmenter splits long text into ordered, size-bounded segments at
// natural boundaries so each one can be rendered on its own.
package segmenter

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/lexiqai/narrator/internal/observability"
)

// Strategy selects which boundaries are tried first
type Strategy string

const (
	StrategyParagraph Strategy = "paragraph"
	StrategySentence  Strategy = "sentence"
	StrategyHybrid    Strategy = "hybrid"
)

// SimilarityThreshold is the minimum reconstruction score a structured split
// must reach before it is accepted.
const SimilarityThreshold = 0.85

// Segment is one bounded slice of the source text. Offsets are byte
// positions in the original document; sizes are measured in runes.
type Segment struct {
	Index       int    `json:"index"`
	Text        string `json:"text"`
	StartOffset int    `json:"start_offset"`
	EndOffset   int    `json:"end_offset"`
}

// Len returns the segment length in runes
func (s Segment) Len() int {
	return utf8.RuneCountInString(s.Text)
}

// ParseStrategy maps a config value onto a Strategy
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyParagraph:
		return StrategyParagraph, nil
	case StrategySentence:
		return StrategySentence, nil
	case StrategyHybrid, "":
		return StrategyHybrid, nil
	default:
		return "", fmt.Errorf("unknown segmentation strategy %q", s)
	}
}

// Segmenter holds the logger used to report fallbacks
type Segmenter struct {
	logger zerolog.Logger
}

// New creates a segmenter logging through logger
func New(logger zerolog.Logger) *Segmenter {
	return &Segmenter{logger: logger}
}

// Split splits text using a component logger
func Split(text string, maxSize, minSize int, strategy Strategy) []Segment {
	return New(observability.ComponentLogger("segmenter")).Split(text, maxSize, minSize, strategy)
}

// span is a half-open byte range of the source text
type span struct {
	start, end int
}

// Split returns the ordered segments of text. It never fails: when the
// structured split does not reconstruct the source well enough it falls
// back to fixed-width splitting at word boundaries.
func (s *Segmenter) Split(text string, maxSize, minSize int, strategy Strategy) []Segment {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if maxSize <= 0 {
		maxSize = utf8.RuneCountInString(text)
	}
	if minSize < 0 || minSize > maxSize {
		minSize = 0
	}

	var spans []span
	switch strategy {
	case StrategyParagraph:
		for _, p := range paragraphs(text) {
			spans = append(spans, forceSplit(text, p, maxSize)...)
		}
	case StrategySentence:
		spans = pack(text, sentencesOf(text, span{0, len(text)}), maxSize)
	default:
		for _, p := range paragraphs(text) {
			if runeLen(text, p) <= maxSize {
				spans = append(spans, p)
				continue
			}
			spans = append(spans, pack(text, sentencesOf(text, p), maxSize)...)
		}
	}

	spans = mergeSmall(text, spans, minSize, maxSize)
	segments := toSegments(text, spans)

	score := Similarity(text, segments)
	if score < SimilarityThreshold {
		s.logger.Warn().
			Float64("similarity", score).
			Str("strategy", string(strategy)).
			Msg("Segmentation fallback: structured split did not reconstruct source")
		observability.RecordSegmentationFallback()
		segments = toSegments(text, fixedWidth(text, span{0, len(text)}, maxSize))
	}

	return segments
}

// paragraphs splits on blank lines
func paragraphs(text string) []span {
	var out []span
	start := 0
	i := 0
	for i < len(text) {
		if text[i] != '\n' {
			i++
			continue
		}
		// Look for another newline separated only by horizontal whitespace
		j := i + 1
		for j < len(text) && (text[j] == ' ' || text[j] == '\t' || text[j] == '\r') {
			j++
		}
		if j < len(text) && text[j] == '\n' {
			out = appendTrimmed(out, text, span{start, i})
			for j < len(text) && isSpaceByte(text[j]) {
				j++
			}
			start = j
			i = j
			continue
		}
		i++
	}
	return appendTrimmed(out, text, span{start, len(text)})
}

// sentencesOf splits a span after terminal punctuation that is followed by
// whitespace and an uppercase letter.
func sentencesOf(text string, sp span) []span {
	var out []span
	start := sp.start
	i := sp.start
	for i < sp.end {
		r, size := utf8.DecodeRuneInString(text[i:sp.end])
		if r != '.' && r != '!' && r != '?' {
			i += size
			continue
		}

		// Absorb runs like "?!" or "..." and closing quotes/brackets
		end := i + size
		for end < sp.end {
			r2, s2 := utf8.DecodeRuneInString(text[end:sp.end])
			if r2 == '.' || r2 == '!' || r2 == '?' || r2 == '"' || r2 == '\'' || r2 == ')' || r2 == '”' || r2 == '’' {
				end += s2
				continue
			}
			break
		}

		ws := end
		for ws < sp.end {
			r2, s2 := utf8.DecodeRuneInString(text[ws:sp.end])
			if !unicode.IsSpace(r2) {
				break
			}
			ws += s2
		}

		if ws > end && ws < sp.end {
			next, _ := utf8.DecodeRuneInString(text[ws:sp.end])
			if unicode.IsUpper(next) || next == '"' || next == '“' {
				out = appendTrimmed(out, text, span{start, end})
				start = ws
			}
		}
		i = end
	}
	return appendTrimmed(out, text, span{start, sp.end})
}

// pack greedily joins consecutive spans while they fit in maxSize; any span
// still too large is force split.
func pack(text string, parts []span, maxSize int) []span {
	var out []span
	var cur *span
	for _, p := range parts {
		if runeLen(text, p) > maxSize {
			if cur != nil {
				out = append(out, *cur)
				cur = nil
			}
			out = append(out, forceSplit(text, p, maxSize)...)
			continue
		}
		if cur == nil {
			c := p
			cur = &c
			continue
		}
		joined := span{cur.start, p.end}
		if runeLen(text, joined) <= maxSize {
			cur = &joined
			continue
		}
		out = append(out, *cur)
		c := p
		cur = &c
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out
}

// forceSplit cuts a span into pieces of at most maxSize runes, preferring the
// last whitespace or punctuation before the limit.
func forceSplit(text string, sp span, maxSize int) []span {
	var out []span
	for sp.start < sp.end {
		if runeLen(text, sp) <= maxSize {
			out = appendTrimmed(out, text, sp)
			break
		}

		limit := advanceRunes(text, sp.start, maxSize)
		cut := -1
		for i := limit; i > sp.start; {
			r, size := utf8.DecodeLastRuneInString(text[sp.start:i])
			if unicode.IsSpace(r) {
				cut = i - size
				break
			}
			if isBreakPunct(r) {
				cut = i
				break
			}
			i -= size
		}
		if cut <= sp.start {
			cut = limit
		}

		out = appendTrimmed(out, text, span{sp.start, cut})
		sp.start = cut
		for sp.start < sp.end {
			r, size := utf8.DecodeRuneInString(text[sp.start:sp.end])
			if !unicode.IsSpace(r) {
				break
			}
			sp.start += size
		}
	}
	return out
}

// fixedWidth is the fallback splitter: word-boundary cuts only.
func fixedWidth(text string, sp span, maxSize int) []span {
	var out []span
	for sp.start < sp.end {
		for sp.start < sp.end && isSpaceByte(text[sp.start]) {
			sp.start++
		}
		if sp.start >= sp.end {
			break
		}
		if runeLen(text, sp) <= maxSize {
			out = appendTrimmed(out, text, sp)
			break
		}
		limit := advanceRunes(text, sp.start, maxSize)
		cut := strings.LastIndexFunc(text[sp.start:limit], unicode.IsSpace)
		if cut <= 0 {
			cut = limit
		} else {
			cut += sp.start
		}
		out = appendTrimmed(out, text, span{sp.start, cut})
		sp.start = cut
	}
	return out
}

// mergeSmall folds spans shorter than minSize into their successor when the
// combined span still fits.
func mergeSmall(text string, spans []span, minSize, maxSize int) []span {
	if minSize <= 0 || len(spans) < 2 {
		return spans
	}
	out := make([]span, 0, len(spans))
	cur := spans[0]
	for _, next := range spans[1:] {
		joined := span{cur.start, next.end}
		if runeLen(text, cur) < minSize && runeLen(text, joined) <= maxSize {
			cur = joined
			continue
		}
		out = append(out, cur)
		cur = next
	}
	if len(out) > 0 && runeLen(text, cur) < minSize {
		last := out[len(out)-1]
		joined := span{last.start, cur.end}
		if runeLen(text, joined) <= maxSize {
			out[len(out)-1] = joined
			return out
		}
	}
	return append(out, cur)
}

func toSegments(text string, spans []span) []Segment {
	segments := make([]Segment, 0, len(spans))
	for _, sp := range spans {
		segments = append(segments, Segment{
			Index:       len(segments),
			Text:        text[sp.start:sp.end],
			StartOffset: sp.start,
			EndOffset:   sp.end,
		})
	}
	return segments
}

func appendTrimmed(out []span, text string, sp span) []span {
	for sp.start < sp.end {
		r, size := utf8.DecodeRuneInString(text[sp.start:sp.end])
		if !unicode.IsSpace(r) {
			break
		}
		sp.start += size
	}
	for sp.end > sp.start {
		r, size := utf8.DecodeLastRuneInString(text[sp.start:sp.end])
		if !unicode.IsSpace(r) {
			break
		}
		sp.end -= size
	}
	if sp.end > sp.start {
		out = append(out, sp)
	}
	return out
}

func runeLen(text string, sp span) int {
	return utf8.RuneCountInString(text[sp.start:sp.end])
}

// advanceRunes returns the byte offset n runes after start
func advanceRunes(text string, start, n int) int {
	i := start
	for ; n > 0 && i < len(text); n-- {
		_, size := utf8.DecodeRuneInString(text[i:])
		i += size
	}
	return i
}

// isBreakPunct reports clause-level punctuation that is safe to cut after.
// Apostrophes and hyphens are excluded since they sit inside words.
func isBreakPunct(r rune) bool {
	return strings.ContainsRune(".,;:!?)]}…—–", r)
}

func isSpaceByte(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r' || b == '\f' || b == '\v'
}
