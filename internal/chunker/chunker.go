package chunker

import (
	"math"
	"strings"
	"unicode"

	"github.com/talecast-labs/talecast-core/internal/book"
)

// wordsPerSecond is the heuristic narration pace used for duration estimates.
const wordsPerSecond = 2.8

// Chunk splits chapter text into ordered speech segments no longer than
// maxChars, except when a single sentence alone exceeds the bound. Empty or
// whitespace-only input yields exactly one fallback segment carrying the raw
// input so downstream phases never see a zero-segment chapter.
func Chunk(text string, maxChars int) []book.Segment {
	sentences := splitSentences(text)

	var segments []book.Segment
	var buf strings.Builder
	flush := func() {
		if buf.Len() == 0 {
			return
		}
		segments = append(segments, newSegment(len(segments), buf.String()))
		buf.Reset()
	}

	for _, sentence := range sentences {
		candidate := sentence
		if buf.Len() > 0 {
			candidate = buf.String() + " " + sentence
		}
		if maxChars > 0 && len(candidate) > maxChars && buf.Len() > 0 {
			flush()
			buf.WriteString(sentence)
			continue
		}
		if buf.Len() > 0 {
			buf.WriteString(" ")
		}
		buf.WriteString(sentence)
	}
	flush()

	if len(segments) == 0 {
		segments = append(segments, newSegment(0, text))
	}
	return segments
}

func newSegment(order int, text string) book.Segment {
	return book.Segment{
		Order:          order,
		Text:           text,
		EstDurationSec: EstimateSeconds(text),
	}
}

// EstimateSeconds approximates spoken duration from the whitespace-delimited
// word count, rounded to 2 decimals.
func EstimateSeconds(text string) float64 {
	words := len(strings.Fields(text))
	return math.Round(float64(words)/wordsPerSecond*100) / 100
}

// splitSentences applies locale-agnostic sentence boundary heuristics:
// terminal punctuation followed by whitespace and an upper-case letter or
// opening quote, or a newline.
func splitSentences(text string) []string {
	var sentences []string
	runes := []rune(text)
	start := 0

	emit := func(end int) {
		s := strings.TrimSpace(string(runes[start:end]))
		if s != "" {
			sentences = append(sentences, s)
		}
		start = end
	}

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r == '\n' {
			emit(i + 1)
			continue
		}
		if !isTerminal(r) {
			continue
		}
		// Swallow trailing closers like ." or !)
		j := i + 1
		for j < len(runes) && isCloser(runes[j]) {
			j++
		}
		if j >= len(runes) {
			emit(len(runes))
			i = len(runes)
			break
		}
		if !unicode.IsSpace(runes[j]) {
			continue
		}
		k := j
		for k < len(runes) && unicode.IsSpace(runes[k]) {
			k++
		}
		if k >= len(runes) || unicode.IsUpper(runes[k]) || isOpeningQuote(runes[k]) {
			emit(j)
			i = j - 1
		}
	}
	if start < len(runes) {
		emit(len(runes))
	}
	return sentences
}

func isTerminal(r rune) bool {
	switch r {
	case '.', '!', '?', '…':
		return true
	}
	return false
}

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '”', '’':
		return true
	}
	return false
}

func isOpeningQuote(r rune) bool {
	switch r {
	case '"', '\'', '“', '‘':
		return true
	}
	return false
}
