package chunker

import (
	"strings"
	"testing"
)

func TestChunkDenseZeroBasedOrder(t *testing.T) {
	text := "First sentence here. Second sentence follows. Third one ends it."
	segments := Chunk(text, 30)
	if len(segments) < 2 {
		t.Fatalf("expected at least 2 segments, got %d", len(segments))
	}
	for i, seg := range segments {
		if seg.Order != i {
			t.Fatalf("expected dense zero-based order, segment %d has order %d", i, seg.Order)
		}
	}
}

func TestChunkRespectsBound(t *testing.T) {
	text := "One two three. Four five six. Seven eight nine. Ten eleven twelve."
	maxChars := 20
	segments := Chunk(text, maxChars)
	for _, seg := range segments {
		if len(seg.Text) > maxChars {
			t.Fatalf("segment %q exceeds bound %d", seg.Text, maxChars)
		}
	}
}

func TestChunkSingleOversizedSentenceOverflows(t *testing.T) {
	text := "This single sentence is far longer than the configured character bound."
	segments := Chunk(text, 10)
	if len(segments) != 1 {
		t.Fatalf("expected 1 overflow segment, got %d", len(segments))
	}
	if segments[0].Text != text {
		t.Fatalf("expected sentence kept intact, got %q", segments[0].Text)
	}
}

func TestChunkEmptyInputFallback(t *testing.T) {
	for _, input := range []string{"", "   \n\t  "} {
		segments := Chunk(input, 100)
		if len(segments) != 1 {
			t.Fatalf("expected exactly 1 fallback segment for %q, got %d", input, len(segments))
		}
		if segments[0].Text != input {
			t.Fatalf("expected fallback to carry raw input, got %q", segments[0].Text)
		}
	}
}

func TestChunkNewlineBoundary(t *testing.T) {
	text := "a line without punctuation\nanother line"
	segments := Chunk(text, 27)
	if len(segments) != 2 {
		t.Fatalf("expected newline to split sentences, got %d segments: %#v", len(segments), segments)
	}
}

func TestChunkQuoteAfterTerminal(t *testing.T) {
	text := `"Stop here." "And continue here."`
	segments := Chunk(text, 15)
	if len(segments) != 2 {
		t.Fatalf("expected 2 segments, got %d: %#v", len(segments), segments)
	}
}

func TestEstimateSeconds(t *testing.T) {
	cases := []struct {
		text string
		want float64
	}{
		{"one two three four five six seven", 2.5},     // 7/2.8
		{"word", 0.36},                                 // 1/2.8 rounded
		{strings.Repeat("w ", 28), 10.0},               // 28/2.8
		{"", 0},
	}
	for _, tc := range cases {
		if got := EstimateSeconds(tc.text); got != tc.want {
			t.Fatalf("EstimateSeconds(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}

func TestChunkThreeSentenceChapter(t *testing.T) {
	text := "The rain had stopped. Maya opened the door slowly. Nothing moved outside."
	segments := Chunk(text, 40)
	if len(segments) < 2 {
		t.Fatalf("expected >=2 segments with maxChars below combined length, got %d", len(segments))
	}
	for _, seg := range segments {
		words := len(strings.Fields(seg.Text))
		want := float64(int(float64(words)/2.8*100+0.5)) / 100
		if seg.EstDurationSec != want {
			t.Fatalf("segment %q estimate %v, want %v", seg.Text, seg.EstDurationSec, want)
		}
	}
}
