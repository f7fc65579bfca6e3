package textprep

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/talecast-labs/talecast-core/internal/config"
)

// Result reports what preparation did to one segment's text.
type Result struct {
	OriginalText string `json:"originalText"`
	PreparedText string `json:"preparedText"`
	Changed      bool   `json:"changed"`
}

// Preparer rewrites segment text into a speech-friendly form.
type Preparer interface {
	Prepare(ctx context.Context, text string) (Result, error)
}

// FromConfig selects the preparer implementation for the configured mode.
func FromConfig(cfg config.TextPrepConfig) (Preparer, error) {
	switch cfg.Mode {
	case "rules":
		return NewRulesPreparer(), nil
	case "mock":
		return NewMockPreparer(), nil
	case "ollama":
		return NewOllamaPreparer(cfg.Endpoint, cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown textprep mode %q", cfg.Mode)
	}
}

var (
	multiSpace       = regexp.MustCompile(`\s+`)
	spaceBeforeComma = regexp.MustCompile(`\s+,`)
	spaceBeforeDot   = regexp.MustCompile(`\s+\.`)
)

// rulesPreparer applies deterministic normalization: collapse runs of
// whitespace and strip stray space before sentence punctuation.
type rulesPreparer struct{}

func NewRulesPreparer() Preparer {
	return rulesPreparer{}
}

func (rulesPreparer) Prepare(ctx context.Context, text string) (Result, error) {
	prepared := multiSpace.ReplaceAllString(text, " ")
	prepared = strings.TrimSpace(prepared)
	prepared = spaceBeforeComma.ReplaceAllString(prepared, ",")
	prepared = spaceBeforeDot.ReplaceAllString(prepared, ".")
	return Result{
		OriginalText: text,
		PreparedText: prepared,
		Changed:      prepared != text,
	}, nil
}

// mockPreparer passes text through unchanged.
type mockPreparer struct{}

func NewMockPreparer() Preparer {
	return mockPreparer{}
}

func (mockPreparer) Prepare(ctx context.Context, text string) (Result, error) {
	return Result{OriginalText: text, PreparedText: text, Changed: false}, nil
}
