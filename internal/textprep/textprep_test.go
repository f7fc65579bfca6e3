package textprep

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/talecast-labs/talecast-core/internal/config"
)

func TestRulesPreparerNormalizes(t *testing.T) {
	p := NewRulesPreparer()
	res, err := p.Prepare(context.Background(), "  Hello   there ,  world .  ")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if res.PreparedText != "Hello there, world." {
		t.Fatalf("unexpected prepared text %q", res.PreparedText)
	}
	if !res.Changed {
		t.Fatal("expected changed flag")
	}
	if res.OriginalText != "  Hello   there ,  world .  " {
		t.Fatal("expected original preserved")
	}
}

func TestRulesPreparerNoChange(t *testing.T) {
	p := NewRulesPreparer()
	res, err := p.Prepare(context.Background(), "Already clean text.")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if res.Changed {
		t.Fatal("expected unchanged flag for clean input")
	}
}

func TestOllamaPreparerAccumulatesStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"response":"Doctor ","done":false}` + "\n"))
		w.Write([]byte(`{"response":"Smith arrived.","done":true}` + "\n"))
	}))
	defer srv.Close()

	p := NewOllamaPreparer(srv.URL, "test-model")
	res, err := p.Prepare(context.Background(), "Dr. Smith arrived.")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if res.PreparedText != "Doctor Smith arrived." {
		t.Fatalf("unexpected prepared text %q", res.PreparedText)
	}
	if !res.Changed {
		t.Fatal("expected changed flag")
	}
}

func TestOllamaPreparerEmptyRewriteKeepsOriginal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"response":"","done":true}` + "\n"))
	}))
	defer srv.Close()

	p := NewOllamaPreparer(srv.URL, "test-model")
	res, err := p.Prepare(context.Background(), "keep me")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if res.PreparedText != "keep me" || res.Changed {
		t.Fatalf("expected original kept, got %+v", res)
	}
}

func TestFromConfig(t *testing.T) {
	if _, err := FromConfig(config.TextPrepConfig{Mode: "rules"}); err != nil {
		t.Fatalf("rules: %v", err)
	}
	if _, err := FromConfig(config.TextPrepConfig{Mode: "mock"}); err != nil {
		t.Fatalf("mock: %v", err)
	}
	if _, err := FromConfig(config.TextPrepConfig{Mode: "ollama", Endpoint: "http://localhost:11434"}); err != nil {
		t.Fatalf("ollama: %v", err)
	}
	if _, err := FromConfig(config.TextPrepConfig{Mode: "nonsense"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
