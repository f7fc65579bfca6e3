package synth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/talecast-labs/talecast-core/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recordingBackend tracks lifecycle events for supervisor assertions.
type recordingBackend struct {
	mu     sync.Mutex
	events *[]string
	label  string
}

func (b *recordingBackend) record(event string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	*b.events = append(*b.events, b.label+":"+event)
}

func (b *recordingBackend) Health(ctx context.Context) (Health, error) {
	b.record("health")
	return Health{Running: true, ModelStatus: "fake"}, nil
}

func (b *recordingBackend) ListVoices(ctx context.Context) ([]VoiceInfo, error) {
	b.record("voices")
	return DefaultVoices(), nil
}

func (b *recordingBackend) ValidateTags(ctx context.Context, text string) (TagReport, error) {
	b.record("tags")
	return ValidateText(text), nil
}

func (b *recordingBackend) BatchSynthesize(ctx context.Context, req BatchRequest, onProgress BatchProgressFn) (BatchResult, error) {
	b.record("batch")
	return BatchResult{ClipPaths: []string{"a.wav"}}, nil
}

func (b *recordingBackend) Preview(ctx context.Context, seg SegmentRequest, outputDir string) (string, error) {
	b.record("preview")
	return "p.wav", nil
}

func (b *recordingBackend) Close() error {
	b.record("close")
	return nil
}

func recordingFactory(events *[]string) BackendFactory {
	return func(ctx context.Context, cfg config.SynthConfig, logger *slog.Logger) (Backend, error) {
		b := &recordingBackend{events: events, label: cfg.Kind + "/" + cfg.ModelsDir}
		b.record("start")
		return b, nil
	}
}

func testConfig(modelsDir string) config.SynthConfig {
	return config.SynthConfig{
		Kind:           "mock",
		ModelsDir:      modelsDir,
		WakePolicy:     "strict",
		IdleTimeoutSec: 300,
	}
}

func TestStartIdenticalConfigIsNoop(t *testing.T) {
	var events []string
	s := NewSupervisorWithFactory(newLogger(), recordingFactory(&events))

	cfg := testConfig("/models")
	if err := s.Start(context.Background(), cfg); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := s.Start(context.Background(), cfg); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly one start event, got %v", events)
	}
}

func TestStartDifferentConfigStopsBeforeStart(t *testing.T) {
	var events []string
	s := NewSupervisorWithFactory(newLogger(), recordingFactory(&events))

	if err := s.Start(context.Background(), testConfig("/a")); err != nil {
		t.Fatalf("start a: %v", err)
	}
	if err := s.Start(context.Background(), testConfig("/b")); err != nil {
		t.Fatalf("start b: %v", err)
	}

	want := []string{"mock//a:start", "mock//a:close", "mock//b:start"}
	if len(events) != len(want) {
		t.Fatalf("expected %v, got %v", want, events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, events)
		}
	}
}

func TestStopIsIdempotent(t *testing.T) {
	var events []string
	s := NewSupervisorWithFactory(newLogger(), recordingFactory(&events))
	if err := s.Stop(); err != nil {
		t.Fatalf("stop with nothing active: %v", err)
	}
	if err := s.Start(context.Background(), testConfig("/a")); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestStrictWakePolicy(t *testing.T) {
	var events []string
	s := NewSupervisorWithFactory(newLogger(), recordingFactory(&events))
	s.SetDefaultConfig(testConfig("/a"))

	// Side-effect-free operations never wake a dormant backend.
	if _, err := s.ListVoices(context.Background()); !errors.Is(err, ErrBackendDormant) {
		t.Fatalf("expected ErrBackendDormant from ListVoices, got %v", err)
	}
	if _, err := s.ValidateTags(context.Background(), "[laughs] hi"); !errors.Is(err, ErrBackendDormant) {
		t.Fatalf("expected ErrBackendDormant from ValidateTags, got %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no backend events, got %v", events)
	}

	// Wake-worthy operations do.
	if _, err := s.Health(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
	if len(events) == 0 || events[0] != "mock//a:start" {
		t.Fatalf("expected health to start the backend, got %v", events)
	}
}

func TestPermissiveWakePolicy(t *testing.T) {
	var events []string
	s := NewSupervisorWithFactory(newLogger(), recordingFactory(&events))
	s.SetDefaultConfig(testConfig("/a"))
	s.SetWakePolicy(WakePermissive)

	if _, err := s.ListVoices(context.Background()); err != nil {
		t.Fatalf("list voices under permissive policy: %v", err)
	}
	if len(events) == 0 || events[0] != "mock//a:start" {
		t.Fatalf("expected implicit start, got %v", events)
	}
}

func TestWakeWithoutDefaultConfig(t *testing.T) {
	var events []string
	s := NewSupervisorWithFactory(newLogger(), recordingFactory(&events))
	if _, err := s.Health(context.Background()); !errors.Is(err, ErrNoBackendConfig) {
		t.Fatalf("expected ErrNoBackendConfig, got %v", err)
	}
}

func TestIdleTeardownStopsBackend(t *testing.T) {
	var events []string
	s := NewSupervisorWithFactory(newLogger(), recordingFactory(&events))
	if err := s.Start(context.Background(), testConfig("/a")); err != nil {
		t.Fatalf("start: %v", err)
	}

	s.mu.Lock()
	s.idleTimeout = 20 * time.Millisecond
	s.armIdleLocked()
	s.mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		stopped := s.active == nil
		s.mu.Unlock()
		if stopped {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected idle timer to stop the backend")
}

func TestForwardedCallRearmsIdleTimer(t *testing.T) {
	var events []string
	s := NewSupervisorWithFactory(newLogger(), recordingFactory(&events))
	if err := s.Start(context.Background(), testConfig("/a")); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := s.BatchSynthesize(context.Background(), BatchRequest{}, nil); err != nil {
		t.Fatalf("batch: %v", err)
	}
	s.mu.Lock()
	active := s.active != nil
	armed := s.idle != nil
	s.mu.Unlock()
	if !active || !armed {
		t.Fatal("expected backend active with idle timer armed after call")
	}
}

func TestFactoryErrorPropagates(t *testing.T) {
	wantErr := errors.New("spawn failed")
	s := NewSupervisorWithFactory(newLogger(), func(ctx context.Context, cfg config.SynthConfig, logger *slog.Logger) (Backend, error) {
		return nil, wantErr
	})
	if err := s.Start(context.Background(), testConfig("/a")); !errors.Is(err, wantErr) {
		t.Fatalf("expected factory error to propagate, got %v", err)
	}
}
