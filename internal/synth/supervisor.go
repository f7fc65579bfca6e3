package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/talecast-labs/talecast-core/internal/config"
)

// WakePolicy governs whether a forwarded operation may implicitly start a
// dormant backend.
type WakePolicy string

const (
	// WakeStrict lets only wake-worthy operations (health, synthesis,
	// preview) start a backend implicitly.
	WakeStrict WakePolicy = "strict"
	// WakePermissive lets any operation start a backend implicitly.
	WakePermissive WakePolicy = "permissive"
)

const processHealthBudget = 5 * time.Second

// ErrBackendDormant is returned when no backend is active and the wake
// policy forbids starting one for the requested operation.
var ErrBackendDormant = errors.New("no active speech backend")

// ErrNoBackendConfig is returned when an implicit start is allowed but no
// default configuration has been set.
var ErrNoBackendConfig = errors.New("no speech backend configured")

// BackendFactory builds a backend for a config; injectable for tests.
type BackendFactory func(ctx context.Context, cfg config.SynthConfig, logger *slog.Logger) (Backend, error)

// Supervisor owns zero-or-one live speech backend and fronts it with a
// stable five-operation facade. Start/stop transitions are serialized; a
// replacement backend never comes up before its predecessor is fully down.
type Supervisor struct {
	logger  *slog.Logger
	factory BackendFactory

	mu          sync.Mutex
	active      Backend
	activeCfg   *config.SynthConfig
	idle        *time.Timer
	idleTimeout time.Duration
	policy      WakePolicy
	defaultCfg  *config.SynthConfig
}

// NewSupervisor creates a supervisor with no active backend, the strict wake
// policy, and the production backend factory.
func NewSupervisor(logger *slog.Logger) *Supervisor {
	return &Supervisor{
		logger:  logger.With(slog.String("component", "synth-supervisor")),
		factory: defaultFactory,
		policy:  WakeStrict,
	}
}

// NewSupervisorWithFactory is the test seam for substituting backends.
func NewSupervisorWithFactory(logger *slog.Logger, factory BackendFactory) *Supervisor {
	s := NewSupervisor(logger)
	s.factory = factory
	return s
}

// SetWakePolicy switches the wake policy at runtime.
func (s *Supervisor) SetWakePolicy(p WakePolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = p
}

// SetDefaultConfig sets the config used for implicit starts.
func (s *Supervisor) SetDefaultConfig(cfg config.SynthConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := cfg
	s.defaultCfg = &c
}

// Start brings up a backend for cfg. Identical config against a live
// backend is a no-op; any other active backend is stopped first.
func (s *Supervisor) Start(ctx context.Context, cfg config.SynthConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked(ctx, cfg)
}

func (s *Supervisor) startLocked(ctx context.Context, cfg config.SynthConfig) error {
	if s.activeCfg != nil && *s.activeCfg == cfg {
		s.armIdleLocked()
		return nil
	}
	if err := s.stopLocked(); err != nil {
		s.logger.Warn("stopping previous backend failed", slog.String("error", err.Error()))
	}

	backend, err := s.factory(ctx, cfg, s.logger)
	if err != nil {
		return fmt.Errorf("start %s backend: %w", cfg.Kind, err)
	}

	c := cfg
	s.active = backend
	s.activeCfg = &c
	s.idleTimeout = time.Duration(cfg.IdleTimeoutSec) * time.Second
	s.armIdleLocked()
	s.logger.Info("speech backend started", slog.String("kind", cfg.Kind))
	return nil
}

// Stop tears down the active backend. Idempotent when nothing is active.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

func (s *Supervisor) stopLocked() error {
	if s.idle != nil {
		s.idle.Stop()
		s.idle = nil
	}
	if s.active == nil {
		return nil
	}
	err := s.active.Close()
	kind := ""
	if s.activeCfg != nil {
		kind = s.activeCfg.Kind
	}
	s.active = nil
	s.activeCfg = nil
	if err != nil {
		return fmt.Errorf("stop %s backend: %w", kind, err)
	}
	s.logger.Info("speech backend stopped", slog.String("kind", kind))
	return nil
}

// armIdleLocked arms or re-arms the idle teardown timer.
func (s *Supervisor) armIdleLocked() {
	if s.idle != nil {
		s.idle.Stop()
	}
	timeout := s.idleTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	s.idle = time.AfterFunc(timeout, s.idleTeardown)
}

// idleTeardown stops the backend after the idle window expires. Failures are
// logged, not raised; no caller is waiting.
func (s *Supervisor) idleTeardown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return
	}
	s.logger.Info("idle timeout reached, stopping speech backend")
	if err := s.stopLocked(); err != nil {
		s.logger.Warn("idle teardown failed", slog.String("error", err.Error()))
	}
}

// ensure returns the active backend, starting one when policy permits.
// Every forwarded call lands here first, which also re-arms the idle timer.
func (s *Supervisor) ensure(ctx context.Context, wakeWorthy bool) (Backend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		s.armIdleLocked()
		return s.active, nil
	}
	if !wakeWorthy && s.policy == WakeStrict {
		return nil, ErrBackendDormant
	}
	if s.defaultCfg == nil {
		return nil, ErrNoBackendConfig
	}
	if err := s.startLocked(ctx, *s.defaultCfg); err != nil {
		return nil, err
	}
	return s.active, nil
}

// touchIdle re-arms the idle timer after a forwarded call completes.
func (s *Supervisor) touchIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		s.armIdleLocked()
	}
}

func (s *Supervisor) Health(ctx context.Context) (Health, error) {
	b, err := s.ensure(ctx, true)
	if err != nil {
		return Health{}, err
	}
	defer s.touchIdle()
	return b.Health(ctx)
}

func (s *Supervisor) ListVoices(ctx context.Context) ([]VoiceInfo, error) {
	b, err := s.ensure(ctx, false)
	if err != nil {
		return nil, err
	}
	defer s.touchIdle()
	return b.ListVoices(ctx)
}

func (s *Supervisor) ValidateTags(ctx context.Context, text string) (TagReport, error) {
	b, err := s.ensure(ctx, false)
	if err != nil {
		return TagReport{}, err
	}
	defer s.touchIdle()
	return b.ValidateTags(ctx, text)
}

func (s *Supervisor) BatchSynthesize(ctx context.Context, req BatchRequest, onProgress BatchProgressFn) (BatchResult, error) {
	b, err := s.ensure(ctx, true)
	if err != nil {
		return BatchResult{}, err
	}
	defer s.touchIdle()
	return b.BatchSynthesize(ctx, req, onProgress)
}

func (s *Supervisor) Preview(ctx context.Context, seg SegmentRequest, outputDir string) (string, error) {
	b, err := s.ensure(ctx, true)
	if err != nil {
		return "", err
	}
	defer s.touchIdle()
	return b.Preview(ctx, seg, outputDir)
}

// defaultFactory selects the backend implementation for a config kind and
// waits for it to report healthy within the kind's budget.
func defaultFactory(ctx context.Context, cfg config.SynthConfig, logger *slog.Logger) (Backend, error) {
	switch cfg.Kind {
	case "mock":
		return NewMockBackend(), nil
	case "server":
		// newServerBackend polls health itself with the 15s budget.
		return newServerBackend(ctx, cfg, logger)
	case "process":
		backend := newWorkerBackend(cfg, logger)
		if err := waitHealthy(ctx, backend, processHealthBudget); err != nil {
			_ = backend.Close()
			if diag := backend.DiagnosticTail(); diag != "" {
				return nil, fmt.Errorf("%w: %s", err, diag)
			}
			return nil, err
		}
		return backend, nil
	default:
		return nil, fmt.Errorf("unknown synth backend kind %q", cfg.Kind)
	}
}

func waitHealthy(ctx context.Context, b Backend, budget time.Duration) error {
	deadline := time.Now().Add(budget)
	var lastErr error
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		h, err := b.Health(ctx)
		if err == nil && h.Running {
			return nil
		}
		lastErr = err
		time.Sleep(serverHealthInterval)
	}
	if lastErr != nil {
		return fmt.Errorf("backend not healthy within %s: %w", budget, lastErr)
	}
	return fmt.Errorf("backend not healthy within %s", budget)
}
