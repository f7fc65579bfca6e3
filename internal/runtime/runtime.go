package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/talecast-labs/talecast-core/internal/bus"
	"github.com/talecast-labs/talecast-core/internal/config"
	"github.com/talecast-labs/talecast-core/internal/jobstore"
	"github.com/talecast-labs/talecast-core/internal/mux"
	"github.com/talecast-labs/talecast-core/internal/natsserver"
	"github.com/talecast-labs/talecast-core/internal/render"
	"github.com/talecast-labs/talecast-core/internal/synth"
	"github.com/talecast-labs/talecast-core/internal/textprep"
)

// Runtime owns the daemon's composition: telemetry, the message bus, the
// job store, the speech supervisor and the render service, started in
// dependency order and shut down in reverse.
type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error

	natsServer *natsserver.EmbeddedServer
	busClient  *bus.Client
	store      *jobstore.Store
	supervisor *synth.Supervisor
	renderSvc  *render.Service

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings the runtime up and blocks until ctx is canceled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if r.cfg.Bus.Embedded {
		ns, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded bus: %w", err)
		}
		r.natsServer = ns
	}

	busClient, err := bus.Connect(ctx, r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.busClient = busClient

	store, err := jobstore.Open(ctx, r.cfg.JobStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}
	r.store = store

	r.supervisor = synth.NewSupervisor(r.logger)
	r.supervisor.SetDefaultConfig(r.cfg.Synth)
	if r.cfg.Synth.WakePolicy == "permissive" {
		r.supervisor.SetWakePolicy(synth.WakePermissive)
	} else {
		r.supervisor.SetWakePolicy(synth.WakeStrict)
	}

	prep, err := textprep.FromConfig(r.cfg.TextPrep)
	if err != nil {
		return fmt.Errorf("failed to build text preparer: %w", err)
	}

	encoder := mux.NewEncoder(r.cfg.Encoder.FFmpegPath, r.logger)
	orch := render.NewOrchestrator(store, r.supervisor, encoder, prep, r.cfg.Render, r.logger)

	r.renderSvc = render.NewService(ctx, r.cfg.Render, busClient, orch, store, r.logger)
	if err := r.renderSvc.Start(); err != nil {
		return fmt.Errorf("failed to start render service: %w", err)
	}

	httpMux := http.NewServeMux()
	httpMux.HandleFunc("/healthz", r.handleHealth)
	httpMux.HandleFunc("/readyz", r.handleReady)
	if metricHandler != nil {
		httpMux.Handle("/metrics", metricHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           httpMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	r.renderSvc.Close()
	if err := r.supervisor.Stop(); err != nil {
		r.logger.Error("supervisor shutdown error", slog.String("error", err.Error()))
	}
	r.busClient.Close()
	r.natsServer.Shutdown()
	if err := r.store.Close(); err != nil {
		r.logger.Error("job store shutdown error", slog.String("error", err.Error()))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.busClient.Healthy() && r.renderSvc.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
