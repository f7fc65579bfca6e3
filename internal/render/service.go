package render

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/talecast-labs/talecast-core/internal/book"
	"github.com/talecast-labs/talecast-core/internal/bus"
	"github.com/talecast-labs/talecast-core/internal/config"
	"github.com/talecast-labs/talecast-core/internal/jobstore"
	"github.com/talecast-labs/talecast-core/internal/progress"
	"github.com/talecast-labs/talecast-core/internal/protocol"
)

// Catalog is the slice of the job store the service persists through.
type Catalog interface {
	SaveProject(ctx context.Context, project book.Project) error
	UpsertRenderJob(ctx context.Context, rec jobstore.JobRecord) error
}

// Service binds the orchestrator to the bus: it ingests project upserts,
// accepts render requests, runs each job on its own goroutine, honors
// per-job cancel subjects, and mirrors progress and state transitions onto
// the bus and the job store.
type Service struct {
	cfg       config.RenderConfig
	bus       *bus.Client
	orch      *Orchestrator
	catalog   Catalog
	upsertSub *nats.Subscription
	reqSub    *nats.Subscription
	cancelSub *nats.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *slog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

func NewService(parent context.Context, cfg config.RenderConfig, busClient *bus.Client, orch *Orchestrator, catalog Catalog, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:     cfg,
		bus:     busClient,
		orch:    orch,
		catalog: catalog,
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.With(slog.String("component", "render-service")),
		active:  make(map[string]context.CancelFunc),
	}
}

func (s *Service) Start() error {
	upsertSub, err := s.bus.Conn().Subscribe(protocol.SubjectProjectUpsert, s.handleProjectUpsert)
	if err != nil {
		return err
	}
	s.upsertSub = upsertSub

	reqSub, err := s.bus.Conn().Subscribe(protocol.SubjectRenderRequest, s.handleRequest)
	if err != nil {
		_ = upsertSub.Drain()
		return err
	}
	s.reqSub = reqSub

	cancelSub, err := s.bus.Conn().Subscribe(protocol.SubjectRenderCancelPrefix+".>", s.handleCancel)
	if err != nil {
		_ = upsertSub.Drain()
		_ = reqSub.Drain()
		return err
	}
	s.cancelSub = cancelSub
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range []*nats.Subscription{s.upsertSub, s.reqSub, s.cancelSub} {
		if sub != nil {
			_ = sub.Drain()
		}
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return s.upsertSub != nil && s.reqSub != nil && s.cancelSub != nil }

func (s *Service) handleProjectUpsert(msg *nats.Msg) {
	var req protocol.ProjectUpsertRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode project upsert", slogError(err))
		return
	}
	project, err := BuildProject(req, s.cfg.MaxSegmentChars)
	if err != nil {
		s.logger.Warn("rejected project upsert", slogError(err))
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	if err := s.catalog.SaveProject(ctx, project); err != nil {
		s.logger.Warn("failed to save project", slog.String("project_id", project.ID), slogError(err))
		return
	}
	s.logger.Info("project saved",
		slog.String("project_id", project.ID),
		slog.Int("chapters", len(project.Chapters)),
		slog.Int("segments", len(project.AllSegments())))
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.RenderRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode render request", slogError(err))
		return
	}
	if req.ProjectID == "" {
		s.logger.Warn("render request missing project id")
		return
	}

	jobID := req.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}

	jobCtx, ok := s.registerJob(jobID)
	if !ok {
		s.logger.Warn("render request ignored, job already in flight", slog.String("job_id", jobID))
		return
	}

	s.persist(jobID, req.ProjectID, jobSnapshot{state: StateQueued})
	s.publishState(jobID, StateQueued, "", "")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.releaseJob(jobID)
		s.run(jobCtx, jobID, req)
	}()
}

// registerJob reserves a job id and returns its cancelable context. At most
// one run per job id may be in flight; a duplicate request is rejected.
func (s *Service) registerJob(jobID string) (context.Context, bool) {
	jobCtx, cancelJob := context.WithCancel(s.ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, running := s.active[jobID]; running {
		cancelJob()
		return nil, false
	}
	s.active[jobID] = cancelJob
	return jobCtx, true
}

func (s *Service) releaseJob(jobID string) {
	s.mu.Lock()
	cancelJob := s.active[jobID]
	delete(s.active, jobID)
	s.mu.Unlock()
	if cancelJob != nil {
		cancelJob()
	}
}

func (s *Service) run(ctx context.Context, jobID string, req protocol.RenderRequest) {
	s.logger.Info("render job started",
		slog.String("job_id", jobID),
		slog.String("project_id", req.ProjectID))
	startedAt := time.Now().UTC()
	s.persist(jobID, req.ProjectID, jobSnapshot{state: StateRunning, startedAt: &startedAt})
	s.publishState(jobID, StateRunning, "", "")

	// The sink runs on the orchestrator's progress goroutines too, so the
	// latest-update snapshot needs its own lock.
	var lastMu sync.Mutex
	var last progress.Update
	sink := func(u progress.Update) {
		lastMu.Lock()
		last = u
		lastMu.Unlock()
		s.publishProgress(jobID, u)
		s.persist(jobID, req.ProjectID, jobSnapshot{state: StateRunning, update: u, startedAt: &startedAt})
	}

	result, err := s.orch.RenderProject(ctx, jobID, req, sink)
	lastMu.Lock()
	final := last
	lastMu.Unlock()
	finishedAt := time.Now().UTC()
	snap := jobSnapshot{update: final, startedAt: &startedAt, finishedAt: &finishedAt}
	switch {
	case err == nil:
		snap.state = StateCompleted
		snap.outputPath = result.OutputPath
		snap.metrics = &result.Metrics
		s.persist(jobID, req.ProjectID, snap)
		s.publishState(jobID, StateCompleted, result.OutputPath, "")
		s.logger.Info("render job completed", slog.String("job_id", jobID), slog.String("output", result.OutputPath))
	case errors.Is(err, context.Canceled):
		snap.state = StateCanceled
		s.persist(jobID, req.ProjectID, snap)
		s.publishState(jobID, StateCanceled, "", "")
		s.logger.Info("render job canceled", slog.String("job_id", jobID))
	default:
		snap.state = StateFailed
		snap.errText = err.Error()
		s.persist(jobID, req.ProjectID, snap)
		s.publishState(jobID, StateFailed, "", err.Error())
		s.logger.Warn("render job failed", slog.String("job_id", jobID), slogError(err))
	}
}

func (s *Service) handleCancel(msg *nats.Msg) {
	jobID := strings.TrimPrefix(msg.Subject, protocol.SubjectRenderCancelPrefix+".")
	if jobID == "" || jobID == msg.Subject {
		return
	}
	s.mu.Lock()
	cancelJob, ok := s.active[jobID]
	s.mu.Unlock()
	if !ok {
		s.logger.Warn("cancel for unknown job", slog.String("job_id", jobID))
		return
	}
	s.logger.Info("canceling render job", slog.String("job_id", jobID))
	cancelJob()
}

func (s *Service) publishProgress(jobID string, u progress.Update) {
	event := protocol.RenderProgressEvent{
		JobID:             jobID,
		Phase:             string(u.Phase),
		Percent:           u.Percent,
		Message:           u.Message,
		Approximate:       u.Approximate,
		ETASeconds:        u.ETASeconds,
		CompletedSegments: u.CompletedSegments,
		TotalSegments:     u.TotalSegments,
		UpdatedAt:         u.UpdatedAt,
	}
	data, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("failed to marshal progress event", slogError(err))
		return
	}
	subject := protocol.SubjectRenderProgressPrefix + "." + jobID
	if err := s.bus.Conn().Publish(subject, data); err != nil {
		s.logger.Warn("failed to publish progress event", slogError(err))
	}
}

func (s *Service) publishState(jobID string, state JobState, outputPath, errText string) {
	event := protocol.RenderStateEvent{
		JobID:      jobID,
		State:      string(state),
		OutputPath: outputPath,
		ErrorText:  errText,
		Timestamp:  time.Now().UTC(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("failed to marshal state event", slogError(err))
		return
	}
	subject := protocol.SubjectRenderStatePrefix + "." + jobID
	if err := s.bus.Conn().Publish(subject, data); err != nil {
		s.logger.Warn("failed to publish state event", slogError(err))
	}
}

// jobSnapshot carries everything persist writes for one job transition.
type jobSnapshot struct {
	state      JobState
	update     progress.Update
	errText    string
	outputPath string
	startedAt  *time.Time
	finishedAt *time.Time
	metrics    *Metrics
}

// persist writes the job's latest snapshot. Store failures are logged, not
// raised; the job keeps running on bus events alone.
func (s *Service) persist(jobID, projectID string, snap jobSnapshot) {
	if s.catalog == nil {
		return
	}
	rec := jobstore.JobRecord{
		JobID:      jobID,
		ProjectID:  projectID,
		State:      string(snap.state),
		Phase:      string(snap.update.Phase),
		Percent:    float64(snap.update.Percent),
		Message:    snap.update.Message,
		Error:      snap.errText,
		OutputPath: snap.outputPath,
		StartedAt:  snap.startedAt,
		FinishedAt: snap.finishedAt,
	}
	if snap.metrics != nil {
		if data, err := json.Marshal(snap.metrics); err == nil {
			rec.Metrics = data
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.catalog.UpsertRenderJob(ctx, rec); err != nil {
		s.logger.Warn("failed to persist job state", slog.String("job_id", jobID), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
