package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/talecast-labs/talecast-core/internal/book"
	"github.com/talecast-labs/talecast-core/internal/config"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a project or job id has no row.
var ErrNotFound = errors.New("not found")

// JobRecord is the persisted view of a render job. State and metrics are
// written by the render service as the job advances. StartedAt and
// FinishedAt are nil until the job reaches the matching transition;
// OutputPath is set once the job completes.
type JobRecord struct {
	JobID      string
	ProjectID  string
	State      string
	Phase      string
	Percent    float64
	Message    string
	Error      string
	OutputPath string
	Metrics    []byte
	StartedAt  *time.Time
	FinishedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Store wraps the SQLite-backed project and job catalog.
type Store struct {
	db    *sql.DB
	cfg   config.JobStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the job store according to config.
func Open(ctx context.Context, cfg config.JobStoreConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("job store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("job store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS projects (
    project_id TEXT PRIMARY KEY,
    title TEXT,
    payload BLOB NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS render_jobs (
    job_id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    state TEXT NOT NULL,
    phase TEXT,
    percent REAL NOT NULL DEFAULT 0,
    message TEXT,
    error TEXT,
    output_path TEXT NOT NULL DEFAULT '',
    metrics BLOB,
    started_at TIMESTAMP,
    finished_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_render_jobs_project ON render_jobs(project_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveProject upserts a project with its full chapter and speaker payload.
func (s *Store) SaveProject(ctx context.Context, project book.Project) error {
	if project.ID == "" {
		return errors.New("project id must not be empty")
	}
	payload, err := json.Marshal(project)
	if err != nil {
		return fmt.Errorf("encode project: %w", err)
	}
	now := s.clock().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO projects(project_id, title, payload, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(project_id) DO UPDATE SET title=excluded.title, payload=excluded.payload, updated_at=excluded.updated_at`,
		project.ID, project.Title, payload, now, now)
	return err
}

// GetProject loads a project by id.
func (s *Store) GetProject(ctx context.Context, projectID string) (book.Project, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM projects WHERE project_id = ?`, projectID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return book.Project{}, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	if err != nil {
		return book.Project{}, err
	}
	var project book.Project
	if err := json.Unmarshal(payload, &project); err != nil {
		return book.Project{}, fmt.Errorf("decode project: %w", err)
	}
	return project, nil
}

// UpsertRenderJob writes the job's latest state. The first write for a job
// id establishes created_at; later writes only move updated_at.
func (s *Store) UpsertRenderJob(ctx context.Context, rec JobRecord) error {
	if rec.JobID == "" {
		return errors.New("job id must not be empty")
	}
	now := s.clock().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO render_jobs(job_id, project_id, state, phase, percent, message, error, output_path, metrics, started_at, finished_at, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET
		   state=excluded.state, phase=excluded.phase, percent=excluded.percent,
		   message=excluded.message, error=excluded.error, output_path=excluded.output_path,
		   metrics=excluded.metrics, started_at=excluded.started_at,
		   finished_at=excluded.finished_at, updated_at=excluded.updated_at`,
		rec.JobID, rec.ProjectID, rec.State, rec.Phase, rec.Percent, rec.Message, rec.Error,
		rec.OutputPath, rec.Metrics, nullableTime(rec.StartedAt), nullableTime(rec.FinishedAt), now, now)
	return err
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// GetRenderJob loads a job by id.
func (s *Store) GetRenderJob(ctx context.Context, jobID string) (JobRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT job_id, project_id, state, phase, percent, message, error, output_path, metrics, started_at, finished_at, created_at, updated_at
		 FROM render_jobs WHERE job_id = ?`, jobID)
	rec, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return JobRecord{}, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return rec, err
}

// ListProjectJobs retrieves up to limit jobs for a project ordered
// ascending by creation time.
func (s *Store) ListProjectJobs(ctx context.Context, projectID string, limit int) ([]JobRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, project_id, state, phase, percent, message, error, output_path, metrics, started_at, finished_at, created_at, updated_at
		 FROM render_jobs WHERE project_id = ? ORDER BY created_at ASC LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, rec)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (JobRecord, error) {
	var rec JobRecord
	var created, updated string
	var started, finished sql.NullString
	err := row.Scan(&rec.JobID, &rec.ProjectID, &rec.State, &rec.Phase, &rec.Percent,
		&rec.Message, &rec.Error, &rec.OutputPath, &rec.Metrics, &started, &finished, &created, &updated)
	if err != nil {
		return JobRecord{}, err
	}
	rec.StartedAt = parseNullableTime(started)
	rec.FinishedAt = parseNullableTime(finished)
	if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
		rec.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		rec.UpdatedAt = ts
	}
	return rec, nil
}

func parseNullableTime(v sql.NullString) *time.Time {
	if !v.Valid {
		return nil
	}
	ts, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	return &ts
}

// terminalStates lists the states past which a job never advances again.
const terminalStates = `('completed', 'failed', 'canceled')`

// Prune removes finished jobs older than the configured retention window.
// Called on startup; projects are kept until explicitly deleted.
func (s *Store) Prune(ctx context.Context) error {
	if s.cfg.RetentionDays <= 0 {
		return nil
	}
	cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM render_jobs WHERE state IN `+terminalStates+` AND updated_at < ?`, cutoff.UTC())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.log.Info("pruned finished render jobs", slog.Int64("count", n))
	}
	return nil
}
