package render

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/talecast-labs/talecast-core/internal/chunker"
	"github.com/talecast-labs/talecast-core/internal/config"
	"github.com/talecast-labs/talecast-core/internal/progress"
	"github.com/talecast-labs/talecast-core/internal/protocol"
	"github.com/talecast-labs/talecast-core/internal/synth"
	"github.com/talecast-labs/talecast-core/internal/textprep"
)

// workDirPrefix marks per-job scratch directories under the output dir.
// Stale ones are purged once they outlive the configured TTL.
const workDirPrefix = ".talecast-work-"

var baseNamePattern = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// Orchestrator drives one render job through its phases: load and validate
// the project, optionally rewrite segment text, synthesize clips into a
// scratch directory, merge them into the final output, and report progress
// throughout.
type Orchestrator struct {
	projects ProjectSource
	backend  SpeechBackend
	encoder  Muxer
	prep     textprep.Preparer
	cfg      config.RenderConfig
	logger   *slog.Logger
	clock    func() time.Time
}

func NewOrchestrator(projects ProjectSource, backend SpeechBackend, encoder Muxer, prep textprep.Preparer, cfg config.RenderConfig, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		projects: projects,
		backend:  backend,
		encoder:  encoder,
		prep:     prep,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "render")),
		clock:    time.Now,
	}
}

// RenderProject executes one job. Progress updates flow through sink as the
// job advances; the returned error is ctx.Err() when the job was canceled.
// The scratch directory is removed on every exit path.
func (o *Orchestrator) RenderProject(ctx context.Context, jobID string, req protocol.RenderRequest, sink func(progress.Update)) (Result, error) {
	started := o.clock()

	outputDir := req.OutputDir
	if outputDir == "" {
		outputDir = o.cfg.OutputDir
	}
	if outputDir == "" {
		return Result{}, ErrOutputDirRequired
	}
	speed := req.Speed
	if speed <= 0 {
		speed = 1.0
	}

	tracker := progress.NewTracker(sink)
	report := func(phase progress.Phase, ratio float64, msg string, approx bool) {
		tracker.Report(progress.Update{Phase: phase, Message: msg, Approximate: approx},
			progress.PhaseRange(phase).Percent(ratio))
	}

	// Preparing: resolve the project and set up the scratch directory.
	report(progress.PhasePreparing, 0, "Loading project", true)

	project, err := o.projects.GetProject(ctx, req.ProjectID)
	if err != nil {
		return Result{}, fmt.Errorf("load project: %w", err)
	}
	segments := project.AllSegments()
	if len(segments) == 0 {
		return Result{}, fmt.Errorf("project %s has no segments", project.ID)
	}
	for _, seg := range segments {
		if _, ok := project.SpeakerByID(seg.SpeakerID); !ok {
			return Result{}, fmt.Errorf("speaker %q missing for segment %s/%d", seg.SpeakerID, seg.ChapterID, seg.Order)
		}
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create output dir: %w", err)
	}
	o.purgeStaleWork(outputDir)

	workDir := filepath.Join(outputDir, workDirPrefix+jobID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create work dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			o.logger.Warn("work dir cleanup failed", slog.String("dir", workDir), slog.String("error", err.Error()))
		}
	}()

	report(progress.PhasePreparing, 1, "Project loaded", true)
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	// Text prep: rewrite segment text for speech when requested. A failed
	// rewrite keeps the original text rather than failing the job.
	if req.TextPrep && o.prep != nil {
		total := len(segments)
		for i := range segments {
			if err := ctx.Err(); err != nil {
				return Result{}, err
			}
			res, err := o.prep.Prepare(ctx, segments[i].Text)
			if err != nil {
				if ctx.Err() != nil {
					return Result{}, ctx.Err()
				}
				o.logger.Warn("text prep failed, keeping original",
					slog.String("segment", fmt.Sprintf("%s/%d", segments[i].ChapterID, segments[i].Order)),
					slog.String("error", err.Error()))
			} else if res.Changed {
				segments[i].Text = res.PreparedText
			}
			tracker.Report(progress.Update{
				Phase:             progress.PhaseTextPrep,
				Message:           fmt.Sprintf("Preparing text: %d/%d segments", i+1, total),
				CompletedSegments: i + 1,
				TotalSegments:     total,
			}, progress.PhaseRange(progress.PhaseTextPrep).Percent(float64(i+1)/float64(total)))
		}
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	// Synth: batch everything into the scratch directory. While the backend
	// stays silent, percent advances on elapsed time against the estimate.
	batch := synth.BatchRequest{OutputDir: workDir}
	var totalEstSec float64
	for _, seg := range segments {
		speaker, _ := project.SpeakerByID(seg.SpeakerID)
		est := seg.EstDurationSec
		if est <= 0 {
			est = chunker.EstimateSeconds(seg.Text)
		}
		totalEstSec += est
		batch.Segments = append(batch.Segments, synth.SegmentRequest{
			ID:             fmt.Sprintf("%s-%03d", seg.ChapterID, seg.Order),
			Text:           seg.Text,
			VoiceID:        speaker.VoiceID,
			Model:          speaker.Model,
			Speed:          speed,
			ExpressionTags: seg.ExpressionTags,
		})
	}

	synthRange := progress.PhaseRange(progress.PhaseSynth)
	synthEstimate := time.Duration(progress.EstimateSynthSeconds(totalEstSec, speed) * float64(time.Second))
	synthStart := o.clock()
	ex := progress.NewExtrapolator(o.tick(), synthEstimate, func(ratio float64) {
		tracker.Report(progress.Update{
			Phase:       progress.PhaseSynth,
			Message:     "Generating audio",
			Approximate: true,
		}, synthRange.Percent(ratio))
	})
	ex.Start()

	result, err := o.backend.BatchSynthesize(ctx, batch, func(completed, total int) {
		ex.MarkReal()
		u := progress.Update{
			Phase:             progress.PhaseSynth,
			Message:           fmt.Sprintf("Generating audio: %d/%d segments", completed, total),
			CompletedSegments: completed,
			TotalSegments:     total,
		}
		if eta, ok := progress.ETASeconds(completed, total, o.clock().Sub(synthStart)); ok {
			u.ETASeconds = eta
		}
		tracker.Report(u, synthRange.Percent(float64(completed)/float64(total)))
	})
	ex.Stop()
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, fmt.Errorf("synthesize: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	// Merge into the final output path.
	baseName := sanitizeBaseName(req.OutputBaseName, project.Title)
	outPath := filepath.Join(outputDir, baseName+".mp3")

	mergeRange := progress.PhaseRange(progress.PhaseMerge)
	mergeEstimate := time.Duration(progress.EstimateMergeSeconds(len(result.ClipPaths)) * float64(time.Second))
	mex := progress.NewExtrapolator(o.tick(), mergeEstimate, func(ratio float64) {
		tracker.Report(progress.Update{
			Phase:       progress.PhaseMerge,
			Message:     "Merging audio",
			Approximate: true,
		}, mergeRange.Percent(ratio))
	})
	mex.Start()
	// The manifest lives next to the output and is kept on every outcome
	// so a failed or suspect merge can be rerun by hand.
	manifest, err := o.encoder.Merge(ctx, result.ClipPaths, outPath)
	mex.Stop()
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, fmt.Errorf("merge: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	// Finalizing.
	report(progress.PhaseFinalizing, 0, "Finalizing", false)
	audioSeconds := totalEstSec / speed
	renderSeconds := o.clock().Sub(started).Seconds()
	metrics := Metrics{
		SegmentCount:   len(segments),
		AudioSeconds:   round2(audioSeconds),
		RenderSeconds:  round2(renderSeconds),
		RealtimeFactor: round2(renderSeconds / math.Max(audioSeconds, 1)),
	}
	report(progress.PhaseFinalizing, 1, "Render complete", false)

	o.logger.Info("render complete",
		slog.String("job_id", jobID),
		slog.String("output", outPath),
		slog.String("manifest", manifest),
		slog.Int("segments", metrics.SegmentCount),
		slog.Float64("render_seconds", metrics.RenderSeconds),
		slog.Float64("realtime_factor", metrics.RealtimeFactor))

	return Result{OutputPath: outPath, Metrics: metrics}, nil
}

func (o *Orchestrator) tick() time.Duration {
	if o.cfg.ProgressTickMS <= 0 {
		return 700 * time.Millisecond
	}
	return time.Duration(o.cfg.ProgressTickMS) * time.Millisecond
}

// purgeStaleWork removes scratch directories left behind by crashed jobs
// once they are older than the TTL. Best effort.
func (o *Orchestrator) purgeStaleWork(outputDir string) {
	ttlHours := o.cfg.WorkTTLHours
	if ttlHours <= 0 {
		ttlHours = 24
	}
	ttl := time.Duration(ttlHours) * time.Hour

	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), workDirPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if o.clock().Sub(info.ModTime()) <= ttl {
			continue
		}
		stale := filepath.Join(outputDir, entry.Name())
		if err := os.RemoveAll(stale); err != nil {
			o.logger.Warn("stale work dir removal failed", slog.String("dir", stale), slog.String("error", err.Error()))
			continue
		}
		o.logger.Info("removed stale work dir", slog.String("dir", stale))
	}
}

func sanitizeBaseName(requested, title string) string {
	name := requested
	if name == "" {
		name = title
	}
	name = baseNamePattern.ReplaceAllString(strings.ReplaceAll(name, " ", "_"), "")
	if name == "" {
		name = "render"
	}
	return name
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
