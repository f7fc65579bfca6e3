package mux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/go-audio/wav"
)

// ErrNoClips is returned when a merge is requested with zero input clips.
var ErrNoClips = errors.New("no audio files produced")

// Fixed output shape: mono, 44.1kHz, 16-bit samples, constant-bitrate MP3.
const (
	outputFilter  = "aformat=sample_fmts=s16:sample_rates=44100:channel_layouts=mono"
	outputBitrate = "128k"
)

// commandRunner abstracts encoder execution for testability.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

type execRunner struct{}

// Run executes the encoder once and returns captured stderr. ffmpeg writes
// its diagnostics there regardless of outcome.
func (execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stderr.String(), err
}

// Encoder concatenates synthesized clips into one audio file via an
// external encoder invocation.
type Encoder struct {
	ffmpegPath string
	runner     commandRunner
	logger     *slog.Logger
}

func NewEncoder(ffmpegPath string, logger *slog.Logger) *Encoder {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Encoder{
		ffmpegPath: ffmpegPath,
		runner:     execRunner{},
		logger:     logger.With(slog.String("component", "encoder")),
	}
}

// Merge concatenates clips, in order, into outPath. The concat manifest is
// written alongside the output and kept there for diagnosability. Returns
// the manifest path.
func (e *Encoder) Merge(ctx context.Context, clips []string, outPath string) (string, error) {
	if len(clips) == 0 {
		return "", ErrNoClips
	}

	manifestPath := manifestPathFor(outPath)
	if err := writeManifest(manifestPath, clips); err != nil {
		return "", err
	}

	args := buildMergeArgs(manifestPath, outPath)
	stderr, err := e.runner.Run(ctx, e.ffmpegPath, args...)
	if err != nil {
		return manifestPath, fmt.Errorf("encoder failed: %w: %s", err, strings.TrimSpace(stderr))
	}
	inputSeconds, probeErr := TotalClipSeconds(clips)
	if probeErr != nil {
		// Best effort; the merged output already exists.
		inputSeconds = 0
	}
	e.logger.Info("clips merged",
		slog.Int("clips", len(clips)),
		slog.Float64("input_seconds", inputSeconds),
		slog.String("output", outPath))
	return manifestPath, nil
}

// manifestPathFor derives the concat manifest location from the output file.
func manifestPathFor(outPath string) string {
	base := strings.TrimSuffix(filepath.Base(outPath), filepath.Ext(outPath))
	return filepath.Join(filepath.Dir(outPath), base+".concat.txt")
}

// writeManifest emits one quoted clip path per line in concat-demuxer
// syntax. Single quotes inside paths are escaped as '\''.
func writeManifest(path string, clips []string) error {
	var b strings.Builder
	for _, clip := range clips {
		escaped := strings.ReplaceAll(clip, "'", `'\''`)
		fmt.Fprintf(&b, "file '%s'\n", escaped)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write concat manifest: %w", err)
	}
	return nil
}

func buildMergeArgs(manifestPath, outPath string) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", manifestPath,
		"-af", outputFilter,
		"-c:a", "libmp3lame",
		"-b:a", outputBitrate,
		outPath,
	}
}

// ClipSeconds reads a WAV clip's duration from its header.
func ClipSeconds(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open clip: %w", err)
	}
	defer f.Close()
	dur, err := wav.NewDecoder(f).Duration()
	if err != nil {
		return 0, fmt.Errorf("decode clip %s: %w", path, err)
	}
	return dur.Seconds(), nil
}

// TotalClipSeconds sums the durations of all clips. Undecodable clips fail
// the whole sum; a half-written clip should fail a render, not skew metrics.
func TotalClipSeconds(paths []string) (float64, error) {
	var total float64
	for _, p := range paths {
		sec, err := ClipSeconds(p)
		if err != nil {
			return 0, err
		}
		total += sec
	}
	return total, nil
}
