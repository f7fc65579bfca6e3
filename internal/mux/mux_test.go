package mux

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeRunner struct {
	name   string
	args   []string
	stderr string
	err    error
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	f.name = name
	f.args = args
	return f.stderr, f.err
}

func TestMergeRejectsZeroClips(t *testing.T) {
	e := NewEncoder("ffmpeg", newLogger())
	if _, err := e.Merge(context.Background(), nil, "/tmp/out.mp3"); !errors.Is(err, ErrNoClips) {
		t.Fatalf("expected ErrNoClips, got %v", err)
	}
}

func TestMergeWritesManifestAndInvokesEncoder(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{}
	e := &Encoder{ffmpegPath: "ffmpeg", runner: runner, logger: newLogger()}

	outPath := filepath.Join(dir, "book.mp3")
	clips := []string{
		filepath.Join(dir, "seg-00000-a.wav"),
		filepath.Join(dir, "it's here.wav"),
	}
	manifest, err := e.Merge(context.Background(), clips, outPath)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}

	data, err := os.ReadFile(manifest)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 manifest lines, got %v", lines)
	}
	if !strings.HasPrefix(lines[0], "file '") {
		t.Fatalf("expected quoted path, got %q", lines[0])
	}
	if !strings.Contains(lines[1], `it'\''s here.wav`) {
		t.Fatalf("expected escaped single quote, got %q", lines[1])
	}

	if runner.name != "ffmpeg" {
		t.Fatalf("expected ffmpeg invocation, got %q", runner.name)
	}
	joined := strings.Join(runner.args, " ")
	for _, want := range []string{"-f concat", "-safe 0", "-c:a libmp3lame", "-b:a 128k", outputFilter, outPath} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected args to contain %q, got %q", want, joined)
		}
	}
}

func TestMergeSurfacesEncoderDiagnostics(t *testing.T) {
	runner := &fakeRunner{stderr: "Invalid data found when processing input", err: errors.New("exit status 1")}
	e := &Encoder{ffmpegPath: "ffmpeg", runner: runner, logger: newLogger()}

	manifest, err := e.Merge(context.Background(), []string{"a.wav"}, filepath.Join(t.TempDir(), "out.mp3"))
	if err == nil || !strings.Contains(err.Error(), "Invalid data found") {
		t.Fatalf("expected stderr text in error, got %v", err)
	}
	// Manifest persists for diagnosability even when the encoder fails.
	if _, statErr := os.Stat(manifest); statErr != nil {
		t.Fatalf("expected manifest kept on failure: %v", statErr)
	}
}

func TestManifestPathAlongsideOutput(t *testing.T) {
	got := manifestPathFor("/renders/my book.mp3")
	if got != "/renders/my book.concat.txt" {
		t.Fatalf("unexpected manifest path %q", got)
	}
}
