package synth

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-shellwords"
	"github.com/talecast-labs/talecast-core/internal/config"
	"github.com/talecast-labs/talecast-core/internal/protocol"
)

const (
	// First synthesis against a worker with no locally cached model data can
	// spend minutes downloading; later calls get the tighter budget.
	workerColdTimeout = 240 * time.Second
	workerWarmTimeout = 120 * time.Second
	workerCallTimeout = 10 * time.Second // health, dispose

	modelCacheHint = "model data is not cached locally; run the model pack installer or set synth.models_dir to a seeded directory"
)

// workerBackend drives an on-demand child process over the correlated
// worker message protocol on stdin/stdout.
type workerBackend struct {
	cfg    config.SynthConfig
	logger *slog.Logger

	mu          sync.Mutex
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	pending     map[string]chan protocol.WorkerResponse
	progressFns map[string]BatchProgressFn
	stderr      *tailBuffer
	warm        bool
	closed      bool

	modelsCached bool
}

func newWorkerBackend(cfg config.SynthConfig, logger *slog.Logger) *workerBackend {
	return &workerBackend{
		cfg:          cfg,
		logger:       logger.With(slog.String("component", "synth-worker")),
		pending:      make(map[string]chan protocol.WorkerResponse),
		progressFns:  make(map[string]BatchProgressFn),
		stderr:       newTailBuffer(8 * 1024),
		modelsCached: modelsCached(cfg.ModelsDir),
	}
}

// modelsCached reports whether the models directory exists and is non-empty.
func modelsCached(dir string) bool {
	if dir == "" {
		return false
	}
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}

// ensureStarted spawns the worker process and its reader goroutine.
func (w *workerBackend) ensureStarted() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("synth worker is closed")
	}
	if w.cmd != nil {
		return nil
	}

	parser := shellwords.NewParser()
	args, err := parser.Parse(w.cfg.WorkerCommand)
	if err != nil {
		return fmt.Errorf("parse synth worker command: %w", err)
	}
	if len(args) == 0 {
		return fmt.Errorf("synth worker command empty")
	}

	if err := w.prepareCache(); err != nil {
		return err
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stderr = w.stderr
	env := cmd.Environ()
	if w.cfg.ModelsDir != "" {
		env = append(env, "TALECAST_MODELS_DIR="+w.cfg.ModelsDir)
	}
	if w.cfg.WorkerMode != "" {
		env = append(env, "TALECAST_WORKER_MODE="+w.cfg.WorkerMode)
	}
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("synth worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("synth worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn synth worker: %w", err)
	}

	w.cmd = cmd
	w.stdin = stdin
	go w.readLoop(stdout)
	w.logger.Info("synth worker spawned", slog.Int("pid", cmd.Process.Pid))
	return nil
}

// prepareCache creates the worker's cache directories under the models dir.
func (w *workerBackend) prepareCache() error {
	if w.cfg.ModelsDir == "" {
		return nil
	}
	cache := filepath.Join(w.cfg.ModelsDir, "worker-cache")
	if err := os.MkdirAll(filepath.Join(cache, "hub"), 0o755); err != nil {
		return fmt.Errorf("prepare worker cache: %w", err)
	}
	return nil
}

// readLoop dispatches frames by correlation id. The channel is shared, so
// progress for an old request may arrive interleaved with newer traffic;
// frames with no registered waiter are dropped with a log line.
func (w *workerBackend) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := protocol.DecodeWorkerMessage(line)
		if err != nil {
			w.logger.Warn("dropping malformed worker frame", slog.String("error", err.Error()))
			continue
		}
		switch msg.Kind {
		case protocol.WorkerKindResponse:
			w.mu.Lock()
			ch := w.pending[msg.Response.ID]
			delete(w.pending, msg.Response.ID)
			delete(w.progressFns, msg.Response.ID)
			w.mu.Unlock()
			if ch == nil {
				w.logger.Warn("unmatched worker response", slog.String("id", msg.Response.ID))
				continue
			}
			ch <- *msg.Response
		case protocol.WorkerKindProgress:
			w.mu.Lock()
			fn := w.progressFns[msg.Progress.ID]
			w.mu.Unlock()
			if fn != nil {
				fn(msg.Progress.Completed, msg.Progress.Total)
			}
		case protocol.WorkerKindRequest:
			w.logger.Warn("worker sent request frame; ignoring", slog.String("id", msg.Request.ID))
		}
	}
}

// call issues one correlated request and waits for its response. A request
// without a matching response within timeout kills the process.
func (w *workerBackend) call(ctx context.Context, action protocol.WorkerAction, payload any, timeout time.Duration, onProgress BatchProgressFn) (json.RawMessage, error) {
	if err := w.ensureStarted(); err != nil {
		return nil, err
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}

	id := uuid.NewString()
	msg := protocol.WorkerMessage{
		Kind:    protocol.WorkerKindRequest,
		Request: &protocol.WorkerRequest{ID: id, Action: action, Payload: raw},
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	frame = append(frame, '\n')

	ch := make(chan protocol.WorkerResponse, 1)
	w.mu.Lock()
	stdin := w.stdin
	if stdin == nil {
		// A concurrent timeout can kill the process between ensureStarted
		// and here; fail the call instead of writing to a dead pipe.
		w.mu.Unlock()
		return nil, fmt.Errorf("synth worker not running")
	}
	w.pending[id] = ch
	if onProgress != nil {
		w.progressFns[id] = onProgress
	}
	w.mu.Unlock()

	if _, err := stdin.Write(frame); err != nil {
		w.dropCall(id)
		w.kill()
		return nil, fmt.Errorf("write to synth worker: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if !resp.OK {
			return nil, fmt.Errorf("worker %s failed: %s", action, resp.Error)
		}
		return resp.Result, nil
	case <-timer.C:
		w.dropCall(id)
		w.kill()
		if !w.isWarm() && !w.modelsCached {
			return nil, fmt.Errorf("worker %s timed out after %s; %s", action, timeout, modelCacheHint)
		}
		return nil, fmt.Errorf("worker %s timed out after %s", action, timeout)
	case <-ctx.Done():
		w.dropCall(id)
		return nil, ctx.Err()
	}
}

func (w *workerBackend) dropCall(id string) {
	w.mu.Lock()
	delete(w.pending, id)
	delete(w.progressFns, id)
	w.mu.Unlock()
}

// kill forcibly terminates the worker so a wedged process is never leaked.
// The next call respawns it.
func (w *workerBackend) kill() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cmd != nil && w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
		go w.cmd.Wait()
	}
	w.cmd = nil
	w.stdin = nil
}

func (w *workerBackend) isWarm() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.warm
}

func (w *workerBackend) markWarm() {
	w.mu.Lock()
	w.warm = true
	w.mu.Unlock()
}

// synthesisTimeout picks the per-call budget for synthesis actions.
func (w *workerBackend) synthesisTimeout() time.Duration {
	if !w.isWarm() && !w.modelsCached {
		return workerColdTimeout
	}
	return workerWarmTimeout
}

func (w *workerBackend) Health(ctx context.Context) (Health, error) {
	result, err := w.call(ctx, protocol.ActionHealth, nil, workerCallTimeout, nil)
	if err != nil {
		return Health{}, err
	}
	var h Health
	if err := json.Unmarshal(result, &h); err != nil {
		return Health{}, fmt.Errorf("decode worker health: %w", err)
	}
	return h, nil
}

// ListVoices answers from the built-in library; the worker protocol carries
// no voice catalog action.
func (w *workerBackend) ListVoices(ctx context.Context) ([]VoiceInfo, error) {
	return DefaultVoices(), nil
}

// ValidateTags is evaluated locally against the supported vocabulary.
func (w *workerBackend) ValidateTags(ctx context.Context, text string) (TagReport, error) {
	return ValidateText(text), nil
}

func (w *workerBackend) BatchSynthesize(ctx context.Context, req BatchRequest, onProgress BatchProgressFn) (BatchResult, error) {
	result, err := w.call(ctx, protocol.ActionBatchTTS, req, w.synthesisTimeout(), onProgress)
	if err != nil {
		return BatchResult{}, err
	}
	var batch BatchResult
	if err := json.Unmarshal(result, &batch); err != nil {
		return BatchResult{}, fmt.Errorf("decode worker batch result: %w", err)
	}
	w.markWarm()
	return batch, nil
}

func (w *workerBackend) Preview(ctx context.Context, seg SegmentRequest, outputDir string) (string, error) {
	payload := struct {
		Segment   SegmentRequest `json:"segment"`
		OutputDir string         `json:"output_dir"`
	}{seg, outputDir}
	result, err := w.call(ctx, protocol.ActionPreviewVoice, payload, w.synthesisTimeout(), nil)
	if err != nil {
		return "", err
	}
	var resp struct {
		WavPath string `json:"wavPath"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return "", fmt.Errorf("decode worker preview result: %w", err)
	}
	w.markWarm()
	return resp.WavPath, nil
}

// Close disposes the worker politely, then kills whatever is left.
func (w *workerBackend) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	running := w.cmd != nil
	w.mu.Unlock()

	if running {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		w.disposeCall(ctx)
	}
	w.kill()
	return nil
}

// disposeCall is a trimmed call that tolerates the closed flag.
func (w *workerBackend) disposeCall(ctx context.Context) {
	w.mu.Lock()
	stdin := w.stdin
	w.mu.Unlock()
	if stdin == nil {
		return
	}
	id := uuid.NewString()
	msg := protocol.WorkerMessage{
		Kind:    protocol.WorkerKindRequest,
		Request: &protocol.WorkerRequest{ID: id, Action: protocol.ActionDispose},
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		return
	}
	ch := make(chan protocol.WorkerResponse, 1)
	w.mu.Lock()
	w.pending[id] = ch
	w.mu.Unlock()
	if _, err := stdin.Write(append(frame, '\n')); err != nil {
		w.dropCall(id)
		return
	}
	select {
	case <-ch:
	case <-ctx.Done():
		w.dropCall(id)
	}
}

func (w *workerBackend) DiagnosticTail() string {
	return w.stderr.String()
}
