package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
	"github.com/talecast-labs/talecast-core/internal/config"
)

const (
	serverHealthBudget   = 15 * time.Second
	serverHealthInterval = 300 * time.Millisecond
	defaultServerURL     = "http://127.0.0.1:43111"
)

// serverBackend talks JSON-over-HTTP to a long-lived addressable synthesis
// server, optionally spawning the process itself.
type serverBackend struct {
	baseURL string
	client  *http.Client
	cmd     *exec.Cmd
	stderr  *tailBuffer
	logger  *slog.Logger
	done    chan struct{}
}

func newServerBackend(ctx context.Context, cfg config.SynthConfig, logger *slog.Logger) (*serverBackend, error) {
	b := &serverBackend{
		baseURL: cfg.ServerURL,
		client:  &http.Client{},
		stderr:  newTailBuffer(8 * 1024),
		logger:  logger.With(slog.String("component", "synth-server")),
		done:    make(chan struct{}),
	}
	if b.baseURL == "" {
		b.baseURL = defaultServerURL
	}

	if cfg.ServerCommand != "" {
		parser := shellwords.NewParser()
		args, err := parser.Parse(cfg.ServerCommand)
		if err != nil {
			return nil, fmt.Errorf("parse synth server command: %w", err)
		}
		if len(args) == 0 {
			return nil, fmt.Errorf("synth server command empty")
		}
		cmd := exec.Command(args[0], args[1:]...)
		cmd.Stderr = b.stderr
		if cfg.ModelsDir != "" {
			cmd.Env = append(cmd.Environ(), "TALECAST_MODELS_DIR="+cfg.ModelsDir)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("spawn synth server: %w", err)
		}
		b.cmd = cmd
		go func() {
			_ = cmd.Wait()
			close(b.done)
		}()
		b.logger.Info("synth server spawned", slog.Int("pid", cmd.Process.Pid))
	}

	if err := b.waitHealthy(ctx); err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}

func (b *serverBackend) waitHealthy(ctx context.Context) error {
	deadline := time.Now().Add(serverHealthBudget)
	var lastErr error
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return fmt.Errorf("synth server exited before healthy: %s", b.stderr.String())
		default:
		}
		h, err := b.Health(ctx)
		if err == nil && h.Running {
			return nil
		}
		lastErr = err
		time.Sleep(serverHealthInterval)
	}
	if diag := b.stderr.String(); diag != "" {
		return fmt.Errorf("synth server not healthy within %s: %s", serverHealthBudget, diag)
	}
	return fmt.Errorf("synth server not healthy within %s: %w", serverHealthBudget, lastErr)
}

func (b *serverBackend) Health(ctx context.Context) (Health, error) {
	var h Health
	if err := b.get(ctx, "/health", &h); err != nil {
		return Health{}, err
	}
	return h, nil
}

func (b *serverBackend) ListVoices(ctx context.Context) ([]VoiceInfo, error) {
	var resp struct {
		Voices []VoiceInfo `json:"voices"`
	}
	if err := b.post(ctx, "/voices", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return resp.Voices, nil
}

func (b *serverBackend) ValidateTags(ctx context.Context, text string) (TagReport, error) {
	var report TagReport
	payload := map[string]string{"text": text}
	if err := b.post(ctx, "/validate-tags", payload, &report); err != nil {
		return TagReport{}, err
	}
	return report, nil
}

func (b *serverBackend) BatchSynthesize(ctx context.Context, req BatchRequest, onProgress BatchProgressFn) (BatchResult, error) {
	var result BatchResult
	if err := b.post(ctx, "/batch-tts", req, &result); err != nil {
		return BatchResult{}, err
	}
	// The HTTP contract reports no interim progress; emit one terminal
	// real update so extrapolation stops advancing.
	if onProgress != nil {
		onProgress(len(req.Segments), len(req.Segments))
	}
	return result, nil
}

func (b *serverBackend) Preview(ctx context.Context, seg SegmentRequest, outputDir string) (string, error) {
	payload := struct {
		Text           string   `json:"text"`
		VoiceID        string   `json:"voice_id"`
		Model          string   `json:"model"`
		Speed          float64  `json:"speed"`
		ExpressionTags []string `json:"expression_tags"`
		OutputDir      string   `json:"output_dir"`
	}{seg.Text, seg.VoiceID, seg.Model, seg.Speed, seg.ExpressionTags, outputDir}

	var resp struct {
		WavPath string `json:"wavPath"`
		Engine  string `json:"engine"`
	}
	if err := b.post(ctx, "/tts", payload, &resp); err != nil {
		return "", err
	}
	return resp.WavPath, nil
}

func (b *serverBackend) Close() error {
	if b.cmd == nil || b.cmd.Process == nil {
		return nil
	}
	if err := b.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("terminate synth server: %w", err)
	}
	select {
	case <-b.done:
	case <-time.After(3 * time.Second):
	}
	return nil
}

func (b *serverBackend) DiagnosticTail() string {
	return b.stderr.String()
}

func (b *serverBackend) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+path, nil)
	if err != nil {
		return err
	}
	return b.do(req, out)
}

func (b *serverBackend) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return b.do(req, out)
}

func (b *serverBackend) do(req *http.Request, out any) error {
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("synth server returned status %s for %s", resp.Status, req.URL.Path)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode synth server response: %w", err)
	}
	return nil
}

// tailBuffer retains the last capacity bytes written, for diagnostics.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	cap int
}

func newTailBuffer(capacity int) *tailBuffer {
	return &tailBuffer{cap: capacity}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.cap {
		t.buf = append([]byte(nil), t.buf[len(t.buf)-t.cap:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(bytes.TrimSpace(t.buf))
}
