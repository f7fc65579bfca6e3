package synth

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	mockSampleRate = 24000

	minStubSeconds = 0.35
	maxStubSeconds = 12.0
)

// MockBackend synthesizes deterministic sine-tone WAV stubs. It backs the
// "mock" backend kind and every test that needs clips on disk.
type MockBackend struct{}

func NewMockBackend() *MockBackend {
	return &MockBackend{}
}

func (m *MockBackend) Health(ctx context.Context) (Health, error) {
	return Health{Running: true, ModelStatus: "mock"}, nil
}

func (m *MockBackend) ListVoices(ctx context.Context) ([]VoiceInfo, error) {
	return DefaultVoices(), nil
}

func (m *MockBackend) ValidateTags(ctx context.Context, text string) (TagReport, error) {
	return ValidateText(text), nil
}

func (m *MockBackend) BatchSynthesize(ctx context.Context, req BatchRequest, onProgress BatchProgressFn) (BatchResult, error) {
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return BatchResult{}, fmt.Errorf("create output dir: %w", err)
	}
	result := BatchResult{
		ClipPaths: make([]string, 0, len(req.Segments)),
		Engines:   make([]string, 0, len(req.Segments)),
	}
	for i, seg := range req.Segments {
		if err := ctx.Err(); err != nil {
			return BatchResult{}, err
		}
		path := filepath.Join(req.OutputDir, fmt.Sprintf("seg-%05d-%s.wav", i, sanitizeID(seg.ID)))
		if err := writeStubWav(path, seg); err != nil {
			return BatchResult{}, err
		}
		result.ClipPaths = append(result.ClipPaths, path)
		result.Engines = append(result.Engines, "stub")
		if onProgress != nil {
			onProgress(i+1, len(req.Segments))
		}
	}
	return result, nil
}

func (m *MockBackend) Preview(ctx context.Context, seg SegmentRequest, outputDir string) (string, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(outputDir, fmt.Sprintf("preview-%s.wav", sanitizeID(seg.VoiceID)))
	if err := writeStubWav(path, seg); err != nil {
		return "", err
	}
	return path, nil
}

func (m *MockBackend) Close() error { return nil }

// stubSeconds mirrors the narration pace heuristic so stub clips scale with
// text length and speed.
func stubSeconds(text string, speed float64) float64 {
	pace := 2.8 * speed
	if pace < 0.5 {
		pace = 0.5
	}
	sec := float64(len(strings.Fields(text))) / pace
	if sec < minStubSeconds {
		return minStubSeconds
	}
	if sec > maxStubSeconds {
		return maxStubSeconds
	}
	return sec
}

func writeStubWav(path string, seg SegmentRequest) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create stub wav: %w", err)
	}
	defer f.Close()

	freq := 195.0
	if seg.Model == "chatterbox" {
		freq = 230.0
	}
	total := int(stubSeconds(seg.Text, seg.Speed) * mockSampleRate)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: mockSampleRate},
		SourceBitDepth: 16,
		Data:           make([]int, total),
	}
	for i := 0; i < total; i++ {
		buf.Data[i] = int(9000 * math.Sin(2*math.Pi*freq*float64(i)/mockSampleRate))
	}

	enc := wav.NewEncoder(f, mockSampleRate, 16, 1, 1)
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("write stub wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close stub wav encoder: %w", err)
	}
	return nil
}
