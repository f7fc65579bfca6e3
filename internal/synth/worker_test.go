package synth

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/talecast-labs/talecast-core/internal/config"
	"github.com/talecast-labs/talecast-core/internal/protocol"
)

// fakeWorker wires a workerBackend to in-memory pipes and lets tests script
// the child process side of the protocol.
type fakeWorker struct {
	backend  *workerBackend
	requests <-chan protocol.WorkerMessage
	send     func(protocol.WorkerMessage)
}

func newFakeWorker(t *testing.T, cfg config.SynthConfig) *fakeWorker {
	t.Helper()
	w := newWorkerBackend(cfg, newLogger())

	toWorkerR, toWorkerW := io.Pipe()
	fromWorkerR, fromWorkerW := io.Pipe()

	// Pretend the process is already started so call() skips spawning.
	w.cmd = &exec.Cmd{}
	w.stdin = toWorkerW
	go w.readLoop(fromWorkerR)

	requests := make(chan protocol.WorkerMessage, 16)
	go func() {
		scanner := bufio.NewScanner(toWorkerR)
		for scanner.Scan() {
			msg, err := protocol.DecodeWorkerMessage(scanner.Bytes())
			if err != nil {
				continue
			}
			requests <- msg
		}
	}()

	var mu sync.Mutex
	send := func(msg protocol.WorkerMessage) {
		data, err := json.Marshal(msg)
		if err != nil {
			t.Errorf("marshal fake frame: %v", err)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if _, err := fromWorkerW.Write(append(data, '\n')); err != nil {
			t.Errorf("write fake frame: %v", err)
		}
	}

	t.Cleanup(func() {
		toWorkerW.Close()
		fromWorkerW.Close()
	})

	return &fakeWorker{backend: w, requests: requests, send: send}
}

func workerTestConfig() config.SynthConfig {
	return config.SynthConfig{Kind: "process", WorkerCommand: "fake-worker", IdleTimeoutSec: 300}
}

func TestWorkerBatchWithInterleavedProgress(t *testing.T) {
	fw := newFakeWorker(t, workerTestConfig())

	go func() {
		req := <-fw.requests
		if req.Request.Action != protocol.ActionBatchTTS {
			t.Errorf("expected batchTts action, got %s", req.Request.Action)
			return
		}
		id := req.Request.ID
		fw.send(protocol.WorkerMessage{Kind: protocol.WorkerKindProgress, Progress: &protocol.WorkerProgress{ID: id, Completed: 1, Total: 2}})
		// A frame for an unknown correlation id must be tolerated.
		fw.send(protocol.WorkerMessage{Kind: protocol.WorkerKindProgress, Progress: &protocol.WorkerProgress{ID: "stale-id", Completed: 9, Total: 9}})
		fw.send(protocol.WorkerMessage{Kind: protocol.WorkerKindProgress, Progress: &protocol.WorkerProgress{ID: id, Completed: 2, Total: 2}})
		result, _ := json.Marshal(BatchResult{ClipPaths: []string{"s0.wav", "s1.wav"}, Engines: []string{"stub", "stub"}})
		fw.send(protocol.WorkerMessage{Kind: protocol.WorkerKindResponse, Response: &protocol.WorkerResponse{ID: id, Action: protocol.ActionBatchTTS, OK: true, Result: result}})
	}()

	var mu sync.Mutex
	var reports [][2]int
	onProgress := func(completed, total int) {
		mu.Lock()
		reports = append(reports, [2]int{completed, total})
		mu.Unlock()
	}

	result, err := fw.backend.BatchSynthesize(context.Background(), BatchRequest{
		Segments:  []SegmentRequest{{ID: "a", Text: "hi"}, {ID: "b", Text: "there"}},
		OutputDir: t.TempDir(),
	}, onProgress)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(result.ClipPaths) != 2 {
		t.Fatalf("expected 2 clips, got %v", result.ClipPaths)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reports) != 2 {
		t.Fatalf("expected 2 progress reports for our correlation id, got %v", reports)
	}
	if reports[0] != [2]int{1, 2} || reports[1] != [2]int{2, 2} {
		t.Fatalf("unexpected progress sequence %v", reports)
	}
	if !fw.backend.isWarm() {
		t.Fatal("expected backend marked warm after successful batch")
	}
}

func TestWorkerErrorResponse(t *testing.T) {
	fw := newFakeWorker(t, workerTestConfig())

	go func() {
		req := <-fw.requests
		fw.send(protocol.WorkerMessage{Kind: protocol.WorkerKindResponse, Response: &protocol.WorkerResponse{
			ID: req.Request.ID, Action: req.Request.Action, OK: false, Error: "voice pack corrupt",
		}})
	}()

	_, err := fw.backend.Health(context.Background())
	if err == nil || !strings.Contains(err.Error(), "voice pack corrupt") {
		t.Fatalf("expected worker error surfaced, got %v", err)
	}
}

func TestWorkerTimeoutKillsAndHints(t *testing.T) {
	fw := newFakeWorker(t, workerTestConfig())
	// Never respond.
	go func() {
		<-fw.requests
	}()

	_, err := fw.backend.call(context.Background(), protocol.ActionBatchTTS, BatchRequest{}, 30*time.Millisecond, nil)
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout error, got %v", err)
	}
	// No cached model data: error must carry the remediation hint.
	if !strings.Contains(err.Error(), "model data is not cached") {
		t.Fatalf("expected remediation hint, got %v", err)
	}

	fw.backend.mu.Lock()
	killed := fw.backend.cmd == nil
	fw.backend.mu.Unlock()
	if !killed {
		t.Fatal("expected process handle cleared after timeout")
	}
}

func TestWorkerCallAfterKillFailsCleanly(t *testing.T) {
	w := newWorkerBackend(workerTestConfig(), newLogger())
	// A timeout on one call can kill the process while another caller is
	// between ensureStarted and the write. Reproduce that window: process
	// handle present, stdin already torn down.
	w.mu.Lock()
	w.cmd = &exec.Cmd{}
	w.stdin = nil
	w.mu.Unlock()

	_, err := w.call(context.Background(), protocol.ActionHealth, nil, time.Second, nil)
	if err == nil || !strings.Contains(err.Error(), "not running") {
		t.Fatalf("expected worker-not-running error, got %v", err)
	}
}

func TestWorkerColdVsWarmTimeout(t *testing.T) {
	cfg := workerTestConfig()
	cfg.ModelsDir = t.TempDir() // exists but empty: not cached
	w := newWorkerBackend(cfg, newLogger())
	if got := w.synthesisTimeout(); got != workerColdTimeout {
		t.Fatalf("expected cold timeout %s, got %s", workerColdTimeout, got)
	}
	w.markWarm()
	if got := w.synthesisTimeout(); got != workerWarmTimeout {
		t.Fatalf("expected warm timeout %s, got %s", workerWarmTimeout, got)
	}
}

func TestWorkerLocalOperations(t *testing.T) {
	w := newWorkerBackend(workerTestConfig(), newLogger())

	voices, err := w.ListVoices(context.Background())
	if err != nil || len(voices) == 0 {
		t.Fatalf("expected built-in voice library, got %v, %v", voices, err)
	}

	report, err := w.ValidateTags(context.Background(), "[laughs] then [yodels] loudly")
	if err != nil {
		t.Fatalf("validate tags: %v", err)
	}
	if report.IsValid {
		t.Fatal("expected unsupported tag to invalidate")
	}
	if len(report.InvalidTags) != 1 || report.InvalidTags[0] != "yodels" {
		t.Fatalf("unexpected invalid tags %v", report.InvalidTags)
	}
}
