package protocol

import (
	"encoding/json"
	"testing"
)

func TestDecodeWorkerMessageRoundTrip(t *testing.T) {
	msg := WorkerMessage{
		Kind:    WorkerKindRequest,
		Request: &WorkerRequest{ID: "corr-1", Action: ActionBatchTTS, Payload: json.RawMessage(`{"segments":[]}`)},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	decoded, err := DecodeWorkerMessage(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.CorrelationID() != "corr-1" {
		t.Fatalf("expected correlation id preserved, got %q", decoded.CorrelationID())
	}
}

func TestValidateRejectsMixedVariants(t *testing.T) {
	msg := WorkerMessage{
		Kind:     WorkerKindResponse,
		Response: &WorkerResponse{ID: "a", Action: ActionHealth, OK: true},
		Progress: &WorkerProgress{ID: "a"},
	}
	if err := msg.Validate(); err == nil {
		t.Fatal("expected mixed variants to be rejected")
	}
}

func TestValidateRejectsUnknownKind(t *testing.T) {
	if _, err := DecodeWorkerMessage([]byte(`{"kind":"banana"}`)); err == nil {
		t.Fatal("expected unknown kind to be rejected")
	}
}

func TestValidateRejectsMissingCorrelationID(t *testing.T) {
	msg := WorkerMessage{Kind: WorkerKindProgress, Progress: &WorkerProgress{Completed: 1, Total: 2}}
	if err := msg.Validate(); err == nil {
		t.Fatal("expected missing correlation id to be rejected")
	}
}
