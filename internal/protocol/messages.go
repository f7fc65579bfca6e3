package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Bus subjects carrying render traffic between the request layer and the
// render service. Progress and state events are per-job: subject + "." + jobID.
const (
	SubjectProjectUpsert        = "project.upsert"
	SubjectRenderRequest        = "render.request"
	SubjectRenderCancelPrefix   = "render.cancel"
	SubjectRenderProgressPrefix = "render.progress"
	SubjectRenderStatePrefix    = "render.state"
)

// SpeakerSpec declares one roster entry of an incoming project.
type SpeakerSpec struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	VoiceID string `json:"voice_id"`
	Model   string `json:"model"`
}

// ChapterSpec carries one chapter's raw text; the runtime chunks it into
// segments on ingest. SpeakerID applies to every segment of the chapter.
type ChapterSpec struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Order     int    `json:"order"`
	SpeakerID string `json:"speaker_id"`
	Text      string `json:"text"`
}

// ProjectUpsertRequest creates or replaces a narration project.
type ProjectUpsertRequest struct {
	ProjectID       string        `json:"project_id"`
	Title           string        `json:"title"`
	Speakers        []SpeakerSpec `json:"speakers"`
	Chapters        []ChapterSpec `json:"chapters"`
	MaxSegmentChars int           `json:"max_segment_chars,omitempty"`
}

// RenderRequest asks the render service to narrate one project.
type RenderRequest struct {
	ProjectID      string  `json:"project_id"`
	JobID          string  `json:"job_id,omitempty"`
	OutputDir      string  `json:"output_dir"`
	OutputBaseName string  `json:"output_base_name"`
	Speed          float64 `json:"speed"`
	TextPrep       bool    `json:"text_prep"`
}

// RenderProgressEvent mirrors a job's in-memory progress onto the bus.
type RenderProgressEvent struct {
	JobID             string    `json:"job_id"`
	Phase             string    `json:"phase"`
	Percent           int       `json:"percent"`
	Message           string    `json:"message"`
	Approximate       bool      `json:"approximate"`
	ETASeconds        int       `json:"eta_seconds,omitempty"`
	CompletedSegments int       `json:"completed_segments,omitempty"`
	TotalSegments     int       `json:"total_segments,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// RenderStateEvent announces a job state transition.
type RenderStateEvent struct {
	JobID      string    `json:"job_id"`
	State      string    `json:"state"`
	OutputPath string    `json:"output_path,omitempty"`
	ErrorText  string    `json:"error_text,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// WorkerKind discriminates the worker channel message union.
type WorkerKind string

const (
	WorkerKindRequest  WorkerKind = "request"
	WorkerKindResponse WorkerKind = "response"
	WorkerKindProgress WorkerKind = "progress"
)

// WorkerAction names an operation on the local-process backend.
type WorkerAction string

const (
	ActionHealth       WorkerAction = "health"
	ActionPreviewVoice WorkerAction = "previewVoice"
	ActionBatchTTS     WorkerAction = "batchTts"
	ActionDispose      WorkerAction = "dispose"
)

// WorkerMessage is the tagged union exchanged with a worker process. Exactly
// one variant is populated, selected by Kind. Ordering on the shared channel
// is guaranteed per correlation id only; progress frames for one request may
// interleave with traffic for later requests.
type WorkerMessage struct {
	Kind     WorkerKind      `json:"kind"`
	Request  *WorkerRequest  `json:"request,omitempty"`
	Response *WorkerResponse `json:"response,omitempty"`
	Progress *WorkerProgress `json:"progress,omitempty"`
}

// WorkerRequest initiates an action. ID is an opaque correlation token echoed
// by the matching response and any interim progress frames.
type WorkerRequest struct {
	ID      string          `json:"id"`
	Action  WorkerAction    `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WorkerResponse terminates the request with the same correlation id.
type WorkerResponse struct {
	ID     string          `json:"id"`
	Action WorkerAction    `json:"action"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// WorkerProgress is an interim report for a long-running action.
type WorkerProgress struct {
	ID        string `json:"id"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
	Message   string `json:"message,omitempty"`
}

// Validate checks that the populated variant matches Kind.
func (m WorkerMessage) Validate() error {
	switch m.Kind {
	case WorkerKindRequest:
		if m.Request == nil || m.Response != nil || m.Progress != nil {
			return fmt.Errorf("malformed worker message: kind=request")
		}
		if m.Request.ID == "" {
			return fmt.Errorf("worker request missing correlation id")
		}
	case WorkerKindResponse:
		if m.Response == nil || m.Request != nil || m.Progress != nil {
			return fmt.Errorf("malformed worker message: kind=response")
		}
		if m.Response.ID == "" {
			return fmt.Errorf("worker response missing correlation id")
		}
	case WorkerKindProgress:
		if m.Progress == nil || m.Request != nil || m.Response != nil {
			return fmt.Errorf("malformed worker message: kind=progress")
		}
		if m.Progress.ID == "" {
			return fmt.Errorf("worker progress missing correlation id")
		}
	default:
		return fmt.Errorf("unknown worker message kind %q", m.Kind)
	}
	return nil
}

// CorrelationID returns the id of whichever variant is populated.
func (m WorkerMessage) CorrelationID() string {
	switch m.Kind {
	case WorkerKindRequest:
		if m.Request != nil {
			return m.Request.ID
		}
	case WorkerKindResponse:
		if m.Response != nil {
			return m.Response.ID
		}
	case WorkerKindProgress:
		if m.Progress != nil {
			return m.Progress.ID
		}
	}
	return ""
}

// DecodeWorkerMessage parses and validates one frame from the worker channel.
func DecodeWorkerMessage(data []byte) (WorkerMessage, error) {
	var m WorkerMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return WorkerMessage{}, fmt.Errorf("decode worker message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return WorkerMessage{}, err
	}
	return m, nil
}
