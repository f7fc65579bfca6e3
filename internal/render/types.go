package render

import (
	"context"
	"errors"

	"github.com/talecast-labs/talecast-core/internal/book"
	"github.com/talecast-labs/talecast-core/internal/synth"
)

// JobState tracks a render job through its lifecycle. Terminal states are
// completed, failed and canceled; a job never leaves a terminal state.
type JobState string

const (
	StateQueued    JobState = "queued"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCanceled  JobState = "canceled"
)

// Terminal reports whether the state admits no further transitions.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCanceled
}

// Metrics summarizes a finished render. AudioSeconds comes from the summed
// segment estimates at the requested speed, not from decoding the output.
type Metrics struct {
	SegmentCount   int     `json:"segmentCount"`
	AudioSeconds   float64 `json:"audioSeconds"`
	RenderSeconds  float64 `json:"renderSeconds"`
	RealtimeFactor float64 `json:"realtimeFactor"`
}

// Result is what a successful render hands back.
type Result struct {
	OutputPath string
	Metrics    Metrics
}

// ErrOutputDirRequired rejects render requests with no usable output
// directory from either the request or the runtime config.
var ErrOutputDirRequired = errors.New("output directory required")

// ProjectSource resolves project ids to their full chapter payloads.
type ProjectSource interface {
	GetProject(ctx context.Context, projectID string) (book.Project, error)
}

// SpeechBackend is the slice of the synth supervisor the orchestrator needs.
type SpeechBackend interface {
	BatchSynthesize(ctx context.Context, req synth.BatchRequest, onProgress synth.BatchProgressFn) (synth.BatchResult, error)
}

// Muxer merges ordered clips into one output file, returning the concat
// manifest path it wrote.
type Muxer interface {
	Merge(ctx context.Context, clips []string, outPath string) (string, error)
}
