package synth

import "context"

// SegmentRequest is one synthesis unit sent to the active backend.
type SegmentRequest struct {
	ID             string   `json:"id"`
	Text           string   `json:"text"`
	VoiceID        string   `json:"voiceId"`
	Model          string   `json:"model"`
	Speed          float64  `json:"speed"`
	ExpressionTags []string `json:"expressionTags,omitempty"`
}

// BatchRequest synthesizes an ordered list of segments into OutputDir.
type BatchRequest struct {
	Segments  []SegmentRequest `json:"segments"`
	OutputDir string           `json:"output_dir"`
}

// BatchResult carries one clip path per input segment, in order.
type BatchResult struct {
	ClipPaths []string `json:"wavPaths"`
	Engines   []string `json:"engines,omitempty"`
}

// Health reports backend liveness and model readiness.
type Health struct {
	Running      bool     `json:"running"`
	ModelStatus  string   `json:"model_status"`
	LoadedModels []string `json:"loaded_models,omitempty"`
}

// VoiceInfo describes one entry of the backend's voice library.
type VoiceInfo struct {
	ID          string `json:"id"`
	Model       string `json:"model"`
	Label       string `json:"label"`
	Description string `json:"description"`
}

// TagReport is the result of expression-tag validation.
type TagReport struct {
	IsValid       bool     `json:"isValid"`
	InvalidTags   []string `json:"invalidTags"`
	SupportedTags []string `json:"supportedTags"`
}

// BatchProgressFn receives real (non-approximate) batch progress.
type BatchProgressFn func(completed, total int)

// Backend is the contract every speech backend kind satisfies. The
// supervisor owns at most one live Backend at a time.
type Backend interface {
	Health(ctx context.Context) (Health, error)
	ListVoices(ctx context.Context) ([]VoiceInfo, error)
	ValidateTags(ctx context.Context, text string) (TagReport, error)
	BatchSynthesize(ctx context.Context, req BatchRequest, onProgress BatchProgressFn) (BatchResult, error)
	Preview(ctx context.Context, seg SegmentRequest, outputDir string) (string, error)
	Close() error
}
