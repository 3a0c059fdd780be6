package domain

import "time"

// GenerationRequest is what a coordinator caller asks to generate.
type GenerationRequest struct {
	WorkflowParams
	Publish     bool     `json:"publish,omitempty"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Webhook     string   `json:"webhook,omitempty"`
}

// GenerationRecord is the coordinator's stored view of a generation job
// and everything done with its output.
type GenerationRecord struct {
	GenerationJob
	Request        GenerationRequest `json:"request"`
	Artifacts      []Artifact        `json:"artifacts,omitempty"`
	Publish        *PublishResult    `json:"publish,omitempty"`
	PublishWarning string            `json:"publishWarning,omitempty"`
	PublishError   string            `json:"publishError,omitempty"`
	TraceParent    string            `json:"traceParent,omitempty"`
	TraceState     string            `json:"traceState,omitempty"`
	UpdatedAt      time.Time         `json:"updatedAt"`
	CompletedAt    time.Time         `json:"completedAt,omitempty"`
}
