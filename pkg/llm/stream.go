package llm

import "time"

// StreamChunk is one NDJSON line of an upstream (Ollama) streaming chat response.
type StreamChunk struct {
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	Message   Message   `json:"message"`
	Done      bool      `json:"done"`

	// Upstream error text, sent in place of a chunk when generation fails mid-stream
	Error string `json:"error,omitempty"`

	// Final chunk includes metrics
	TotalDuration int64 `json:"total_duration,omitempty"`
	EvalCount     int   `json:"eval_count,omitempty"`
	EvalDuration  int64 `json:"eval_duration,omitempty"`
}
