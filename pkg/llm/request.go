package llm

// ChatRequest is an upstream chat request (Ollama-compatible).
type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   *bool     `json:"stream,omitempty"` // Ollama streams when unset

	Options *Options `json:"options,omitempty"`
}

// Options contains model inference parameters.
type Options struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  *int     `json:"num_predict,omitempty"` // Max tokens to generate
}
