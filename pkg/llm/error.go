// Package llm holds the wire types shared by the completion server and the
// stream reader: Ollama-compatible upstream chat types and the completion
// event frames sent to clients.
package llm

// ErrorResponse is the JSON body returned by HTTP handlers on failure.
type ErrorResponse struct {
	Error string `json:"error"`
}
