package llm

// ConversationTurn is a completed exchange ready to be committed to the
// transcript DAG: the messages sent for the completion plus the assistant
// response as the client saw it when the stream ended.
type ConversationTurn struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Response Message   `json:"response"`

	// Status is the terminal state of the stream ("completed", "failed", "aborted").
	Status string `json:"status"`

	// Error is the error text shown to the user, if the stream did not complete.
	Error string `json:"error,omitempty"`
}
