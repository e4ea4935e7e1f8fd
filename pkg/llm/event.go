package llm

import (
	"encoding/json"
	"fmt"
	"io"
)

// Completion event types carried on a /completions stream.
const (
	EventTextDelta = "text_delta"
	EventDone      = "done"
	EventError     = "error"
)

// CompletionEvent is a single event on a chat completion stream.
// On the wire each event is one frame: a "data: " line holding the JSON
// encoding of the event, followed by a blank line.
type CompletionEvent struct {
	Type string               `json:"type"`
	Data *CompletionEventData `json:"data,omitempty"`
}

// CompletionEventData holds the variant payload of a CompletionEvent.
type CompletionEventData struct {
	Delta   string `json:"delta,omitempty"`   // text_delta
	Message string `json:"message,omitempty"` // error
}

// TextDelta returns a text_delta event carrying delta.
func TextDelta(delta string) CompletionEvent {
	return CompletionEvent{Type: EventTextDelta, Data: &CompletionEventData{Delta: delta}}
}

// Done returns the terminal done event.
func Done() CompletionEvent {
	return CompletionEvent{Type: EventDone}
}

// Error returns a terminal error event carrying message.
func Error(message string) CompletionEvent {
	return CompletionEvent{Type: EventError, Data: &CompletionEventData{Message: message}}
}

// WriteFrame encodes ev as a single "data:" frame terminated by a blank line.
func WriteFrame(w io.Writer, ev CompletionEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
