package stream

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/bionic-gpt/bionic-gpt-sub000/pkg/llm"
)

const dataPrefix = "data:"

// Event is a classified completion event. Payload is the raw JSON object the
// event was parsed from; the typed accessors read sub-fields out of it.
type Event struct {
	Type    string
	Payload []byte
}

// Delta returns data.delta of a text_delta event, or "" if absent or not a string.
func (e Event) Delta() string {
	return e.stringField("data.delta")
}

// Message returns data.message of an error event, or "" if absent or not a string.
func (e Event) Message() string {
	return e.stringField("data.message")
}

func (e Event) stringField(path string) string {
	v := gjson.GetBytes(e.Payload, path)
	if v.Type != gjson.String {
		return ""
	}
	return v.String()
}

// ParseFrame extracts the payload of a frame and classifies it.
//
// The payload is the concatenation, with no separator, of every line that
// starts with "data:", each stripped of the prefix and trimmed. The frame
// yields an Event only if that payload is a JSON object with a string "type"
// field; anything else reports false.
func ParseFrame(frame string) (Event, bool) {
	var payload strings.Builder
	for _, line := range strings.Split(frame, "\n") {
		if rest, ok := strings.CutPrefix(line, dataPrefix); ok {
			payload.WriteString(strings.TrimSpace(rest))
		}
	}

	if payload.Len() == 0 {
		return Event{}, false
	}

	raw := payload.String()
	if !gjson.Valid(raw) {
		return Event{}, false
	}

	obj := gjson.Parse(raw)
	if !obj.IsObject() {
		return Event{}, false
	}

	typ := obj.Get("type")
	if typ.Type != gjson.String {
		return Event{}, false
	}

	return Event{Type: typ.String(), Payload: []byte(raw)}, true
}

// IsTerminal reports whether the event ends the stream.
func (e Event) IsTerminal() bool {
	return e.Type == llm.EventDone || e.Type == llm.EventError
}
