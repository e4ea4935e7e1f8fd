// Package stream reads a streaming chat completion.
//
// A completion arrives as a body of frames separated by blank lines, each
// frame carrying a JSON event on one or more "data:" lines. A Session decodes
// the body incrementally, reassembles frames across chunk boundaries, pushes
// the growing answer to a RenderSink and calls its Finalizer exactly once,
// however the stream ends.
package stream

import (
	"context"
	"errors"
	"fmt"
)

// RenderSink displays the answer of a session as it grows.
type RenderSink interface {
	// Render receives the full accumulated answer. Each call within a session
	// carries a snapshot that extends the previous one.
	Render(snapshot string)

	// AppendError shows message after whatever has been rendered so far.
	AppendError(message string)
}

// Finalizer closes out a session. It is invoked exactly once per session, on
// whichever terminal path the stream takes.
type Finalizer interface {
	Finalize(ctx context.Context, outcome Outcome) error
}

// FinalizerFunc adapts a function to the Finalizer interface.
type FinalizerFunc func(ctx context.Context, outcome Outcome) error

func (f FinalizerFunc) Finalize(ctx context.Context, outcome Outcome) error {
	return f(ctx, outcome)
}

// State is the lifecycle state of a Session.
type State int32

const (
	StateIdle State = iota
	StateStreaming
	StateCompleted
	StateFailed
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether s is one of the end states.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateAborted
}

// Outcome describes how a session ended.
type Outcome struct {
	ChatID   string
	State    State
	Snapshot string

	// Err is nil when the stream completed. It is a *ServerError for an error
	// event, and the transport error otherwise.
	Err error

	// FinalizeErr is the error returned by the Finalizer, if any.
	FinalizeErr error
}

var (
	// ErrNoBody is returned when the completion response has no body to read.
	ErrNoBody = errors.New("stream: response has no body")

	// ErrSessionStarted is returned by Run on a session that already ran.
	ErrSessionStarted = errors.New("stream: session already started")
)

// ServerError is an error event reported by the completion server.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Message
}

// StatusError is returned when the completion endpoint answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("completion request returned %d", e.StatusCode)
	}
	return fmt.Sprintf("completion request returned %d: %s", e.StatusCode, e.Body)
}
