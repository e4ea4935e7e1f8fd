package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/bionic-gpt/bionic-gpt-sub000/pkg/llm"
)

const (
	defaultReadSize = 4096

	// maxErrorBody bounds how much of a non-2xx body is kept in a StatusError.
	maxErrorBody = 1024
)

// Config configures a Controller.
type Config struct {
	// BaseURL of the completion server (e.g., "http://localhost:8080").
	BaseURL string

	// HTTPClient used for completion requests. Defaults to a client without
	// a timeout: a session ends through its own events or Stop.
	HTTPClient *http.Client

	// ReadSize is the size of each read from the response body.
	ReadSize int
}

// Controller opens completion streams and hands each to a Session.
type Controller struct {
	config    Config
	finalizer Finalizer
	logger    *zap.Logger
}

// NewController creates a Controller that finalizes every session with finalizer.
func NewController(config Config, finalizer Finalizer, logger *zap.Logger) *Controller {
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	if config.ReadSize <= 0 {
		config.ReadSize = defaultReadSize
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	return &Controller{
		config:    config,
		finalizer: finalizer,
		logger:    logger,
	}
}

// NewSession prepares a session for chatID rendering into sink. Nothing is
// sent until Run is called. Cancelling ctx has the same effect as Stop.
func (c *Controller) NewSession(ctx context.Context, chatID string, sink RenderSink) *Session {
	ctx, cancel := context.WithCancel(ctx)
	return &Session{
		ChatID:     chatID,
		controller: c,
		sink:       sink,
		ctx:        ctx,
		cancel:     cancel,
		decoder:    NewDecoder(),
		logger:     c.logger.With(zap.String("chat_id", chatID)),
	}
}

// Session is a single streamed completion. It moves from Idle to Streaming
// when Run starts and ends in Completed, Failed or Aborted; the Finalizer
// is called exactly once on the way to any of them.
type Session struct {
	ChatID string

	controller *Controller
	sink       RenderSink
	logger     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	state    atomic.Int32
	once     sync.Once
	outcome  Outcome
	snapshot strings.Builder

	decoder  *Decoder
	splitter Splitter
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Stop aborts the session. A pending read fails and the session finalizes
// through the failure path. Stop after the session ended has no effect.
func (s *Session) Stop() {
	s.cancel()
}

// Run performs the completion request and reads the stream until a
// terminal event, the end of the body, or a transport error. It returns
// the finalized outcome. Run may be called once.
func (s *Session) Run() Outcome {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateStreaming)) {
		return Outcome{ChatID: s.ChatID, State: s.State(), Err: ErrSessionStarted}
	}
	defer s.cancel()

	s.logger.Debug("starting completion stream")

	body, err := s.open()
	if err != nil {
		return s.fail(err)
	}
	defer body.Close()

	buf := make([]byte, s.controller.config.ReadSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if s.consume(buf[:n]) {
				return s.outcome
			}
		}

		if errors.Is(err, io.EOF) {
			if rest := s.splitter.Pending() + s.decoder.Flush(); strings.TrimSpace(rest) != "" {
				s.logger.Debug("discarding unterminated frame", zap.Int("bytes", len(rest)))
			}
			return s.finish(StateCompleted, nil)
		}
		if err != nil {
			return s.fail(err)
		}
	}
}

func (s *Session) open() (io.ReadCloser, error) {
	cfg := s.controller.config
	endpoint := cfg.BaseURL + "/completions/" + url.PathEscape(s.ChatID)

	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, endpoint, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("completion request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var body []byte
		if resp.Body != nil {
			body, _ = io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			resp.Body.Close()
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if resp.Body == nil || resp.Body == http.NoBody {
		return nil, ErrNoBody
	}

	return resp.Body, nil
}

// consume processes one chunk and reports whether the session reached a
// terminal state.
func (s *Session) consume(chunk []byte) bool {
	text := s.decoder.Decode(chunk)

	for _, frame := range s.splitter.Push(text) {
		ev, ok := ParseFrame(frame)
		if !ok {
			s.logger.Debug("dropping malformed frame", zap.String("frame", truncate(frame, 80)))
			continue
		}

		if ev.IsTerminal() {
			s.end(ev)
			return true
		}

		switch ev.Type {
		case llm.EventTextDelta:
			delta := ev.Delta()
			if delta == "" {
				continue
			}
			s.snapshot.WriteString(delta)
			s.sink.Render(s.snapshot.String())

		default:
			s.logger.Debug("ignoring event", zap.String("type", ev.Type))
		}
	}

	return false
}

// end finalizes on a done or error event.
func (s *Session) end(ev Event) {
	if ev.Type == llm.EventError {
		msg := ev.Message()
		s.sink.AppendError(msg)
		s.finish(StateFailed, &ServerError{Message: msg})
		return
	}
	s.finish(StateCompleted, nil)
}

// fail routes a transport error through the finalize path. A cancelled
// session context marks the session as aborted.
func (s *Session) fail(err error) Outcome {
	state := StateFailed
	if s.ctx.Err() != nil {
		state = StateAborted
	}

	s.logger.Warn("completion stream ended with error",
		zap.Stringer("state", state),
		zap.Error(err),
	)

	s.sink.AppendError(err.Error())
	return s.finish(state, err)
}

func (s *Session) finish(state State, err error) Outcome {
	s.once.Do(func() {
		s.state.Store(int32(state))
		s.outcome = Outcome{
			ChatID:   s.ChatID,
			State:    state,
			Snapshot: s.snapshot.String(),
			Err:      err,
		}

		// The form must still be submitted after Stop, so detach from cancellation.
		ctx := context.WithoutCancel(s.ctx)
		if ferr := s.controller.finalizer.Finalize(ctx, s.outcome); ferr != nil {
			s.logger.Error("finalize failed", zap.Error(ferr))
			s.outcome.FinalizeErr = ferr
		}

		s.logger.Debug("completion stream finalized",
			zap.Stringer("state", state),
			zap.Int("snapshot_len", len(s.outcome.Snapshot)),
		)
	})

	return s.outcome
}

// truncate shortens s for a log line without splitting a UTF-8 sequence.
func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= maxLen {
		return s
	}
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen] + "..."
}
