package stream_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/bionic-gpt/bionic-gpt-sub000/pkg/stream"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

// chunkedBody returns one chunk per Read, then err (io.EOF when nil).
type chunkedBody struct {
	chunks [][]byte
	err    error
}

func (b *chunkedBody) Read(p []byte) (int, error) {
	if len(b.chunks) == 0 {
		if b.err != nil {
			return 0, b.err
		}
		return 0, io.EOF
	}
	n := copy(p, b.chunks[0])
	b.chunks[0] = b.chunks[0][n:]
	if len(b.chunks[0]) == 0 {
		b.chunks = b.chunks[1:]
	}
	return n, nil
}

func (b *chunkedBody) Close() error { return nil }

func chunksOf(parts ...string) [][]byte {
	out := make([][]byte, len(parts))
	for i, p := range parts {
		out[i] = []byte(p)
	}
	return out
}

type recordingSink struct {
	mu        sync.Mutex
	snapshots []string
	errors    []string
}

func (s *recordingSink) Render(snapshot string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snapshot)
}

func (s *recordingSink) AppendError(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, message)
}

func (s *recordingSink) Snapshots() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.snapshots...)
}

func (s *recordingSink) Errors() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.errors...)
}

type countingFinalizer struct {
	mu       sync.Mutex
	outcomes []stream.Outcome
	ctxErrs  []error
	err      error
}

func (f *countingFinalizer) Finalize(ctx context.Context, outcome stream.Outcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, outcome)
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	return f.err
}

func (f *countingFinalizer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.outcomes)
}

const (
	helloDelta = `data: {"type":"text_delta","data":{"delta":"Hello"}}` + "\n\n"
	doneFrame  = `data: {"type":"done"}` + "\n\n"
)

var _ = Describe("Session", func() {
	var (
		sink      *recordingSink
		finalizer *countingFinalizer
		requests  []*http.Request
	)

	BeforeEach(func() {
		sink = &recordingSink{}
		finalizer = &countingFinalizer{}
		requests = nil
	})

	// controllerFor serves every completion request with a fresh body from newBody.
	controllerFor := func(newBody func() (*http.Response, error)) *stream.Controller {
		client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			requests = append(requests, r)
			return newBody()
		})}
		return stream.NewController(stream.Config{
			BaseURL:    "http://chat.test/",
			HTTPClient: client,
		}, finalizer, zap.NewNop())
	}

	bodyOf := func(chunks [][]byte, err error) func() (*http.Response, error) {
		return func() (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusOK,
				Body:       &chunkedBody{chunks: chunks, err: err},
			}, nil
		}
	}

	run := func(chunks [][]byte, err error) stream.Outcome {
		ctrl := controllerFor(bodyOf(chunks, err))
		return ctrl.NewSession(context.Background(), "chat-1", sink).Run()
	}

	It("posts to the chat's completion endpoint", func() {
		run(chunksOf(doneFrame), nil)

		Expect(requests).To(HaveLen(1))
		Expect(requests[0].Method).To(Equal(http.MethodPost))
		Expect(requests[0].URL.String()).To(Equal("http://chat.test/completions/chat-1"))
		Expect(requests[0].Header.Get("Content-Type")).To(Equal("application/json"))
	})

	Describe("Scenario A: delta split mid-JSON then done", func() {
		It("renders Hello once and finalizes once", func() {
			outcome := run(chunksOf(
				`data: {"type":"text_delta","data":{"delta":"Hel`,
				`lo"}}`+"\n\n"+`data: {"type":"done"}`+"\n\n",
			), nil)

			Expect(sink.Snapshots()).To(Equal([]string{"Hello"}))
			Expect(sink.Errors()).To(BeEmpty())
			Expect(finalizer.Calls()).To(Equal(1))
			Expect(outcome.State).To(Equal(stream.StateCompleted))
			Expect(outcome.Snapshot).To(Equal("Hello"))
			Expect(outcome.Err).NotTo(HaveOccurred())
		})
	})

	Describe("Scenario B: malformed frame then done", func() {
		It("never renders and finalizes once", func() {
			outcome := run(chunksOf("data: not-json\n\n"+doneFrame), nil)

			Expect(sink.Snapshots()).To(BeEmpty())
			Expect(finalizer.Calls()).To(Equal(1))
			Expect(outcome.State).To(Equal(stream.StateCompleted))
		})
	})

	Describe("terminal paths", func() {
		It("finalizes once on a done event and stops reading", func() {
			outcome := run(chunksOf(helloDelta+doneFrame+helloDelta), nil)

			Expect(sink.Snapshots()).To(Equal([]string{"Hello"}))
			Expect(finalizer.Calls()).To(Equal(1))
			Expect(outcome.State).To(Equal(stream.StateCompleted))
		})

		It("finalizes once on an error event, keeping the partial answer", func() {
			outcome := run(chunksOf(
				helloDelta,
				`data: {"type":"error","data":{"message":"model overloaded"}}`+"\n\n",
				doneFrame,
			), nil)

			Expect(sink.Snapshots()).To(Equal([]string{"Hello"}))
			Expect(sink.Errors()).To(Equal([]string{"model overloaded"}))
			Expect(finalizer.Calls()).To(Equal(1))
			Expect(outcome.State).To(Equal(stream.StateFailed))
			Expect(outcome.Snapshot).To(Equal("Hello"))

			var serverErr *stream.ServerError
			Expect(errors.As(outcome.Err, &serverErr)).To(BeTrue())
			Expect(serverErr.Message).To(Equal("model overloaded"))
		})

		It("finalizes once when the body ends without a terminal event", func() {
			outcome := run(chunksOf(helloDelta, `data: {"type":"text_delta","data":{"delta":" wor`), nil)

			Expect(sink.Snapshots()).To(Equal([]string{"Hello"}))
			Expect(finalizer.Calls()).To(Equal(1))
			Expect(outcome.State).To(Equal(stream.StateCompleted))
			Expect(outcome.Snapshot).To(Equal("Hello"))
		})

		It("finalizes once when the read fails", func() {
			outcome := run(chunksOf(helloDelta), errors.New("connection reset"))

			Expect(sink.Errors()).To(HaveLen(1))
			Expect(sink.Errors()[0]).To(ContainSubstring("connection reset"))
			Expect(finalizer.Calls()).To(Equal(1))
			Expect(outcome.State).To(Equal(stream.StateFailed))
			Expect(outcome.Snapshot).To(Equal("Hello"))
		})

		It("finalizes once when the request fails", func() {
			ctrl := controllerFor(func() (*http.Response, error) {
				return nil, errors.New("dial tcp: connection refused")
			})
			outcome := ctrl.NewSession(context.Background(), "chat-1", sink).Run()

			Expect(sink.Errors()).To(HaveLen(1))
			Expect(finalizer.Calls()).To(Equal(1))
			Expect(outcome.State).To(Equal(stream.StateFailed))
		})

		It("fails on a response without a body", func() {
			ctrl := controllerFor(func() (*http.Response, error) {
				return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
			})
			outcome := ctrl.NewSession(context.Background(), "chat-1", sink).Run()

			Expect(outcome.Err).To(MatchError(stream.ErrNoBody))
			Expect(outcome.State).To(Equal(stream.StateFailed))
			Expect(sink.Errors()).To(HaveLen(1))
			Expect(finalizer.Calls()).To(Equal(1))
		})

		It("fails on a non-2xx status", func() {
			ctrl := controllerFor(func() (*http.Response, error) {
				return &http.Response{
					StatusCode: http.StatusConflict,
					Body:       io.NopCloser(strings.NewReader(`{"error":"no pending message to complete"}`)),
				}, nil
			})
			outcome := ctrl.NewSession(context.Background(), "chat-1", sink).Run()

			var statusErr *stream.StatusError
			Expect(errors.As(outcome.Err, &statusErr)).To(BeTrue())
			Expect(statusErr.StatusCode).To(Equal(http.StatusConflict))
			Expect(statusErr.Body).To(ContainSubstring("no pending message"))
			Expect(finalizer.Calls()).To(Equal(1))
		})
	})

	It("ignores unknown events and empty deltas", func() {
		outcome := run(chunksOf(
			`data: {"type":"usage","data":{"tokens":3}}`+"\n\n",
			`data: {"data":{"delta":"no type"}}`+"\n\n",
			`data: {"type":"text_delta","data":{"delta":""}}`+"\n\n",
			helloDelta,
			doneFrame,
		), nil)

		Expect(sink.Snapshots()).To(Equal([]string{"Hello"}))
		Expect(outcome.State).To(Equal(stream.StateCompleted))
	})

	It("renders snapshots that only ever grow", func() {
		var frames strings.Builder
		for _, d := range []string{"The", " quick", " brown", " fox"} {
			fmt.Fprintf(&frames, `data: {"type":"text_delta","data":{"delta":%q}}`+"\n\n", d)
		}
		frames.WriteString(doneFrame)

		run(chunksOf(frames.String()), nil)

		snaps := sink.Snapshots()
		Expect(snaps).To(HaveLen(4))
		for i := 1; i < len(snaps); i++ {
			Expect(snaps[i]).To(HavePrefix(snaps[i-1]))
			Expect(len(snaps[i])).To(BeNumerically(">", len(snaps[i-1])))
		}
		Expect(snaps[3]).To(Equal("The quick brown fox"))
	})

	It("yields the same result however the body is split", func() {
		body := []byte(`data: {"type":"text_delta","data":{"delta":"héllo "}}` + "\n\n" +
			"data: {\"type\":\"text_delta\",\n" +
			`data: "data":{"delta":"wörld 🌍"}}` + "\n\n" +
			"data: not-json\n\n" +
			doneFrame)

		reference := &recordingSink{}
		want := controllerFor(bodyOf([][]byte{body}, nil)).
			NewSession(context.Background(), "chat-1", reference).Run()
		Expect(want.Snapshot).To(Equal("héllo wörld 🌍"))

		for i := 1; i < len(body); i++ {
			for j := i; j < len(body); j += 7 {
				split := &recordingSink{}
				chunks := [][]byte{
					append([]byte(nil), body[:i]...),
					append([]byte(nil), body[i:j]...),
					append([]byte(nil), body[j:]...),
				}
				got := controllerFor(bodyOf(chunks, nil)).
					NewSession(context.Background(), "chat-1", split).Run()

				Expect(got.Snapshot).To(Equal(want.Snapshot), "split at %d/%d", i, j)
				Expect(got.State).To(Equal(want.State))
				Expect(split.Snapshots()).To(Equal(reference.Snapshots()), "split at %d/%d", i, j)
			}
		}
	})

	It("finalizes exactly once even when stopped after done", func() {
		ctrl := controllerFor(bodyOf(chunksOf(helloDelta+doneFrame), nil))
		session := ctrl.NewSession(context.Background(), "chat-1", sink)

		outcome := session.Run()
		session.Stop()
		session.Stop()

		Expect(outcome.State).To(Equal(stream.StateCompleted))
		Expect(session.State()).To(Equal(stream.StateCompleted))
		Expect(finalizer.Calls()).To(Equal(1))
	})

	It("refuses to run a session twice", func() {
		ctrl := controllerFor(bodyOf(chunksOf(doneFrame), nil))
		session := ctrl.NewSession(context.Background(), "chat-1", sink)

		session.Run()
		again := session.Run()

		Expect(again.Err).To(MatchError(stream.ErrSessionStarted))
		Expect(requests).To(HaveLen(1))
		Expect(finalizer.Calls()).To(Equal(1))
	})

	It("reports the finalizer's error in the outcome", func() {
		finalizer.err = errors.New("form rejected")

		outcome := run(chunksOf(doneFrame), nil)

		Expect(outcome.State).To(Equal(stream.StateCompleted))
		Expect(outcome.FinalizeErr).To(MatchError("form rejected"))
	})

	Describe("Scenario C: abort mid-stream", func() {
		var (
			server   *httptest.Server
			release  chan struct{}
			finished chan struct{}
		)

		BeforeEach(func() {
			release = make(chan struct{})
			finished = make(chan struct{})
			server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				defer close(finished)
				w.Header().Set("Content-Type", "text/event-stream")
				fmt.Fprint(w, helloDelta)
				w.(http.Flusher).Flush()

				select {
				case <-release:
				case <-r.Context().Done():
				}
				// Arrives after the client aborted; must not be processed.
				fmt.Fprint(w, doneFrame)
			}))
		})

		AfterEach(func() {
			close(release)
			server.Close()
		})

		It("finalizes once through the failure path", func() {
			ctrl := stream.NewController(stream.Config{BaseURL: server.URL}, finalizer, zap.NewNop())
			session := ctrl.NewSession(context.Background(), "chat-1", sink)

			done := make(chan stream.Outcome, 1)
			go func() { done <- session.Run() }()

			Eventually(sink.Snapshots).Should(Equal([]string{"Hello"}))
			Expect(session.State()).To(Equal(stream.StateStreaming))

			session.Stop()

			var outcome stream.Outcome
			Eventually(done).Should(Receive(&outcome))
			Eventually(finished).Should(BeClosed())

			Expect(outcome.State).To(Equal(stream.StateAborted))
			Expect(outcome.Snapshot).To(Equal("Hello"))
			Expect(outcome.Err).To(HaveOccurred())
			Expect(sink.Errors()).To(HaveLen(1))

			session.Stop()
			Consistently(finalizer.Calls).Should(Equal(1))

			// The finalize form is still submitted after the abort.
			Expect(finalizer.ctxErrs[0]).NotTo(HaveOccurred())
		})

		It("treats a cancelled parent context as a stop", func() {
			ctx, cancel := context.WithCancel(context.Background())
			ctrl := stream.NewController(stream.Config{BaseURL: server.URL}, finalizer, zap.NewNop())
			session := ctrl.NewSession(ctx, "chat-1", sink)

			done := make(chan stream.Outcome, 1)
			go func() { done <- session.Run() }()

			Eventually(sink.Snapshots).Should(HaveLen(1))
			cancel()

			var outcome stream.Outcome
			Eventually(done).Should(Receive(&outcome))
			Expect(outcome.State).To(Equal(stream.StateAborted))
			Expect(finalizer.Calls()).To(Equal(1))
		})
	})
})
