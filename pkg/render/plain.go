package render

import (
	"fmt"
	"io"
	"sync"
)

// PlainSink writes raw text. Since every snapshot extends the previous one,
// only the new suffix is written on each Render.
type PlainSink struct {
	out io.Writer

	mu      sync.Mutex
	written int
}

// NewPlainSink creates a PlainSink writing to out.
func NewPlainSink(out io.Writer) *PlainSink {
	return &PlainSink{out: out}
}

func (p *PlainSink) Render(snapshot string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(snapshot) <= p.written {
		return
	}
	io.WriteString(p.out, snapshot[p.written:])
	p.written = len(snapshot)
}

func (p *PlainSink) AppendError(message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.written > 0 {
		io.WriteString(p.out, "\n")
	}
	fmt.Fprintf(p.out, "error: %s\n", message)
}
