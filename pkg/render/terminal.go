package render

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"go.uber.org/zap"
)

var errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)

// TerminalSink renders Markdown snapshots with glamour and redraws them in
// place: each Render moves the cursor back over the previous output and
// erases it before writing the new one.
type TerminalSink struct {
	out      io.Writer
	renderer *glamour.TermRenderer
	logger   *zap.Logger

	mu    sync.Mutex
	lines int
}

// NewTerminalSink creates a TerminalSink writing to out, wrapping at width columns.
func NewTerminalSink(out io.Writer, width int, logger *zap.Logger) (*TerminalSink, error) {
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return nil, fmt.Errorf("create terminal renderer: %w", err)
	}

	return &TerminalSink{
		out:      out,
		renderer: r,
		logger:   logger,
	}, nil
}

// Render redraws the snapshot.
func (t *TerminalSink) Render(snapshot string) {
	rendered, err := t.renderer.Render(snapshot)
	if err != nil {
		t.logger.Warn("markdown render failed", zap.Error(err))
		rendered = snapshot + "\n"
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.clear()
	fmt.Fprint(t.out, rendered)
	t.lines = strings.Count(rendered, "\n")
}

// AppendError writes message below the rendered answer.
func (t *TerminalSink) AppendError(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.out, errorStyle.Render(message))
	// The answer above is final now; never redraw over it.
	t.lines = 0
}

func (t *TerminalSink) clear() {
	if t.lines == 0 {
		return
	}
	fmt.Fprint(t.out, "\r"+ansi.CursorUp(t.lines)+ansi.EraseScreenBelow)
}
