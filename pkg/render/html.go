// Package render provides RenderSink implementations for completion streams:
// sanitized HTML, styled terminal output and plain text.
package render

import (
	"bytes"
	"fmt"
	"html"
	"os"
	"sync"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"go.uber.org/zap"
)

// Surface is where rendered markup is displayed. Replace swaps the whole
// content, like assigning innerHTML.
type Surface interface {
	Replace(markup string) error
}

// HTMLSink renders Markdown snapshots to sanitized HTML.
type HTMLSink struct {
	surface Surface
	md      goldmark.Markdown
	policy  *bluemonday.Policy
	logger  *zap.Logger

	mu   sync.Mutex
	last string
}

// NewHTMLSink creates an HTMLSink that writes to surface.
func NewHTMLSink(surface Surface, logger *zap.Logger) *HTMLSink {
	return &HTMLSink{
		surface: surface,
		md:      goldmark.New(goldmark.WithExtensions(extension.GFM)),
		policy:  bluemonday.UGCPolicy(),
		logger:  logger,
	}
}

// Markup converts Markdown to sanitized HTML.
func (h *HTMLSink) Markup(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := h.md.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("convert markdown: %w", err)
	}
	return string(h.policy.SanitizeBytes(buf.Bytes())), nil
}

// Render replaces the surface content with the rendered snapshot.
func (h *HTMLSink) Render(snapshot string) {
	markup, err := h.Markup(snapshot)
	if err != nil {
		// Fall back to the escaped source so the user still sees the text.
		h.logger.Warn("markdown render failed", zap.Error(err))
		markup = "<pre>" + html.EscapeString(snapshot) + "</pre>"
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = markup
	h.replace(markup)
}

// AppendError adds an escaped error paragraph after the current markup.
func (h *HTMLSink) AppendError(message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last += `<p class="stream-error">` + html.EscapeString(message) + "</p>"
	h.replace(h.last)
}

// Last returns the markup most recently sent to the surface.
func (h *HTMLSink) Last() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

func (h *HTMLSink) replace(markup string) {
	if err := h.surface.Replace(markup); err != nil {
		h.logger.Warn("surface update failed", zap.Error(err))
	}
}

// FileSurface displays markup by rewriting a file.
type FileSurface struct {
	Path string
}

func (f FileSurface) Replace(markup string) error {
	return os.WriteFile(f.Path, []byte(markup), 0o644)
}
