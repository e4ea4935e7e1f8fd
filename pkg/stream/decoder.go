package stream

import (
	"errors"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Decoder turns a sequence of byte chunks into UTF-8 text. A multi-byte
// sequence split across two chunks is held back until it is complete, so a
// chunk boundary never corrupts a code point. Invalid bytes decode to U+FFFD.
type Decoder struct {
	t       transform.Transformer
	pending []byte
}

// NewDecoder returns a Decoder with no buffered bytes.
func NewDecoder() *Decoder {
	return &Decoder{t: unicode.UTF8.NewDecoder()}
}

// Decode returns the text decodable from the bytes buffered so far plus p.
// Trailing bytes of an incomplete sequence are kept for the next call.
func (d *Decoder) Decode(p []byte) string {
	return d.transform(p, false)
}

// Flush decodes whatever is still buffered, replacing an incomplete
// trailing sequence with U+FFFD.
func (d *Decoder) Flush() string {
	return d.transform(nil, true)
}

func (d *Decoder) transform(p []byte, atEOF bool) string {
	src := make([]byte, 0, len(d.pending)+len(p))
	src = append(src, d.pending...)
	src = append(src, p...)
	d.pending = d.pending[:0]

	if len(src) == 0 {
		return ""
	}

	// Each invalid byte can expand to the 3-byte replacement character.
	dst := make([]byte, 3*len(src)+4)
	nDst, nSrc, err := d.t.Transform(dst, src, atEOF)
	if err != nil && !errors.Is(err, transform.ErrShortSrc) {
		// Unreachable with the sizing above; keep the bytes rather than drop them.
		d.pending = append(d.pending, src[nSrc:]...)
		return string(dst[:nDst])
	}

	d.pending = append(d.pending, src[nSrc:]...)
	if atEOF {
		d.t.Reset()
	}
	return string(dst[:nDst])
}
