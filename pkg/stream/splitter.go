package stream

import "strings"

// frameBoundary separates frames on a completion stream.
const frameBoundary = "\n\n"

// Splitter cuts a growing text buffer into frames delimited by a blank line.
// After Push returns, the retained buffer never contains a frame boundary.
type Splitter struct {
	buf string
}

// Push appends text to the buffer and returns every complete frame, in
// arrival order. Frames that are blank after trimming are dropped. Text after
// the last boundary stays buffered until a later Push completes it.
func (s *Splitter) Push(text string) []string {
	s.buf += text

	var frames []string
	for {
		i := strings.Index(s.buf, frameBoundary)
		if i < 0 {
			break
		}

		frame := s.buf[:i]
		s.buf = s.buf[i+len(frameBoundary):]

		if strings.TrimSpace(frame) == "" {
			continue
		}
		frames = append(frames, frame)
	}

	return frames
}

// Pending returns the buffered text not yet closed by a boundary.
func (s *Splitter) Pending() string {
	return s.buf
}
