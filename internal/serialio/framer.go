package serialio

import (
	"bytes"
	"strings"
)

// MaxFrameSize bounds the accumulation buffer. A controller that streams
// bytes without ever sending a terminator would otherwise grow it forever.
const MaxFrameSize = 1024

// Framer reassembles newline-terminated messages from arbitrarily
// fragmented reads. CR, LF and CRLF all terminate a frame; blank frames are
// skipped. A line longer than MaxFrameSize is dropped whole, up to and
// including its terminator, however the reads split it. The zero value is
// ready to use; it is not safe for concurrent use.
type Framer struct {
	buf       []byte
	skipping  bool
	discarded int
}

// Push consumes b and returns every frame it completes, in arrival order,
// trimmed of surrounding whitespace.
func (f *Framer) Push(b []byte) []string {
	var frames []string
	for len(b) > 0 {
		idx := bytes.IndexAny(b, "\r\n")
		if idx < 0 {
			f.accumulate(b)
			break
		}
		f.accumulate(b[:idx])
		b = b[idx+1:]

		if f.skipping {
			f.skipping = false
			continue
		}
		if line := strings.TrimSpace(string(f.buf)); line != "" {
			frames = append(frames, line)
		}
		f.buf = nil
	}
	return frames
}

// accumulate appends part of the current line, switching to skipping once
// the line outgrows MaxFrameSize.
func (f *Framer) accumulate(p []byte) {
	if f.skipping {
		f.discarded += len(p)
		return
	}
	if len(f.buf)+len(p) > MaxFrameSize {
		f.discarded += len(f.buf) + len(p)
		f.buf = nil
		f.skipping = true
		return
	}
	f.buf = append(f.buf, p...)
}

// Buffered reports how many bytes of an incomplete frame are held.
func (f *Framer) Buffered() int { return len(f.buf) }

// Discarded reports how many bytes were dropped for exceeding MaxFrameSize.
func (f *Framer) Discarded() int { return f.discarded }

// Reset drops any partial frame.
func (f *Framer) Reset() {
	f.buf = nil
	f.skipping = false
}
