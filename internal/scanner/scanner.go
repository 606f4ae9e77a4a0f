// Package scanner filters generated text on its way to a client: it detects an
// end-of-turn marker that may straddle fragments, and assembles emitted bytes
// into lines for a command dispatcher.
package scanner

import (
	"bytes"
	"io"
)

const (
	// DefaultDelimiter ends a turn in delimiter mode.
	DefaultDelimiter byte = 0x04
	// DefaultLineCapacity bounds the line buffer, terminator included.
	DefaultLineCapacity = 16 << 10
)

// Dispatcher receives every completed line, without its newline.
type Dispatcher interface {
	Dispatch(line string)
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(line string)

func (f DispatchFunc) Dispatch(line string) { f(line) }

// Options configure a Scanner. Zero values take the defaults.
type Options struct {
	LineCapacity int
	Dispatcher   Dispatcher
	// OnOverflow is called after a Feed that dropped line bytes, with the
	// number dropped. Overflow is never an error.
	OnOverflow func(dropped int)
}

// Scanner is not safe for concurrent use; each turn owns one.
type Scanner struct {
	out    io.Writer
	marker []byte
	opts   Options

	partial int
	stopped bool
	line    []byte
	dropped int
	pending bytes.Buffer
	err     error
}

// NewDelimiter returns a scanner that stops at the single byte delim and
// discards it along with everything after it.
func NewDelimiter(out io.Writer, delim byte, opts Options) *Scanner {
	return newScanner(out, []byte{delim}, opts)
}

// NewMarker returns a scanner for a multi-byte marker. Marker bytes are held
// back while they match and flushed verbatim when the match breaks.
func NewMarker(out io.Writer, marker string, opts Options) *Scanner {
	return newScanner(out, []byte(marker), opts)
}

func newScanner(out io.Writer, marker []byte, opts Options) *Scanner {
	if opts.LineCapacity <= 1 {
		opts.LineCapacity = DefaultLineCapacity
	}
	if out == nil {
		out = io.Discard
	}
	return &Scanner{
		out:    out,
		marker: marker,
		opts:   opts,
		line:   make([]byte, 0, opts.LineCapacity-1),
	}
}

// Feed processes one fragment. It reports whether the marker completed, after
// which further fragments are ignored until Reset.
func (s *Scanner) Feed(frag []byte) (bool, error) {
	for _, b := range frag {
		if s.stopped {
			break
		}
		s.step(b)
	}
	return s.stopped, s.flush()
}

// Finish ends the turn: held-back marker bytes are emitted and a trailing
// unterminated line is dispatched.
func (s *Scanner) Finish() error {
	if s.partial > 0 && !s.stopped {
		for _, b := range s.marker[:s.partial] {
			s.emit(b)
		}
		s.partial = 0
	}
	err := s.flush()
	if len(s.line) > 0 {
		s.dispatch()
	}
	return err
}

// Reset prepares the scanner for another turn.
func (s *Scanner) Reset() {
	s.partial = 0
	s.stopped = false
	s.line = s.line[:0]
	s.dropped = 0
	s.pending.Reset()
	s.err = nil
}

// Stopped reports whether the marker was seen.
func (s *Scanner) Stopped() bool { return s.stopped }

// Partial is the number of marker bytes currently held back.
func (s *Scanner) Partial() int { return s.partial }

func (s *Scanner) step(b byte) {
	if len(s.marker) == 0 {
		s.emit(b)
		return
	}
	if b == s.marker[s.partial] {
		s.partial++
		if s.partial == len(s.marker) {
			s.partial = 0
			s.stopped = true
		}
		return
	}
	if s.partial == 0 {
		s.emit(b)
		return
	}
	// Broken match: the first held byte is plain output, the rest may
	// still begin the marker.
	held := s.marker[:s.partial]
	s.partial = 0
	s.emit(held[0])
	for _, h := range held[1:] {
		s.step(h)
	}
	s.step(b)
}

func (s *Scanner) emit(b byte) {
	s.pending.WriteByte(b)
	if b == '\n' {
		// The line reaches the client before anything the dispatcher writes.
		s.writePending()
		s.dispatch()
		return
	}
	if len(s.line) < s.opts.LineCapacity-1 {
		s.line = append(s.line, b)
		return
	}
	s.dropped++
}

func (s *Scanner) dispatch() {
	line := string(s.line)
	s.line = s.line[:0]
	if s.opts.Dispatcher != nil {
		s.opts.Dispatcher.Dispatch(line)
	}
}

func (s *Scanner) flush() error {
	if s.dropped > 0 {
		if s.opts.OnOverflow != nil {
			s.opts.OnOverflow(s.dropped)
		}
		s.dropped = 0
	}
	s.writePending()
	err := s.err
	s.err = nil
	return err
}

func (s *Scanner) writePending() {
	if s.pending.Len() == 0 {
		return
	}
	if _, err := s.out.Write(s.pending.Bytes()); err != nil && s.err == nil {
		s.err = err
	}
	s.pending.Reset()
}
