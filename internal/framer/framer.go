// Package framer turns a raw byte stream into timestamped records, either
// passing read chunks through unchanged (raw mode) or splitting on CR/LF
// line delimiters (line mode).
package framer

import (
	"bytes"
	"time"
)

// State tags a record with where the framer was when the record closed.
type State int

const (
	// FirstBoundary marks the first record after the stream opened. In line
	// mode it is usually a partial line and is only ever displayed.
	FirstBoundary State = iota
	// EmptyBoundary marks a record that followed a delimiter with nothing
	// in between. Raw mode tags every chunk after the first with it.
	EmptyBoundary
	// LineContent marks a complete line.
	LineContent
)

func (s State) String() string {
	switch s {
	case FirstBoundary:
		return "first"
	case EmptyBoundary:
		return "empty"
	case LineContent:
		return "line"
	default:
		return "unknown"
	}
}

// Record is one reframed unit of input.
type Record struct {
	State   State
	Time    time.Time // when the first byte of the record was read
	Payload []byte
}

// Complete reports whether the record is eligible for numeric extraction.
func (r Record) Complete() bool { return r.State != FirstBoundary }

// Framer consumes read chunks and returns the records they completed.
// A Framer is not safe for concurrent use; each session owns one.
type Framer interface {
	Feed(chunk []byte, now time.Time) []Record
}

// DefaultMaxLineLength bounds the bytes buffered while waiting for a
// delimiter.
const DefaultMaxLineLength = 64 * 1024

// Option configures a line framer.
type Option func(*LineFramer)

// WithMaxLineLength caps the pending line buffer. Zero disables the cap.
func WithMaxLineLength(n int) Option {
	return func(f *LineFramer) { f.maxLen = n }
}

// New returns a LineFramer when lineMode is set and a RawFramer otherwise.
// start stamps the first line, which may have begun before the stream
// was opened.
func New(lineMode bool, start time.Time, opts ...Option) Framer {
	if !lineMode {
		return &RawFramer{}
	}
	return NewLineFramer(start, opts...)
}

// RawFramer emits each non-empty chunk as one record, stamped at read time.
type RawFramer struct {
	started bool
}

func (f *RawFramer) Feed(chunk []byte, now time.Time) []Record {
	if len(chunk) == 0 {
		return nil
	}
	state := EmptyBoundary
	if !f.started {
		state = FirstBoundary
		f.started = true
	}
	return []Record{{State: state, Time: now, Payload: bytes.Clone(chunk)}}
}

// lineState is the line framer's position relative to delimiters.
type lineState int

const (
	stBoundary lineState = iota // nothing seen yet
	stAtSplit                   // last byte was a delimiter
	stInLine                    // accumulating a line
)

// LineFramer splits the stream on '\r' and '\n'. Lines are trimmed of
// surrounding whitespace and blank lines are dropped. A line may span any
// number of chunks.
type LineFramer struct {
	state     lineState
	buf       []byte
	lineStart time.Time
	maxLen    int

	discarding bool // current line overflowed; skip to the next delimiter
	overflows  int
}

// NewLineFramer creates a line framer in the initial boundary state.
func NewLineFramer(start time.Time, opts ...Option) *LineFramer {
	f := &LineFramer{
		state:     stBoundary,
		lineStart: start,
		maxLen:    DefaultMaxLineLength,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *LineFramer) Feed(chunk []byte, now time.Time) []Record {
	var out []Record
	for _, b := range chunk {
		if b == '\r' || b == '\n' {
			if f.state != stAtSplit {
				if rec, ok := f.flush(); ok {
					out = append(out, rec)
				}
			}
			f.state = stAtSplit
			f.discarding = false
			continue
		}

		if f.state == stAtSplit {
			f.lineStart = now
			f.state = stInLine
		}
		if f.discarding {
			continue
		}
		if f.maxLen > 0 && len(f.buf) >= f.maxLen {
			f.buf = f.buf[:0]
			f.discarding = true
			f.overflows++
			continue
		}
		f.buf = append(f.buf, b)
	}
	return out
}

// Overflows returns how many lines were dropped for exceeding the cap.
func (f *LineFramer) Overflows() int { return f.overflows }

// Pending returns the number of bytes buffered for the unfinished line.
func (f *LineFramer) Pending() int { return len(f.buf) }

func (f *LineFramer) flush() (Record, bool) {
	line := bytes.TrimSpace(f.buf)
	if len(line) == 0 {
		f.buf = f.buf[:0]
		return Record{}, false
	}
	rec := Record{
		State:   tagFor(f.state),
		Time:    f.lineStart,
		Payload: bytes.Clone(line),
	}
	f.buf = f.buf[:0]
	return rec, true
}

func tagFor(s lineState) State {
	switch s {
	case stBoundary:
		return FirstBoundary
	case stAtSplit:
		return EmptyBoundary
	default:
		return LineContent
	}
}
