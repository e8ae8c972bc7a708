// Package decoder extracts numeric channels from framed lines.
package decoder

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/shaunagostinho/streamplot/internal/framer"
)

// TimeGroup is the capture group name whose value replaces the read time.
const TimeGroup = "time"

// DefaultPattern matches a timestamp followed by three numbers.
const DefaultPattern = `(?P<time>[-+]?\d*\.*\d+)\s+([-+]?\d*\.*\d+)\s+([-+]?\d*\.*\d+)\s+([-+]?\d*\.*\d+)`

var (
	// ErrNotEligible is returned for the first record after opening, which is
	// usually a partial line and is only displayed.
	ErrNotEligible = errors.New("record is display-only")
	// ErrNoValues is returned for lines that carry nothing to plot (a pattern
	// without capture groups). Such lines are dropped silently.
	ErrNoValues = errors.New("no values in line")
)

// Config selects how values are extracted.
type Config struct {
	UseRegex     bool   `yaml:"use_regex" json:"useRegex"`
	Pattern      string `yaml:"pattern" json:"pattern"`
	ResponseOnly bool   `yaml:"response_only" json:"responseOnly"` // echo only RE/ER lines to the console
}

// DefaultConfig splits on whitespace and echoes every line.
func DefaultConfig() Config {
	return Config{Pattern: DefaultPattern}
}

// CompileError reports a pattern that failed to compile.
type CompileError struct {
	Pattern string
	Err     error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("can't compile regexp %q: %v", e.Pattern, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

// ParseError reports a line that could not be turned into values. The line
// is dropped as a whole.
type ParseError struct {
	Line   string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v (line: %q)", e.Reason, e.Err, e.Line)
	}
	return fmt.Sprintf("%s (line: %q)", e.Reason, e.Line)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ParsedLine is the ordered channel values of one line. Channel i is
// Values[i].
type ParsedLine struct {
	Time   float64   `json:"t"` // unix seconds, or the value of the time group
	Values []float64 `json:"v"`
}

// Decoder is immutable after Compile and safe for concurrent use.
type Decoder struct {
	cfg       Config
	re        *regexp.Regexp
	timeIndex int // capture group index of TimeGroup, or -1
}

// Compile prepares a decoder. With UseRegex set the pattern must compile,
// and the time group is resolved here once.
func Compile(cfg Config) (*Decoder, error) {
	d := &Decoder{cfg: cfg, timeIndex: -1}
	if !cfg.UseRegex {
		return d, nil
	}
	re, err := regexp.Compile(cfg.Pattern)
	if err != nil {
		return nil, &CompileError{Pattern: cfg.Pattern, Err: err}
	}
	d.re = re
	d.timeIndex = re.SubexpIndex(TimeGroup)
	return d, nil
}

// Config returns the configuration the decoder was compiled from.
func (d *Decoder) Config() Config { return d.cfg }

// HasTimeGroup reports whether the pattern overrides record timestamps.
func (d *Decoder) HasTimeGroup() bool { return d.timeIndex > 0 }

// Display returns the console text for rec. In raw mode every chunk is
// shown as is. In line mode lines get their newline back, and with
// ResponseOnly set only lines starting with "RE" or "ER" are shown.
// Display never affects extraction.
func (d *Decoder) Display(rec framer.Record, lineMode bool) (string, bool) {
	if !lineMode {
		return string(rec.Payload), true
	}
	if d.cfg.ResponseOnly && !isResponse(rec.Payload) {
		return "", false
	}
	return string(rec.Payload) + "\n", true
}

func isResponse(p []byte) bool {
	return bytes.HasPrefix(p, []byte("RE")) || bytes.HasPrefix(p, []byte("ER"))
}

// Decode extracts the values of a framed line. The first record of a
// session yields ErrNotEligible; unparseable lines yield a *ParseError.
func (d *Decoder) Decode(rec framer.Record) (ParsedLine, error) {
	if !rec.Complete() {
		return ParsedLine{}, ErrNotEligible
	}
	return d.DecodeLine(rec.Payload, float64(rec.Time.UnixNano())/1e9)
}

// DecodeLine extracts values from line, stamping them with ts unless the
// pattern carries a time group. Either every value parses or the line is
// rejected.
func (d *Decoder) DecodeLine(line []byte, ts float64) (ParsedLine, error) {
	var tokens []string
	if d.re != nil {
		m := d.re.FindSubmatchIndex(line)
		if m == nil {
			return ParsedLine{}, &ParseError{Line: string(line), Reason: "no match"}
		}
		for g := 1; g*2 < len(m); g++ {
			start, end := m[2*g], m[2*g+1]
			if start < 0 {
				return ParsedLine{}, &ParseError{Line: string(line), Reason: fmt.Sprintf("group %d did not match", g)}
			}
			tokens = append(tokens, string(line[start:end]))
		}
	} else {
		for _, f := range bytes.Fields(line) {
			tokens = append(tokens, string(f))
		}
	}
	if len(tokens) == 0 {
		return ParsedLine{}, ErrNoValues
	}

	values := make([]float64, len(tokens))
	for i, tok := range tokens {
		v, err := strconv.ParseFloat(strings.TrimSpace(tok), 64)
		if err != nil {
			return ParsedLine{}, &ParseError{Line: string(line), Reason: fmt.Sprintf("value %d", i), Err: err}
		}
		values[i] = v
	}

	if d.timeIndex > 0 {
		ts = values[d.timeIndex-1]
	}
	return ParsedLine{Time: ts, Values: values}, nil
}
