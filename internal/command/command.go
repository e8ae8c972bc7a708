// Package command turns console input and parameter slider values into the
// bytes written to the device.
package command

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// LineEnding is appended to every console command.
type LineEnding string

const (
	EndingNone LineEnding = "none"
	EndingLF   LineEnding = "lf"
	EndingCR   LineEnding = "cr"
	EndingLFCR LineEnding = "lfcr"
)

// DefaultEnding is a bare newline.
const DefaultEnding = EndingLF

var ErrEmptyLine = errors.New("empty command line")

// ParseLineEnding accepts the names above; an empty string selects
// DefaultEnding.
func ParseLineEnding(s string) (LineEnding, error) {
	switch e := LineEnding(strings.ToLower(strings.TrimSpace(s))); e {
	case "":
		return DefaultEnding, nil
	case EndingNone, EndingLF, EndingCR, EndingLFCR:
		return e, nil
	}
	return "", fmt.Errorf("unknown line ending %q (want none, lf, cr or lfcr)", s)
}

// Bytes returns the terminator written after a command.
func (e LineEnding) Bytes() []byte {
	switch e {
	case EndingLF:
		return []byte("\n")
	case EndingCR:
		return []byte("\r")
	case EndingLFCR:
		return []byte("\n\r")
	}
	return nil
}

// Encode appends the line ending to line. A line that would encode to
// nothing is rejected, since an empty command means shutdown to the writer.
func Encode(line string, ending LineEnding) ([]byte, error) {
	out := append([]byte(line), ending.Bytes()...)
	if len(out) == 0 {
		return nil, ErrEmptyLine
	}
	return out, nil
}

// Parameter is a named numeric setting sent through a text template such
// as "SET P {}". The value is clamped to [Min, Max] when Max > Min.
type Parameter struct {
	Name     string  `yaml:"name" json:"name"`
	Template string  `yaml:"template" json:"template"`
	Min      float64 `yaml:"min" json:"min"`
	Max      float64 `yaml:"max" json:"max"`
	Enabled  bool    `yaml:"enabled" json:"enabled"`
}

// Clamp limits v to the parameter's range.
func (p Parameter) Clamp(v float64) float64 {
	if p.Max <= p.Min {
		return v
	}
	return math.Max(p.Min, math.Min(p.Max, v))
}

// Render substitutes value into template. "{}" and "{0}" are replaced with
// the shortest decimal form of value; a template without a placeholder is
// returned unchanged.
func Render(template string, value float64) string {
	s := strconv.FormatFloat(value, 'f', -1, 64)
	template = strings.ReplaceAll(template, "{0}", s)
	return strings.ReplaceAll(template, "{}", s)
}

// Render clamps value and renders it through the parameter's template.
func (p Parameter) Render(value float64) (string, error) {
	if !p.Enabled {
		return "", fmt.Errorf("parameter %q is disabled", p.Name)
	}
	if p.Template == "" {
		return "", fmt.Errorf("parameter %q has no template", p.Name)
	}
	return Render(p.Template, p.Clamp(value)), nil
}
