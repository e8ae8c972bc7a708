package decoder

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/streamplot/internal/framer"
)

var readTime = time.Unix(1_700_000_000, 500_000_000)

func line(payload string) framer.Record {
	return framer.Record{State: framer.LineContent, Time: readTime, Payload: []byte(payload)}
}

func mustCompile(t *testing.T, cfg Config) *Decoder {
	t.Helper()
	d, err := Compile(cfg)
	require.NoError(t, err)
	return d
}

func TestWhitespaceSplit(t *testing.T) {
	d := mustCompile(t, DefaultConfig())

	got, err := d.Decode(line("1.0 2.5\t -3"))
	require.NoError(t, err)
	assert.Equal(t, []float64{1.0, 2.5, -3.0}, got.Values)
	assert.InDelta(t, 1_700_000_000.5, got.Time, 1e-6)
}

func TestWhitespaceSplitAllOrNothing(t *testing.T) {
	d := mustCompile(t, DefaultConfig())

	_, err := d.Decode(line("1 2 three 4"))
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "1 2 three 4", perr.Line)
	assert.Contains(t, err.Error(), "1 2 three 4")
}

func TestRegexGroups(t *testing.T) {
	d := mustCompile(t, Config{UseRegex: true, Pattern: `x:(\d+)\s+y:(\d+)`})

	got, err := d.Decode(line("x:10 y:20"))
	require.NoError(t, err)
	assert.Equal(t, []float64{10, 20}, got.Values)
	assert.False(t, d.HasTimeGroup())
}

func TestRegexNonNumericGroupDropsLine(t *testing.T) {
	d := mustCompile(t, Config{UseRegex: true, Pattern: `x:(\d+)\s+y:(\w+)`})

	got, err := d.Decode(line("x:10 y:abc"))
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Empty(t, got.Values, "no partial channels")
}

func TestRegexNoMatch(t *testing.T) {
	d := mustCompile(t, Config{UseRegex: true, Pattern: `x:(\d+)`})

	_, err := d.Decode(line("nothing here"))
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "no match", perr.Reason)
}

func TestRegexOptionalGroupNotMatched(t *testing.T) {
	d := mustCompile(t, Config{UseRegex: true, Pattern: `a:(\d+)(?:\s+b:(\d+))?`})

	_, err := d.Decode(line("a:1"))
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Reason, "group 2")
}

func TestRegexTimeGroupOverridesTimestamp(t *testing.T) {
	d := mustCompile(t, Config{UseRegex: true, Pattern: `(?P<time>\d+)[^\d]+x:(\d+)`})
	require.True(t, d.HasTimeGroup())

	got, err := d.Decode(line("time:42 x:1"))
	require.NoError(t, err)
	assert.Equal(t, 42.0, got.Time)
	assert.Equal(t, []float64{42, 1}, got.Values)
}

func TestDefaultPattern(t *testing.T) {
	d := mustCompile(t, Config{UseRegex: true, Pattern: DefaultPattern})

	got, err := d.Decode(line("12.5 -1 .5 +3"))
	require.NoError(t, err)
	assert.Equal(t, 12.5, got.Time)
	assert.Equal(t, []float64{12.5, -1, 0.5, 3}, got.Values)
}

func TestRegexWithoutGroups(t *testing.T) {
	d := mustCompile(t, Config{UseRegex: true, Pattern: `ok`})

	_, err := d.Decode(line("ok"))
	assert.ErrorIs(t, err, ErrNoValues)
}

func TestCompileError(t *testing.T) {
	_, err := Compile(Config{UseRegex: true, Pattern: `(unclosed`})
	var cerr *CompileError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, `(unclosed`, cerr.Pattern)

	// An invalid pattern is irrelevant while regex extraction is off.
	_, err = Compile(Config{UseRegex: false, Pattern: `(unclosed`})
	assert.NoError(t, err)
}

func TestFirstBoundaryIsDisplayOnly(t *testing.T) {
	d := mustCompile(t, DefaultConfig())
	rec := line("1 2 3")
	rec.State = framer.FirstBoundary

	_, err := d.Decode(rec)
	assert.True(t, errors.Is(err, ErrNotEligible))

	text, ok := d.Display(rec, true)
	assert.True(t, ok)
	assert.Equal(t, "1 2 3\n", text)
}

func TestDisplayResponseFilter(t *testing.T) {
	d := mustCompile(t, Config{ResponseOnly: true})

	_, ok := d.Display(line("1 2 3"), true)
	assert.False(t, ok)

	text, ok := d.Display(line("RE ok"), true)
	assert.True(t, ok)
	assert.Equal(t, "RE ok\n", text)

	_, ok = d.Display(line("ER bad"), true)
	assert.True(t, ok)

	// Raw chunks are always echoed verbatim.
	text, ok = d.Display(framer.Record{Payload: []byte("1 2\n")}, false)
	assert.True(t, ok)
	assert.Equal(t, "1 2\n", text)

	// The filter does not stop extraction.
	got, err := d.Decode(line("1 2 3"))
	require.NoError(t, err)
	assert.Len(t, got.Values, 3)
}

func TestNonFiniteTokensAreValues(t *testing.T) {
	d := mustCompile(t, DefaultConfig())

	got, err := d.Decode(line("nan inf -inf"))
	require.NoError(t, err)
	require.Len(t, got.Values, 3)
	assert.True(t, math.IsNaN(got.Values[0]))
	assert.True(t, math.IsInf(got.Values[1], 1))
	assert.True(t, math.IsInf(got.Values[2], -1))
}
