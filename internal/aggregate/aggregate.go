// Package aggregate folds decoded lines into bounded per-channel history
// for a plotting consumer.
//
// An Aggregator is owned by the consumer loop and is not safe for
// concurrent use.
package aggregate

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"

	"github.com/shaunagostinho/streamplot/internal/decoder"
)

// DefaultMaxPoints is the history kept per channel.
const DefaultMaxPoints = 10000

type point struct {
	t, v float64
}

type Aggregator struct {
	maxPoints int
	xyMode    bool

	series map[int]*ring[point]
	xs, ys *ring[float64]

	lines int64
}

func New(maxPoints int) *Aggregator {
	if maxPoints <= 0 {
		maxPoints = DefaultMaxPoints
	}
	a := &Aggregator{maxPoints: maxPoints}
	a.Clear()
	return a
}

// Ingest appends one decoded line. In time-series mode every value goes to
// its channel. In XY mode only lines carrying channels 0 and 1 add a point
// (x = channel 0, y = channel 1); other channels are ignored.
func (a *Aggregator) Ingest(pl decoder.ParsedLine) {
	if len(pl.Values) == 0 {
		return
	}
	a.lines++

	if a.xyMode {
		if len(pl.Values) < 2 {
			return
		}
		a.xs.push(pl.Values[0])
		a.ys.push(pl.Values[1])
		return
	}

	for ch, v := range pl.Values {
		r, ok := a.series[ch]
		if !ok {
			r = newRing[point](a.maxPoints)
			a.series[ch] = r
		}
		r.push(point{t: pl.Time, v: v})
	}
}

// SetXYMode switches between time-series and XY mode. Switching clears all
// history; setting the current mode again does nothing. It reports whether
// the mode changed.
func (a *Aggregator) SetXYMode(on bool) bool {
	if a.xyMode == on {
		return false
	}
	a.xyMode = on
	a.Clear()
	return true
}

func (a *Aggregator) XYMode() bool { return a.xyMode }

// SetMaxPoints changes the per-channel cap, trimming existing history to
// the newest n entries.
func (a *Aggregator) SetMaxPoints(n int) {
	if n <= 0 || n == a.maxPoints {
		return
	}
	a.maxPoints = n
	for _, r := range a.series {
		r.resize(n)
	}
	a.xs.resize(n)
	a.ys.resize(n)
}

func (a *Aggregator) MaxPoints() int { return a.maxPoints }

// Clear drops all history but keeps the mode and cap.
func (a *Aggregator) Clear() {
	a.series = make(map[int]*ring[point])
	a.xs = newRing[float64](a.maxPoints)
	a.ys = newRing[float64](a.maxPoints)
	a.lines = 0
}

// Len returns the number of samples held for a channel (or XY points when
// XY mode is on and ch is 0).
func (a *Aggregator) Len(ch int) int {
	if a.xyMode {
		if ch == 0 {
			return a.xs.len()
		}
		return 0
	}
	if r, ok := a.series[ch]; ok {
		return r.len()
	}
	return 0
}

// Series is one channel's history in columnar form, oldest first.
type Series struct {
	Channel int       `json:"channel"`
	T       []float64 `json:"t"`
	V       []float64 `json:"v"`
}

// XYSet is the scatter point set, oldest first.
type XYSet struct {
	X []float64 `json:"x"`
	Y []float64 `json:"y"`
}

// MarshalJSON writes NaN and infinite samples as null.
func (s Series) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Channel int         `json:"channel"`
		T       floatColumn `json:"t"`
		V       floatColumn `json:"v"`
	}{s.Channel, s.T, s.V})
}

// MarshalJSON writes NaN and infinite coordinates as null.
func (xy XYSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		X floatColumn `json:"x"`
		Y floatColumn `json:"y"`
	}{xy.X, xy.Y})
}

// floatColumn encodes non-finite values as null, which encoding/json
// refuses for plain float64. The page draws null as a gap.
type floatColumn []float64

func (c floatColumn) MarshalJSON() ([]byte, error) {
	buf := make([]byte, 0, 2+len(c)*8)
	buf = append(buf, '[')
	for i, v := range c {
		if i > 0 {
			buf = append(buf, ',')
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			buf = append(buf, "null"...)
			continue
		}
		buf = strconv.AppendFloat(buf, v, 'g', -1, 64)
	}
	return append(buf, ']'), nil
}

// Snapshot is a copy of the aggregated state for rendering.
type Snapshot struct {
	XY        bool     `json:"xy"`
	MaxPoints int      `json:"maxPoints"`
	Lines     int64    `json:"lines"`
	Series    []Series `json:"series,omitempty"`
	Points    *XYSet   `json:"points,omitempty"`
}

// Snapshot copies the current state; channels are ordered by index.
func (a *Aggregator) Snapshot() Snapshot {
	snap := Snapshot{XY: a.xyMode, MaxPoints: a.maxPoints, Lines: a.lines}
	if a.xyMode {
		snap.Points = &XYSet{X: a.xs.items(), Y: a.ys.items()}
		return snap
	}

	channels := make([]int, 0, len(a.series))
	for ch := range a.series {
		channels = append(channels, ch)
	}
	sort.Ints(channels)

	for _, ch := range channels {
		pts := a.series[ch].items()
		s := Series{Channel: ch, T: make([]float64, len(pts)), V: make([]float64, len(pts))}
		for i, p := range pts {
			s.T[i] = p.t
			s.V[i] = p.v
		}
		snap.Series = append(snap.Series, s)
	}
	return snap
}
