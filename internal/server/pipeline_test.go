package server

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/streamplot/internal/command"
	"github.com/shaunagostinho/streamplot/internal/decoder"
	"github.com/shaunagostinho/streamplot/internal/metrics"
	"github.com/shaunagostinho/streamplot/internal/transport"
)

// scripted is a transport fed from a channel.
type scripted struct {
	chunks  chan []byte
	readErr error
	fail    chan struct{} // closing it makes the next Read fail

	mu      sync.Mutex
	written []string
}

func newScripted() *scripted {
	return &scripted{chunks: make(chan []byte, 16), fail: make(chan struct{})}
}

func (s *scripted) Name() string { return "scripted" }

func (s *scripted) Read(p []byte) (int, error) {
	if s.readErr != nil {
		return 0, s.readErr
	}
	select {
	case <-s.fail:
		return 0, errors.New("cable gone")
	case c := <-s.chunks:
		return copy(p, c), nil
	case <-time.After(10 * time.Millisecond):
		return 0, nil
	}
}

func (s *scripted) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, string(p))
	return nil
}

func (s *scripted) Close() error { return nil }

func (s *scripted) writes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.written...)
}

// events collects emitted events.
type events struct {
	mu  sync.Mutex
	all []Event
}

func (e *events) emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.all = append(e.all, ev)
}

func (e *events) console() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var b strings.Builder
	for _, ev := range e.all {
		b.WriteString(ev.Console)
	}
	return b.String()
}

func (e *events) parseErrors() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, ev := range e.all {
		if ev.ParseError != "" {
			out = append(out, ev.ParseError)
		}
	}
	return out
}

func newTestPipeline(t *testing.T, tr *scripted) (*Pipeline, *events, *int) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Logging.Path = t.TempDir()
	ev := &events{}
	p := NewPipeline(cfg, metrics.New(), ev.emit)
	opens := 0
	p.opener = func(transport.Settings) (transport.Transport, error) {
		opens++
		return tr, nil
	}
	return p, ev, &opens
}

// pollUntil polls p until cond holds.
func pollUntil(t *testing.T, p *Pipeline, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p.Poll()
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func TestPipelineDecodesLines(t *testing.T) {
	tr := newScripted()
	p, ev, _ := newTestPipeline(t, tr)

	req := DefaultOpenRequest(p.cfg)
	info, err := p.Open(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, info.Open)
	defer p.Close()

	tr.chunks <- []byte("partial 9\n1 2\nbad x\n3 4\n")

	pollUntil(t, p, func() bool { return p.Snapshot().Lines == 2 })

	snap := p.Snapshot()
	require.Len(t, snap.Series, 2)
	assert.Equal(t, []float64{1, 3}, snap.Series[0].V)
	assert.Equal(t, []float64{2, 4}, snap.Series[1].V)

	assert.Equal(t, "partial 9\n1 2\nbad x\n3 4\n", ev.console())
	require.Len(t, ev.parseErrors(), 1)
	assert.Contains(t, ev.parseErrors()[0], "bad x")
}

func TestPipelineRawModeOnlyEchoes(t *testing.T) {
	tr := newScripted()
	p, ev, _ := newTestPipeline(t, tr)

	req := DefaultOpenRequest(p.cfg)
	req.LineMode = false
	_, err := p.Open(context.Background(), req)
	require.NoError(t, err)
	defer p.Close()

	tr.chunks <- []byte("1 2")
	tr.chunks <- []byte(" 3\n")

	pollUntil(t, p, func() bool { return ev.console() == "1 2 3\n" })
	assert.Zero(t, p.Snapshot().Lines)
}

func TestOpenWithBadPatternNeverOpensTransport(t *testing.T) {
	tr := newScripted()
	p, _, opens := newTestPipeline(t, tr)

	req := DefaultOpenRequest(p.cfg)
	req.Decoder = decoder.Config{UseRegex: true, Pattern: "(oops"}
	_, err := p.Open(context.Background(), req)

	var cerr *decoder.CompileError
	require.ErrorAs(t, err, &cerr)
	assert.Zero(t, *opens)
	assert.False(t, p.Info().Open)
}

func TestOpenTwiceFails(t *testing.T) {
	p, _, _ := newTestPipeline(t, newScripted())
	_, err := p.Open(context.Background(), DefaultOpenRequest(p.cfg))
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Open(context.Background(), DefaultOpenRequest(p.cfg))
	assert.ErrorIs(t, err, ErrAlreadyOpen)
}

func TestSendAndParameter(t *testing.T) {
	tr := newScripted()
	p, _, _ := newTestPipeline(t, tr)

	assert.ErrorIs(t, p.Send("x", command.EndingLF), ErrNoSession)

	_, err := p.Open(context.Background(), DefaultOpenRequest(p.cfg))
	require.NoError(t, err)

	require.NoError(t, p.Send("PING", command.EndingCR))
	line, err := p.SendParameter("SET P {}", 1.5)
	require.NoError(t, err)
	assert.Equal(t, "SET P 1.5", line)

	require.NoError(t, p.Close())
	assert.Equal(t, []string{"PING\r", "SET P 1.5\n"}, tr.writes())
	assert.ErrorIs(t, p.Close(), ErrNoSession)
}

func TestPauseHoldsRecords(t *testing.T) {
	tr := newScripted()
	p, _, _ := newTestPipeline(t, tr)
	_, err := p.Open(context.Background(), DefaultOpenRequest(p.cfg))
	require.NoError(t, err)
	defer p.Close()

	require.True(t, p.TogglePause())
	tr.chunks <- []byte("0 0\n1 1\n")
	time.Sleep(50 * time.Millisecond)
	p.Poll()
	assert.Zero(t, p.Snapshot().Lines)

	require.False(t, p.TogglePause())
	pollUntil(t, p, func() bool { return p.Snapshot().Lines == 1 })
}

func TestXYModeFromPipeline(t *testing.T) {
	tr := newScripted()
	p, _, _ := newTestPipeline(t, tr)
	_, err := p.Open(context.Background(), DefaultOpenRequest(p.cfg))
	require.NoError(t, err)
	defer p.Close()

	p.SetXYMode(true)
	tr.chunks <- []byte("first\n1 2\n3\n5 6 7\n")
	pollUntil(t, p, func() bool { return p.Snapshot().Lines == 3 })

	snap := p.Snapshot()
	require.NotNil(t, snap.Points)
	assert.Equal(t, []float64{1, 5}, snap.Points.X)
	assert.Equal(t, []float64{2, 6}, snap.Points.Y)
	assert.True(t, p.Info().XYMode)
}

func TestSessionFailureSurfacesOnce(t *testing.T) {
	tr := newScripted()
	tr.readErr = errors.New("cable gone")
	p, ev, _ := newTestPipeline(t, tr)
	_, err := p.Open(context.Background(), DefaultOpenRequest(p.cfg))
	require.NoError(t, err)

	pollUntil(t, p, func() bool { return !p.Info().Open })

	info := p.Info()
	assert.Contains(t, info.Error, "cable gone")
	assert.Contains(t, ev.console(), "session ended")
	assert.ErrorIs(t, p.Close(), ErrNoSession)

	// A new session starts clean.
	tr.readErr = nil
	info, err = p.Open(context.Background(), DefaultOpenRequest(p.cfg))
	require.NoError(t, err)
	assert.Empty(t, info.Error)
	require.NoError(t, p.Close())
}

func TestRunClosesSessionOnShutdown(t *testing.T) {
	tr := newScripted()
	p, _, _ := newTestPipeline(t, tr)
	_, err := p.Open(context.Background(), DefaultOpenRequest(p.cfg))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	tr.chunks <- []byte("x\n1 2\n")
	require.Eventually(t, func() bool { return p.Snapshot().Lines == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.False(t, p.Info().Open)
}

func TestNonFiniteSampleKeepsPlotEncodable(t *testing.T) {
	tr := newScripted()
	p, _, _ := newTestPipeline(t, tr)
	_, err := p.Open(context.Background(), DefaultOpenRequest(p.cfg))
	require.NoError(t, err)
	defer p.Close()

	tr.chunks <- []byte("x\n1 nan\n2 3\n")
	pollUntil(t, p, func() bool { return p.Snapshot().Lines == 2 })

	snap := p.Snapshot()
	data, err := json.Marshal(Event{Plot: &snap})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"v":[null,3]`)
}

func TestReopenStartsWithEmptyPlot(t *testing.T) {
	tr := newScripted()
	p, _, _ := newTestPipeline(t, tr)
	_, err := p.Open(context.Background(), DefaultOpenRequest(p.cfg))
	require.NoError(t, err)

	tr.chunks <- []byte("x\n1 2\n3 4\n")
	pollUntil(t, p, func() bool { return p.Snapshot().Lines == 2 })
	require.NoError(t, p.Close())
	assert.Equal(t, int64(2), p.Snapshot().Lines, "history survives close until the next open")

	_, err = p.Open(context.Background(), DefaultOpenRequest(p.cfg))
	require.NoError(t, err)
	defer p.Close()

	snap := p.Snapshot()
	assert.Zero(t, snap.Lines)
	assert.Empty(t, snap.Series)
}

func TestSessionEndReportedWhilePaused(t *testing.T) {
	tr := newScripted()
	p, _, _ := newTestPipeline(t, tr)
	_, err := p.Open(context.Background(), DefaultOpenRequest(p.cfg))
	require.NoError(t, err)

	require.True(t, p.TogglePause())
	tr.chunks <- []byte("x\n1 2\n")
	time.Sleep(30 * time.Millisecond)
	close(tr.fail)

	pollUntil(t, p, func() bool { return !p.Info().Open })
	info := p.Info()
	assert.Contains(t, info.Error, "cable gone")
	assert.True(t, info.Paused)
	assert.Equal(t, int64(1), p.Snapshot().Lines, "records read before the failure are kept")
}

func TestSlowOpenDoesNotBlockReaders(t *testing.T) {
	tr := newScripted()
	p, _, _ := newTestPipeline(t, tr)
	release := make(chan struct{})
	p.opener = func(transport.Settings) (transport.Transport, error) {
		<-release
		return tr, nil
	}

	opened := make(chan error, 1)
	go func() {
		_, err := p.Open(context.Background(), DefaultOpenRequest(p.cfg))
		opened <- err
	}()

	// Let the open reach the transport, then check readers still get through.
	time.Sleep(20 * time.Millisecond)
	answered := make(chan SessionInfo, 1)
	go func() { answered <- p.Info() }()
	select {
	case info := <-answered:
		assert.False(t, info.Open)
	case <-time.After(time.Second):
		t.Fatal("Info blocked behind a transport open")
	}

	_, err := p.Open(context.Background(), DefaultOpenRequest(p.cfg))
	assert.ErrorIs(t, err, ErrAlreadyOpen)

	close(release)
	require.NoError(t, <-opened)
	assert.True(t, p.Info().Open)
	require.NoError(t, p.Close())
}
