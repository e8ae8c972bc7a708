package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/shaunagostinho/streamplot/internal/aggregate"
	"github.com/shaunagostinho/streamplot/internal/command"
	"github.com/shaunagostinho/streamplot/internal/decoder"
	"github.com/shaunagostinho/streamplot/internal/logger"
	"github.com/shaunagostinho/streamplot/internal/metrics"
	"github.com/shaunagostinho/streamplot/internal/session"
	"github.com/shaunagostinho/streamplot/internal/transport"
)

var (
	ErrNoSession   = errors.New("no open session")
	ErrAlreadyOpen = errors.New("a session is already open")
)

// Event is one websocket frame. Exactly one payload field is set.
type Event struct {
	Console    string              `json:"console,omitempty"`
	ParseError string              `json:"parseError,omitempty"`
	Plot       *aggregate.Snapshot `json:"plot,omitempty"`
	Session    *SessionInfo        `json:"session,omitempty"`
	Stamp      int64               `json:"stamp"` // Unix ms
}

// SessionInfo describes the current session for clients.
type SessionInfo struct {
	Open     bool           `json:"open"`
	ID       string         `json:"id,omitempty"`
	Mode     transport.Mode `json:"mode,omitempty"`
	Target   string         `json:"target,omitempty"`
	LineMode bool           `json:"lineMode"`
	Paused   bool           `json:"paused"`
	XYMode   bool           `json:"xyMode"`
	Opened   *time.Time     `json:"opened,omitempty"`
	Stats    *session.Stats `json:"stats,omitempty"`
	Error    string         `json:"error,omitempty"` // why the last session ended
}

// OpenRequest selects the transport, framing and decoder of a new session.
// Callers start from DefaultOpenRequest and override what they need.
type OpenRequest struct {
	Transport     transport.Settings `json:"transport"`
	LineMode      bool               `json:"lineMode"`
	MaxLineLength int                `json:"maxLineLength"`
	Decoder       decoder.Config     `json:"decoder"`
}

// DefaultOpenRequest fills a request from the configuration.
func DefaultOpenRequest(cfg *Config) OpenRequest {
	snap := cfg.Snapshot()
	return OpenRequest{
		Transport:     snap.Transport,
		LineMode:      snap.LineMode,
		MaxLineLength: snap.MaxLineLength,
		Decoder:       snap.Decoder,
	}
}

// Pipeline is the consumer side of a session. It polls the record queue on
// a fixed period, decodes lines, feeds the aggregator and hands events to
// the emit function. All plot state is mutated under mu.
type Pipeline struct {
	cfg     *Config
	metrics *metrics.Metrics
	logger  *logger.Logger
	limiter *rate.Limiter
	opener  session.Opener
	emit    func(Event)

	mu      sync.Mutex
	sess    *session.Session
	dec     *decoder.Decoder
	agg     *aggregate.Aggregator
	paused  bool
	opening bool // a transport open is in progress
	lastErr string
}

// NewPipeline builds an idle pipeline. emit receives events outside the
// pipeline lock; it must not block for long.
func NewPipeline(cfg *Config, m *metrics.Metrics, emit func(Event)) *Pipeline {
	snap := cfg.Snapshot()
	if emit == nil {
		emit = func(Event) {}
	}
	logRate := rate.Limit(snap.Server.ParseErrorLogRate)
	if snap.Server.ParseErrorLogRate <= 0 {
		logRate = rate.Inf
	}
	agg := aggregate.New(snap.Plot.MaxPoints)
	agg.SetXYMode(snap.Plot.XYMode)
	return &Pipeline{
		cfg:     cfg,
		metrics: m,
		logger:  logger.New(snap.Logging),
		limiter: rate.NewLimiter(logRate, 5),
		opener:  transport.Open,
		emit:    emit,
		agg:     agg,
	}
}

// Open compiles the decoder, then opens the transport and starts a session.
// A bad pattern fails before the transport is touched.
func (p *Pipeline) Open(ctx context.Context, req OpenRequest) (SessionInfo, error) {
	dec, err := decoder.Compile(req.Decoder)
	if err != nil {
		return SessionInfo{}, err
	}

	// Reserve the slot; the transport is opened without holding mu.
	p.mu.Lock()
	if p.sess != nil || p.opening {
		p.mu.Unlock()
		return SessionInfo{}, ErrAlreadyOpen
	}
	p.opening = true
	p.mu.Unlock()

	sess, err := session.Open(ctx, session.Config{
		Transport:     req.Transport,
		LineMode:      req.LineMode,
		MaxLineLength: req.MaxLineLength,
	}, session.WithOpener(p.opener), session.WithMetrics(p.metrics))

	p.mu.Lock()
	p.opening = false
	if err != nil {
		p.mu.Unlock()
		log.Printf("[pipeline] open failed: %v", err)
		return SessionInfo{}, err
	}

	p.sess = sess
	p.dec = dec
	p.paused = false
	p.lastErr = ""
	p.agg.Clear()
	p.logger.StartSession(sess.ID)
	info := p.infoLocked()
	snap := p.agg.Snapshot()
	p.mu.Unlock()

	p.emit(Event{Session: &info, Stamp: time.Now().UnixMilli()})
	p.emit(Event{Plot: &snap, Stamp: time.Now().UnixMilli()})
	return info, nil
}

// Close stops the current session and waits for its worker. Records still
// queued are discarded.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	sess := p.sess
	if sess == nil {
		p.mu.Unlock()
		return ErrNoSession
	}
	p.sess = nil
	p.mu.Unlock()

	err := sess.Close()

	p.mu.Lock()
	if err != nil {
		p.lastErr = err.Error()
	}
	info := p.infoLocked()
	p.mu.Unlock()

	p.emit(Event{Session: &info, Stamp: time.Now().UnixMilli()})
	return err
}

// Send encodes line with the given ending and queues it for the device.
func (p *Pipeline) Send(line string, ending command.LineEnding) error {
	data, err := command.Encode(line, ending)
	if err != nil {
		return err
	}
	p.mu.Lock()
	sess := p.sess
	p.mu.Unlock()
	if sess == nil {
		return ErrNoSession
	}
	return sess.Send(data)
}

// SendParameter renders a parameter command and sends it with the console
// line ending. A template with no placeholder is sent as is.
func (p *Pipeline) SendParameter(template string, value float64) (string, error) {
	if template == "" {
		return "", errors.New("empty parameter template")
	}
	line := command.Render(template, value)
	ending := p.cfg.Snapshot().Console.LineEnding
	return line, p.Send(line, ending)
}

// Clear drops the plot history.
func (p *Pipeline) Clear() {
	p.mu.Lock()
	p.agg.Clear()
	snap := p.agg.Snapshot()
	p.mu.Unlock()
	p.emit(Event{Plot: &snap, Stamp: time.Now().UnixMilli()})
}

// SetXYMode switches the plot mode; a change clears the history.
func (p *Pipeline) SetXYMode(on bool) {
	p.mu.Lock()
	changed := p.agg.SetXYMode(on)
	snap := p.agg.Snapshot()
	info := p.infoLocked()
	p.mu.Unlock()
	if changed {
		p.emit(Event{Plot: &snap, Stamp: time.Now().UnixMilli()})
		p.emit(Event{Session: &info, Stamp: time.Now().UnixMilli()})
	}
}

// TogglePause stops or resumes consumption. While paused, records pile up
// in the session queue and are processed on resume. A session that ends
// while paused is still reported on the next poll.
func (p *Pipeline) TogglePause() bool {
	p.mu.Lock()
	p.paused = !p.paused
	paused := p.paused
	info := p.infoLocked()
	p.mu.Unlock()
	p.emit(Event{Session: &info, Stamp: time.Now().UnixMilli()})
	return paused
}

// ApplyConfig picks up plot and logging changes from the configuration.
// Session settings apply to the next Open.
func (p *Pipeline) ApplyConfig() {
	snap := p.cfg.Snapshot()
	p.mu.Lock()
	p.agg.SetMaxPoints(snap.Plot.MaxPoints)
	p.mu.Unlock()
	p.SetXYMode(snap.Plot.XYMode)
	if p.logger.IsEnabled() != snap.Logging.Enabled {
		p.logger.SetEnabled(snap.Logging.Enabled)
	}
}

// Info describes the current session.
func (p *Pipeline) Info() SessionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.infoLocked()
}

// Snapshot copies the plot state.
func (p *Pipeline) Snapshot() aggregate.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.agg.Snapshot()
}

func (p *Pipeline) infoLocked() SessionInfo {
	info := SessionInfo{Paused: p.paused, XYMode: p.agg.XYMode(), Error: p.lastErr}
	if p.sess == nil {
		return info
	}
	cfg := p.sess.Config
	opened := p.sess.Opened
	stats := p.sess.Stats()
	info.Open = true
	info.ID = p.sess.ID
	info.Mode = cfg.Transport.Mode
	info.Target = cfg.Transport.Target()
	info.LineMode = cfg.LineMode
	info.Opened = &opened
	info.Stats = &stats
	return info
}

// Run polls until ctx is done, then closes any open session.
func (p *Pipeline) Run(ctx context.Context) {
	period := time.Duration(p.cfg.Snapshot().Plot.UpdateMs) * time.Millisecond
	if period <= 0 {
		period = 80 * time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := p.Close(); err != nil && !errors.Is(err, ErrNoSession) {
				log.Printf("[pipeline] close on shutdown: %v", err)
			}
			p.logger.Close()
			return
		case <-ticker.C:
			p.Poll()
		}
	}
}

// Poll drains the session once without blocking. Console text and parse
// errors of the batch are emitted as single events, followed by a plot
// snapshot when anything was decoded. A session whose worker has exited is
// closed here and its error surfaced once.
func (p *Pipeline) Poll() {
	p.mu.Lock()
	if p.sess == nil {
		p.mu.Unlock()
		return
	}
	if p.paused {
		// A session that died while paused is drained and reported anyway.
		select {
		case <-p.sess.Done():
		default:
			p.mu.Unlock()
			return
		}
	}

	recs, finished := p.sess.Drain()
	lineMode := p.sess.Config.LineMode
	p.metrics.ObservePoll(len(recs))

	var (
		console   strings.Builder
		parseErrs []string
		decoded   int
	)
	for _, rec := range recs {
		if text, ok := p.dec.Display(rec, lineMode); ok {
			console.WriteString(text)
		}
		if !lineMode {
			continue
		}
		pl, err := p.dec.Decode(rec)
		var perr *decoder.ParseError
		switch {
		case err == nil:
			p.agg.Ingest(pl)
			p.logger.Record(pl)
			p.metrics.LineDecoded()
			decoded++
		case errors.As(err, &perr):
			p.metrics.ParseError()
			parseErrs = append(parseErrs, perr.Error())
			if p.limiter.Allow() {
				log.Printf("[pipeline] parse error: %v", perr)
			}
		}
	}

	var ended *session.Session
	if finished {
		ended = p.sess
		p.sess = nil
	}

	var snap *aggregate.Snapshot
	if decoded > 0 {
		s := p.agg.Snapshot()
		snap = &s
	}
	p.mu.Unlock()

	stamp := time.Now().UnixMilli()
	if console.Len() > 0 {
		p.emit(Event{Console: console.String(), Stamp: stamp})
	}
	if len(parseErrs) > 0 {
		p.emit(Event{ParseError: strings.Join(parseErrs, "\n"), Stamp: stamp})
	}
	if snap != nil {
		p.emit(Event{Plot: snap, Stamp: stamp})
	}

	if ended != nil {
		p.finish(ended)
	}
}

func (p *Pipeline) finish(sess *session.Session) {
	err := sess.Close()
	p.mu.Lock()
	if err != nil {
		p.lastErr = err.Error()
		log.Printf("[pipeline] session ended: %v", err)
	}
	info := p.infoLocked()
	p.mu.Unlock()
	p.emit(Event{Session: &info, Stamp: time.Now().UnixMilli()})
	if err != nil {
		p.emit(Event{Console: fmt.Sprintf("\n[session ended: %v]\n", err), Stamp: time.Now().UnixMilli()})
	}
}
