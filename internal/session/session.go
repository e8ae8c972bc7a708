// Package session runs one open transport: a read loop that frames incoming
// bytes into records and a writer that drains the command queue. The two
// communicate with the rest of the program only through queues.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/shaunagostinho/streamplot/internal/framer"
	"github.com/shaunagostinho/streamplot/internal/metrics"
	"github.com/shaunagostinho/streamplot/internal/queue"
	"github.com/shaunagostinho/streamplot/internal/transport"
)

var (
	// ErrClosed is returned by Send once the session is closing or closed.
	ErrClosed = errors.New("session closed")
	// ErrEmptyCommand rejects empty commands; an empty entry on the command
	// queue means shutdown, so Close is the only way to enqueue one.
	ErrEmptyCommand = errors.New("empty command")
)

// Config is fixed for the lifetime of a session.
type Config struct {
	Transport     transport.Settings
	LineMode      bool // false passes read chunks through unchanged
	MaxLineLength int  // line mode only; 0 keeps framer.DefaultMaxLineLength, <0 disables the cap
}

// Opener opens the transport for a session. transport.Open is the default.
type Opener func(transport.Settings) (transport.Transport, error)

type options struct {
	opener  Opener
	metrics *metrics.Metrics
}

type Option func(*options)

// WithOpener replaces the transport constructor (tests, custom devices).
func WithOpener(o Opener) Option {
	return func(opts *options) { opts.opener = o }
}

// WithMetrics reports read and write activity to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(opts *options) { opts.metrics = m }
}

// Stats are cumulative counters for one session.
type Stats struct {
	BytesRead    int64 `json:"bytesRead"`
	Records      int64 `json:"records"`
	Overflows    int64 `json:"overflows"`
	CommandsSent int64 `json:"commandsSent"`
}

// Session owns one transport and its worker goroutines.
type Session struct {
	ID     string
	Config Config
	Opened time.Time

	tr       transport.Transport
	frm      framer.Framer
	commands *queue.Queue[[]byte]
	records  *queue.Queue[framer.Record]
	metrics  *metrics.Metrics

	done      chan struct{}
	err       error // set before done is closed
	closeOnce sync.Once

	bytesRead    atomic.Int64
	recordCount  atomic.Int64
	overflows    atomic.Int64
	commandsSent atomic.Int64
}

// Open opens the transport and starts the worker. Transport failures are
// returned synchronously (a *transport.ConnectionError) and no goroutine is
// left running. Cancelling ctx stops the session the same way Close does.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Session, error) {
	o := options{opener: transport.Open}
	for _, opt := range opts {
		opt(&o)
	}

	tr, err := o.opener(cfg.Transport)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var frmOpts []framer.Option
	if cfg.MaxLineLength > 0 {
		frmOpts = append(frmOpts, framer.WithMaxLineLength(cfg.MaxLineLength))
	} else if cfg.MaxLineLength < 0 {
		frmOpts = append(frmOpts, framer.WithMaxLineLength(0))
	}

	s := &Session{
		ID:       uuid.NewString(),
		Config:   cfg,
		Opened:   now,
		tr:       tr,
		frm:      framer.New(cfg.LineMode, now, frmOpts...),
		commands: queue.New[[]byte](),
		records:  queue.New[framer.Record](),
		metrics:  o.metrics,
		done:     make(chan struct{}),
	}
	s.metrics.SessionOpened(string(cfg.Transport.Mode))
	log.Printf("[session %s] opened %s (line mode %v)", s.shortID(), tr.Name(), cfg.LineMode)

	wctx, stop := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(wctx)
	g.Go(func() error { return s.writeLoop(gctx, stop) })
	g.Go(func() error { return s.readLoop(gctx) })

	go func() {
		err := g.Wait()
		stop()
		if cerr := s.tr.Close(); cerr != nil {
			log.Printf("[session %s] close transport: %v", s.shortID(), cerr)
		}
		s.err = err
		s.records.Close()
		s.commands.Close()
		s.metrics.SessionClosed()
		if err != nil {
			log.Printf("[session %s] ended: %v", s.shortID(), err)
		} else {
			log.Printf("[session %s] closed", s.shortID())
		}
		close(s.done)
	}()

	return s, nil
}

// Send queues cmd for transmission. It never blocks.
func (s *Session) Send(cmd []byte) error {
	if len(cmd) == 0 {
		return ErrEmptyCommand
	}
	if err := s.commands.Push(cmd); err != nil {
		return ErrClosed
	}
	return nil
}

// Drain returns every record queued since the last call without blocking.
// finished is true once the worker has exited and no record remains; the
// caller should then Close the session.
func (s *Session) Drain() (recs []framer.Record, finished bool) {
	return s.records.Drain()
}

// Done is closed when the worker has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the error that ended the session, if any. It is only
// meaningful after Done is closed.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close requests shutdown and waits for the worker to exit. Shutdown takes
// at most one transport read timeout. It returns the error that ended the
// session, if any.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.commands.Push(nil) // shutdown sentinel; ignored if already closed
		s.commands.Close()
	})
	<-s.done
	return s.err
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	return Stats{
		BytesRead:    s.bytesRead.Load(),
		Records:      s.recordCount.Load(),
		Overflows:    s.overflows.Load(),
		CommandsSent: s.commandsSent.Load(),
	}
}

func (s *Session) shortID() string { return s.ID[:8] }

// writeLoop sends queued commands in order. It stops on the shutdown
// sentinel, on a closed queue or on a write failure, and always stops the
// read loop on its way out.
func (s *Session) writeLoop(ctx context.Context, stop context.CancelFunc) error {
	defer stop()
	for {
		cmd, err := s.commands.Pop(ctx)
		if err != nil {
			return nil
		}
		if len(cmd) == 0 {
			return nil
		}
		if err := s.tr.Write(cmd); err != nil {
			s.metrics.WriteError()
			return err
		}
		s.commandsSent.Add(1)
		s.metrics.CommandSent()
	}
}

// readLoop frames incoming bytes until ctx is cancelled. The transport read
// timeout bounds how long a cancellation can go unnoticed.
func (s *Session) readLoop(ctx context.Context) error {
	buf := make([]byte, s.Config.Transport.ChunkSize())
	type overflowCounter interface{ Overflows() int }
	lastOverflows := 0

	for ctx.Err() == nil {
		n, err := s.tr.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read %s: %w", s.tr.Name(), err)
		}
		if n == 0 {
			continue
		}

		recs := s.frm.Feed(buf[:n], time.Now())
		for _, rec := range recs {
			s.records.Push(rec)
		}

		overflowed := 0
		if oc, ok := s.frm.(overflowCounter); ok {
			overflowed = oc.Overflows() - lastOverflows
			lastOverflows = oc.Overflows()
		}
		s.bytesRead.Add(int64(n))
		s.recordCount.Add(int64(len(recs)))
		s.overflows.Add(int64(overflowed))
		s.metrics.ObserveRead(n, len(recs), overflowed)
	}
	return nil
}
