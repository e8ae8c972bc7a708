package transport

import (
	"bytes"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Demo simulates a device that streams whitespace-separated samples and
// answers commands, for development and testing without hardware.
//
// Every interval it emits "<t> <sine> <cosine> <saw>\n". Each command line it
// receives is answered with "RE <command>\n". The command "interval <ms>"
// changes the sample interval; a malformed one is answered with "ER ...".
type Demo struct {
	mu       sync.Mutex
	interval time.Duration
	timeout  time.Duration
	t        float64 // virtual time accumulator (seconds)
	next     time.Time
	pending  []byte // bytes waiting to be read
	inbox    []byte // partial command line
	closed   bool

	wake chan struct{}
}

// NewDemo creates a simulated device. It cannot fail to open.
func NewDemo(cfg DemoSettings) *Demo {
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}
	timeout := time.Duration(cfg.ReadTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = DefaultReadTimeoutMs * time.Millisecond
	}
	return &Demo{
		interval: interval,
		timeout:  timeout,
		next:     time.Now(),
		wake:     make(chan struct{}, 1),
	}
}

func (d *Demo) Name() string { return "demo (simulated)" }

func (d *Demo) Read(p []byte) (int, error) {
	deadline := time.Now().Add(d.timeout)
	for {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return 0, ErrClosed
		}
		now := time.Now()
		if !now.Before(d.next) {
			d.pending = append(d.pending, d.sampleLine()...)
			d.next = now.Add(d.interval)
		}
		if len(d.pending) > 0 {
			n := copy(p, d.pending)
			d.pending = d.pending[n:]
			d.mu.Unlock()
			return n, nil
		}
		wait := d.next.Sub(now)
		d.mu.Unlock()

		if !now.Before(deadline) {
			return 0, nil
		}
		if left := deadline.Sub(now); left < wait {
			wait = left
		}
		timer := time.NewTimer(wait)
		select {
		case <-d.wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (d *Demo) Write(p []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return &WriteError{Target: "demo", Err: ErrClosed}
	}

	d.inbox = append(d.inbox, p...)
	for {
		idx := bytes.IndexAny(d.inbox, "\r\n")
		if idx < 0 {
			break
		}
		cmd := strings.TrimSpace(string(d.inbox[:idx]))
		d.inbox = d.inbox[idx+1:]
		if cmd == "" {
			continue
		}
		d.pending = append(d.pending, d.reply(cmd)...)
	}
	d.signal()
	return nil
}

func (d *Demo) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.signal()
	return nil
}

func (d *Demo) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Demo) reply(cmd string) string {
	if rest, ok := strings.CutPrefix(cmd, "interval "); ok {
		ms, err := strconv.Atoi(strings.TrimSpace(rest))
		if err != nil || ms <= 0 {
			return fmt.Sprintf("ER bad interval %q\n", rest)
		}
		d.interval = time.Duration(ms) * time.Millisecond
	}
	return "RE " + cmd + "\n"
}

func (d *Demo) sampleLine() string {
	d.t += d.interval.Seconds()

	sine := math.Sin(d.t*2) + rand.Float64()*0.05
	cosine := 0.5 * math.Cos(d.t*0.7)
	saw := math.Mod(d.t, 5) / 5

	return fmt.Sprintf("%.3f %.4f %.4f %.4f\n", d.t, sine, cosine, saw)
}
