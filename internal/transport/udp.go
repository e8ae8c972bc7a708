package transport

import (
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"
)

// UDP is a Transport over a bound UDP socket. Datagrams are received on
// the bind address and commands are sent to the destination address.
type UDP struct {
	conn    *net.UDPConn
	dest    *net.UDPAddr
	timeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

// OpenUDP binds the receive socket and resolves the destination.
func OpenUDP(cfg UDPSettings) (*UDP, error) {
	s := Settings{Mode: ModeUDP, UDP: cfg}
	target := s.Target()
	if err := s.Validate(); err != nil {
		return nil, &ConnectionError{Mode: ModeUDP, Target: target, Err: err}
	}

	laddr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return nil, &ConnectionError{Mode: ModeUDP, Target: target, Err: fmt.Errorf("resolve bind address: %w", err)}
	}
	dest, err := net.ResolveUDPAddr("udp", net.JoinHostPort(cfg.DestIP, strconv.Itoa(cfg.DestPort)))
	if err != nil {
		return nil, &ConnectionError{Mode: ModeUDP, Target: target, Err: fmt.Errorf("resolve destination: %w", err)}
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, &ConnectionError{Mode: ModeUDP, Target: target, Err: err}
	}

	log.Printf("[udp] listening on %s, sending to %s", conn.LocalAddr(), dest)
	return &UDP{conn: conn, dest: dest, timeout: s.ReadTimeout()}, nil
}

func (u *UDP) Name() string {
	return fmt.Sprintf("udp %s -> %s", u.conn.LocalAddr(), u.dest)
}

// LocalAddr is the bound receive address (useful when BindPort was 0).
func (u *UDP) LocalAddr() *net.UDPAddr {
	return u.conn.LocalAddr().(*net.UDPAddr)
}

func (u *UDP) Read(p []byte) (int, error) {
	if err := u.conn.SetReadDeadline(time.Now().Add(u.timeout)); err != nil {
		return 0, u.mapClosed(err)
	}
	n, _, err := u.conn.ReadFromUDP(p)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return 0, nil
		}
		return n, u.mapClosed(err)
	}
	return n, nil
}

func (u *UDP) Write(p []byte) error {
	if _, err := u.conn.WriteToUDP(p, u.dest); err != nil {
		return &WriteError{Target: u.dest.String(), Err: u.mapClosed(err)}
	}
	return nil
}

func (u *UDP) Close() error {
	u.closeOnce.Do(func() {
		u.closeErr = u.conn.Close()
		log.Printf("[udp] closed %s", u.conn.LocalAddr())
	})
	return u.closeErr
}

func (u *UDP) mapClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	return err
}
