package transport

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Transport is a duplex byte channel owned by a single session.
// Read and Write may be called concurrently from different goroutines.
type Transport interface {
	// Name returns a short human-readable description of the endpoint.
	Name() string
	// Read fills p with whatever arrived before the read timeout.
	// A timeout is not an error: Read returns 0, nil.
	Read(p []byte) (int, error)
	// Write sends p verbatim. Failures are reported as *WriteError.
	Write(p []byte) error
	// Close releases OS resources. Safe to call more than once.
	Close() error
}

// Mode selects the transport backend.
type Mode string

const (
	ModeSerial Mode = "serial"
	ModeUDP    Mode = "udp"
	ModeDemo   Mode = "demo"
)

const (
	DefaultReadTimeoutMs = 500
	DefaultBaudRate      = 115200

	serialChunkSize = 100
	udpChunkSize    = 64 * 1024
	demoChunkSize   = 256
)

// Settings describes one transport endpoint. It is copied into a session
// when the session opens and never mutated afterwards.
type Settings struct {
	Mode   Mode           `yaml:"mode" json:"mode"`
	Serial SerialSettings `yaml:"serial" json:"serial"`
	UDP    UDPSettings    `yaml:"udp" json:"udp"`
	Demo   DemoSettings   `yaml:"demo" json:"demo"`
}

type SerialSettings struct {
	Port          string `yaml:"port" json:"port"` // e.g. /dev/ttyUSB0
	BaudRate      int    `yaml:"baud_rate" json:"baudRate"`
	ReadTimeoutMs int    `yaml:"read_timeout_ms" json:"readTimeoutMs"`
}

type UDPSettings struct {
	BindIP        string `yaml:"bind_ip" json:"bindIp"`
	BindPort      int    `yaml:"bind_port" json:"bindPort"` // 0 lets the OS pick
	DestIP        string `yaml:"dest_ip" json:"destIp"`
	DestPort      int    `yaml:"dest_port" json:"destPort"`
	ReadTimeoutMs int    `yaml:"read_timeout_ms" json:"readTimeoutMs"`
}

type DemoSettings struct {
	IntervalMs    int `yaml:"interval_ms" json:"intervalMs"` // time between generated lines
	ReadTimeoutMs int `yaml:"read_timeout_ms" json:"readTimeoutMs"`
}

// ReadTimeout returns the bound on a single Read for the selected mode.
func (s Settings) ReadTimeout() time.Duration {
	var ms int
	switch s.Mode {
	case ModeSerial:
		ms = s.Serial.ReadTimeoutMs
	case ModeUDP:
		ms = s.UDP.ReadTimeoutMs
	case ModeDemo:
		ms = s.Demo.ReadTimeoutMs
	}
	return time.Duration(ms) * time.Millisecond
}

// ChunkSize is the read buffer size used by the session read loop.
func (s Settings) ChunkSize() int {
	switch s.Mode {
	case ModeUDP:
		return udpChunkSize
	case ModeDemo:
		return demoChunkSize
	default:
		return serialChunkSize
	}
}

// Target names the endpoint for logs and error messages.
func (s Settings) Target() string {
	switch s.Mode {
	case ModeSerial:
		return s.Serial.Port
	case ModeUDP:
		return net.JoinHostPort(s.UDP.BindIP, strconv.Itoa(s.UDP.BindPort))
	case ModeDemo:
		return "demo"
	default:
		return string(s.Mode)
	}
}

// Validate checks the settings without touching the OS. Every mode must
// carry a positive read timeout, otherwise session shutdown could hang in
// a blocking read.
func (s Settings) Validate() error {
	switch s.Mode {
	case ModeSerial:
		if s.Serial.Port == "" {
			return errors.New("serial port is empty")
		}
		if s.Serial.BaudRate <= 0 {
			return fmt.Errorf("invalid serial baud rate: %d", s.Serial.BaudRate)
		}
	case ModeUDP:
		if s.UDP.BindPort < 0 || s.UDP.BindPort > 65535 {
			return fmt.Errorf("invalid udp bind port: %d", s.UDP.BindPort)
		}
		if s.UDP.DestIP == "" {
			return errors.New("udp destination address is empty")
		}
		if s.UDP.DestPort <= 0 || s.UDP.DestPort > 65535 {
			return fmt.Errorf("invalid udp destination port: %d", s.UDP.DestPort)
		}
	case ModeDemo:
		if s.Demo.IntervalMs <= 0 {
			return fmt.Errorf("invalid demo interval: %dms", s.Demo.IntervalMs)
		}
	default:
		return fmt.Errorf("unknown transport mode %q", s.Mode)
	}
	if s.ReadTimeout() <= 0 {
		return fmt.Errorf("%s: read timeout must be positive", s.Mode)
	}
	return nil
}

// DefaultSettings returns a serial configuration with the usual defaults
// filled in for every mode.
func DefaultSettings() Settings {
	return Settings{
		Mode: ModeSerial,
		Serial: SerialSettings{
			Port:          "/dev/ttyUSB0",
			BaudRate:      DefaultBaudRate,
			ReadTimeoutMs: DefaultReadTimeoutMs,
		},
		UDP: UDPSettings{
			BindIP:        "0.0.0.0",
			BindPort:      5005,
			DestIP:        "127.0.0.1",
			DestPort:      5006,
			ReadTimeoutMs: DefaultReadTimeoutMs,
		},
		Demo: DemoSettings{
			IntervalMs:    20,
			ReadTimeoutMs: DefaultReadTimeoutMs,
		},
	}
}

// Open validates s and opens the matching backend. Any failure is a
// *ConnectionError; nothing is retried.
func Open(s Settings) (Transport, error) {
	if err := s.Validate(); err != nil {
		return nil, &ConnectionError{Mode: s.Mode, Target: s.Target(), Err: err}
	}
	switch s.Mode {
	case ModeSerial:
		return OpenSerial(s.Serial)
	case ModeUDP:
		return OpenUDP(s.UDP)
	default:
		return NewDemo(s.Demo), nil
	}
}
