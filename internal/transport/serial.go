package transport

import (
	"fmt"
	"log"
	"sync"

	"go.bug.st/serial"
)

// Serial is a Transport over a UART / USB CDC device.
type Serial struct {
	settings SerialSettings

	mu   sync.Mutex
	port serial.Port
}

// OpenSerial opens the device 8N1 with the configured read timeout and
// discards anything already sitting in the OS buffers.
func OpenSerial(cfg SerialSettings) (*Serial, error) {
	s := Settings{Mode: ModeSerial, Serial: cfg}
	if err := s.Validate(); err != nil {
		return nil, &ConnectionError{Mode: ModeSerial, Target: cfg.Port, Err: err}
	}

	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, &ConnectionError{Mode: ModeSerial, Target: cfg.Port, Err: err}
	}
	if err := port.SetReadTimeout(s.ReadTimeout()); err != nil {
		port.Close()
		return nil, &ConnectionError{Mode: ModeSerial, Target: cfg.Port, Err: fmt.Errorf("set read timeout: %w", err)}
	}
	// Stale bytes from before the open would only produce a garbage first line.
	resetBuffers(port, cfg.Port)

	log.Printf("[serial] opened %s at %d baud", cfg.Port, cfg.BaudRate)
	return &Serial{settings: cfg, port: port}, nil
}

// resetBuffers drops stale bytes. Failure is logged, not fatal: the framer
// copes with a garbage first line.
func resetBuffers(port serial.Port, name string) {
	if err := port.ResetInputBuffer(); err != nil {
		log.Printf("[serial] %s: reset input buffer: %v", name, err)
	}
	if err := port.ResetOutputBuffer(); err != nil {
		log.Printf("[serial] %s: reset output buffer: %v", name, err)
	}
}

func (s *Serial) Name() string {
	return fmt.Sprintf("serial %s@%d", s.settings.Port, s.settings.BaudRate)
}

func (s *Serial) Read(p []byte) (int, error) {
	port, err := s.currentPort()
	if err != nil {
		return 0, err
	}
	// go.bug.st/serial returns 0, nil when the read timeout expires.
	return port.Read(p)
}

func (s *Serial) Write(p []byte) error {
	port, err := s.currentPort()
	if err != nil {
		return &WriteError{Target: s.settings.Port, Err: err}
	}
	written := 0
	for written < len(p) {
		n, err := port.Write(p[written:])
		if err != nil {
			return &WriteError{Target: s.settings.Port, Err: err}
		}
		written += n
	}
	return nil
}

func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	log.Printf("[serial] closed %s", s.settings.Port)
	return err
}

func (s *Serial) currentPort() (serial.Port, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil, ErrClosed
	}
	return s.port, nil
}
