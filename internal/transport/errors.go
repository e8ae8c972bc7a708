package transport

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by Read and Write after Close.
var ErrClosed = errors.New("transport closed")

// ConnectionError reports a failure to open or configure a transport.
type ConnectionError struct {
	Mode   Mode
	Target string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: failed to open %s: %v", e.Mode, e.Target, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// WriteError reports a failed write on an open transport.
type WriteError struct {
	Target string
	Err    error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write to %s: %v", e.Target, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
