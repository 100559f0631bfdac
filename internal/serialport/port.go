// Package serialport opens the UART devices used by the relay board and
// serial GNSS receivers.
package serialport

import (
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

// Port is the minimal surface of an open serial device.
type Port interface {
	io.ReadWriter
	io.Closer
}

// Opener opens a device path with the given options. Tests substitute
// their own implementation.
type Opener func(path string, opts Options) (Port, error)

// Open opens a real serial device. A non-zero readTimeout bounds each Read
// so that callers polling for shutdown are not blocked forever.
func Open(path string, opts Options, readTimeout time.Duration) (Port, error) {
	mode, err := opts.Mode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", path, err)
	}
	if readTimeout > 0 {
		if err := port.SetReadTimeout(readTimeout); err != nil {
			port.Close()
			return nil, fmt.Errorf("set read timeout on %s: %w", path, err)
		}
	}
	return port, nil
}

// DefaultOpener opens real devices with no read timeout.
func DefaultOpener(path string, opts Options) (Port, error) {
	return Open(path, opts, 0)
}
