package relay

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/banshee-data/spotspray/internal/serialport"
)

// SerialDriver drives a relay board over a serial line. Each command is
// one ASCII line:
//
//	P<pin>=<0|1>        set a board pin
//	B<millis>,<repeats> sound the buzzer
//	A0                  all relays off
type SerialDriver struct {
	mu     sync.Mutex
	port   io.WriteCloser
	pins   []int
	closed bool
}

// NewSerialDriver wraps an open port. pins maps lane index to board pin.
func NewSerialDriver(port io.WriteCloser, pins []int) *SerialDriver {
	return &SerialDriver{port: port, pins: append([]int(nil), pins...)}
}

// OpenSerialDriver opens device and returns a driver for it.
func OpenSerialDriver(device string, opts serialport.Options, pins []int, open serialport.Opener) (*SerialDriver, error) {
	if open == nil {
		open = serialport.DefaultOpener
	}
	port, err := open(device, opts)
	if err != nil {
		return nil, fmt.Errorf("open relay board: %w", err)
	}
	return NewSerialDriver(port, pins), nil
}

func (d *SerialDriver) send(format string, args ...any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if _, err := fmt.Fprintf(d.port, format, args...); err != nil {
		return fmt.Errorf("write relay command: %w", err)
	}
	return nil
}

func (d *SerialDriver) Set(lane int, on bool) error {
	if lane < 0 || lane >= len(d.pins) {
		return fmt.Errorf("%w: %d", ErrUnknownLane, lane)
	}
	v := 0
	if on {
		v = 1
	}
	return d.send("P%d=%d\n", d.pins[lane], v)
}

func (d *SerialDriver) Beep(onTime time.Duration, repeats int) error {
	if repeats < 1 {
		repeats = 1
	}
	return d.send("B%d,%d\n", onTime.Milliseconds(), repeats)
}

func (d *SerialDriver) AllOff() error {
	return d.send("A0\n")
}

// Close turns every relay off and closes the port.
func (d *SerialDriver) Close() error {
	offErr := d.AllOff()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if err := d.port.Close(); err != nil {
		return err
	}
	if offErr != nil && offErr != ErrClosed {
		return offErr
	}
	return nil
}
