// Package relay drives the spray solenoids: a Driver switches individual
// relays and a Scheduler turns timed actuation requests into ON/OFF
// transitions per lane.
package relay

import (
	"errors"
	"time"
)

var (
	// ErrUnknownLane is returned for a lane index outside the relay bank.
	ErrUnknownLane = errors.New("relay: unknown lane")
	// ErrClosed is returned once the scheduler or driver has been closed.
	ErrClosed = errors.New("relay: closed")
)

// Driver switches physical relays. Lanes are numbered from 0.
// Implementations must be safe for concurrent use.
type Driver interface {
	// Set turns one lane's relay on or off.
	Set(lane int, on bool) error
	// Beep sounds the buzzer repeats times for onTime each.
	Beep(onTime time.Duration, repeats int) error
	// AllOff turns every relay off.
	AllOff() error
	Close() error
}
