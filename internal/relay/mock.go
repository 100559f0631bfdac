package relay

import (
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/spotspray/internal/monitoring"
	"github.com/banshee-data/spotspray/internal/timeutil"
)

// Transition is one recorded relay write.
type Transition struct {
	Lane int
	On   bool
	At   time.Time
}

// BeepRecord is one recorded buzzer request.
type BeepRecord struct {
	OnTime  time.Duration
	Repeats int
	At      time.Time
}

// MockDriver records every command instead of touching hardware. It backs
// the dev mode and the tests.
type MockDriver struct {
	clock   timeutil.Clock
	lanes   int
	verbose bool

	mu          sync.Mutex
	states      []bool
	transitions []Transition
	beeps       []BeepRecord
	allOffs     int
	closed      bool
	failLanes   map[int]error
}

// NewMockDriver creates a MockDriver for n lanes. With verbose set, every
// transition is logged.
func NewMockDriver(n int, clock timeutil.Clock, verbose bool) *MockDriver {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &MockDriver{
		clock:     clock,
		lanes:     n,
		verbose:   verbose,
		states:    make([]bool, n),
		failLanes: make(map[int]error),
	}
}

// FailLane makes Set on lane return err; nil clears the fault.
func (m *MockDriver) FailLane(lane int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failLanes, lane)
		return
	}
	m.failLanes[lane] = err
}

func (m *MockDriver) Set(lane int, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if lane < 0 || lane >= m.lanes {
		return fmt.Errorf("%w: %d", ErrUnknownLane, lane)
	}
	if err := m.failLanes[lane]; err != nil {
		return err
	}
	now := m.clock.Now()
	m.states[lane] = on
	m.transitions = append(m.transitions, Transition{Lane: lane, On: on, At: now})
	if m.verbose {
		monitoring.Logf("[relay] lane %d %s", lane, onOff(on))
	}
	return nil
}

func (m *MockDriver) Beep(onTime time.Duration, repeats int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.beeps = append(m.beeps, BeepRecord{OnTime: onTime, Repeats: repeats, At: m.clock.Now()})
	if m.verbose {
		monitoring.Logf("[relay] beep %s x%d", onTime, repeats)
	}
	return nil
}

func (m *MockDriver) AllOff() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for i := range m.states {
		m.states[i] = false
	}
	m.allOffs++
	return nil
}

func (m *MockDriver) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.states {
		m.states[i] = false
	}
	m.closed = true
	return nil
}

// State reports the last commanded state of lane.
func (m *MockDriver) State(lane int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[lane]
}

// AnyOn reports whether any relay is on.
func (m *MockDriver) AnyOn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, on := range m.states {
		if on {
			return true
		}
	}
	return false
}

// Transitions returns a copy of the recorded writes.
func (m *MockDriver) Transitions() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transition(nil), m.transitions...)
}

// LaneTransitions returns the recorded writes for one lane.
func (m *MockDriver) LaneTransitions(lane int) []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Transition
	for _, t := range m.transitions {
		if t.Lane == lane {
			out = append(out, t)
		}
	}
	return out
}

// Beeps returns a copy of the recorded buzzer requests.
func (m *MockDriver) Beeps() []BeepRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]BeepRecord(nil), m.beeps...)
}

// AllOffs reports how many times AllOff was called.
func (m *MockDriver) AllOffs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allOffs
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}
