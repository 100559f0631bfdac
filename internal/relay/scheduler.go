package relay

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/spotspray/internal/monitoring"
	"github.com/banshee-data/spotspray/internal/timeutil"
)

// DefaultMaxPendingWindows bounds the disjoint windows queued per lane.
const DefaultMaxPendingWindows = 16

// hardwareRetry is how soon a failed relay write is attempted again.
const hardwareRetry = 50 * time.Millisecond

// Request asks for one lane to be ON during
// [RequestedAt+Delay, RequestedAt+Delay+Duration).
type Request struct {
	Lane        int
	RequestedAt time.Time
	Delay       time.Duration
	Duration    time.Duration
}

// Window returns the request's ON and OFF instants.
func (r Request) Window() (on, off time.Time) {
	on = r.RequestedAt.Add(r.Delay)
	return on, on.Add(r.Duration)
}

type window struct {
	on, off time.Time
}

// lane holds one relay's pending windows. windows is sorted and disjoint;
// overlapping or touching requests are merged so that a lane is never
// switched OFF inside any request's window.
type lane struct {
	index int

	mu      sync.Mutex
	windows []window
	timer   timeutil.Timer
	gen     uint64
	on      bool

	activations int64
	lastErr     error
}

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	Lanes             int
	Driver            Driver
	Clock             timeutil.Clock // defaults to RealClock
	MaxPendingWindows int            // per lane, default 16
}

// Stats counts scheduler events since start.
type Stats struct {
	Requests       int64 `json:"requests"`
	Merged         int64 `json:"merged"`
	Queued         int64 `json:"queued"`
	Expired        int64 `json:"expired"`
	Dropped        int64 `json:"dropped"`
	Activations    int64 `json:"activations"`
	HardwareErrors int64 `json:"hardware_errors"`
}

// LaneState is a point-in-time view of one lane.
type LaneState struct {
	Lane        int       `json:"lane"`
	On          bool      `json:"on"`
	Pending     int       `json:"pending_windows"`
	NextEvent   time.Time `json:"next_event,omitempty"`
	Activations int64     `json:"activations"`
	LastError   string    `json:"last_error,omitempty"`
}

// Scheduler turns actuation requests into relay transitions. Each lane has
// its own lock, window list and timer, so lanes never delay one another.
// Receive never blocks on a pending actuation.
type Scheduler struct {
	driver     Driver
	clock      timeutil.Clock
	lanes      []*lane
	maxPending int
	closed     atomic.Bool

	requests       atomic.Int64
	merged         atomic.Int64
	queued         atomic.Int64
	expired        atomic.Int64
	dropped        atomic.Int64
	hardwareErrors atomic.Int64
}

// NewScheduler creates a Scheduler for cfg.Lanes lanes.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Lanes < 1 {
		return nil, fmt.Errorf("relay: need at least one lane, got %d", cfg.Lanes)
	}
	if cfg.Driver == nil {
		return nil, errors.New("relay: nil driver")
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.MaxPendingWindows <= 0 {
		cfg.MaxPendingWindows = DefaultMaxPendingWindows
	}
	s := &Scheduler{
		driver:     cfg.Driver,
		clock:      cfg.Clock,
		maxPending: cfg.MaxPendingWindows,
		lanes:      make([]*lane, cfg.Lanes),
	}
	for i := range s.lanes {
		s.lanes[i] = &lane{index: i}
	}
	return s, nil
}

// Lanes returns the number of lanes.
func (s *Scheduler) Lanes() int { return len(s.lanes) }

// Receive schedules lane to be ON from timeStamp+delay for duration.
// A request whose window already ended is dropped; one whose ON time has
// passed switches the lane on immediately. An overlapping request extends
// the current window and never shortens it.
func (s *Scheduler) Receive(laneIdx int, delay time.Duration, timeStamp time.Time, duration time.Duration) error {
	return s.Submit(Request{Lane: laneIdx, RequestedAt: timeStamp, Delay: delay, Duration: duration})
}

// Submit is Receive taking a Request.
func (s *Scheduler) Submit(r Request) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if r.Lane < 0 || r.Lane >= len(s.lanes) {
		return fmt.Errorf("%w: %d", ErrUnknownLane, r.Lane)
	}
	s.requests.Add(1)

	on, off := r.Window()
	l := s.lanes[r.Lane]

	l.mu.Lock()
	defer l.mu.Unlock()
	if s.closed.Load() {
		return ErrClosed
	}

	now := s.clock.Now()
	if !off.After(now) {
		s.expired.Add(1)
		return nil
	}

	if !s.insert(l, window{on: on, off: off}) {
		s.dropped.Add(1)
		monitoring.Logf("[relay] lane %d: %d windows pending, dropping request", l.index, len(l.windows))
		return nil
	}
	s.reconcile(l, now)
	return nil
}

// insert merges w into the lane's windows. It reports false if w would
// become a new window beyond the per-lane limit.
func (s *Scheduler) insert(l *lane, w window) bool {
	var (
		out    = make([]window, 0, len(l.windows)+1)
		placed bool
		merged bool
	)
	for _, cur := range l.windows {
		switch {
		case cur.off.Before(w.on):
			out = append(out, cur)
		case w.off.Before(cur.on):
			if !placed {
				out = append(out, w)
				placed = true
			}
			out = append(out, cur)
		default:
			// Overlapping or touching: extend, never shrink.
			if cur.on.Before(w.on) {
				w.on = cur.on
			}
			if cur.off.After(w.off) {
				w.off = cur.off
			}
			merged = true
		}
	}
	if !placed {
		out = append(out, w)
	}

	if !merged && len(l.windows) >= s.maxPending {
		return false
	}
	if merged {
		s.merged.Add(1)
	} else if len(out) > 1 {
		s.queued.Add(1)
	}
	l.windows = out
	return true
}

// reconcile drives the lane to the state its windows require at now and
// arms the timer for the next transition. Caller holds l.mu.
func (s *Scheduler) reconcile(l *lane, now time.Time) {
	for len(l.windows) > 0 && !l.windows[0].off.After(now) {
		l.windows = l.windows[1:]
	}
	want := len(l.windows) > 0 && !l.windows[0].on.After(now)

	failed := false
	if want != l.on {
		if err := s.driver.Set(l.index, want); err != nil {
			s.hardwareErrors.Add(1)
			l.lastErr = err
			failed = true
			monitoring.Logf("[relay] lane %d: failed to switch %s: %v", l.index, onOff(want), err)
		} else {
			l.on = want
			if want {
				l.activations++
			}
		}
	}

	var next time.Time
	switch {
	case len(l.windows) == 0:
	case want:
		next = l.windows[0].off
	default:
		next = l.windows[0].on
	}
	// The relay does not match the windows; keep writing until it does.
	if retry := now.Add(hardwareRetry); failed && (next.IsZero() || retry.Before(next)) {
		next = retry
	}
	s.arm(l, now, next)
}

// arm replaces the lane timer. A zero next leaves the lane idle.
// Caller holds l.mu.
func (s *Scheduler) arm(l *lane, now, next time.Time) {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.gen++
	if next.IsZero() {
		return
	}
	gen := l.gen
	l.timer = s.clock.AfterFunc(next.Sub(now), func() { s.fire(l, gen) })
}

func (s *Scheduler) fire(l *lane, gen uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if gen != l.gen {
		return
	}
	l.timer = nil
	s.reconcile(l, s.clock.Now())
}

// AllOff cancels every pending window and switches every lane off. After
// it returns no timer set earlier can switch a lane back on.
func (s *Scheduler) AllOff() error {
	var errs []error
	for _, l := range s.lanes {
		l.mu.Lock()
		if l.timer != nil {
			l.timer.Stop()
			l.timer = nil
		}
		l.gen++
		l.windows = nil
		if err := s.driver.Set(l.index, false); err != nil {
			s.hardwareErrors.Add(1)
			l.lastErr = err
			errs = append(errs, fmt.Errorf("lane %d: %w", l.index, err))
		}
		l.on = false
		l.mu.Unlock()
	}
	if err := s.driver.AllOff(); err != nil {
		s.hardwareErrors.Add(1)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close switches everything off and rejects further requests.
func (s *Scheduler) Close() error {
	s.closed.Store(true)
	return s.AllOff()
}

// Stats returns a snapshot of the scheduler counters.
func (s *Scheduler) Stats() Stats {
	st := Stats{
		Requests:       s.requests.Load(),
		Merged:         s.merged.Load(),
		Queued:         s.queued.Load(),
		Expired:        s.expired.Load(),
		Dropped:        s.dropped.Load(),
		HardwareErrors: s.hardwareErrors.Load(),
	}
	for _, l := range s.lanes {
		l.mu.Lock()
		st.Activations += l.activations
		l.mu.Unlock()
	}
	return st
}

// States returns the current view of every lane.
func (s *Scheduler) States() []LaneState {
	out := make([]LaneState, len(s.lanes))
	for i, l := range s.lanes {
		l.mu.Lock()
		st := LaneState{Lane: i, On: l.on, Pending: len(l.windows), Activations: l.activations}
		if len(l.windows) > 0 {
			if l.on {
				st.NextEvent = l.windows[0].off
			} else {
				st.NextEvent = l.windows[0].on
			}
		}
		if l.lastErr != nil {
			st.LastError = l.lastErr.Error()
		}
		l.mu.Unlock()
		out[i] = st
	}
	return out
}
