package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/spotspray/internal/detect"
	"github.com/banshee-data/spotspray/internal/focus"
	"github.com/banshee-data/spotspray/internal/gps"
	"github.com/banshee-data/spotspray/internal/monitoring"
	"github.com/banshee-data/spotspray/internal/sampler"
	"github.com/banshee-data/spotspray/internal/timeutil"
	"github.com/banshee-data/spotspray/internal/video"
)

const (
	defaultReadRetry       = 10 * time.Millisecond
	defaultMaxReadErrors   = 50
	defaultFPSReportFrames = 900
	defaultSampleFrequency = 30

	startupBeep     = 500 * time.Millisecond
	shutdownBeep    = 100 * time.Millisecond
	initFailureBeep = 250 * time.Millisecond
)

// Actuator accepts actuation requests; relay.Scheduler implements it.
type Actuator interface {
	Receive(lane int, delay time.Duration, timeStamp time.Time, duration time.Duration) error
	AllOff() error
}

// Beeper sounds the operator buzzer; relay drivers implement it.
type Beeper interface {
	Beep(onTime time.Duration, repeats int) error
}

// Archiver persists sampled frames; sampler.Pool implements it.
type Archiver interface {
	AddFrame(t sampler.Task) error
	Stop()
	Terminate()
}

// Positioner returns the latest position fix; gps.Cache implements it.
type Positioner interface {
	Snapshot() (gps.Fix, bool)
}

// StorageChecker reports whether the sample volume is full.
type StorageChecker interface {
	Full() bool
}

// Stopper is a background component stopped during shutdown.
type Stopper interface {
	Stop()
}

// HealthSetter publishes serving state.
type HealthSetter interface {
	SetServing(serving bool)
}

// Config wires a Loop. Only Source, Actuator and either Detector or
// Algorithm are required.
type Config struct {
	Source video.Source

	// Detector overrides Algorithm when set.
	Detector         detect.Detector
	Algorithm        string
	Thresholds       detect.Thresholds
	DisableDetection bool

	Actuator   Actuator
	Beeper     Beeper
	RelayCount int
	// Lanes is built from the first frame's width when nil.
	Lanes              *Lanes
	ActivationFraction float64
	Delay              time.Duration
	Duration           time.Duration

	Archiver        Archiver // nil disables sampling
	SampleMode      string
	SampleFrequency int
	Storage         StorageChecker
	Position        Positioner

	Ingester Stopper
	Health   HealthSetter

	Focus           bool
	LogFPS          bool
	FPSReportFrames int
	// OnReport receives every FPS report, for example to store it.
	OnReport func(FPSReport)

	Clock         timeutil.Clock
	ReadRetry     time.Duration
	MaxReadErrors int
}

// Loop is the control loop. Run processes frames strictly in sequence on
// the calling goroutine.
type Loop struct {
	cfg      Config
	clock    timeutil.Clock
	detector detect.Detector
	lanes    *Lanes
	stats    *FrameStats
	focus    focus.Tracker

	sampling   bool
	frameCount int
	readErrors int

	totalFrames   atomic.Int64
	detectErrors  atomic.Int64
	receiveErrors atomic.Int64
	lastReport    atomic.Pointer[FPSReport]

	shutdownOnce sync.Once
	exitMu       sync.Mutex
	exitCause    string
}

// New creates a Loop.
func New(cfg Config) (*Loop, error) {
	if cfg.Source == nil {
		return nil, errors.New("control: nil video source")
	}
	if cfg.Actuator == nil {
		return nil, errors.New("control: nil actuator")
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.ReadRetry <= 0 {
		cfg.ReadRetry = defaultReadRetry
	}
	if cfg.MaxReadErrors <= 0 {
		cfg.MaxReadErrors = defaultMaxReadErrors
	}
	if cfg.FPSReportFrames <= 0 {
		cfg.FPSReportFrames = defaultFPSReportFrames
	}
	if cfg.SampleFrequency <= 0 {
		cfg.SampleFrequency = defaultSampleFrequency
	}
	if cfg.SampleMode == "" {
		cfg.SampleMode = sampler.ModeWhole
	}
	if cfg.Lanes == nil && cfg.RelayCount < 1 {
		return nil, errors.New("control: need Lanes or a positive RelayCount")
	}
	return &Loop{
		cfg:      cfg,
		clock:    cfg.Clock,
		detector: cfg.Detector,
		lanes:    cfg.Lanes,
		sampling: cfg.Archiver != nil,
	}, nil
}

// Run processes frames until the source ends, ctx is cancelled or a fatal
// error occurs, and always finishes with Shutdown. It returns nil for end
// of stream and cancellation.
func (l *Loop) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("control: panic: %v", r)
			monitoring.Logf("[control] CRITICAL ERROR: %v\n%s", r, debug.Stack())
			l.Shutdown(err)
		}
	}()

	if l.detector == nil && !l.cfg.DisableDetection {
		d, err := detect.New(l.cfg.Algorithm)
		if err != nil {
			return l.initFailed(err)
		}
		l.detector = d
	}

	// A blocked Read is released by stopping the source.
	stopOnCancel := context.AfterFunc(ctx, func() {
		if err := l.cfg.Source.Stop(); err != nil {
			monitoring.Logf("[control] stop source: %v", err)
		}
	})
	defer stopOnCancel()

	l.stats = NewFrameStats(l.clock.Now())
	l.beep(startupBeep, 1)
	if l.cfg.Health != nil {
		l.cfg.Health.SetServing(true)
	}
	monitoring.Logf("[control] running, algorithm=%s detection=%v", l.cfg.Algorithm, !l.cfg.DisableDetection)

	for {
		if ctx.Err() != nil {
			l.Shutdown(nil)
			return nil
		}
		frame, err := l.cfg.Source.Read()
		switch {
		case errors.Is(err, io.EOF) || (err == nil && frame == nil):
			if ctx.Err() != nil {
				monitoring.Logf("[control] interrupted")
			} else {
				monitoring.Logf("[control] end of stream")
			}
			l.Shutdown(nil)
			return nil
		case err != nil:
			l.readErrors++
			if l.readErrors >= l.cfg.MaxReadErrors {
				fatal := fmt.Errorf("control: %d consecutive frame read errors: %w", l.readErrors, err)
				l.Shutdown(fatal)
				return fatal
			}
			monitoring.Logf("[control] frame read failed (%d): %v", l.readErrors, err)
			l.clock.Sleep(l.cfg.ReadRetry)
			continue
		}
		l.readErrors = 0
		if ctx.Err() != nil {
			l.Shutdown(nil)
			return nil
		}
		if err := l.process(frame); err != nil {
			l.Shutdown(err)
			return err
		}
	}
}

func (l *Loop) initFailed(err error) error {
	var initErr *detect.InitError
	if errors.As(err, &initErr) {
		monitoring.Logf("[control] %v", initErr)
		monitoring.Logf("[control] %s", initErr.Guidance)
	} else {
		monitoring.Logf("[control] detector failed to start: %v", err)
	}
	l.beep(initFailureBeep, 4)
	l.Shutdown(err)
	return err
}

// process runs one frame through detection, actuation and sampling.
func (l *Loop) process(frame *video.Frame) error {
	now := l.clock.Now()

	var res detect.Result
	if !l.cfg.DisableDetection {
		var err error
		res, err = l.detector.Inference(frame, l.cfg.Thresholds)
		if err != nil {
			l.detectErrors.Add(1)
			monitoring.Logf("[control] frame %d: detection failed: %v", frame.Seq, err)
			return nil
		}
	}

	if l.lanes == nil {
		lanes, err := NewLanes(frame.Width(), l.cfg.RelayCount)
		if err != nil {
			return err
		}
		l.lanes = lanes
	}

	actuations := 0
	yAct := int(l.cfg.ActivationFraction * float64(frame.Height()))
	for _, c := range res.Centres {
		if c.Y <= yAct {
			continue
		}
		lane, ok := l.lanes.Lookup(c.X)
		if !ok {
			continue
		}
		if err := l.cfg.Actuator.Receive(lane, l.cfg.Delay, now, l.cfg.Duration); err != nil {
			l.receiveErrors.Add(1)
			monitoring.Logf("[control] lane %d: %v", lane, err)
			continue
		}
		actuations++
	}

	l.sample(frame, res)

	if l.cfg.Focus {
		l.focus.Add(focus.BlurScore(frame.Image, focus.DefaultCutoff))
	}

	l.totalFrames.Add(1)
	l.stats.Frame(l.clock.Now(), len(res.Centres), actuations)
	if l.frameCount < l.cfg.FPSReportFrames {
		l.frameCount++
	} else {
		l.frameCount = 1
	}
	if l.frameCount%l.cfg.FPSReportFrames == 0 {
		l.report()
	}
	return nil
}

func (l *Loop) sample(frame *video.Frame, res detect.Result) {
	if !l.sampling {
		return
	}
	if l.cfg.Storage != nil && l.cfg.Storage.Full() {
		monitoring.Logf("[control] sample storage full, sampling stopped")
		l.sampling = false
		l.cfg.Archiver.Stop()
		return
	}
	if l.frameCount%l.cfg.SampleFrequency != 0 {
		return
	}
	task := sampler.Task{Frame: frame, FrameID: l.frameCount}
	if l.cfg.SampleMode != sampler.ModeWhole && !l.cfg.DisableDetection {
		task.Boxes = res.Boxes
		task.Centres = res.Centres
	}
	if l.cfg.Position != nil {
		if fix, ok := l.cfg.Position.Snapshot(); ok {
			task.Fix = &fix
		}
	}
	// Drops are counted and logged by the archiver.
	_ = l.cfg.Archiver.AddFrame(task)
}

func (l *Loop) report() {
	r := l.stats.GetAndReset(l.clock.Now())
	l.lastReport.Store(&r)
	if l.cfg.LogFPS {
		monitoring.Logf("[control] approximate FPS: %.2f (frame time %v ± %v)", r.FPS, r.MeanFrameTime, r.FrameTimeStdDev)
	}
	if l.cfg.Focus {
		s := l.focus.Report()
		monitoring.Logf("[control] focus: mean %.2f ± %.2f, best %.2f over %d frames", s.Mean, s.StdDev, s.Best, s.Samples)
	}
	if l.cfg.OnReport != nil {
		l.cfg.OnReport(r)
	}
}

func (l *Loop) beep(onTime time.Duration, repeats int) {
	if l.cfg.Beeper == nil {
		return
	}
	if err := l.cfg.Beeper.Beep(onTime, repeats); err != nil {
		monitoring.Logf("[control] beep: %v", err)
	}
}

// Shutdown leaves every subsystem in a safe state: all relays off, the
// source stopped, the archival pool stopped (terminated when cause is
// non-nil) and position ingestion stopped. Only the first call has any
// effect.
func (l *Loop) Shutdown(cause error) {
	l.shutdownOnce.Do(func() {
		exit := "stopped"
		if cause != nil {
			exit = cause.Error()
			monitoring.Logf("[control] STOPPED: %v", cause)
		}
		l.exitMu.Lock()
		l.exitCause = exit
		l.exitMu.Unlock()

		if err := l.cfg.Actuator.AllOff(); err != nil {
			monitoring.Logf("[control] all off: %v", err)
		}
		l.beep(shutdownBeep, 2)
		if err := l.cfg.Source.Stop(); err != nil {
			monitoring.Logf("[control] stop source: %v", err)
		}
		if l.cfg.Archiver != nil {
			if cause != nil {
				l.cfg.Archiver.Terminate()
			} else {
				l.cfg.Archiver.Stop()
			}
		}
		if l.cfg.Ingester != nil {
			l.cfg.Ingester.Stop()
		}
		if l.cfg.Health != nil {
			l.cfg.Health.SetServing(false)
		}
		monitoring.Logf("[control] shutdown complete after %d frames", l.totalFrames.Load())
	})
}

// ExitCause describes why the loop stopped; empty while running.
func (l *Loop) ExitCause() string {
	l.exitMu.Lock()
	defer l.exitMu.Unlock()
	return l.exitCause
}

// Frames returns the number of frames processed.
func (l *Loop) Frames() int64 { return l.totalFrames.Load() }

// Status is a point-in-time view of the loop for the admin page.
type Status struct {
	Frames        int64      `json:"frames"`
	DetectErrors  int64      `json:"detect_errors"`
	ReceiveErrors int64      `json:"receive_errors"`
	LastReport    *FPSReport `json:"last_report,omitempty"`
	ExitCause     string     `json:"exit_cause,omitempty"`
}

// Status returns loop counters.
func (l *Loop) Status() Status {
	return Status{
		Frames:        l.totalFrames.Load(),
		DetectErrors:  l.detectErrors.Load(),
		ReceiveErrors: l.receiveErrors.Load(),
		LastReport:    l.lastReport.Load(),
		ExitCause:     l.ExitCause(),
	}
}
