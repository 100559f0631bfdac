package control

import (
	"context"
	"errors"
	"image"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/spotspray/internal/detect"
	"github.com/banshee-data/spotspray/internal/gps"
	"github.com/banshee-data/spotspray/internal/relay"
	"github.com/banshee-data/spotspray/internal/sampler"
	"github.com/banshee-data/spotspray/internal/testutil"
	"github.com/banshee-data/spotspray/internal/timeutil"
	"github.com/banshee-data/spotspray/internal/video"
)

func thresholds() detect.Thresholds {
	return detect.Thresholds{
		ExgMin: 25, ExgMax: 200,
		HueMin: 39, HueMax: 83,
		SaturationMin: 50, SaturationMax: 220,
		BrightnessMin: 60, BrightnessMax: 190,
		MinArea: 10,
	}
}

// hookSource replays frames and calls before ahead of every Read, on the
// loop goroutine.
type hookSource struct {
	*testutil.SliceSource
	before func(read int)
	n      int
}

func (s *hookSource) Read() (*video.Frame, error) {
	s.n++
	if s.before != nil {
		s.before(s.n)
	}
	return s.SliceSource.Read()
}

type fakeArchiver struct {
	mu         sync.Mutex
	tasks      []sampler.Task
	stopped    int
	terminated int
}

func (a *fakeArchiver) AddFrame(t sampler.Task) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped > 0 || a.terminated > 0 {
		return sampler.ErrStopped
	}
	a.tasks = append(a.tasks, t)
	return nil
}

func (a *fakeArchiver) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped++
}

func (a *fakeArchiver) Terminate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.terminated++
}

func (a *fakeArchiver) frameIDs() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	var ids []int
	for _, t := range a.tasks {
		ids = append(ids, t.FrameID)
	}
	return ids
}

type fakeStorage struct {
	mu   sync.Mutex
	full bool
}

func (s *fakeStorage) Full() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.full
}

func (s *fakeStorage) set(full bool) {
	s.mu.Lock()
	s.full = full
	s.mu.Unlock()
}

type fakeHealth struct {
	mu      sync.Mutex
	history []bool
}

func (h *fakeHealth) SetServing(serving bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.history = append(h.history, serving)
}

type stopCounter struct {
	mu sync.Mutex
	n  int
}

func (s *stopCounter) Stop() {
	s.mu.Lock()
	s.n++
	s.mu.Unlock()
}

type failingDetector struct{ calls int }

func (d *failingDetector) Inference(*video.Frame, detect.Thresholds) (detect.Result, error) {
	d.calls++
	return detect.Result{}, errors.New("inference failed")
}

// switchedOn returns the ON transitions; shutdown records an OFF for
// every lane.
func switchedOn(d *relay.MockDriver) []relay.Transition {
	var on []relay.Transition
	for _, tr := range d.Transitions() {
		if tr.On {
			on = append(on, tr)
		}
	}
	return on
}

type rig struct {
	clock   *timeutil.MockClock
	driver  *relay.MockDriver
	sched   *relay.Scheduler
	archive *fakeArchiver
	health  *fakeHealth
	ingest  *stopCounter
}

func newRig(t *testing.T, lanes int) *rig {
	t.Helper()
	testutil.MuteLogs(t)
	clock := timeutil.NewMockClock(t0)
	driver := relay.NewMockDriver(lanes, clock, false)
	sched, err := relay.NewScheduler(relay.SchedulerConfig{Lanes: lanes, Driver: driver, Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { sched.Close() })
	return &rig{
		clock:   clock,
		driver:  driver,
		sched:   sched,
		archive: &fakeArchiver{},
		health:  &fakeHealth{},
		ingest:  &stopCounter{},
	}
}

func (r *rig) config(src video.Source) Config {
	return Config{
		Source:             src,
		Algorithm:          detect.AlgExG,
		Thresholds:         thresholds(),
		Actuator:           r.sched,
		Beeper:             r.driver,
		RelayCount:         r.sched.Lanes(),
		ActivationFraction: 0.5,
		Delay:              100 * time.Millisecond,
		Duration:           200 * time.Millisecond,
		Archiver:           r.archive,
		SampleMode:         sampler.ModeWhole,
		SampleFrequency:    30,
		Ingester:           r.ingest,
		Health:             r.health,
		Clock:              r.clock,
	}
}

func TestLoop_ActuatesLaneUnderDetection(t *testing.T) {
	r := newRig(t, 3)
	frame := testutil.FieldFrame(1, 300, 100, image.Rect(245, 70, 255, 80))

	var onAfterDelay, offAfterWindow bool
	src := &hookSource{SliceSource: testutil.NewSliceSource(frame)}
	src.before = func(read int) {
		switch read {
		case 1:
			r.clock.Set(t0.Add(time.Second))
		case 2:
			r.clock.Advance(100 * time.Millisecond)
			onAfterDelay = r.driver.State(2)
			r.clock.Advance(200 * time.Millisecond)
			offAfterWindow = !r.driver.State(2)
		}
	}

	loop, err := New(r.config(src))
	require.NoError(t, err)
	require.NoError(t, loop.Run(context.Background()))

	assert.True(t, onAfterDelay, "lane 2 should be on once the delay elapsed")
	assert.True(t, offAfterWindow, "lane 2 should be off after delay+duration")
	want := []relay.Transition{
		{Lane: 2, On: true, At: t0.Add(1100 * time.Millisecond)},
		{Lane: 2, On: false, At: t0.Add(1300 * time.Millisecond)},
		{Lane: 2, On: false, At: t0.Add(1300 * time.Millisecond)}, // shutdown
	}
	if diff := cmp.Diff(want, r.driver.LaneTransitions(2)); diff != "" {
		t.Errorf("lane 2 transitions (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want[:1], switchedOn(r.driver)); diff != "" {
		t.Errorf("switched on (-want +got):\n%s", diff)
	}
	assert.Equal(t, int64(1), loop.Frames())
}

func TestLoop_IgnoresDetectionsAboveActivationLine(t *testing.T) {
	r := newRig(t, 3)
	frame := testutil.FieldFrame(1, 300, 100, image.Rect(45, 10, 55, 20))
	src := testutil.NewSliceSource(frame)

	loop, err := New(r.config(src))
	require.NoError(t, err)
	require.NoError(t, loop.Run(context.Background()))

	r.clock.Advance(time.Second)
	assert.Empty(t, switchedOn(r.driver))
	assert.Equal(t, int64(0), r.sched.Stats().Requests)
}

func TestLoop_EndOfStreamShutsDownSafely(t *testing.T) {
	r := newRig(t, 2)
	src := testutil.NewSliceSource(testutil.FieldFrame(1, 200, 100, image.Rect(20, 60, 30, 70)))

	loop, err := New(r.config(src))
	require.NoError(t, err)
	require.NoError(t, loop.Run(context.Background()))

	assert.False(t, r.driver.AnyOn())
	assert.GreaterOrEqual(t, r.driver.AllOffs(), 1)
	assert.True(t, src.Stopped())
	assert.Equal(t, 1, r.archive.stopped)
	assert.Equal(t, 0, r.archive.terminated)
	assert.Equal(t, 1, r.ingest.n)
	assert.Equal(t, []bool{true, false}, r.health.history)
	assert.Equal(t, "stopped", loop.ExitCause())

	beeps := r.driver.Beeps()
	require.Len(t, beeps, 2)
	assert.Equal(t, startupBeep, beeps[0].OnTime)
	assert.Equal(t, 2, beeps[1].Repeats)

	// A second shutdown is a no-op.
	loop.Shutdown(errors.New("late"))
	assert.Equal(t, "stopped", loop.ExitCause())
	assert.Equal(t, 0, r.archive.terminated)
}

func TestLoop_CancelStopsLoop(t *testing.T) {
	r := newRig(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	src := &hookSource{SliceSource: testutil.NewSliceSource(
		testutil.FieldFrame(1, 200, 100),
		testutil.FieldFrame(2, 200, 100),
		testutil.FieldFrame(3, 200, 100),
	)}
	src.before = func(read int) {
		if read == 2 {
			cancel()
		}
	}

	loop, err := New(r.config(src))
	require.NoError(t, err)
	require.NoError(t, loop.Run(ctx))

	assert.Equal(t, int64(1), loop.Frames())
	assert.True(t, src.Stopped())
	assert.False(t, r.driver.AnyOn())
}

func TestLoop_ReadErrorsBecomeFatal(t *testing.T) {
	r := newRig(t, 2)
	src := testutil.NewSliceSource()
	src.Err = errors.New("camera unplugged")

	cfg := r.config(src)
	cfg.MaxReadErrors = 5
	loop, err := New(cfg)
	require.NoError(t, err)

	err = loop.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "camera unplugged")
	assert.Equal(t, 5, src.Reads())
	assert.Len(t, r.clock.Sleeps(), 4)
	assert.Equal(t, 1, r.archive.terminated)
	assert.Equal(t, 0, r.archive.stopped)
	assert.False(t, r.driver.AnyOn())
	assert.Contains(t, loop.ExitCause(), "camera unplugged")
}

func TestLoop_ModelInitFailure(t *testing.T) {
	r := newRig(t, 2)
	src := testutil.NewSliceSource(testutil.FieldFrame(1, 200, 100))
	cfg := r.config(src)
	cfg.Algorithm = detect.AlgGoG

	loop, err := New(cfg)
	require.NoError(t, err)
	err = loop.Run(context.Background())

	var initErr *detect.InitError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, 0, src.Reads())
	beeps := r.driver.Beeps()
	require.NotEmpty(t, beeps)
	assert.Equal(t, relay.BeepRecord{OnTime: initFailureBeep, Repeats: 4, At: t0}, beeps[0])
	assert.Equal(t, 1, r.archive.terminated)
	assert.GreaterOrEqual(t, r.driver.AllOffs(), 1)
}

func TestLoop_DetectorErrorSkipsFrame(t *testing.T) {
	r := newRig(t, 2)
	src := testutil.NewSliceSource(testutil.FieldFrame(1, 200, 100), testutil.FieldFrame(2, 200, 100))
	cfg := r.config(src)
	det := &failingDetector{}
	cfg.Detector = det

	loop, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, loop.Run(context.Background()))

	assert.Equal(t, 2, det.calls)
	assert.Equal(t, int64(0), loop.Frames())
	assert.Equal(t, int64(2), loop.Status().DetectErrors)
}

func TestLoop_SamplingFrequency(t *testing.T) {
	r := newRig(t, 2)
	var frames []*video.Frame
	for i := range 65 {
		frames = append(frames, testutil.FieldFrame(uint64(i), 200, 100))
	}
	cfg := r.config(testutil.NewSliceSource(frames...))
	cfg.SampleFrequency = 30

	loop, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, loop.Run(context.Background()))

	assert.Equal(t, []int{0, 30, 60}, r.archive.frameIDs())
}

func TestLoop_SampleCarriesDetectionsAndFix(t *testing.T) {
	r := newRig(t, 2)
	frame := testutil.FieldFrame(1, 200, 100, image.Rect(20, 10, 30, 20))
	cache := gps.NewCache()
	cache.Update(gps.Fix{Latitude: -33.9, Longitude: 151.2, Quality: 4, ObservedAt: t0})

	cfg := r.config(testutil.NewSliceSource(frame))
	cfg.SampleMode = sampler.ModeBBox
	cfg.Position = cache
	loop, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, loop.Run(context.Background()))

	require.Len(t, r.archive.tasks, 1)
	task := r.archive.tasks[0]
	assert.Equal(t, []image.Rectangle{image.Rect(20, 10, 30, 20)}, task.Boxes)
	assert.Equal(t, []image.Point{image.Pt(25, 15)}, task.Centres)
	require.NotNil(t, task.Fix)
	assert.Equal(t, 4, task.Fix.Quality)
}

func TestLoop_WholeModeSendsNoBoxes(t *testing.T) {
	r := newRig(t, 2)
	frame := testutil.FieldFrame(1, 200, 100, image.Rect(20, 10, 30, 20))
	loop, err := New(r.config(testutil.NewSliceSource(frame)))
	require.NoError(t, err)
	require.NoError(t, loop.Run(context.Background()))

	require.Len(t, r.archive.tasks, 1)
	assert.Nil(t, r.archive.tasks[0].Boxes)
	assert.Nil(t, r.archive.tasks[0].Fix)
}

func TestLoop_StorageFullStopsSampling(t *testing.T) {
	r := newRig(t, 2)
	storage := &fakeStorage{}
	var frames []*video.Frame
	for i := range 4 {
		frames = append(frames, testutil.FieldFrame(uint64(i), 200, 100))
	}
	src := &hookSource{SliceSource: testutil.NewSliceSource(frames...)}
	src.before = func(read int) {
		if read == 3 {
			storage.set(true)
		}
	}
	cfg := r.config(src)
	cfg.SampleFrequency = 1
	cfg.Storage = storage

	loop, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, loop.Run(context.Background()))

	assert.Equal(t, []int{0, 1}, r.archive.frameIDs())
	// Once at storage-full, once more at shutdown.
	assert.Equal(t, 2, r.archive.stopped)
	assert.Equal(t, int64(4), loop.Frames())
}

func TestLoop_DetectionDisabled(t *testing.T) {
	r := newRig(t, 2)
	frame := testutil.FieldFrame(1, 200, 100, image.Rect(20, 60, 30, 70))
	cfg := r.config(testutil.NewSliceSource(frame))
	cfg.DisableDetection = true
	cfg.SampleMode = sampler.ModeBBox

	loop, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, loop.Run(context.Background()))

	r.clock.Advance(time.Second)
	assert.Empty(t, switchedOn(r.driver))
	require.Len(t, r.archive.tasks, 1)
	assert.Nil(t, r.archive.tasks[0].Boxes)
}

func TestLoop_FPSReports(t *testing.T) {
	r := newRig(t, 2)
	var frames []*video.Frame
	for i := range 9 {
		frames = append(frames, testutil.FieldFrame(uint64(i), 200, 100))
	}
	src := &hookSource{SliceSource: testutil.NewSliceSource(frames...)}
	src.before = func(int) { r.clock.Advance(100 * time.Millisecond) }

	var reports []FPSReport
	cfg := r.config(src)
	cfg.FPSReportFrames = 3
	cfg.Archiver = nil
	cfg.OnReport = func(rep FPSReport) { reports = append(reports, rep) }

	loop, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, loop.Run(context.Background()))

	require.Len(t, reports, 3)
	for _, rep := range reports {
		assert.Equal(t, 3, rep.Frames)
		assert.InDelta(t, 10.0, rep.FPS, 1e-6)
	}
	require.NotNil(t, loop.Status().LastReport)
}

func TestLoop_PanicTakesFatalPath(t *testing.T) {
	r := newRig(t, 2)
	src := &hookSource{SliceSource: testutil.NewSliceSource(testutil.FieldFrame(1, 200, 100))}
	src.before = func(int) { panic("boom") }

	loop, err := New(r.config(src))
	require.NoError(t, err)
	err = loop.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, 1, r.archive.terminated)
	assert.False(t, r.driver.AnyOn())
}

func TestNew_Validation(t *testing.T) {
	r := newRig(t, 2)
	_, err := New(Config{Actuator: r.sched, RelayCount: 2})
	assert.Error(t, err)
	_, err = New(Config{Source: testutil.NewSliceSource(), RelayCount: 2})
	assert.Error(t, err)
	_, err = New(Config{Source: testutil.NewSliceSource(), Actuator: r.sched})
	assert.Error(t, err)
}

func TestLoop_AdminRoute(t *testing.T) {
	r := newRig(t, 2)
	loop, err := New(r.config(testutil.NewSliceSource(testutil.FieldFrame(1, 200, 100))))
	require.NoError(t, err)
	require.NoError(t, loop.Run(context.Background()))

	mux := http.NewServeMux()
	loop.AttachAdminRoutes(mux)
	w := testutil.NewTestRecorder()
	mux.ServeHTTP(w, testutil.NewLocalRequest(http.MethodGet, "/debug/control", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	body, err := io.ReadAll(w.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `"frames":1`), string(body))
	assert.Contains(t, string(body), `"exit_cause":"stopped"`)
}
