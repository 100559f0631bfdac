package sampler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"net/http"
	"os"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/spotspray/internal/fsutil"
	"github.com/banshee-data/spotspray/internal/gps"
	"github.com/banshee-data/spotspray/internal/testutil"
	"github.com/banshee-data/spotspray/internal/timeutil"
)

var t0 = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

// recordingIndexer records samples. When gate is set, IndexSample blocks
// until the gate is closed (or ctx ends, if honourCtx).
type recordingIndexer struct {
	mu        sync.Mutex
	samples   []Sample
	gate      chan struct{}
	honourCtx bool
	entered   chan struct{}
	panicOn   int // 1-based call number that panics, 0 = never
	calls     int
}

func (r *recordingIndexer) IndexSample(ctx context.Context, s Sample) error {
	r.mu.Lock()
	r.calls++
	call := r.calls
	r.mu.Unlock()
	if r.entered != nil {
		select {
		case r.entered <- struct{}{}:
		default:
		}
	}
	if call == r.panicOn {
		panic("index exploded")
	}
	if r.gate != nil {
		if r.honourCtx {
			select {
			case <-r.gate:
			case <-ctx.Done():
				return ctx.Err()
			}
		} else {
			<-r.gate
		}
	}
	r.mu.Lock()
	r.samples = append(r.samples, s)
	r.mu.Unlock()
	return nil
}

func (r *recordingIndexer) Samples() []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sample(nil), r.samples...)
}

func newTestPool(t *testing.T, cfg PoolConfig) (*Pool, *fsutil.MemoryFileSystem) {
	t.Helper()
	testutil.MuteLogs(t)
	mem := fsutil.NewMemoryFileSystem()
	cfg.FS = mem
	if cfg.Dir == "" {
		cfg.Dir = "/samples"
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.NewMockClock(t0)
	}
	p, err := NewPool(cfg)
	require.NoError(t, err)
	t.Cleanup(p.Terminate)
	return p, mem
}

func decodeSize(t *testing.T, mem *fsutil.MemoryFileSystem, name string) image.Point {
	t.Helper()
	data, err := mem.ReadFile(name)
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	return img.Bounds().Size()
}

func TestPool_WholeFrame(t *testing.T) {
	idx := &recordingIndexer{}
	p, mem := newTestPool(t, PoolConfig{Mode: ModeWhole, Indexer: idx})

	fix := &gps.Fix{Latitude: -33.9, Longitude: 151.2, Quality: 4, ObservedAt: t0}
	require.NoError(t, p.AddFrame(Task{Frame: testutil.FieldFrame(7, 64, 48), FrameID: 7, Fix: fix}))

	require.Eventually(t, func() bool { return p.Stats().Persisted == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(idx.Samples()) == 1 }, time.Second, 5*time.Millisecond)

	want := "/samples/2026-04-01T080000.000Z_frame_7.png"
	assert.Equal(t, []string{want}, mem.Files())
	assert.Equal(t, image.Pt(64, 48), decodeSize(t, mem, want))

	s := idx.Samples()[0]
	assert.Equal(t, want, s.Path)
	assert.Equal(t, -1, s.Index)
	assert.Equal(t, fix, s.Fix)
	assert.Equal(t, image.Rect(0, 0, 64, 48), s.Region)
}

func TestPool_BBox(t *testing.T) {
	p, mem := newTestPool(t, PoolConfig{Mode: ModeBBox})

	task := Task{
		Frame:   testutil.FieldFrame(3, 100, 80),
		FrameID: 3,
		Boxes: []image.Rectangle{
			image.Rect(10, 10, 30, 25),
			image.Rect(90, 70, 120, 100), // clipped to the frame
			image.Rect(200, 200, 210, 210),
		},
	}
	require.NoError(t, p.AddFrame(task))
	require.Eventually(t, func() bool { return p.Stats().Persisted == 2 }, time.Second, 5*time.Millisecond)

	prefix := "/samples/2026-04-01T080000.000Z_frame_3"
	assert.Equal(t, []string{prefix + "_n_0.png", prefix + "_n_1.png"}, mem.Files())
	assert.Equal(t, image.Pt(20, 15), decodeSize(t, mem, prefix+"_n_0.png"))
	assert.Equal(t, image.Pt(10, 10), decodeSize(t, mem, prefix+"_n_1.png"))
}

func TestPool_Square(t *testing.T) {
	p, mem := newTestPool(t, PoolConfig{Mode: ModeSquare, Jitter: func(int) int { return 0 }})

	task := Task{
		Frame:   testutil.FieldFrame(9, 416, 320),
		FrameID: 9,
		Centres: []image.Point{{X: 100, Y: 100}, {X: 400, Y: 300}},
	}
	require.NoError(t, p.AddFrame(task))
	require.Eventually(t, func() bool { return p.Stats().Persisted == 2 }, time.Second, 5*time.Millisecond)

	for _, name := range mem.Files() {
		assert.Equal(t, image.Pt(200, 200), decodeSize(t, mem, name), path.Base(name))
	}
}

func TestPool_Backpressure(t *testing.T) {
	idx := &recordingIndexer{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	p, mem := newTestPool(t, PoolConfig{MaxQueue: 2, MaxWorkers: 1, Indexer: idx})

	frame := testutil.FieldFrame(1, 16, 16)
	require.NoError(t, p.AddFrame(Task{Frame: frame, FrameID: 1}))
	<-idx.entered // the only worker is now busy

	start := time.Now()
	require.NoError(t, p.AddFrame(Task{Frame: frame, FrameID: 2}))
	require.NoError(t, p.AddFrame(Task{Frame: frame, FrameID: 3}))
	err := p.AddFrame(Task{Frame: frame, FrameID: 4})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Less(t, time.Since(start), 100*time.Millisecond, "AddFrame must not block")

	st := p.Stats()
	assert.Equal(t, int64(1), st.Dropped)
	assert.Equal(t, 2, st.Queued)
	assert.Equal(t, 1, st.WorkersStarted)

	close(idx.gate)
	require.Eventually(t, func() bool { return p.Stats().Persisted == 3 }, time.Second, 5*time.Millisecond)
	assert.Len(t, mem.Files(), 3)
}

func TestPool_GrowsWorkersUpToMax(t *testing.T) {
	idx := &recordingIndexer{gate: make(chan struct{})}
	p, _ := newTestPool(t, PoolConfig{MaxQueue: 20, NewWorkerThreshold: 2, MaxWorkers: 3, Indexer: idx})
	defer close(idx.gate)

	frame := testutil.FieldFrame(1, 8, 8)
	for i := 0; i < 12; i++ {
		require.NoError(t, p.AddFrame(Task{Frame: frame, FrameID: i}))
	}
	require.Eventually(t, func() bool { return p.Stats().WorkersStarted == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, p.Stats().LiveWorkers)
}

func TestPool_PanicFailsOnlyThatTask(t *testing.T) {
	idx := &recordingIndexer{panicOn: 1}
	p, _ := newTestPool(t, PoolConfig{MaxWorkers: 1, Indexer: idx})

	frame := testutil.FieldFrame(1, 8, 8)
	for i := 0; i < 3; i++ {
		require.NoError(t, p.AddFrame(Task{Frame: frame, FrameID: i}))
	}
	require.Eventually(t, func() bool { return len(idx.Samples()) == 2 }, time.Second, 5*time.Millisecond)
	st := p.Stats()
	assert.Equal(t, int64(1), st.Failed)
	assert.Equal(t, 1, st.LiveWorkers)
}

func TestPool_WriteFailure(t *testing.T) {
	testutil.MuteLogs(t)
	p, err := NewPool(PoolConfig{FS: failingFS{fsutil.NewMemoryFileSystem()}, Dir: "/samples"})
	require.NoError(t, err)
	defer p.Stop()

	require.NoError(t, p.AddFrame(Task{Frame: testutil.FieldFrame(1, 8, 8), FrameID: 1}))
	require.Eventually(t, func() bool { return p.Stats().Failed == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, p.Stats().Persisted)
}

type failingFS struct{ *fsutil.MemoryFileSystem }

func (failingFS) WriteFile(string, []byte, os.FileMode) error { return errors.New("disk on fire") }

func TestPool_StopDiscardsQueue(t *testing.T) {
	idx := &recordingIndexer{gate: make(chan struct{}), honourCtx: true, entered: make(chan struct{}, 1)}
	p, _ := newTestPool(t, PoolConfig{MaxWorkers: 1, Indexer: idx})
	defer close(idx.gate)

	frame := testutil.FieldFrame(1, 8, 8)
	require.NoError(t, p.AddFrame(Task{Frame: frame, FrameID: 1}))
	<-idx.entered
	for i := 2; i <= 5; i++ {
		require.NoError(t, p.AddFrame(Task{Frame: frame, FrameID: i}))
	}

	p.Stop()
	p.Stop()

	st := p.Stats()
	assert.Equal(t, int64(4), st.Discarded)
	assert.Equal(t, 0, st.LiveWorkers)
	assert.Equal(t, 0, st.Abandoned)
	assert.False(t, p.Running())
	assert.ErrorIs(t, p.AddFrame(Task{Frame: frame, FrameID: 6}), ErrStopped)
}

func TestPool_TerminateAbandonsStuckWorker(t *testing.T) {
	idx := &recordingIndexer{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	p, _ := newTestPool(t, PoolConfig{MaxWorkers: 1, Indexer: idx, Clock: timeutil.RealClock{}})

	require.NoError(t, p.AddFrame(Task{Frame: testutil.FieldFrame(1, 8, 8), FrameID: 1}))
	<-idx.entered

	start := time.Now()
	p.Terminate()
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 450*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)

	st := p.Stats()
	assert.Equal(t, 1, st.Abandoned)
	assert.Equal(t, 1, st.LiveWorkers, "abandoned worker is still running")

	close(idx.gate)
	require.Eventually(t, func() bool { return p.Stats().LiveWorkers == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, p.Stats().Abandoned)
}

func TestPool_RejectsBadInput(t *testing.T) {
	_, err := NewPool(PoolConfig{FS: fsutil.NewMemoryFileSystem(), Mode: "crop"})
	assert.Error(t, err)

	p, _ := newTestPool(t, PoolConfig{})
	assert.Error(t, p.AddFrame(Task{FrameID: 1}))
}

func TestPool_AdminRoute(t *testing.T) {
	p, _ := newTestPool(t, PoolConfig{Mode: ModeBBox})
	mem := fsutil.NewMemoryFileSystem()
	mem.SetUsage(fsutil.Usage{Total: 100, Free: 25})
	storage := NewStorageMonitor(StorageMonitorConfig{FS: mem, Dir: "/samples"})
	_, err := storage.Check()
	require.NoError(t, err)

	mux := http.NewServeMux()
	p.AttachAdminRoutes(mux, storage)

	rec := testutil.NewTestRecorder()
	mux.ServeHTTP(rec, testutil.NewLocalRequest(http.MethodGet, "/debug/sampler", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	var body struct {
		Stats       Stats   `json:"stats"`
		Dir         string  `json:"dir"`
		StorageUsed float64 `json:"storage_used"`
		StorageFull bool    `json:"storage_full"`
	}
	require.NoError(t, json.NewDecoder(strings.NewReader(rec.Body.String())).Decode(&body))
	assert.Equal(t, "/samples", body.Dir)
	assert.InDelta(t, 0.75, body.StorageUsed, 1e-9)
	assert.False(t, body.StorageFull)
	assert.Equal(t, 1, body.Stats.WorkersStarted)
}
