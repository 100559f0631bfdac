package sampler

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/spotspray/internal/fsutil"
	"github.com/banshee-data/spotspray/internal/monitoring"
	"github.com/banshee-data/spotspray/internal/timeutil"
)

const (
	defaultMaxQueue           = 200
	defaultNewWorkerThreshold = 90
	defaultMaxWorkers         = 4
	defaultPollTimeout        = 3 * time.Second
	stopWait                  = time.Second
	terminateWait             = 500 * time.Millisecond
)

// PoolConfig configures a Pool.
type PoolConfig struct {
	FS                 fsutil.FileSystem // defaults to OSFileSystem
	Dir                string
	Mode               string // whole, bbox or square
	MaxQueue           int    // default 200
	NewWorkerThreshold int    // queue depth that starts another worker, default 90
	MaxWorkers         int    // default 4
	Clock              timeutil.Clock
	Indexer            Indexer
	// PollTimeout bounds how long an idle worker waits for a task before
	// re-checking whether the pool is still running. Default 3s.
	PollTimeout time.Duration
	// Jitter returns a value in [0,n) for square-mode placement.
	Jitter func(n int) int
}

// Stats counts pool events since start.
type Stats struct {
	Queued         int   `json:"queued"`
	Submitted      int64 `json:"submitted"`
	Dropped        int64 `json:"dropped"`
	Discarded      int64 `json:"discarded"`
	Persisted      int64 `json:"persisted"`
	Failed         int64 `json:"failed"`
	IndexErrors    int64 `json:"index_errors"`
	LiveWorkers    int   `json:"live_workers"`
	WorkersStarted int   `json:"workers_started"`
	Abandoned      int   `json:"abandoned"`
}

// Pool persists frames on background workers. AddFrame never blocks: when
// the queue is full the task is dropped. Workers are added as the queue
// grows, up to MaxWorkers.
type Pool struct {
	cfg     PoolConfig
	queue   chan Task
	ctx     context.Context
	cancel  context.CancelFunc
	running atomic.Bool

	mu        sync.Mutex
	wg        sync.WaitGroup
	live      int
	started   int
	abandoned int
	stopOnce  sync.Once

	submitted   atomic.Int64
	dropped     atomic.Int64
	discarded   atomic.Int64
	persisted   atomic.Int64
	failed      atomic.Int64
	indexErrors atomic.Int64
}

// NewPool creates a Pool and starts its first worker.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.FS == nil {
		cfg.FS = fsutil.OSFileSystem{}
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeWhole
	}
	if !ValidMode(cfg.Mode) {
		return nil, fmt.Errorf("sampler: unknown mode %q", cfg.Mode)
	}
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = defaultMaxQueue
	}
	if cfg.NewWorkerThreshold <= 0 {
		cfg.NewWorkerThreshold = defaultNewWorkerThreshold
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = defaultMaxWorkers
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.Jitter == nil {
		cfg.Jitter = rand.IntN
	}
	if err := cfg.FS.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("sampler: create %s: %w", cfg.Dir, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:    cfg,
		queue:  make(chan Task, cfg.MaxQueue),
		ctx:    ctx,
		cancel: cancel,
	}
	p.running.Store(true)
	p.startWorker()
	return p, nil
}

// startWorker adds a worker unless the pool is at MaxWorkers.
func (p *Pool) startWorker() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.live >= p.cfg.MaxWorkers {
		return false
	}
	p.live++
	p.started++
	p.wg.Add(1)
	go p.work()
	monitoring.Logf("[sampler] started worker, %d running", p.live)
	return true
}

// AddFrame queues t for persistence without blocking.
func (p *Pool) AddFrame(t Task) error {
	if !p.running.Load() {
		return ErrStopped
	}
	if t.Frame == nil || t.Frame.Image == nil {
		return fmt.Errorf("sampler: frame %d has no image", t.FrameID)
	}
	select {
	case p.queue <- t:
		p.submitted.Add(1)
	default:
		n := p.dropped.Add(1)
		monitoring.Logf("[sampler] queue full, frame %d skipped (%d dropped)", t.FrameID, n)
		p.maybeGrow()
		return ErrQueueFull
	}
	p.maybeGrow()
	return nil
}

func (p *Pool) maybeGrow() {
	if len(p.queue) > p.cfg.NewWorkerThreshold {
		p.startWorker()
	}
}

func (p *Pool) work() {
	defer func() {
		p.mu.Lock()
		p.live--
		p.mu.Unlock()
		p.wg.Done()
	}()
	for {
		timer := p.cfg.Clock.NewTimer(p.cfg.PollTimeout)
		select {
		case <-p.ctx.Done():
			timer.Stop()
			return
		case t := <-p.queue:
			timer.Stop()
			if !p.running.Load() {
				p.discarded.Add(1)
				continue
			}
			p.persistSafe(t)
		case <-timer.C():
			if !p.running.Load() {
				return
			}
		}
	}
}

// persistSafe persists one task; a panic fails only that task.
func (p *Pool) persistSafe(t Task) {
	defer func() {
		if r := recover(); r != nil {
			p.failed.Add(1)
			monitoring.Logf("[sampler] panic persisting frame %d: %v", t.FrameID, r)
		}
	}()
	if err := p.persist(t); err != nil {
		p.failed.Add(1)
		monitoring.Logf("[sampler] frame %d: %v", t.FrameID, err)
	}
}

func (p *Pool) persist(t Task) error {
	now := p.cfg.Clock.Now()
	for _, r := range regions(p.cfg.Mode, t, p.cfg.Jitter) {
		path := filepath.Join(p.cfg.Dir, FileName(now, t.FrameID, r.index))
		if err := p.writePNG(path, t.Frame.Image.SubImage(r.rect)); err != nil {
			return err
		}
		p.persisted.Add(1)
		if p.cfg.Indexer == nil {
			continue
		}
		s := Sample{
			Path:    path,
			FrameID: t.FrameID,
			Index:   r.index,
			Mode:    p.cfg.Mode,
			Region:  r.rect,
			Fix:     t.Fix,
			SavedAt: now,
		}
		if err := p.cfg.Indexer.IndexSample(p.ctx, s); err != nil {
			p.indexErrors.Add(1)
			monitoring.Logf("[sampler] index %s: %v", path, err)
		}
	}
	return nil
}

func (p *Pool) writePNG(path string, img image.Image) error {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := p.cfg.FS.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Stop stops accepting tasks, discards anything still queued and waits up
// to one second for workers to finish their current task. Workers still
// busy after that are abandoned. Stop and Terminate are idempotent and
// only the first call has any effect.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.running.Store(false)
		p.drain()
		p.cancel()
		p.waitWorkers(stopWait)
		monitoring.Logf("[sampler] stopped")
	})
}

// Terminate stops the pool without draining and waits at most 500ms.
func (p *Pool) Terminate() {
	p.stopOnce.Do(func() {
		p.running.Store(false)
		p.cancel()
		p.waitWorkers(terminateWait)
		monitoring.Logf("[sampler] terminated")
	})
}

func (p *Pool) drain() {
	for {
		select {
		case <-p.queue:
			p.discarded.Add(1)
		default:
			return
		}
	}
}

func (p *Pool) waitWorkers(limit time.Duration) {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-p.cfg.Clock.After(limit):
		p.mu.Lock()
		p.abandoned = p.live
		p.mu.Unlock()
		monitoring.Logf("[sampler] abandoning %d busy workers", p.abandoned)
	}
}

// Stats returns a snapshot of the pool counters. LiveWorkers includes
// workers abandoned by Stop or Terminate until their task returns;
// Abandoned is how many were still busy when the wait ran out.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	live, started, abandoned := p.live, p.started, p.abandoned
	p.mu.Unlock()
	return Stats{
		Queued:         len(p.queue),
		Submitted:      p.submitted.Load(),
		Dropped:        p.dropped.Load(),
		Discarded:      p.discarded.Load(),
		Persisted:      p.persisted.Load(),
		Failed:         p.failed.Load(),
		IndexErrors:    p.indexErrors.Load(),
		LiveWorkers:    live,
		WorkersStarted: started,
		Abandoned:      abandoned,
	}
}

// Running reports whether the pool still accepts tasks.
func (p *Pool) Running() bool { return p.running.Load() }
