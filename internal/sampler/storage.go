package sampler

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/spotspray/internal/fsutil"
	"github.com/banshee-data/spotspray/internal/monitoring"
	"github.com/banshee-data/spotspray/internal/timeutil"
)

const (
	defaultStorageInterval = 10500 * time.Millisecond
	defaultFullAt          = 0.9
)

// StorageMonitorConfig configures a StorageMonitor.
type StorageMonitorConfig struct {
	FS       fsutil.FileSystem
	Dir      string
	FullAt   float64       // used fraction treated as full, default 0.9
	Interval time.Duration // poll period, default 10.5s
	Clock    timeutil.Clock
}

// StorageMonitor polls the volume holding the sample directory and latches
// Full once usage reaches the threshold.
type StorageMonitor struct {
	cfg  StorageMonitorConfig
	full atomic.Bool
	used atomic.Uint64 // math.Float64bits of the last used fraction

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewStorageMonitor creates a monitor. Call Start to begin polling.
func NewStorageMonitor(cfg StorageMonitorConfig) *StorageMonitor {
	if cfg.FS == nil {
		cfg.FS = fsutil.OSFileSystem{}
	}
	if cfg.FullAt <= 0 || cfg.FullAt > 1 {
		cfg.FullAt = defaultFullAt
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultStorageInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &StorageMonitor{cfg: cfg}
}

// Check polls usage once and reports whether the volume is full.
func (m *StorageMonitor) Check() (bool, error) {
	u, err := m.cfg.FS.Usage(m.cfg.Dir)
	if err != nil {
		return m.full.Load(), err
	}
	frac := u.UsedFraction()
	m.used.Store(math.Float64bits(frac))
	if frac >= m.cfg.FullAt && !m.full.Swap(true) {
		monitoring.Logf("[sampler] storage %s is %.0f%% full, sampling disabled", m.cfg.Dir, frac*100)
	}
	return m.full.Load(), nil
}

// Full reports whether the volume reached the threshold.
func (m *StorageMonitor) Full() bool { return m.full.Load() }

// UsedFraction returns the most recent usage reading.
func (m *StorageMonitor) UsedFraction() float64 {
	return math.Float64frombits(m.used.Load())
}

// Start checks once and then polls every Interval until Stop or ctx ends.
func (m *StorageMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	ticker := m.cfg.Clock.NewTicker(m.cfg.Interval)

	if _, err := m.Check(); err != nil {
		monitoring.Logf("[sampler] storage check failed: %v", err)
	}
	go func() {
		defer close(m.done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				if _, err := m.Check(); err != nil {
					monitoring.Logf("[sampler] storage check failed: %v", err)
				}
			}
		}
	}()
}

// Stop ends polling. It is safe to call before Start or more than once.
func (m *StorageMonitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
