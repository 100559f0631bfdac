package sampler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/spotspray/internal/fsutil"
	"github.com/banshee-data/spotspray/internal/testutil"
	"github.com/banshee-data/spotspray/internal/timeutil"
)

func TestStorageMonitor_LatchesFull(t *testing.T) {
	testutil.MuteLogs(t)
	mem := fsutil.NewMemoryFileSystem()
	mem.SetUsage(fsutil.Usage{Total: 1000, Free: 500})
	clock := timeutil.NewMockClock(t0)

	m := NewStorageMonitor(StorageMonitorConfig{FS: mem, Dir: "/samples", Clock: clock})
	m.Start(context.Background())
	defer m.Stop()

	assert.False(t, m.Full())
	assert.InDelta(t, 0.5, m.UsedFraction(), 1e-9)

	mem.SetUsage(fsutil.Usage{Total: 1000, Free: 100})
	clock.Advance(10 * time.Second)
	assert.False(t, m.Full(), "polled before the interval elapsed")

	clock.Advance(500 * time.Millisecond)
	require.Eventually(t, m.Full, time.Second, 5*time.Millisecond)

	// Full stays latched even if space is freed.
	mem.SetUsage(fsutil.Usage{Total: 1000, Free: 900})
	full, err := m.Check()
	require.NoError(t, err)
	assert.True(t, full)
}

func TestStorageMonitor_Threshold(t *testing.T) {
	testutil.MuteLogs(t)
	mem := fsutil.NewMemoryFileSystem()
	m := NewStorageMonitor(StorageMonitorConfig{FS: mem, FullAt: 0.5})

	mem.SetUsage(fsutil.Usage{Total: 100, Free: 51})
	full, err := m.Check()
	require.NoError(t, err)
	assert.False(t, full)

	mem.SetUsage(fsutil.Usage{Total: 100, Free: 50})
	full, err = m.Check()
	require.NoError(t, err)
	assert.True(t, full, "reaching the threshold counts as full")
}

func TestStorageMonitor_StopBeforeStart(t *testing.T) {
	m := NewStorageMonitor(StorageMonitorConfig{FS: fsutil.NewMemoryFileSystem()})
	m.Stop()
	m.Start(context.Background())
	m.Start(context.Background())
	m.Stop()
}
