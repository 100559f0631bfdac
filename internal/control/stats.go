package control

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// FPSReport summarises the frames processed since the previous report.
type FPSReport struct {
	At              time.Time     `json:"at"`
	Frames          int           `json:"frames"`
	FPS             float64       `json:"fps"`
	MeanFrameTime   time.Duration `json:"mean_frame_time"`
	FrameTimeStdDev time.Duration `json:"frame_time_stddev"`
	Detections      int64         `json:"detections"`
	Actuations      int64         `json:"actuations"`
}

// FrameStats accumulates per-frame counters between reports.
type FrameStats struct {
	mu         sync.Mutex
	start      time.Time
	last       time.Time
	frames     int
	detections int64
	actuations int64
	intervals  []float64 // seconds between consecutive frames
}

// NewFrameStats starts counting at now.
func NewFrameStats(now time.Time) *FrameStats {
	return &FrameStats{start: now, last: now}
}

// Frame records one processed frame finishing at at.
func (s *FrameStats) Frame(at time.Time, detections, actuations int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intervals = append(s.intervals, at.Sub(s.last).Seconds())
	s.last = at
	s.frames++
	s.detections += int64(detections)
	s.actuations += int64(actuations)
}

// GetAndReset returns the report for the current period and starts a new
// one at now.
func (s *FrameStats) GetAndReset(now time.Time) FPSReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := FPSReport{
		At:         now,
		Frames:     s.frames,
		Detections: s.detections,
		Actuations: s.actuations,
	}
	if elapsed := now.Sub(s.start).Seconds(); elapsed > 0 {
		r.FPS = float64(s.frames) / elapsed
	}
	switch len(s.intervals) {
	case 0:
	case 1:
		r.MeanFrameTime = seconds(s.intervals[0])
	default:
		mean, std := stat.MeanStdDev(s.intervals, nil)
		r.MeanFrameTime = seconds(mean)
		r.FrameTimeStdDev = seconds(std)
	}
	s.start, s.last = now, now
	s.frames = 0
	s.detections, s.actuations = 0, 0
	s.intervals = s.intervals[:0]
	return r
}

// Snapshot returns the current period without resetting it.
func (s *FrameStats) Snapshot(now time.Time) (frames int, fps float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if elapsed := now.Sub(s.start).Seconds(); elapsed > 0 {
		fps = float64(s.frames) / elapsed
	}
	return s.frames, fps
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
