// Package sampler archives selected frames to disk on a small pool of
// background workers so the control loop never waits on storage.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/banshee-data/spotspray/internal/gps"
	"github.com/banshee-data/spotspray/internal/video"
)

// Persistence modes.
const (
	ModeWhole  = "whole"
	ModeBBox   = "bbox"
	ModeSquare = "square"
)

var (
	// ErrStopped is returned by AddFrame after Stop or Terminate.
	ErrStopped = errors.New("sampler: pool stopped")
	// ErrQueueFull is returned by AddFrame when the task was dropped.
	ErrQueueFull = errors.New("sampler: queue full")
)

// Task is one frame submitted for archival. Boxes and Centres are only
// used by the bbox and square modes.
type Task struct {
	Frame   *video.Frame
	FrameID int
	Boxes   []image.Rectangle
	Centres []image.Point
	Fix     *gps.Fix
}

// Sample describes one persisted image.
type Sample struct {
	Path    string
	FrameID int
	Index   int // detection index, -1 for whole frames
	Mode    string
	Region  image.Rectangle
	Fix     *gps.Fix
	SavedAt time.Time
}

// Indexer records persisted samples, typically in the session database.
type Indexer interface {
	IndexSample(ctx context.Context, s Sample) error
}

const timestampLayout = "2006-01-02T150405.000Z"

// FileName returns the archive name for a frame or one of its detections.
// index < 0 names the whole frame.
func FileName(at time.Time, frameID, index int) string {
	ts := at.UTC().Format(timestampLayout)
	if index < 0 {
		return fmt.Sprintf("%s_frame_%d.png", ts, frameID)
	}
	return fmt.Sprintf("%s_frame_%d_n_%d.png", ts, frameID, index)
}

// ValidMode reports whether mode is a known persistence mode.
func ValidMode(mode string) bool {
	switch mode {
	case ModeWhole, ModeBBox, ModeSquare:
		return true
	}
	return false
}
