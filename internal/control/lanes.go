// Package control runs the per-frame pipeline: read a frame, detect
// plants, map each detection to a relay lane and request actuation, and
// hand sampled frames to the archival pool.
package control

import (
	"fmt"
	"sort"
)

// Lane is the pixel range [Start, End) driven by one relay.
type Lane struct {
	Index int `json:"index"`
	Start int `json:"start"`
	End   int `json:"end"`
}

// Lanes partitions a frame width into equal relay lanes. Boundaries are
// computed once; Lookup uses the same table, so every pixel maps to
// exactly one lane.
type Lanes struct {
	width int
	lanes []Lane
}

// NewLanes splits [0, width) into count contiguous lanes. Lane i starts at
// int(i*width/count) and the last lane ends at width.
func NewLanes(width, count int) (*Lanes, error) {
	if count < 1 {
		return nil, fmt.Errorf("control: need at least one lane, got %d", count)
	}
	if width < count {
		return nil, fmt.Errorf("control: frame width %d is narrower than %d lanes", width, count)
	}
	laneWidth := float64(width) / float64(count)
	l := &Lanes{width: width, lanes: make([]Lane, count)}
	for i := range l.lanes {
		l.lanes[i] = Lane{Index: i, Start: int(float64(i) * laneWidth)}
	}
	for i := 0; i < count-1; i++ {
		l.lanes[i].End = l.lanes[i+1].Start
	}
	l.lanes[count-1].End = width
	return l, nil
}

// Lookup returns the lane containing pixel column x.
func (l *Lanes) Lookup(x int) (int, bool) {
	if x < 0 || x >= l.width {
		return 0, false
	}
	i := sort.Search(len(l.lanes), func(i int) bool { return l.lanes[i].End > x })
	return i, true
}

// Width returns the partitioned frame width.
func (l *Lanes) Width() int { return l.width }

// Len returns the number of lanes.
func (l *Lanes) Len() int { return len(l.lanes) }

// All returns a copy of the lane table.
func (l *Lanes) All() []Lane {
	return append([]Lane(nil), l.lanes...)
}
