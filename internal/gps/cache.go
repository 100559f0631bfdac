// Package gps ingests NMEA position sentences from a GNSS receiver and
// keeps the latest fix available to the control loop.
package gps

import (
	"fmt"
	"sync"
	"time"
)

// Fix is a position observation.
type Fix struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Quality    int       `json:"quality"`
	ObservedAt time.Time `json:"observed_at"`
}

func (f Fix) String() string {
	return fmt.Sprintf("%.7f,%.7f q=%d @%s", f.Latitude, f.Longitude, f.Quality, f.ObservedAt.Format(time.RFC3339))
}

// Cache holds the most recent fix. It has a single writer (the ingester)
// and any number of readers; a reader never sees a partially updated fix.
type Cache struct {
	mu  sync.RWMutex
	fix Fix
	ok  bool
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{}
}

// Update replaces the cached fix.
func (c *Cache) Update(f Fix) {
	c.mu.Lock()
	c.fix = f
	c.ok = true
	c.mu.Unlock()
}

// Snapshot returns the latest fix. ok is false until the first fix arrives.
func (c *Cache) Snapshot() (fix Fix, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fix, c.ok
}
