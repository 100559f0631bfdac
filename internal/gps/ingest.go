package gps

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/spotspray/internal/monitoring"
	"github.com/banshee-data/spotspray/internal/timeutil"
)

const (
	defaultBackoff  = time.Second
	defaultReadSize = 1024
	// maxPending bounds buffered bytes that contain no sentence delimiter.
	maxPending = 4096
)

// IngesterConfig configures an Ingester.
type IngesterConfig struct {
	Dialer   Dialer
	Cache    *Cache
	Clock    timeutil.Clock // defaults to RealClock
	Backoff  time.Duration  // wait between reconnect attempts, default 1s
	ReadSize int            // bytes per read, default 1024
}

// IngestStats counts ingestion events since start.
type IngestStats struct {
	Sentences   int64 `json:"sentences"`
	Fixes       int64 `json:"fixes"`
	ParseErrors int64 `json:"parse_errors"`
	Connects    int64 `json:"connects"`
	Disconnects int64 `json:"disconnects"`
	Overflows   int64 `json:"overflows"`
}

// Ingester keeps a connection to a GNSS source open, reconnecting as
// needed, and writes every GGA fix into its Cache. It is the cache's only
// writer.
type Ingester struct {
	dialer   Dialer
	cache    *Cache
	clock    timeutil.Clock
	backoff  time.Duration
	readSize int

	mu     sync.Mutex
	conn   io.ReadCloser
	cancel context.CancelFunc
	done   chan struct{}

	pending []byte

	sentences   atomic.Int64
	fixes       atomic.Int64
	parseErrors atomic.Int64
	connects    atomic.Int64
	disconnects atomic.Int64
	overflows   atomic.Int64
}

// NewIngester creates an Ingester. Call Start to begin reading.
func NewIngester(cfg IngesterConfig) *Ingester {
	if cfg.Cache == nil {
		cfg.Cache = NewCache()
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.ReadSize <= 0 {
		cfg.ReadSize = defaultReadSize
	}
	return &Ingester{
		dialer:   cfg.Dialer,
		cache:    cfg.Cache,
		clock:    cfg.Clock,
		backoff:  cfg.Backoff,
		readSize: cfg.ReadSize,
	}
}

// Cache returns the cache this ingester writes to.
func (g *Ingester) Cache() *Cache { return g.cache }

// Stats returns a snapshot of the ingestion counters.
func (g *Ingester) Stats() IngestStats {
	return IngestStats{
		Sentences:   g.sentences.Load(),
		Fixes:       g.fixes.Load(),
		ParseErrors: g.parseErrors.Load(),
		Connects:    g.connects.Load(),
		Disconnects: g.disconnects.Load(),
		Overflows:   g.overflows.Load(),
	}
}

// Start runs the ingestion loop on its own goroutine until Stop is called
// or ctx is cancelled. Calling Start twice has no effect.
func (g *Ingester) Start(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done != nil {
		return
	}
	ctx, g.cancel = context.WithCancel(ctx)
	g.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		g.Run(ctx)
	}(g.done)
}

// Stop cancels the loop, closes any open connection to unblock a pending
// read, and waits for the loop to exit. Safe to call more than once, and
// before Start.
func (g *Ingester) Stop() {
	g.mu.Lock()
	cancel, done := g.cancel, g.done
	g.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	g.closeConn()
	<-done
}

// Run reads from the source until ctx is done. Connection and read errors
// are logged and retried; Run only returns on cancellation.
func (g *Ingester) Run(ctx context.Context) {
	buf := make([]byte, g.readSize)
	defer g.closeConn()

	for {
		if ctx.Err() != nil {
			return
		}

		conn := g.currentConn()
		if conn == nil {
			if !g.connect(ctx) {
				if !g.wait(ctx) {
					return
				}
				continue
			}
			conn = g.currentConn()
			if conn == nil {
				return
			}
		}

		n, err := conn.Read(buf)
		if n > 0 {
			g.consume(buf[:n])
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				monitoring.Logf("[gps] %s closed the connection", g.dialer)
			} else {
				monitoring.Logf("[gps] read error from %s: %v", g.dialer, err)
			}
			g.disconnects.Add(1)
			g.closeConn()
			if !g.wait(ctx) {
				return
			}
		}
	}
}

// connect dials the source and installs the connection. It reports
// whether a connection is now open.
func (g *Ingester) connect(ctx context.Context) bool {
	conn, err := g.dialer.Dial(ctx)
	if err != nil {
		monitoring.Logf("[gps] connect failed: %v", err)
		return false
	}

	g.mu.Lock()
	if ctx.Err() != nil {
		g.mu.Unlock()
		conn.Close()
		return false
	}
	g.conn = conn
	g.mu.Unlock()

	g.pending = g.pending[:0]
	g.connects.Add(1)
	monitoring.Logf("[gps] connected to %s", g.dialer)
	return true
}

func (g *Ingester) currentConn() io.ReadCloser {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conn
}

func (g *Ingester) closeConn() {
	g.mu.Lock()
	conn := g.conn
	g.conn = nil
	g.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// wait sleeps for the backoff interval; it returns false if ctx ended first.
func (g *Ingester) wait(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-g.clock.After(g.backoff):
		return true
	}
}

// consume appends data to the pending buffer and handles every sentence
// completed by a '$' delimiter. The trailing partial sentence stays
// buffered until its successor's '$' arrives.
func (g *Ingester) consume(data []byte) {
	g.pending = append(g.pending, data...)
	for {
		i := bytes.IndexByte(g.pending, '$')
		if i < 0 {
			break
		}
		segment := string(g.pending[:i])
		n := copy(g.pending, g.pending[i+1:])
		g.pending = g.pending[:n]
		g.handle(segment)
	}
	if len(g.pending) > maxPending {
		g.overflows.Add(1)
		monitoring.Logf("[gps] discarding %d bytes without a sentence delimiter", len(g.pending))
		g.pending = g.pending[:0]
	}
}

func (g *Ingester) handle(segment string) {
	segment = strings.TrimSpace(segment)
	if segment == "" {
		return
	}
	s, err := ParseSentence("$" + segment)
	if err != nil {
		g.parseErrors.Add(1)
		monitoring.Logf("[gps] parse error: %v", err)
		return
	}
	g.sentences.Add(1)
	if s.Type != "GGA" {
		return
	}

	gga, err := ParseGGA(s)
	if errors.Is(err, ErrNoFix) {
		return
	}
	if err != nil {
		g.parseErrors.Add(1)
		monitoring.Logf("[gps] parse error: %v", err)
		return
	}
	g.cache.Update(Fix{
		Latitude:   gga.Latitude,
		Longitude:  gga.Longitude,
		Quality:    gga.Quality,
		ObservedAt: g.clock.Now(),
	})
	g.fixes.Add(1)
}
