// Package testutil provides shared test utilities and fixtures: synthetic
// field frames, a scripted frame source and log muting.
package testutil

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/spotspray/internal/monitoring"
	"github.com/banshee-data/spotspray/internal/video"
)

var (
	// Soil is the bare-ground colour of synthetic frames.
	Soil = color.RGBA{R: 120, G: 90, B: 60, A: 255}
	// Leaf is the plant colour painted onto synthetic frames.
	Leaf = color.RGBA{R: 70, G: 150, B: 50, A: 255}
)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// NewTestRecorder creates a test response recorder.
func NewTestRecorder() *httptest.ResponseRecorder {
	return httptest.NewRecorder()
}

// NewTestRequest creates a test HTTP request.
func NewTestRequest(method, path string) *http.Request {
	return httptest.NewRequest(method, path, nil)
}

// NewLocalRequest creates a request from loopback, which tsweb debug
// handlers require.
func NewLocalRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

// MuteLogs silences monitoring.Logf for the duration of the test.
func MuteLogs(t testing.TB) {
	t.Helper()
	prev := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.Logf = prev })
}

// SoilImage returns a w×h image of bare soil.
func SoilImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, Soil)
		}
	}
	return img
}

// PaintPlant fills r with leaf green.
func PaintPlant(img *image.RGBA, r image.Rectangle) {
	r = r.Intersect(img.Bounds())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.SetRGBA(x, y, Leaf)
		}
	}
}

// FieldFrame returns a soil frame with a plant in each rectangle.
func FieldFrame(seq uint64, w, h int, plants ...image.Rectangle) *video.Frame {
	img := SoilImage(w, h)
	for _, p := range plants {
		PaintPlant(img, p)
	}
	return &video.Frame{Seq: seq, Image: img, CapturedAt: time.Unix(0, 0).Add(time.Duration(seq) * time.Millisecond)}
}

// EncodePNG encodes img, failing the test on error.
func EncodePNG(t testing.TB, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// SliceSource replays frames, then returns Err (io.EOF when nil).
type SliceSource struct {
	mu      sync.Mutex
	Frames  []*video.Frame
	Err     error
	stopped bool
	reads   int
}

// NewSliceSource returns a source over frames.
func NewSliceSource(frames ...*video.Frame) *SliceSource {
	return &SliceSource{Frames: frames}
}

func (s *SliceSource) Read() (*video.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.stopped {
		return nil, io.EOF
	}
	if len(s.Frames) == 0 {
		if s.Err != nil {
			return nil, s.Err
		}
		return nil, io.EOF
	}
	f := s.Frames[0]
	s.Frames = s.Frames[1:]
	return f, nil
}

func (s *SliceSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

// Stopped reports whether Stop was called.
func (s *SliceSource) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Reads reports how many times Read was called.
func (s *SliceSource) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}
