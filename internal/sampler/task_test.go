package sampler

import (
	"image"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFileName(t *testing.T) {
	at := time.Date(2026, 5, 4, 13, 2, 3, 456_000_000, time.FixedZone("CEST", 2*3600))
	assert.Equal(t, "2026-05-04T110203.456Z_frame_42.png", FileName(at, 42, -1))
	assert.Equal(t, "2026-05-04T110203.456Z_frame_42_n_3.png", FileName(at, 42, 3))
}

func TestSquareRegion(t *testing.T) {
	zero := func(int) int { return 0 }
	last := func(n int) int { return n - 1 }
	bounds := image.Rect(0, 0, 416, 320)

	tests := []struct {
		name   string
		centre image.Point
		jitter func(int) int
		want   image.Rectangle
	}{
		{"minimum offset", image.Pt(200, 150), zero, image.Rect(190, 120, 390, 320)},
		{"maximum offset", image.Pt(200, 150), last, image.Rect(101, 51, 301, 251)},
		{"clamped at origin", image.Pt(5, 5), zero, image.Rect(0, 0, 200, 200)},
		{"shifted back from right edge", image.Pt(410, 100), zero, image.Rect(216, 90, 416, 290)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := squareRegion(bounds, tt.centre, squareSide(bounds.Dy()), tt.jitter)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, 200, got.Dx())
			assert.Equal(t, 200, got.Dy())
		})
	}
}

func TestSquareRegion_ShortFrame(t *testing.T) {
	bounds := image.Rect(0, 0, 100, 16)
	side := squareSide(bounds.Dy())
	assert.Equal(t, 16, side)
	got := squareRegion(bounds, image.Pt(50, 8), side, func(int) int { panic("no jitter range") })
	assert.Equal(t, image.Rect(50, 0, 66, 16), got)
}

func TestValidMode(t *testing.T) {
	for _, m := range []string{ModeWhole, ModeBBox, ModeSquare} {
		assert.True(t, ValidMode(m), m)
	}
	assert.False(t, ValidMode("crop"))
}
