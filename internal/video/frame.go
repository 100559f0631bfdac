// Package video supplies frames to the control loop.
package video

import (
	"image"
	"image/draw"
	"time"
)

// Frame is one captured image. It is not modified after the source hands
// it out, so it may be shared with the archival workers.
type Frame struct {
	Seq        uint64
	Image      *image.RGBA
	CapturedAt time.Time
}

// Width returns the frame width in pixels.
func (f *Frame) Width() int { return f.Image.Bounds().Dx() }

// Height returns the frame height in pixels.
func (f *Frame) Height() int { return f.Image.Bounds().Dy() }

// Source yields frames in order. Read returns io.EOF at end of stream.
type Source interface {
	Read() (*Frame, error)
	Stop() error
}

// ToRGBA converts img to an *image.RGBA with bounds starting at (0,0).
func ToRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	if rgba, ok := img.(*image.RGBA); ok && b.Min == (image.Point{}) {
		return rgba
	}
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}
