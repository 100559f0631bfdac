package focus

import (
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func checkerboard(w, h, cell int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBA{A: 255}
			if (x/cell+y/cell)%2 == 0 {
				c = color.RGBA{R: 255, G: 255, B: 255, A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

// boxBlur averages each pixel with its (2r+1)^2 neighbourhood.
func boxBlur(src *image.RGBA, r int) *image.RGBA {
	b := src.Bounds()
	out := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			var sum, n int
			for dy := -r; dy <= r; dy++ {
				for dx := -r; dx <= r; dx++ {
					p := image.Pt(x+dx, y+dy)
					if !p.In(b) {
						continue
					}
					sum += int(src.RGBAAt(p.X, p.Y).R)
					n++
				}
			}
			v := uint8(sum / n)
			out.SetRGBA(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	return out
}

func TestBlurScore_SharperScoresHigher(t *testing.T) {
	sharp := checkerboard(96, 64, 2)
	blurred := boxBlur(sharp, 3)

	s := BlurScore(sharp, 10)
	b := BlurScore(blurred, 10)
	assert.Greater(t, s, b, "sharp=%f blurred=%f", s, b)
}

func TestBlurScore_FlatImageIsFinite(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	score := BlurScore(img, DefaultCutoff)
	assert.False(t, math.IsInf(score, 0) || math.IsNaN(score), "score = %f", score)
}

func TestBlurScore_Empty(t *testing.T) {
	assert.Zero(t, BlurScore(image.NewRGBA(image.Rect(0, 0, 0, 0)), DefaultCutoff))
}

func TestGrey(t *testing.T) {
	img := image.NewRGBA(image.Rect(2, 3, 4, 4))
	img.SetRGBA(2, 3, color.RGBA{R: 255, A: 255})
	img.SetRGBA(3, 3, color.RGBA{G: 255, A: 255})

	pix, w, h := Grey(img)
	assert.Equal(t, 2, w)
	assert.Equal(t, 1, h)
	assert.InDelta(t, 0.299*255, pix[0], 1e-9)
	assert.InDelta(t, 0.587*255, pix[1], 1e-9)
}

func TestTracker(t *testing.T) {
	var tr Tracker
	assert.Equal(t, Summary{}, tr.Report())

	tr.Add(10)
	assert.Equal(t, Summary{Samples: 1, Mean: 10, Best: 10}, tr.Report())

	tr.Add(2)
	tr.Add(4)
	s := tr.Report()
	assert.Equal(t, 2, s.Samples)
	assert.InDelta(t, 3, s.Mean, 1e-9)
	assert.InDelta(t, math.Sqrt2, s.StdDev, 1e-9)
	assert.Equal(t, 10.0, s.Best)

	assert.Equal(t, 0, tr.Report().Samples)
}
