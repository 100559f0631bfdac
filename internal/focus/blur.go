// Package focus scores camera sharpness so an operator can focus the lens
// in the field.
package focus

import (
	"image"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/stat"
)

// DefaultCutoff is the half-width of the low-frequency block removed before
// scoring.
const DefaultCutoff = 30

// minMagnitude floors |recon| so the log stays finite on flat images.
const minMagnitude = 1e-9

// Grey converts img to luma, row-major, using the BT.601 weights.
func Grey(img *image.RGBA) (pix []float64, w, h int) {
	b := img.Bounds()
	w, h = b.Dx(), b.Dy()
	pix = make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := img.PixOffset(b.Min.X+x, b.Min.Y+y)
			r, g, bl := float64(img.Pix[i]), float64(img.Pix[i+1]), float64(img.Pix[i+2])
			pix[y*w+x] = 0.299*r + 0.587*g + 0.114*bl
		}
	}
	return pix, w, h
}

// BlurScore returns the mean log magnitude of img after its low
// frequencies are removed. Sharper images score higher. A square of
// 2*cutoff coefficients around the spectrum centre is zeroed.
func BlurScore(img *image.RGBA, cutoff int) float64 {
	grey, w, h := Grey(img)
	if w == 0 || h == 0 {
		return 0
	}

	data := make([]complex128, w*h)
	for i, v := range grey {
		data[i] = complex(v, 0)
	}

	rows := fourier.NewCmplxFFT(w)
	cols := fourier.NewCmplxFFT(h)
	transform2D(data, w, h, rows, cols, true)

	y0, y1 := clampRange(h/2-cutoff, h/2+cutoff, h)
	x0, x1 := clampRange(w/2-cutoff, w/2+cutoff, w)
	for sy := y0; sy < y1; sy++ {
		ky := cols.ShiftIdx(sy)
		for sx := x0; sx < x1; sx++ {
			data[ky*w+rows.ShiftIdx(sx)] = 0
		}
	}

	transform2D(data, w, h, rows, cols, false)

	n := float64(w * h)
	mags := make([]float64, len(data))
	for i, c := range data {
		mags[i] = 20 * math.Log(math.Max(cmplx.Abs(c)/n, minMagnitude))
	}
	return stat.Mean(mags, nil)
}

// transform2D runs a row pass then a column pass in place.
func transform2D(data []complex128, w, h int, rows, cols *fourier.CmplxFFT, forward bool) {
	for y := 0; y < h; y++ {
		row := data[y*w : (y+1)*w]
		if forward {
			rows.Coefficients(row, row)
		} else {
			rows.Sequence(row, row)
		}
	}
	col := make([]complex128, h)
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			col[y] = data[y*w+x]
		}
		if forward {
			cols.Coefficients(col, col)
		} else {
			cols.Sequence(col, col)
		}
		for y := 0; y < h; y++ {
			data[y*w+x] = col[y]
		}
	}
}

func clampRange(lo, hi, n int) (int, int) {
	if lo < 0 {
		lo = 0
	}
	if hi > n {
		hi = n
	}
	return lo, hi
}
