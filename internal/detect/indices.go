package detect

import "image"

// Colour-index algorithms.
const (
	AlgExG   = "exg"   // excess green, 2G-R-B
	AlgExGR  = "exgr"  // excess green minus excess red
	AlgMaxG  = "maxg"  // 24G-19R-2B scaled to the frame maximum
	AlgNExG  = "nexg"  // chromaticity-normalised excess green
	AlgExHSV = "exhsv" // nexg masked by an HSV band
	AlgHSV   = "hsv"   // HSV band only; already binary

	// AlgGoG selects the accelerator-backed model detector.
	AlgGoG = "gog"
)

func clip8(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return uint8(v)
}

func rgbAt(img *image.RGBA, x, y int) (r, g, b float64) {
	i := img.PixOffset(x, y)
	p := img.Pix[i : i+3 : i+3]
	return float64(p[0]), float64(p[1]), float64(p[2])
}

// exg computes 2G-R-B clipped to [0,255].
func exg(img *image.RGBA) []uint8 {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	out := make([]uint8, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b := rgbAt(img, x, y)
			out[y*w+x] = clip8(2*g - r - b)
		}
	}
	return out
}

// exgr computes ExG - (1.4R - G) clipped to [0,255].
func exgr(img *image.RGBA) []uint8 {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	base := exg(img)
	out := make([]uint8, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, _ := rgbAt(img, x, y)
			out[y*w+x] = clip8(float64(base[y*w+x]) - (1.4*r - g))
		}
	}
	return out
}

// maxg computes 24G-19R-2B scaled so the frame maximum maps to 255.
func maxg(img *image.RGBA) []uint8 {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	raw := make([]float64, w*h)
	max := 0.0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b := rgbAt(img, x, y)
			v := 24*g - 19*r - 2*b
			raw[y*w+x] = v
			if v > max {
				max = v
			}
		}
	}
	out := make([]uint8, w*h)
	if max <= 0 {
		return out
	}
	for i, v := range raw {
		out[i] = clip8(v / max * 255)
	}
	return out
}

// nexg computes 255*(2g-r-b) on chromaticity coordinates.
func nexg(img *image.RGBA) []uint8 {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	out := make([]uint8, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b := rgbAt(img, x, y)
			sum := r + g + b
			if sum == 0 {
				sum = 1
			}
			out[y*w+x] = clip8(255 * (2*g - r - b) / sum)
		}
	}
	return out
}

// toHSV converts to hue 0-179, saturation and value 0-255.
func toHSV(r, g, b float64) (h, s, v float64) {
	max, min := r, r
	if g > max {
		max = g
	}
	if b > max {
		max = b
	}
	if g < min {
		min = g
	}
	if b < min {
		min = b
	}
	v = max
	if max == 0 {
		return 0, 0, 0
	}
	delta := max - min
	s = 255 * delta / max
	if delta == 0 {
		return 0, s, v
	}
	switch max {
	case r:
		h = 60 * (g - b) / delta
	case g:
		h = 120 + 60*(b-r)/delta
	default:
		h = 240 + 60*(r-g)/delta
	}
	if h < 0 {
		h += 360
	}
	return h / 2, s, v
}

func inBand(v float64, lo, hi int) bool {
	return v >= float64(lo) && v <= float64(hi)
}

// hsvMask returns 255 where the pixel lies inside every HSV band.
func hsvMask(img *image.RGBA, th Thresholds) []uint8 {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	out := make([]uint8, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			hue, sat, val := toHSV(rgbAt(img, x, y))
			hueOK := inBand(hue, th.HueMin, th.HueMax)
			if th.InvertHue {
				hueOK = !hueOK
			}
			if hueOK && inBand(sat, th.SaturationMin, th.SaturationMax) && inBand(val, th.BrightnessMin, th.BrightnessMax) {
				out[y*w+x] = 255
			}
		}
	}
	return out
}

// exhsv keeps nexg only where the HSV band matches.
func exhsv(img *image.RGBA, th Thresholds) []uint8 {
	out := nexg(img)
	mask := hsvMask(img, th)
	for i := range out {
		out[i] &= mask[i]
	}
	return out
}
