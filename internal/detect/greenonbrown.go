package detect

import (
	"errors"
	"image"
	"image/color"
	"sort"

	"github.com/banshee-data/spotspray/internal/video"
)

// GreenOnBrown detects green vegetation against soil with a colour index,
// a band threshold, a morphological close and connected components.
type GreenOnBrown struct {
	Algorithm string
	Annotate  bool
}

// NewGreenOnBrown returns a detector for one of the colour-index algorithms.
func NewGreenOnBrown(algorithm string) *GreenOnBrown {
	return &GreenOnBrown{Algorithm: algorithm}
}

// Inference implements Detector.
func (d *GreenOnBrown) Inference(f *video.Frame, th Thresholds) (Result, error) {
	if f == nil || f.Image == nil {
		return Result{}, errors.New("detect: nil frame")
	}
	img := f.Image
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if w == 0 || h == 0 {
		return Result{}, nil
	}
	if img.Bounds().Min != (image.Point{}) {
		img = video.ToRGBA(img)
	}

	var mask []bool
	if d.Algorithm == AlgHSV {
		mask = binary(hsvMask(img, th))
	} else {
		mask = band(d.index(img, th), th.ExgMin, th.ExgMax)
	}
	mask = closeMask(mask, w, h)
	res := components(mask, w, h, th.MinArea)
	if d.Annotate {
		res.Annotated = Annotate(img, res.Boxes)
	}
	return res, nil
}

var boxColour = color.RGBA{R: 255, A: 255}

// Annotate returns a copy of img with a one-pixel outline around each box.
func Annotate(img *image.RGBA, boxes []image.Rectangle) *image.RGBA {
	out := image.NewRGBA(img.Bounds())
	copy(out.Pix, img.Pix)
	for _, b := range boxes {
		b = b.Intersect(out.Bounds())
		if b.Empty() {
			continue
		}
		for x := b.Min.X; x < b.Max.X; x++ {
			out.SetRGBA(x, b.Min.Y, boxColour)
			out.SetRGBA(x, b.Max.Y-1, boxColour)
		}
		for y := b.Min.Y; y < b.Max.Y; y++ {
			out.SetRGBA(b.Min.X, y, boxColour)
			out.SetRGBA(b.Max.X-1, y, boxColour)
		}
	}
	return out
}

func (d *GreenOnBrown) index(img *image.RGBA, th Thresholds) []uint8 {
	switch d.Algorithm {
	case AlgExGR:
		return exgr(img)
	case AlgMaxG:
		return maxg(img)
	case AlgNExG:
		return nexg(img)
	case AlgExHSV:
		return exhsv(img, th)
	default:
		return exg(img)
	}
}

// band keeps values in (lo, hi].
func band(v []uint8, lo, hi int) []bool {
	out := make([]bool, len(v))
	for i, p := range v {
		out[i] = int(p) > lo && int(p) <= hi
	}
	return out
}

func binary(v []uint8) []bool {
	out := make([]bool, len(v))
	for i, p := range v {
		out[i] = p != 0
	}
	return out
}

// closeMask applies a 3x3 dilation followed by a 3x3 erosion. Pixels
// outside the frame are ignored.
func closeMask(m []bool, w, h int) []bool {
	return morph(morph(m, w, h, true), w, h, false)
}

func morph(m []bool, w, h int, dilate bool) []bool {
	out := make([]bool, len(m))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := !dilate
			for dy := -1; dy <= 1 && v != dilate; dy++ {
				yy := y + dy
				if yy < 0 || yy >= h {
					continue
				}
				for dx := -1; dx <= 1; dx++ {
					xx := x + dx
					if xx < 0 || xx >= w {
						continue
					}
					if m[yy*w+xx] == dilate {
						v = dilate
						break
					}
				}
			}
			out[y*w+x] = v
		}
	}
	return out
}

// components labels 8-connected regions and keeps those with more than
// minArea pixels, ordered top to bottom then left to right.
func components(m []bool, w, h, minArea int) Result {
	seen := make([]bool, len(m))
	var (
		res   Result
		stack []int
	)
	for start, set := range m {
		if !set || seen[start] {
			continue
		}
		seen[start] = true
		stack = append(stack[:0], start)
		area := 0
		box := image.Rect(start%w, start/w, start%w+1, start/w+1)
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			area++
			x, y := i%w, i/w
			box = box.Union(image.Rect(x, y, x+1, y+1))
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					xx, yy := x+dx, y+dy
					if xx < 0 || yy < 0 || xx >= w || yy >= h {
						continue
					}
					j := yy*w + xx
					if m[j] && !seen[j] {
						seen[j] = true
						stack = append(stack, j)
					}
				}
			}
		}
		if area > minArea {
			res.Boxes = append(res.Boxes, box)
		}
	}
	sort.Slice(res.Boxes, func(i, j int) bool {
		a, b := res.Boxes[i].Min, res.Boxes[j].Min
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.X < b.X
	})
	for _, b := range res.Boxes {
		res.Centres = append(res.Centres, image.Pt(b.Min.X+b.Dx()/2, b.Min.Y+b.Dy()/2))
	}
	return res
}
