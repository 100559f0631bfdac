package sampler

import "image"

const maxSquareSide = 200

// squareSide is the crop side for a frame of height h.
func squareSide(h int) int {
	return min(maxSquareSide, h)
}

// squareRegion places a side×side crop near centre. jitter(n) returns a
// value in [0,n); the crop starts between 10 and side/2 pixels before the
// centre on each axis, then is shifted back inside bounds.
func squareRegion(bounds image.Rectangle, centre image.Point, side int, jitter func(n int) int) image.Rectangle {
	offset := func() int {
		half := side / 2
		if half <= 10 {
			return 0
		}
		return 10 + jitter(half-10)
	}
	x := max(centre.X-offset(), bounds.Min.X)
	y := max(centre.Y-offset(), bounds.Min.Y)
	if x+side > bounds.Max.X {
		x = bounds.Max.X - side
	}
	if y+side > bounds.Max.Y {
		y = bounds.Max.Y - side
	}
	return image.Rect(x, y, x+side, y+side).Intersect(bounds)
}

// regions returns the crops to persist for a task. The whole frame is
// reported with index -1.
func regions(mode string, t Task, jitter func(n int) int) []region {
	b := t.Frame.Image.Bounds()
	switch mode {
	case ModeBBox:
		out := make([]region, 0, len(t.Boxes))
		for i, box := range t.Boxes {
			r := box.Intersect(b)
			if r.Empty() {
				continue
			}
			out = append(out, region{index: i, rect: r})
		}
		return out
	case ModeSquare:
		side := squareSide(b.Dy())
		out := make([]region, 0, len(t.Centres))
		for i, c := range t.Centres {
			r := squareRegion(b, c, side, jitter)
			if r.Empty() {
				continue
			}
			out = append(out, region{index: i, rect: r})
		}
		return out
	default:
		return []region{{index: -1, rect: b}}
	}
}

type region struct {
	index int
	rect  image.Rectangle
}
