package nn

import (
	"github.com/chewxy/math32"
)

// Rect is an axis-aligned box, with corners (X1,Y1) and (X2,Y2).
// A well formed Rect has X1 <= X2 and Y1 <= Y2.
type Rect struct {
	X1 float32 `json:"x1"`
	Y1 float32 `json:"y1"`
	X2 float32 `json:"x2"`
	Y2 float32 `json:"y2"`
}

func MakeRect(x1, y1, x2, y2 float32) Rect {
	return Rect{X1: x1, Y1: y1, X2: x2, Y2: y2}
}

func (r Rect) Width() float32 {
	return r.X2 - r.X1
}

func (r Rect) Height() float32 {
	return r.Y2 - r.Y1
}

// Area is zero for degenerate rectangles (never negative)
func (r Rect) Area() float32 {
	if r.IsDegenerate() {
		return 0
	}
	return r.Width() * r.Height()
}

// IsDegenerate returns true if the rectangle has no area, is inverted, or contains a NaN
func (r Rect) IsDegenerate() bool {
	if math32.IsNaN(r.X1) || math32.IsNaN(r.Y1) || math32.IsNaN(r.X2) || math32.IsNaN(r.Y2) {
		return true
	}
	return r.X2 <= r.X1 || r.Y2 <= r.Y1
}

func (r Rect) Intersection(b Rect) Rect {
	x1 := math32.Max(r.X1, b.X1)
	y1 := math32.Max(r.Y1, b.Y1)
	x2 := math32.Min(r.X2, b.X2)
	y2 := math32.Min(r.Y2, b.Y2)
	if x2 < x1 {
		x2 = x1
	}
	if y2 < y1 {
		y2 = y1
	}
	return Rect{X1: x1, Y1: y1, X2: x2, Y2: y2}
}

// Intersection over Union.
// Degenerate boxes have an IoU of zero with everything, including themselves.
func (r Rect) IOU(b Rect) float32 {
	if r.IsDegenerate() || b.IsDegenerate() {
		return 0
	}
	inter := r.Intersection(b).Area()
	union := r.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Clamp limits the rectangle to [0,width] x [0,height]
func (r Rect) Clamp(width, height float32) Rect {
	return Rect{
		X1: clamp(r.X1, 0, width),
		Y1: clamp(r.Y1, 0, height),
		X2: clamp(r.X2, 0, width),
		Y2: clamp(r.Y2, 0, height),
	}
}

func clamp(v, lo, hi float32) float32 {
	return math32.Min(math32.Max(v, lo), hi)
}
