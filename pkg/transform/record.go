package transform

import (
	"github.com/cyclopcam/pixdetect/pkg/failure"
	"github.com/cyclopcam/pixdetect/pkg/nn"
)

// Record describes how an original image was mapped onto the canonical canvas.
// canonical = original * Scale + Offset
type Record struct {
	ScaleX  float64 `json:"scaleX"`
	ScaleY  float64 `json:"scaleY"`
	OffsetX int     `json:"offsetX"`
	OffsetY int     `json:"offsetY"`
}

func IdentityRecord() Record {
	return Record{ScaleX: 1, ScaleY: 1}
}

func (r Record) Validate() error {
	if !(r.ScaleX > 0 && r.ScaleY > 0) {
		return failure.Newf(failure.ConfigInvalid, "transform scale must be positive (got %v, %v)", r.ScaleX, r.ScaleY)
	}
	return nil
}

// Forward maps a box from original to canonical coordinates
func (r Record) Forward(box nn.Rect) nn.Rect {
	fx := func(x float32) float32 { return float32(float64(x)*r.ScaleX + float64(r.OffsetX)) }
	fy := func(y float32) float32 { return float32(float64(y)*r.ScaleY + float64(r.OffsetY)) }
	return nn.Rect{X1: fx(box.X1), Y1: fy(box.Y1), X2: fx(box.X2), Y2: fy(box.Y2)}
}

// Inverse maps a box from canonical to original coordinates.
// The padding offset is removed first, and then the scale is divided out.
func (r Record) Inverse(box nn.Rect) nn.Rect {
	ix := func(x float32) float32 { return float32((float64(x) - float64(r.OffsetX)) / r.ScaleX) }
	iy := func(y float32) float32 { return float32((float64(y) - float64(r.OffsetY)) / r.ScaleY) }
	return nn.Rect{X1: ix(box.X1), Y1: iy(box.Y1), X2: ix(box.X2), Y2: iy(box.Y2)}
}
