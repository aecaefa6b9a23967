package transform

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/cyclopcam/pixdetect/pkg/failure"
	"github.com/cyclopcam/pixdetect/pkg/imagesource"
	"github.com/cyclopcam/pixdetect/pkg/nn"
	"github.com/disintegration/imaging"

	// Decoders beyond the jpeg/png/gif that imaging registers
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// The gray that YOLO-family models are trained to see in letterbox padding
const DefaultFillValue = 114

// CanonicalImage is the model input for one image, plus what is needed to map
// detections back onto the original.
type CanonicalImage struct {
	ID             string
	Pixels         *nn.Tensor
	Width          int
	Height         int
	Transform      Record
	OriginalWidth  int // After EXIF orientation
	OriginalHeight int
}

// Transformer letterboxes images onto a fixed size canvas.
// The zero value is not useful. Use NewTransformer.
type Transformer struct {
	FillValue uint8
	Filter    imaging.ResampleFilter
}

func NewTransformer() *Transformer {
	return &Transformer{
		FillValue: DefaultFillValue,
		Filter:    imaging.Linear,
	}
}

// Decode an image, applying any EXIF orientation
func Decode(raw []byte) (image.Image, error) {
	if len(raw) == 0 {
		return nil, failure.Newf(failure.DecodeFailed, "empty image")
	}
	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return nil, failure.New(failure.DecodeFailed, err)
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, failure.Newf(failure.DecodeFailed, "image has no pixels (%vx%v)", b.Dx(), b.Dy())
	}
	return img, nil
}

// LetterboxSize returns the size of the resized image inside a tw x th canvas, and its offset.
// The image is scaled by min(tw/ow, th/oh), and centered.
func LetterboxSize(ow, oh, tw, th int) (nw, nh int, offset image.Point) {
	s := min(float64(tw)/float64(ow), float64(th)/float64(oh))
	nw = max(1, min(tw, int(math.Round(float64(ow)*s))))
	nh = max(1, min(th, int(math.Round(float64(oh)*s))))
	return nw, nh, image.Pt((tw-nw)/2, (th-nh)/2)
}

// Normalize decodes rec, letterboxes it onto a targetWidth x targetHeight canvas,
// and converts it to a tensor with samples in [0,1].
func (t *Transformer) Normalize(rec *imagesource.ImageRecord, targetWidth, targetHeight int) (*CanonicalImage, error) {
	if targetWidth <= 0 || targetHeight <= 0 {
		return nil, failure.Newf(failure.ConfigInvalid, "target size must be positive (got %vx%v)", targetWidth, targetHeight)
	}
	img, err := Decode(rec.RawBytes)
	if err != nil {
		return nil, fmt.Errorf("image %v: %w", rec.ID, err)
	}
	canvas, xform := t.Letterbox(img, targetWidth, targetHeight)
	ob := img.Bounds()
	return &CanonicalImage{
		ID:             rec.ID,
		Pixels:         ToTensor(canvas),
		Width:          targetWidth,
		Height:         targetHeight,
		Transform:      xform,
		OriginalWidth:  ob.Dx(),
		OriginalHeight: ob.Dy(),
	}, nil
}

// Letterbox resizes img to fit inside targetWidth x targetHeight, preserving its aspect ratio,
// and pads the remainder with FillValue.
func (t *Transformer) Letterbox(img image.Image, targetWidth, targetHeight int) (*image.NRGBA, Record) {
	ob := img.Bounds()
	ow, oh := ob.Dx(), ob.Dy()
	nw, nh, offset := LetterboxSize(ow, oh, targetWidth, targetHeight)

	var resized *image.NRGBA
	if nw == ow && nh == oh {
		resized = imaging.Clone(img)
	} else {
		resized = imaging.Resize(img, nw, nh, t.Filter)
	}
	fill := color.NRGBA{R: t.FillValue, G: t.FillValue, B: t.FillValue, A: 255}
	canvas := imaging.New(targetWidth, targetHeight, fill)
	canvas = imaging.Paste(canvas, resized, offset)

	// Record the realised scale, so that rounding of the resized dimensions is accounted for
	xform := Record{
		ScaleX:  float64(nw) / float64(ow),
		ScaleY:  float64(nh) / float64(oh),
		OffsetX: offset.X,
		OffsetY: offset.Y,
	}
	return canvas, xform
}

// ToTensor converts an image to a 3 channel HWC tensor, with samples in [0,1].
// Alpha is ignored.
func ToTensor(img *image.NRGBA) *nn.Tensor {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	t := nn.NewTensor(w, h, 3)
	dst := t.Data
	for y := 0; y < h; y++ {
		src := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			dst[0] = float32(src[x*4+0]) / 255
			dst[1] = float32(src[x*4+1]) / 255
			dst[2] = float32(src[x*4+2]) / 255
			dst = dst[3:]
		}
	}
	return t
}
