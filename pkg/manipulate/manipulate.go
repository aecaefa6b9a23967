// Package manipulate produces altered copies of images, for testing how well
// an image can still be matched after it has been edited.
package manipulate

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"math"
	"math/rand"

	"github.com/anthonynsimon/bild/blur"
	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/gobold"
)

// Manipulation is one kind of edit, identified by a single letter
type Manipulation struct {
	Code byte
	Name string
}

func (m Manipulation) String() string {
	return m.Name
}

// All manipulations, in code order
var All = []Manipulation{
	{'a', "crop_20"},
	{'b', "rotate_10"},
	{'c', "flip_h"},
	{'d', "brightness_1.3"},
	{'e', "contrast_0.7"},
	{'f', "gaussian_blur"},
	{'g', "noise_saltpepper"},
	{'h', "color_filter"},
	{'i', "watermark"},
	{'j', "canvas_expand"},
	{'k', "jpeg_compression"},
	{'l', "collage"},
	{'m', "text_obfuscation"},
	{'n', "invert_colors"},
}

// ByCode returns the manipulation with the given letter
func ByCode(code byte) (Manipulation, bool) {
	for _, m := range All {
		if m.Code == code {
			return m, true
		}
	}
	return Manipulation{}, false
}

// Names returns the names of All, in code order
func Names() []string {
	names := make([]string, len(All))
	for i, m := range All {
		names[i] = m.Name
	}
	return names
}

var boldFont *truetype.Font

func init() {
	var err error
	boldFont, err = truetype.Parse(gobold.TTF)
	if err != nil {
		panic(err)
	}
}

// Env supplies the randomness and the extra images that some manipulations need
type Env struct {
	Rand *rand.Rand

	// Collage tiles are chosen from these names, and loaded with Load.
	// The list may include the image being manipulated.
	Candidates []string
	Load       func(name string) (image.Image, error)
}

func NewEnv(seed int64) *Env {
	return &Env{
		Rand: rand.New(rand.NewSource(seed)),
	}
}

// Apply returns an edited copy of img. img is not modified.
// env may be nil, in which case a fixed seed is used, and collages are built from img alone.
func Apply(img image.Image, code byte, env *Env) (*image.NRGBA, error) {
	if env == nil {
		env = NewEnv(1)
	}
	src := imaging.Clone(img)
	w := src.Bounds().Dx()
	h := src.Bounds().Dy()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("empty image")
	}

	switch code {
	case 'a':
		cw := w * 20 / 100
		ch := h * 20 / 100
		return imaging.Crop(src, image.Rect(cw, ch, w-cw, h-ch)), nil
	case 'b':
		return imaging.Rotate(src, 10, color.Black), nil
	case 'c':
		return imaging.FlipH(src), nil
	case 'd':
		return scaleChannels(src, 1.3, 1.3, 1.3), nil
	case 'e':
		return contrast(src, 0.7), nil
	case 'f':
		// A radius of 3 gives a 7x7 kernel
		return imaging.Clone(blur.Gaussian(src, 3)), nil
	case 'g':
		return saltAndPepper(src, 0.02, env.Rand), nil
	case 'h':
		return scaleChannels(src, 1.2, 0.9, 1.1), nil
	case 'i':
		return drawText(src, "FAKE CLAIM", 10, 10, 36, color.NRGBA{255, 0, 0, 255}), nil
	case 'j':
		border := 50
		canvas := imaging.New(w+2*border, h+2*border, color.White)
		return imaging.Paste(canvas, src, image.Pt(border, border)), nil
	case 'k':
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, src, imaging.JPEG, imaging.JPEGQuality(20)); err != nil {
			return nil, err
		}
		out, err := imaging.Decode(&buf)
		if err != nil {
			return nil, err
		}
		return imaging.Clone(out), nil
	case 'l':
		return collage(src, env)
	case 'm':
		// The font has no emoji, so this draws the missing-glyph box, which is what we want: an opaque blob
		return drawText(src, "\U0001F60E", float64(w/4), float64(h/2), 50, color.Black), nil
	case 'n':
		return imaging.Invert(src), nil
	}
	return nil, fmt.Errorf("unknown manipulation '%c'", code)
}

func clampByte(v float64) uint8 {
	return uint8(math.Max(0, math.Min(255, v)))
}

func scaleChannels(img *image.NRGBA, r, g, b float64) *image.NRGBA {
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		return color.NRGBA{
			R: clampByte(float64(c.R) * r),
			G: clampByte(float64(c.G) * g),
			B: clampByte(float64(c.B) * b),
			A: c.A,
		}
	})
}

// Blend every sample toward the mean luma of the image
func contrast(img *image.NRGBA, factor float64) *image.NRGBA {
	sum := 0.0
	for i := 0; i < len(img.Pix); i += 4 {
		p := img.Pix[i : i+3 : i+3]
		sum += (299*float64(p[0]) + 587*float64(p[1]) + 114*float64(p[2])) / 1000
	}
	mean := math.Round(sum / float64(len(img.Pix)/4))
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		return color.NRGBA{
			R: clampByte(math.Round(mean + (float64(c.R)-mean)*factor)),
			G: clampByte(math.Round(mean + (float64(c.G)-mean)*factor)),
			B: clampByte(math.Round(mean + (float64(c.B)-mean)*factor)),
			A: c.A,
		}
	})
}

// Set a fraction of individual channel samples to 255, and the same fraction to 0
func saltAndPepper(img *image.NRGBA, fraction float64, rng *rand.Rand) *image.NRGBA {
	w := img.Bounds().Dx()
	h := img.Bounds().Dy()
	out := imaging.Clone(img)
	n := int(math.Ceil(fraction * float64(w*h*3)))
	for _, v := range []uint8{255, 0} {
		for i := 0; i < n; i++ {
			x := rng.Intn(w)
			y := rng.Intn(h)
			c := rng.Intn(3)
			out.Pix[y*out.Stride+x*4+c] = v
		}
	}
	return out
}

// Draw text with its top-left corner at (x,y)
func drawText(img *image.NRGBA, text string, x, y, size float64, c color.Color) *image.NRGBA {
	dc := gg.NewContextForImage(img)
	dc.SetFontFace(truetype.NewFace(boldFont, &truetype.Options{Size: size}))
	dc.SetColor(c)
	dc.DrawStringAnchored(text, x, y, 0, 1)
	return imaging.Clone(dc.Image())
}

// A 2x2 grid, with img at the top-left and three randomly chosen candidates, stretched to the same size, in the other cells
func collage(img *image.NRGBA, env *Env) (*image.NRGBA, error) {
	w := img.Bounds().Dx()
	h := img.Bounds().Dy()
	tiles := []image.Image{}
	if len(env.Candidates) != 0 && env.Load != nil {
		// Without replacement when possible
		var picks []int
		if len(env.Candidates) >= 3 {
			picks = env.Rand.Perm(len(env.Candidates))[:3]
		} else {
			for i := 0; i < 3; i++ {
				picks = append(picks, env.Rand.Intn(len(env.Candidates)))
			}
		}
		for _, p := range picks {
			tile, err := env.Load(env.Candidates[p])
			if err != nil {
				return nil, fmt.Errorf("collage tile %v: %w", env.Candidates[p], err)
			}
			tiles = append(tiles, tile)
		}
	} else {
		tiles = []image.Image{img, img, img}
	}

	canvas := imaging.New(w*2, h*2, color.White)
	canvas = imaging.Paste(canvas, img, image.Pt(0, 0))
	positions := []image.Point{image.Pt(w, 0), image.Pt(0, h), image.Pt(w, h)}
	for i, tile := range tiles {
		canvas = imaging.Paste(canvas, imaging.Resize(tile, w, h, imaging.Lanczos), positions[i])
	}
	return canvas, nil
}
