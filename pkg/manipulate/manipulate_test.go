package manipulate

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/pixdetect/pkg/artifacts"
	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
)

// Left half red-ish, right half blue-ish
func testImage(w, h int) *image.NRGBA {
	img := imaging.New(w, h, color.NRGBA{100, 100, 100, 255})
	for y := 0; y < h; y++ {
		for x := 0; x < w/2; x++ {
			img.SetNRGBA(x, y, color.NRGBA{200, 50, 100, 255})
		}
	}
	return img
}

func TestCodes(t *testing.T) {
	require.Len(t, All, 14)
	for i, m := range All {
		require.Equal(t, byte('a'+i), m.Code)
		found, ok := ByCode(m.Code)
		require.True(t, ok)
		require.Equal(t, m, found)
	}
	_, ok := ByCode('z')
	require.False(t, ok)
	require.Equal(t, "crop_20", Names()[0])
	require.Equal(t, "invert_colors", Names()[13])
}

func TestDimensions(t *testing.T) {
	img := testImage(100, 50)
	expect := map[byte]image.Point{
		'a': {60, 30},
		'c': {100, 50},
		'd': {100, 50},
		'e': {100, 50},
		'f': {100, 50},
		'g': {100, 50},
		'h': {100, 50},
		'i': {100, 50},
		'j': {200, 150},
		'k': {100, 50},
		'l': {200, 100},
		'm': {100, 50},
		'n': {100, 50},
	}
	for _, m := range All {
		out, err := Apply(img, m.Code, NewEnv(1))
		require.NoError(t, err, m.Name)
		size := out.Bounds().Size()
		if m.Code == 'b' {
			// Rotation expands the canvas
			require.Greater(t, size.X, 100)
			require.Greater(t, size.Y, 50)
			continue
		}
		require.Equal(t, expect[m.Code], size, m.Name)
	}

	_, err := Apply(img, 'z', nil)
	require.Error(t, err)

	// The source is never modified
	require.Equal(t, testImage(100, 50).Pix, img.Pix)
}

func TestPixelEffects(t *testing.T) {
	img := testImage(100, 50)

	flipped, _ := Apply(img, 'c', nil)
	require.Equal(t, color.NRGBA{200, 50, 100, 255}, flipped.NRGBAAt(99, 0))
	require.Equal(t, color.NRGBA{100, 100, 100, 255}, flipped.NRGBAAt(0, 0))

	bright, _ := Apply(img, 'd', nil)
	require.Equal(t, color.NRGBA{255, 65, 130, 255}, bright.NRGBAAt(0, 0))

	filtered, _ := Apply(img, 'h', nil)
	require.Equal(t, color.NRGBA{240, 45, 110, 255}, filtered.NRGBAAt(0, 0))

	inverted, _ := Apply(img, 'n', nil)
	require.Equal(t, color.NRGBA{55, 205, 155, 255}, inverted.NRGBAAt(0, 0))

	// Contrast pulls every sample toward the mean, so the spread shrinks
	low, _ := Apply(img, 'e', nil)
	require.Less(t, int(low.NRGBAAt(0, 0).R)-int(low.NRGBAAt(99, 0).R), 100)
	require.Greater(t, int(low.NRGBAAt(0, 0).R), int(low.NRGBAAt(99, 0).R))

	expanded, _ := Apply(img, 'j', nil)
	require.Equal(t, color.NRGBA{255, 255, 255, 255}, expanded.NRGBAAt(0, 0))
	require.Equal(t, color.NRGBA{200, 50, 100, 255}, expanded.NRGBAAt(50, 50))

	// The watermark is drawn near the top-left, and leaves the bottom-right alone
	marked, _ := Apply(img, 'i', nil)
	require.NotEqual(t, img.Pix[:len(img.Pix)/2], marked.Pix[:len(marked.Pix)/2])
	require.Equal(t, img.NRGBAAt(99, 49), marked.NRGBAAt(99, 49))
}

func TestWatermarkIsOpaque(t *testing.T) {
	marked, _ := Apply(testImage(300, 100), 'i', nil)
	red := 0
	for y := 0; y < 60; y++ {
		for x := 0; x < 300; x++ {
			if marked.NRGBAAt(x, y) == (color.NRGBA{255, 0, 0, 255}) {
				red++
			}
		}
	}
	// The inside of each stroke is pure red, not blended with the image
	require.Greater(t, red, 50)
}

func TestNoiseIsSeeded(t *testing.T) {
	img := testImage(40, 40)
	a, _ := Apply(img, 'g', NewEnv(7))
	b, _ := Apply(img, 'g', NewEnv(7))
	c, _ := Apply(img, 'g', NewEnv(8))
	require.Equal(t, a.Pix, b.Pix)
	require.NotEqual(t, a.Pix, c.Pix)
	require.NotEqual(t, img.Pix, a.Pix)
}

func TestCollageUsesCandidates(t *testing.T) {
	img := testImage(20, 10)
	green := imaging.New(5, 5, color.NRGBA{0, 255, 0, 255})
	env := NewEnv(1)
	env.Candidates = []string{"green"}
	env.Load = func(name string) (image.Image, error) {
		require.Equal(t, "green", name)
		return green, nil
	}
	out, err := Apply(img, 'l', env)
	require.NoError(t, err)
	require.Equal(t, image.Pt(40, 20), out.Bounds().Size())
	require.Equal(t, color.NRGBA{200, 50, 100, 255}, out.NRGBAAt(0, 0))
	require.Equal(t, color.NRGBA{0, 255, 0, 255}, out.NRGBAAt(30, 15))
}

func TestApplyAll(t *testing.T) {
	ctx := context.Background()
	log := logs.NewTestingLog(t)
	store, err := artifacts.NewStorageFS(log, t.TempDir())
	require.NoError(t, err)
	for _, name := range []string{"cat_1", "cat_2"} {
		var buf bytes.Buffer
		require.NoError(t, imaging.Encode(&buf, testImage(64, 48), imaging.JPEG))
		require.NoError(t, artifacts.WriteFile(ctx, store, "originals/"+name+".jpg", &buf))
	}
	require.NoError(t, artifacts.WriteFile(ctx, store, "originals/notes.txt", bytes.NewReader([]byte("hello"))))

	n, err := ApplyAll(ctx, log, store, "originals/", "manipulated/", 42)
	require.NoError(t, err)
	require.Equal(t, 28, n)

	names, err := store.List(ctx, "manipulated/")
	require.NoError(t, err)
	require.Len(t, names, 28)
	require.Contains(t, names, "manipulated/cat_1a.jpg")
	require.Contains(t, names, "manipulated/cat_2n.jpg")

	noise1, err := artifacts.ReadFile(ctx, store, "manipulated/cat_1g.jpg")
	require.NoError(t, err)

	// Same seed, same output
	_, err = ApplyAll(ctx, log, store, "originals/", "manipulated/", 42)
	require.NoError(t, err)
	noise2, err := artifacts.ReadFile(ctx, store, "manipulated/cat_1g.jpg")
	require.NoError(t, err)
	require.Equal(t, noise1, noise2)

	_, err = ApplyAll(ctx, log, store, "empty/", "manipulated/", 42)
	require.Error(t, err)
}
