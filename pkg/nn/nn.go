// Package nn holds the detection types and the post-processing that runs on
// the output of an opaque scorer (confidence filter and non-maximum suppression).
package nn

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"os"
	"strings"

	"github.com/cyclopcam/pixdetect/pkg/failure"
)

const DefaultConfidenceThreshold = 0.5
const DefaultNmsIouThreshold = 0.5

// ErrTransient may be wrapped by Scorer implementations to signal that a retry could succeed
var ErrTransient = errors.New("transient scorer failure")

// Detection parameters
type DetectionParams struct {
	ConfidenceThreshold float32 `json:"confidenceThreshold" yaml:"confidenceThreshold"` // Value between 0 and 1. Candidates below this are discarded.
	NmsIouThreshold     float32 `json:"iouThreshold" yaml:"iouThreshold"`               // Value between 0 and 1. Lower values suppress more overlapping boxes.
}

// Create a default DetectionParams object
func NewDetectionParams() *DetectionParams {
	return &DetectionParams{
		ConfidenceThreshold: DefaultConfidenceThreshold,
		NmsIouThreshold:     DefaultNmsIouThreshold,
	}
}

func (p *DetectionParams) Validate() error {
	if !(p.ConfidenceThreshold >= 0 && p.ConfidenceThreshold <= 1) {
		return failure.Newf(failure.ConfigInvalid, "confidence threshold %v is outside [0,1]", p.ConfidenceThreshold)
	}
	if !(p.NmsIouThreshold >= 0 && p.NmsIouThreshold <= 1) {
		return failure.Newf(failure.ConfigInvalid, "IoU threshold %v is outside [0,1]", p.NmsIouThreshold)
	}
	return nil
}

// Tensor is a normalized image, in interleaved HWC order, with samples in [0,1].
type Tensor struct {
	Width  int
	Height int
	NChan  int
	Data   []float32
}

func NewTensor(width, height, nchan int) *Tensor {
	return &Tensor{
		Width:  width,
		Height: height,
		NChan:  nchan,
		Data:   make([]float32, width*height*nchan),
	}
}

// At returns the sample at (x,y) for channel c
func (t *Tensor) At(x, y, c int) float32 {
	return t.Data[(y*t.Width+x)*t.NChan+c]
}

func (t *Tensor) Set(x, y, c int, v float32) {
	t.Data[(y*t.Width+x)*t.NChan+c] = v
}

// ToImage converts the tensor back to 8-bit RGB(A).
// A single channel tensor becomes gray.
func (t *Tensor) ToImage() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, t.Width, t.Height))
	toByte := func(v float32) uint8 {
		return uint8(max(0, min(255, v*255+0.5)))
	}
	for y := 0; y < t.Height; y++ {
		for x := 0; x < t.Width; x++ {
			var c color.NRGBA
			c.A = 255
			if t.NChan >= 3 {
				c.R = toByte(t.At(x, y, 0))
				c.G = toByte(t.At(x, y, 1))
				c.B = toByte(t.At(x, y, 2))
			} else {
				c.R = toByte(t.At(x, y, 0))
				c.G = c.R
				c.B = c.R
			}
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

// Scorer is the opaque detection model.
// It maps a canonical image to raw candidate detections, in canonical coordinates.
// Implementations must not retain or modify img.
type Scorer interface {
	Score(ctx context.Context, img *Tensor) ([]RawDetection, error)
}

// ScorerFunc adapts a function to the Scorer interface
type ScorerFunc func(ctx context.Context, img *Tensor) ([]RawDetection, error)

func (f ScorerFunc) Score(ctx context.Context, img *Tensor) ([]RawDetection, error) {
	return f(ctx, img)
}

// ModelConfig describes a remote model (input size and class names)
type ModelConfig struct {
	Architecture string   `json:"architecture"` // eg "yolov8"
	Width        int      `json:"width"`        // eg 640
	Height       int      `json:"height"`       // eg 640
	Classes      []string `json:"classes"`      // eg ["person", "bicycle", "car", ...]
}

// Load model config from a JSON file
func LoadModelConfig(filename string) (*ModelConfig, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	config := &ModelConfig{}
	err = json.Unmarshal(b, config)
	if err != nil {
		return nil, err
	}
	return config, nil
}

// Load a text file with class names on each line
func LoadClassFile(filename string) ([]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	classes := []string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			classes = append(classes, line)
		}
	}
	return classes, scanner.Err()
}
