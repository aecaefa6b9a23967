// Package httpscorer is an nn.Scorer that sends images to a remote inference service
package httpscorer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/cyclopcam/pixdetect/pkg/nn"
	"github.com/cyclopcam/pixdetect/pkg/requests"
	"github.com/disintegration/imaging"
)

// Client posts the canonical image as a PNG in the multipart field "file", and expects
//
//	{"detections": [{"x1": 0, "y1": 0, "x2": 10, "y2": 10, "class": "cat", "confidence": 0.9}, ...]}
//
// Instead of "class", a detection may carry a numeric "classId", which is resolved through Classes.
type Client struct {
	URL     string
	HTTP    *http.Client
	Classes []string // Optional. Needed if the service returns class IDs.
}

func NewClient(url string, client *http.Client, classes []string) *Client {
	return &Client{
		URL:     url,
		HTTP:    client,
		Classes: classes,
	}
}

type responseDetection struct {
	X1         float32 `json:"x1"`
	Y1         float32 `json:"y1"`
	X2         float32 `json:"x2"`
	Y2         float32 `json:"y2"`
	Class      string  `json:"class"`
	ClassID    *int    `json:"classId"`
	Confidence float32 `json:"confidence"`
}

type response struct {
	Detections []responseDetection `json:"detections"`
}

func (c *Client) Score(ctx context.Context, img *nn.Tensor) ([]nn.RawDetection, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", "image.png")
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if err := imaging.Encode(part, img.ToImage(), imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := requests.Do(c.HTTP, req)
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()

	result := response{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, classify(fmt.Errorf("decode response: %w", err))
	}

	dets := make([]nn.RawDetection, 0, len(result.Detections))
	for i, d := range result.Detections {
		class := d.Class
		if class == "" && d.ClassID != nil {
			if *d.ClassID < 0 || *d.ClassID >= len(c.Classes) {
				return nil, fmt.Errorf("detection %v has unknown class ID %v (%v classes)", i, *d.ClassID, len(c.Classes))
			}
			class = c.Classes[*d.ClassID]
		}
		dets = append(dets, nn.RawDetection{
			Class:      class,
			Confidence: d.Confidence,
			Box:        nn.Rect{X1: d.X1, Y1: d.Y1, X2: d.X2, Y2: d.Y2},
		})
	}
	return dets, nil
}

// CheckHealth calls the service's /health endpoint
func (c *Client) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(c.URL, "/")+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := requests.Do(c.HTTP, req)
	if err != nil {
		return fmt.Errorf("inference service unhealthy: %w", err)
	}
	resp.Body.Close()
	return nil
}

// 5xx, timeouts, and network failures may succeed on retry. 4xx and garbage responses will not.
func classify(err error) error {
	var statusErr *requests.StatusError
	if errors.As(err, &statusErr) {
		if statusErr.StatusCode >= 500 {
			return fmt.Errorf("%w: %w", nn.ErrTransient, err)
		}
		return err
	}
	if requests.IsTransient(err) {
		return fmt.Errorf("%w: %w", nn.ErrTransient, err)
	}
	return err
}
