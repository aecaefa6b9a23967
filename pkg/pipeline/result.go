package pipeline

import (
	"encoding/json"
	"time"

	"github.com/cyclopcam/pixdetect/pkg/failure"
	"github.com/cyclopcam/pixdetect/pkg/imagesource"
	"github.com/cyclopcam/pixdetect/pkg/nn"
	"github.com/cyclopcam/pixdetect/pkg/perfstats"
	"github.com/samber/lo"
)

// ResultError is the reason that one image could not be processed
type ResultError struct {
	Kind    failure.Kind `json:"kind"`
	Message string       `json:"message"`
}

func (e *ResultError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

func newResultError(err error, fallback failure.Kind) *ResultError {
	kind := failure.KindOf(err)
	if kind == "" {
		kind = fallback
	}
	return &ResultError{Kind: kind, Message: err.Error()}
}

// DetectionResult is the outcome for one image.
// Exactly one of Detections or Error is meaningful.
type DetectionResult struct {
	Seq        int            `json:"seq"` // Position in the order that the source yielded records
	ImageID    string         `json:"imageId"`
	SourceURL  string         `json:"sourceUrl"`
	Width      int            `json:"width"`
	Height     int            `json:"height"`
	Detections []nn.Detection `json:"detections"`
	Error      *ResultError   `json:"error"`
}

// MarshalJSON emits either "detections" or "error", never both.
// A successful image with nothing in it has "detections": [].
func (r *DetectionResult) MarshalJSON() ([]byte, error) {
	type result struct {
		Seq        int             `json:"seq"`
		ImageID    string          `json:"imageId"`
		SourceURL  string          `json:"sourceUrl"`
		Width      int             `json:"width,omitempty"`
		Height     int             `json:"height,omitempty"`
		Detections *[]nn.Detection `json:"detections,omitempty"`
		Error      *ResultError    `json:"error,omitempty"`
	}
	out := result{
		Seq:       r.Seq,
		ImageID:   r.ImageID,
		SourceURL: r.SourceURL,
		Width:     r.Width,
		Height:    r.Height,
	}
	if r.Error != nil {
		out.Error = r.Error
	} else {
		dets := r.Detections
		if dets == nil {
			dets = []nn.Detection{}
		}
		out.Detections = &dets
	}
	return json.Marshal(out)
}

// RunReport is everything produced by Orchestrator.Run
type RunReport struct {
	RunID      string                            `json:"runId"`
	Query      string                            `json:"query"`
	StartedAt  time.Time                         `json:"startedAt"`
	FinishedAt time.Time                         `json:"finishedAt"`
	Results    []*DetectionResult                `json:"results"`
	Gaps       []imagesource.Gap                 `json:"gaps"`
	Stats      map[string]perfstats.StageSummary `json:"stats"`
}

// Failed returns the number of results that have an error
func (r *RunReport) Failed() int {
	return lo.CountBy(r.Results, func(res *DetectionResult) bool { return res.Error != nil })
}

// NumDetections is the total across all images
func (r *RunReport) NumDetections() int {
	return lo.SumBy(r.Results, func(res *DetectionResult) int { return len(res.Detections) })
}
