// Package detect turns the raw output of a scorer into final detections,
// in the coordinate space of the original image.
package detect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cyclopcam/pixdetect/pkg/failure"
	"github.com/cyclopcam/pixdetect/pkg/nn"
	"github.com/cyclopcam/pixdetect/pkg/transform"
)

const (
	DefaultCallTimeout   = 30 * time.Second
	DefaultMaxRetries    = 3
	DefaultRetryInterval = 200 * time.Millisecond
)

// Detect runs a single scoring call on img, and post-processes the result.
// Any scorer failure is returned as ScoringFailed.
func Detect(ctx context.Context, img *transform.CanonicalImage, scorer nn.Scorer, params *nn.DetectionParams) ([]nn.Detection, error) {
	raw, err := scorer.Score(ctx, img.Pixels)
	if err != nil {
		return nil, failure.New(failure.ScoringFailed, err)
	}
	return Postprocess(raw, img, params), nil
}

// Postprocess filters raw by confidence, suppresses overlapping boxes within each class,
// and maps the survivors back to original coordinates.
// Boxes are first clipped to the part of the canvas that holds the original image, so that
// suppression compares the boxes that are emitted. A box that lies entirely in the padding
// is dropped.
func Postprocess(raw []nn.RawDetection, img *transform.CanonicalImage, params *nn.DetectionParams) []nn.Detection {
	ow := float32(img.OriginalWidth)
	oh := float32(img.OriginalHeight)
	content := img.Transform.Forward(nn.MakeRect(0, 0, ow, oh))
	clipped := make([]nn.RawDetection, len(raw))
	for i, r := range raw {
		r.Box = r.Box.Intersection(content)
		clipped[i] = r
	}
	kept := nn.FilterByConfidence(clipped, params.ConfidenceThreshold)
	kept = nn.NonMaxSuppression(kept, params.NmsIouThreshold)
	out := make([]nn.Detection, 0, len(kept))
	for _, r := range kept {
		// Clamp only absorbs rounding in the inverse mapping
		box := img.Transform.Inverse(r.Box).Clamp(ow, oh)
		if box.IsDegenerate() {
			continue
		}
		out = append(out, nn.Detection{
			Class:      r.Class,
			Confidence: r.Confidence,
			Box:        box,
		})
	}
	return out
}

// Detector wraps a Scorer with a per-call deadline and retries.
// A call that overruns its deadline, or fails with an error wrapping nn.ErrTransient, is retried.
// Any other scorer error fails immediately.
type Detector struct {
	Scorer        nn.Scorer
	Params        nn.DetectionParams
	CallTimeout   time.Duration // 0 = no deadline
	MaxRetries    int
	RetryInterval time.Duration
}

func NewDetector(scorer nn.Scorer, params nn.DetectionParams) *Detector {
	return &Detector{
		Scorer:        scorer,
		Params:        params,
		CallTimeout:   DefaultCallTimeout,
		MaxRetries:    DefaultMaxRetries,
		RetryInterval: DefaultRetryInterval,
	}
}

func (d *Detector) Validate() error {
	if d.Scorer == nil {
		return failure.Newf(failure.ConfigInvalid, "no scorer")
	}
	if d.MaxRetries < 0 || d.CallTimeout < 0 || d.RetryInterval < 0 {
		return failure.Newf(failure.ConfigInvalid, "negative retry count, timeout or interval")
	}
	return d.Params.Validate()
}

// Detect scores img and returns its final detections.
// If ctx is cancelled, ctx.Err() is returned unwrapped.
func (d *Detector) Detect(ctx context.Context, img *transform.CanonicalImage) ([]nn.Detection, error) {
	raw, err := d.Score(ctx, img)
	if err != nil {
		return nil, err
	}
	return Postprocess(raw, img, &d.Params), nil
}

// Score runs the scorer on img, with retries, and returns the raw candidates.
// If ctx is cancelled, ctx.Err() is returned unwrapped. All other failures are ScoringFailed.
func (d *Detector) Score(ctx context.Context, img *transform.CanonicalImage) ([]nn.RawDetection, error) {
	attempts := 0
	var raw []nn.RawDetection
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(d.RetryInterval), uint64(d.MaxRetries)), ctx)
	err := backoff.Retry(func() error {
		attempts++
		r, err := d.scoreOnce(ctx, img.Pixels)
		if err == nil {
			raw = r
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nn.ErrTransient) {
			return err
		}
		return backoff.Permanent(err)
	}, b)

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, failure.New(failure.ScoringFailed, fmt.Errorf("after %v attempts: %w", attempts, err))
	}
	return raw, nil
}

type scoreResult struct {
	raw []nn.RawDetection
	err error
}

// Run one scoring call under the per-call deadline.
// The deadline is enforced even if the scorer ignores its context. In that case
// the abandoned call finishes in the background, and its result is discarded.
func (d *Detector) scoreOnce(ctx context.Context, pixels *nn.Tensor) ([]nn.RawDetection, error) {
	if d.CallTimeout <= 0 {
		return d.Scorer.Score(ctx, pixels)
	}
	callCtx, cancel := context.WithTimeout(ctx, d.CallTimeout)
	defer cancel()
	done := make(chan scoreResult, 1)
	go func() {
		raw, err := d.Scorer.Score(callCtx, pixels)
		done <- scoreResult{raw, err}
	}()
	select {
	case r := <-done:
		return r.raw, r.err
	case <-callCtx.Done():
		return nil, callCtx.Err()
	}
}
