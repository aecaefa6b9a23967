// Package pipeline drives images from a source, through the transformer and the detector,
// and collects one result per image.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/pixdetect/pkg/detect"
	"github.com/cyclopcam/pixdetect/pkg/failure"
	"github.com/cyclopcam/pixdetect/pkg/imagesource"
	"github.com/cyclopcam/pixdetect/pkg/logprefix"
	"github.com/cyclopcam/pixdetect/pkg/perfstats"
	"github.com/cyclopcam/pixdetect/pkg/transform"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Stage names in RunReport.Stats
const (
	StageFetch       = "fetch"
	StageTransform   = "transform"
	StageScore       = "score"
	StagePostprocess = "postprocess"
)

// Fetcher produces the records for a run. It is implemented by *imagesource.Source.
type Fetcher interface {
	FetchBatch(ctx context.Context, query string, count, pageSize int) (*imagesource.Batch, error)
}

// ResultSink persists results as they complete.
// Calls are made from a single goroutine, but not in seq order.
// An error from the sink aborts the run.
type ResultSink interface {
	BeginRun(ctx context.Context, runID string, opts *Options) error
	SaveResult(ctx context.Context, runID string, res *DetectionResult, rec *imagesource.ImageRecord) error
}

// ArtifactSink stores intermediate images for inspection.
// It may be called concurrently. Failures are logged, but do not affect results.
type ArtifactSink interface {
	SaveArtifacts(ctx context.Context, runID string, rec *imagesource.ImageRecord, img *transform.CanonicalImage) error
}

// Orchestrator runs the fetch -> transform -> detect pipeline.
// Sink and Artifacts are optional.
type Orchestrator struct {
	Log         logs.Log
	Source      Fetcher
	Transformer *transform.Transformer
	Detector    *detect.Detector
	Sink        ResultSink
	Artifacts   ArtifactSink

	// Minimum time between log messages about failed images
	ErrorLogInterval time.Duration
}

func NewOrchestrator(log logs.Log, source Fetcher, transformer *transform.Transformer, detector *detect.Detector) *Orchestrator {
	return &Orchestrator{
		Log:              logprefix.New(log, "Pipeline:"),
		Source:           source,
		Transformer:      transformer,
		Detector:         detector,
		ErrorLogInterval: 15 * time.Second,
	}
}

type job struct {
	seq int
	rec *imagesource.ImageRecord
}

// errorThrottle limits how often we log per-image failures.
// Every failure is still recorded in its result.
type errorThrottle struct {
	lock      sync.Mutex
	interval  time.Duration
	lastErrAt time.Time
	skipped   int
}

func (t *errorThrottle) log(log logs.Log, format string, args ...any) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if time.Since(t.lastErrAt) < t.interval {
		t.skipped++
		return
	}
	if t.skipped != 0 {
		format += fmt.Sprintf(" (%v similar messages suppressed)", t.skipped)
	}
	log.Warnf(format, args...)
	t.lastErrAt = time.Now()
	t.skipped = 0
}

// Run fetches opts.Count images and processes them with a fixed pool of workers.
// Results are returned in the order that the source yielded the records, and every
// attempted image has exactly one result.
//
// The report is returned even when err is not nil, and holds whatever was completed:
//   - If ctx is cancelled, records that have not started are skipped, and err is ctx.Err()
//   - If the source rejects us, no more records are fetched, records already fetched are
//     still processed, and err is SourceRejected
//   - If the ResultSink fails, the run stops as though it had been cancelled
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*RunReport, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	if o.Detector == nil || o.Transformer == nil || o.Source == nil {
		return nil, failure.Newf(failure.ConfigInvalid, "orchestrator needs a source, transformer and detector")
	}
	det := *o.Detector
	det.Params = opts.Params
	if err := det.Validate(); err != nil {
		return nil, err
	}

	report := &RunReport{
		RunID:     uuid.NewString(),
		Query:     opts.Query,
		StartedAt: time.Now().UTC(),
	}
	stats := perfstats.NewStages()
	o.Log.Infof("Run %v: '%v' x %v, %v workers, target %vx%v", report.RunID, opts.Query, opts.Count, opts.Concurrency, opts.TargetWidth, opts.TargetHeight)

	if o.Sink != nil {
		if err := o.Sink.BeginRun(ctx, report.RunID, &opts); err != nil {
			return report, fmt.Errorf("Failed to record run: %w", err)
		}
	}

	// runCtx is cancelled by the sink if it fails
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	batch, err := o.Source.FetchBatch(runCtx, opts.Query, opts.Count, opts.PageSize)
	if err != nil {
		return report, err
	}

	jobs := make(chan job, opts.QueueSize)
	results := make(chan *jobResult, opts.Concurrency)
	throttle := &errorThrottle{interval: o.ErrorLogInterval}

	var g errgroup.Group
	var sourceErr error

	// Feeder
	g.Go(func() error {
		defer close(jobs)
		seq := 0
		waitStart := time.Now()
		for rec := range batch.Records() {
			stats.Since(StageFetch, waitStart)
			select {
			case jobs <- job{seq: seq, rec: rec}:
				seq++
			case <-runCtx.Done():
				return nil
			}
			waitStart = time.Now()
		}
		if err := batch.Wait(); err != nil && runCtx.Err() == nil {
			sourceErr = err
		}
		return nil
	})

	// Workers
	for i := 0; i < opts.Concurrency; i++ {
		g.Go(func() error {
			for j := range jobs {
				if runCtx.Err() != nil {
					// Drain the queue without starting anything new
					continue
				}
				if r := o.process(runCtx, &det, &opts, report.RunID, j, stats, throttle); r != nil {
					results <- r
				}
			}
			return nil
		})
	}

	go func() {
		g.Wait()
		close(results)
	}()

	// Collector. This is the only goroutine that touches the sink.
	var sinkErr error
	for r := range results {
		report.Results = append(report.Results, r.result)
		if o.Sink != nil && sinkErr == nil {
			if err := o.Sink.SaveResult(runCtx, report.RunID, r.result, r.rec); err != nil {
				sinkErr = fmt.Errorf("Failed to save result for image %v: %w", r.result.ImageID, err)
				o.Log.Errorf("%v. Aborting run", sinkErr)
				cancelRun()
			}
		}
	}

	sort.Slice(report.Results, func(i, j int) bool {
		return report.Results[i].Seq < report.Results[j].Seq
	})
	report.Gaps = batch.Gaps()
	report.Stats = stats.Summary()
	report.FinishedAt = time.Now().UTC()

	err = multierr.Combine(sourceErr, sinkErr)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		o.Log.Warnf("Run %v stopped after %v results: %v", report.RunID, len(report.Results), err)
	} else {
		o.Log.Infof("Run %v finished: %v results (%v failed), %v detections, %v gaps", report.RunID, len(report.Results), report.Failed(), report.NumDetections(), len(report.Gaps))
	}
	o.Log.Debugf("Stage timings:\n%v", stats)
	return report, err
}

type jobResult struct {
	result *DetectionResult
	rec    *imagesource.ImageRecord
}

// process runs one record through the transformer and detector.
// Returns nil if the work was abandoned because ctx was cancelled.
func (o *Orchestrator) process(ctx context.Context, det *detect.Detector, opts *Options, runID string, j job, stats *perfstats.Stages, throttle *errorThrottle) *jobResult {
	res := &DetectionResult{
		Seq:       j.seq,
		ImageID:   j.rec.ID,
		SourceURL: j.rec.SourceURL,
		Width:     j.rec.Width,
		Height:    j.rec.Height,
	}
	out := &jobResult{result: res, rec: j.rec}

	start := time.Now()
	img, err := o.Transformer.Normalize(j.rec, opts.TargetWidth, opts.TargetHeight)
	stats.Since(StageTransform, start)
	if err != nil {
		res.Error = newResultError(err, failure.DecodeFailed)
		throttle.log(o.Log, "Image %v (%v): %v", j.rec.ID, j.rec.SourceURL, err)
		return out
	}
	res.Width = img.OriginalWidth
	res.Height = img.OriginalHeight

	if o.Artifacts != nil {
		if err := o.Artifacts.SaveArtifacts(ctx, runID, j.rec, img); err != nil {
			throttle.log(o.Log, "Failed to save artifacts for image %v: %v", j.rec.ID, err)
		}
	}

	start = time.Now()
	raw, err := det.Score(ctx, img)
	stats.Since(StageScore, start)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		res.Error = newResultError(err, failure.ScoringFailed)
		throttle.log(o.Log, "Image %v: %v", j.rec.ID, err)
		return out
	}

	start = time.Now()
	res.Detections = detect.Postprocess(raw, img, &det.Params)
	stats.Since(StagePostprocess, start)
	return out
}
