// Package robustness measures how well a perceptual hash still matches an image
// after each of the manipulations in package manipulate.
package robustness

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"image"
	"slices"

	"github.com/corona10/goimagehash"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/pixdetect/pkg/artifacts"
	"github.com/cyclopcam/pixdetect/pkg/manipulate"
	"github.com/cyclopcam/pixdetect/pkg/osutil"
	"github.com/montanaflynn/stats"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

const Method = "phash"

// Number of bits in a perceptual hash
const HashBits = 64

// Row is the scores of one original against each of its manipulations
type Row struct {
	ImageID string    `json:"imageId"`
	Scores  []float64 `json:"scores"` // In the order of manipulate.All
	Average float64   `json:"average"`
}

// Summary is the distribution of scores for one manipulation, across all images
type Summary struct {
	Code   byte    `json:"code"`
	Name   string  `json:"name"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	StdDev float64 `json:"stdDev"` // Sample standard deviation. 0 if there is only one image.
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

type Report struct {
	Method    string    `json:"method"`
	Rows      []Row     `json:"rows"`
	Summaries []Summary `json:"summaries"` // In the order of manipulate.All
	Hardest   Summary   `json:"hardest"`   // The manipulation with the lowest mean score
}

// Score converts a hash distance into a similarity between 0 and 100
func Score(distance int) float64 {
	return float64(HashBits-distance) / HashBits * 100
}

// Similarity returns the score of b against a. Identical images score 100.
func Similarity(a, b image.Image) (float64, error) {
	ha, err := goimagehash.PerceptionHash(a)
	if err != nil {
		return 0, err
	}
	hb, err := goimagehash.PerceptionHash(b)
	if err != nil {
		return 0, err
	}
	d, err := ha.Distance(hb)
	if err != nil {
		return 0, err
	}
	return Score(d), nil
}

// Build scores every original under originalsPrefix against its manipulations under manipulatedPrefix.
// A manipulated file that is missing, or that can't be decoded, scores 0.
func Build(ctx context.Context, log logs.Log, store artifacts.Store, originalsPrefix, manipulatedPrefix string) (*Report, error) {
	originals, err := manipulate.ListOriginals(ctx, store, originalsPrefix)
	if err != nil {
		return nil, err
	}
	if len(originals) == 0 {
		return nil, fmt.Errorf("No images found in '%v'", originalsPrefix)
	}
	log.Infof("Processing %v images with %v", len(originals), Method)

	rows := make([]Row, len(originals))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(osutil.NumCPU())
	for i, name := range originals {
		g.Go(func() error {
			row, err := scoreOriginal(gctx, log, store, name, manipulatedPrefix)
			if err != nil {
				return err
			}
			rows[i] = *row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return Summarize(rows)
}

func scoreOriginal(ctx context.Context, log logs.Log, store artifacts.Store, name, manipulatedPrefix string) (*Row, error) {
	img, err := manipulate.LoadImage(ctx, store, name)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", name, err)
	}
	hash, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", name, err)
	}
	id := manipulate.ImageID(name)
	row := &Row{
		ImageID: id,
		Scores:  make([]float64, len(manipulate.All)),
	}
	for i, m := range manipulate.All {
		manipName := manipulate.OutputName(manipulatedPrefix, id, m.Code)
		manip, err := manipulate.LoadImage(ctx, store, manipName)
		if errors.Is(err, artifacts.ErrNotFound) {
			continue
		} else if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warnf("Scoring %v as 0: %v", manipName, err)
			continue
		}
		mhash, err := goimagehash.PerceptionHash(manip)
		if err != nil {
			log.Warnf("Scoring %v as 0: %v", manipName, err)
			continue
		}
		d, err := hash.Distance(mhash)
		if err != nil {
			return nil, err
		}
		row.Scores[i] = Score(d)
	}
	row.Average = lo.Sum(row.Scores) / float64(len(row.Scores))
	return row, nil
}

// Summarize computes the per-manipulation statistics of rows
func Summarize(rows []Row) (*Report, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("no rows")
	}
	r := &Report{
		Method: Method,
		Rows:   rows,
	}
	for i, m := range manipulate.All {
		column := lo.Map(rows, func(row Row, _ int) float64 { return row.Scores[i] })
		s := Summary{Code: m.Code, Name: m.Name}
		var err error
		if s.Mean, err = stats.Mean(column); err != nil {
			return nil, err
		}
		if s.Median, err = stats.Median(column); err != nil {
			return nil, err
		}
		if s.Min, err = stats.Min(column); err != nil {
			return nil, err
		}
		if s.Max, err = stats.Max(column); err != nil {
			return nil, err
		}
		if len(column) > 1 {
			if s.StdDev, err = stats.StandardDeviationSample(column); err != nil {
				return nil, err
			}
		}
		r.Summaries = append(r.Summaries, s)
	}
	r.Hardest = lo.MinBy(r.Summaries, func(a, b Summary) bool { return a.Mean < b.Mean })
	return r, nil
}

// SortedByMean returns the summaries in ascending order of mean score.
// Ties keep their code order.
func (r *Report) SortedByMean() []Summary {
	sorted := slices.Clone(r.Summaries)
	slices.SortStableFunc(sorted, func(a, b Summary) int {
		return cmp.Compare(a.Mean, b.Mean)
	})
	return sorted
}
