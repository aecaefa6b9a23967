// Package resultdb stores detection runs in sqlite
package resultdb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/pixdetect/pkg/failure"
	"github.com/cyclopcam/pixdetect/pkg/imagesource"
	"github.com/cyclopcam/pixdetect/pkg/nn"
	"github.com/cyclopcam/pixdetect/pkg/pipeline"
	"golang.org/x/crypto/blake2b"
	"gorm.io/gorm"
)

// ResultDB implements pipeline.ResultSink
type ResultDB struct {
	Log logs.Log
	DB  *gorm.DB
}

func NewResultDB(log logs.Log, dbFilename string) (*ResultDB, error) {
	os.MkdirAll(filepath.Dir(dbFilename), 0777)
	db, err := dbh.OpenDB(log, dbh.MakeSqliteConfig(dbFilename), Migrations(log), 0)
	if err != nil {
		return nil, fmt.Errorf("Failed to open database %v: %w", dbFilename, err)
	}
	return &ResultDB{
		Log: log,
		DB:  db,
	}, nil
}

func (r *ResultDB) Close() {
	if sqlDB, err := r.DB.DB(); err == nil {
		sqlDB.Close()
	}
}

// ContentHash is the BLAKE2b-256 hash of raw
func ContentHash(raw []byte) []byte {
	h := blake2b.Sum256(raw)
	return h[:]
}

func (r *ResultDB) BeginRun(ctx context.Context, runID string, opts *pipeline.Options) error {
	run := &Run{
		RunID:               runID,
		Query:               opts.Query,
		CreatedAt:           dbh.MakeIntTime(time.Now()),
		CountRequested:      opts.Count,
		ConfidenceThreshold: opts.Params.ConfidenceThreshold,
		IouThreshold:        opts.Params.NmsIouThreshold,
	}
	return r.DB.WithContext(ctx).Create(run).Error
}

// SaveResult writes the result and its detections in a single transaction
func (r *ResultDB) SaveResult(ctx context.Context, runID string, res *pipeline.DetectionResult, rec *imagesource.ImageRecord) error {
	row := &ImageResult{
		RunID:     runID,
		Seq:       res.Seq,
		ImageID:   res.ImageID,
		SourceURL: res.SourceURL,
		Width:     res.Width,
		Height:    res.Height,
	}
	if rec != nil && len(rec.RawBytes) != 0 {
		row.ContentHash = ContentHash(rec.RawBytes)
	}
	if res.Error != nil {
		row.ErrorKind = string(res.Error.Kind)
		row.ErrorMessage = res.Error.Message
	}
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(row).Error; err != nil {
			return err
		}
		if len(res.Detections) == 0 {
			return nil
		}
		dets := make([]Detection, 0, len(res.Detections))
		for _, d := range res.Detections {
			dets = append(dets, Detection{
				ImageResultID: row.ID,
				Class:         d.Class,
				Confidence:    d.Confidence,
				X1:            d.Box.X1,
				Y1:            d.Box.Y1,
				X2:            d.Box.X2,
				Y2:            d.Box.Y2,
			})
		}
		return tx.Create(&dets).Error
	})
}

// Runs returns all runs, newest first
func (r *ResultDB) Runs() ([]Run, error) {
	runs := []Run{}
	err := r.DB.Order("created_at DESC, id DESC").Find(&runs).Error
	return runs, err
}

func (r *ResultDB) GetRun(runID string) (*Run, error) {
	run := Run{}
	if err := r.DB.Where("run_id = ?", runID).First(&run).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

// LoadResults returns the results of a run, in seq order.
// Detections within each result are in descending confidence, as they were saved.
func (r *ResultDB) LoadResults(runID string) ([]*pipeline.DetectionResult, error) {
	rows := []ImageResult{}
	if err := r.DB.Where("run_id = ?", runID).Order("seq").Find(&rows).Error; err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	dets := []Detection{}
	if len(ids) != 0 {
		if err := r.DB.Where("image_result_id IN ?", ids).Order("id").Find(&dets).Error; err != nil {
			return nil, err
		}
	}
	byResult := map[int64][]nn.Detection{}
	for _, d := range dets {
		byResult[d.ImageResultID] = append(byResult[d.ImageResultID], nn.Detection{
			Class:      d.Class,
			Confidence: d.Confidence,
			Box:        nn.Rect{X1: d.X1, Y1: d.Y1, X2: d.X2, Y2: d.Y2},
		})
	}

	results := make([]*pipeline.DetectionResult, 0, len(rows))
	for _, row := range rows {
		res := &pipeline.DetectionResult{
			Seq:       row.Seq,
			ImageID:   row.ImageID,
			SourceURL: row.SourceURL,
			Width:     row.Width,
			Height:    row.Height,
		}
		if row.ErrorKind != "" {
			res.Error = &pipeline.ResultError{Kind: failure.Kind(row.ErrorKind), Message: row.ErrorMessage}
		} else {
			res.Detections = byResult[row.ID]
			if res.Detections == nil {
				res.Detections = []nn.Detection{}
			}
		}
		results = append(results, res)
	}
	return results, nil
}
