package resultdb

import "github.com/cyclopcam/dbh"

// BaseModel is our base class for a GORM model.
// The default GORM Model uses int, but we prefer int64
type BaseModel struct {
	ID int64 `gorm:"primaryKey" json:"id"`
}

type Run struct {
	BaseModel
	RunID               string      `json:"runId"`
	Query               string      `json:"query"`
	CreatedAt           dbh.IntTime `json:"createdAt"`
	CountRequested      int         `json:"countRequested"`
	ConfidenceThreshold float32     `json:"confidenceThreshold"`
	IouThreshold        float32     `json:"iouThreshold"`
}

func (Run) TableName() string {
	return "run"
}

type ImageResult struct {
	BaseModel
	RunID        string `json:"runId"`
	Seq          int    `json:"seq"`
	ImageID      string `json:"imageId"`
	SourceURL    string `json:"sourceUrl"`
	ContentHash  []byte `json:"contentHash" gorm:"default:null"` // BLAKE2b-256 of the downloaded bytes
	Width        int    `json:"width" gorm:"default:null"`
	Height       int    `json:"height" gorm:"default:null"`
	ErrorKind    string `json:"errorKind" gorm:"default:null"`
	ErrorMessage string `json:"errorMessage" gorm:"default:null"`
}

func (ImageResult) TableName() string {
	return "image_result"
}

type Detection struct {
	BaseModel
	ImageResultID int64   `json:"imageResultId"`
	Class         string  `json:"class"`
	Confidence    float32 `json:"confidence"`
	X1            float32 `json:"x1"`
	Y1            float32 `json:"y1"`
	X2            float32 `json:"x2"`
	Y2            float32 `json:"y2"`
}

func (Detection) TableName() string {
	return "detection"
}
