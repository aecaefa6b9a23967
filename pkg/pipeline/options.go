package pipeline

import (
	"strings"

	"github.com/cyclopcam/pixdetect/pkg/failure"
	"github.com/cyclopcam/pixdetect/pkg/nn"
	"github.com/cyclopcam/pixdetect/pkg/osutil"
)

const (
	DefaultPageSize     = 20
	DefaultTargetWidth  = 640
	DefaultTargetHeight = 640
)

// Options for a single run
type Options struct {
	Query        string             `json:"query"`
	Count        int                `json:"count"`
	PageSize     int                `json:"pageSize"`
	TargetWidth  int                `json:"targetWidth"`
	TargetHeight int                `json:"targetHeight"`
	Params       nn.DetectionParams `json:"params"`
	Concurrency  int                `json:"concurrency"` // Number of transform/detect workers. 0 = number of CPUs
	QueueSize    int                `json:"queueSize"`   // Records waiting for a worker. 0 = 2 * Concurrency
}

func NewOptions(query string, count int) Options {
	return Options{
		Query:        query,
		Count:        count,
		PageSize:     DefaultPageSize,
		TargetWidth:  DefaultTargetWidth,
		TargetHeight: DefaultTargetHeight,
		Params:       *nn.NewDetectionParams(),
	}
}

// withDefaults fills in the zero-valued concurrency settings
func (o Options) withDefaults() Options {
	if o.Concurrency == 0 {
		o.Concurrency = osutil.NumCPU()
	}
	if o.QueueSize == 0 {
		o.QueueSize = 2 * o.Concurrency
	}
	return o
}

func (o *Options) Validate() error {
	if strings.TrimSpace(o.Query) == "" {
		return failure.Newf(failure.ConfigInvalid, "query is empty")
	}
	if o.Count <= 0 {
		return failure.Newf(failure.ConfigInvalid, "count must be positive (got %v)", o.Count)
	}
	if o.PageSize <= 0 {
		return failure.Newf(failure.ConfigInvalid, "page size must be positive (got %v)", o.PageSize)
	}
	if o.TargetWidth <= 0 || o.TargetHeight <= 0 {
		return failure.Newf(failure.ConfigInvalid, "target size must be positive (got %vx%v)", o.TargetWidth, o.TargetHeight)
	}
	if o.Concurrency < 0 || o.QueueSize < 0 {
		return failure.Newf(failure.ConfigInvalid, "negative concurrency or queue size")
	}
	return o.Params.Validate()
}
