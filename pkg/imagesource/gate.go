package imagesource

import (
	"context"
	"math"
	"time"

	"github.com/cyclopcam/pixdetect/pkg/failure"
	"golang.org/x/time/rate"
)

// RateGate enforces a minimum delay between the start of successive requests.
// A single gate is shared by every request of a batch, regardless of how many are in flight.
// The delay is measured between request starts, so slow responses do not earn extra requests.
type RateGate struct {
	minInterval time.Duration
	limiter     *rate.Limiter
}

// NewRateGate creates a gate. An interval of zero disables the delay.
func NewRateGate(minInterval time.Duration) (*RateGate, error) {
	if minInterval < 0 {
		return nil, failure.Newf(failure.ConfigInvalid, "negative minimum request interval %v", minInterval)
	}
	limit := rate.Inf
	if minInterval > 0 {
		limit = rate.Every(minInterval)
	}
	return &RateGate{
		minInterval: minInterval,
		limiter:     rate.NewLimiter(limit, 1),
	}, nil
}

// Wait blocks until a request may start, or ctx is done
func (g *RateGate) Wait(ctx context.Context) error {
	return g.limiter.Wait(ctx)
}

func (g *RateGate) MinInterval() time.Duration {
	return g.minInterval
}

// RequestsPerSecond is for logging
func (g *RateGate) RequestsPerSecond() float64 {
	if g.minInterval == 0 {
		return math.Inf(1)
	}
	return float64(time.Second) / float64(g.minInterval)
}
