package perfstats

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimeAccumulator(t *testing.T) {
	a := TimeAccumulator{}
	require.Equal(t, time.Duration(0), a.Average())
	a.AddSample(10 * time.Millisecond)
	a.AddSample(30 * time.Millisecond)
	require.Equal(t, 20*time.Millisecond, a.Average())
	require.Equal(t, 30*time.Millisecond, a.Max)
	a.Reset()
	require.EqualValues(t, 0, a.Samples)
}

func TestStagesConcurrent(t *testing.T) {
	s := NewStages()
	wg := sync.WaitGroup{}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.Add("score", time.Millisecond)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 800, s.Get("score").Samples)
	sum := s.Summary()["score"]
	require.Equal(t, 800.0, sum.TotalMS)
	require.Equal(t, 1.0, sum.AverageMS)
	require.Contains(t, s.String(), "score")
}
