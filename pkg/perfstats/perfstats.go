package perfstats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Accumulate samples of how long something took
type TimeAccumulator struct {
	Samples int64
	Total   time.Duration
	Max     time.Duration
}

func (a *TimeAccumulator) Reset() {
	a.Samples = 0
	a.Total = 0
	a.Max = 0
}

func (a *TimeAccumulator) AddSample(v time.Duration) {
	a.Samples++
	a.Total += v
	a.Max = max(a.Max, v)
}

func (a *TimeAccumulator) Average() time.Duration {
	if a.Samples == 0 {
		return 0
	}
	return time.Duration(a.Total.Nanoseconds() / a.Samples)
}

// StageSummary is a snapshot of one stage of Stages
type StageSummary struct {
	Samples   int64   `json:"samples"`
	TotalMS   float64 `json:"totalMs"`
	AverageMS float64 `json:"averageMs"`
	MaxMS     float64 `json:"maxMs"`
}

// Stages accumulates timings for named stages of a pipeline.
// It is safe for concurrent use.
type Stages struct {
	lock   sync.Mutex
	stages map[string]*TimeAccumulator
}

func NewStages() *Stages {
	return &Stages{
		stages: map[string]*TimeAccumulator{},
	}
}

func (s *Stages) Add(stage string, d time.Duration) {
	s.lock.Lock()
	defer s.lock.Unlock()
	acc := s.stages[stage]
	if acc == nil {
		acc = &TimeAccumulator{}
		s.stages[stage] = acc
	}
	acc.AddSample(d)
}

// Since records the time elapsed since start
func (s *Stages) Since(stage string, start time.Time) {
	s.Add(stage, time.Since(start))
}

func (s *Stages) Get(stage string) TimeAccumulator {
	s.lock.Lock()
	defer s.lock.Unlock()
	if acc := s.stages[stage]; acc != nil {
		return *acc
	}
	return TimeAccumulator{}
}

func (s *Stages) Summary() map[string]StageSummary {
	s.lock.Lock()
	defer s.lock.Unlock()
	ms := func(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }
	out := map[string]StageSummary{}
	for name, acc := range s.stages {
		out[name] = StageSummary{
			Samples:   acc.Samples,
			TotalMS:   ms(acc.Total),
			AverageMS: ms(acc.Average()),
			MaxMS:     ms(acc.Max),
		}
	}
	return out
}

// String returns one line per stage, sorted by name
func (s *Stages) String() string {
	summary := s.Summary()
	names := make([]string, 0, len(summary))
	for name := range summary {
		names = append(names, name)
	}
	sort.Strings(names)
	lines := []string{}
	for _, name := range names {
		st := summary[name]
		lines = append(lines, fmt.Sprintf("%-12v n=%-5v avg=%.1fms max=%.1fms total=%.1fms", name, st.Samples, st.AverageMS, st.MaxMS, st.TotalMS))
	}
	return strings.Join(lines, "\n")
}
