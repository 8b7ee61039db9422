package level

import "math"

// Statistics are running min/max/sum/count over smoothed levels. The zero
// state has Minimum=+Inf and Maximum=0, so it must be built through reset.
type Statistics struct {
	Minimum float64
	Maximum float64
	Sum     float64
	Count   int64
}

func ZeroStatistics() Statistics {
	var s Statistics
	s.reset()
	return s
}

func (s *Statistics) reset() {
	s.Minimum = math.Inf(1)
	s.Maximum = 0
	s.Sum = 0
	s.Count = 0
}

func (s *Statistics) fold(v float64) {
	if v < s.Minimum {
		s.Minimum = v
	}
	if v > s.Maximum {
		s.Maximum = v
	}
	s.Sum += v
	s.Count++
}

// Average is only defined once at least one value was folded in.
func (s Statistics) Average() (float64, bool) {
	if s.Count == 0 {
		return 0, false
	}
	return s.Sum / float64(s.Count), true
}

func (s Statistics) Empty() bool {
	return s.Count == 0
}

// Snapshot is a point-in-time copy of the estimator. Updated is false until
// the first successful Update after construction or Reset, which tells a
// level that was never measured apart from one that is genuinely 0.
type Snapshot struct {
	Statistics
	Current float64
	Peak    float64
	Updated bool
}
