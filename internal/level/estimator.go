// Package level turns blocks of microphone samples into a smoothed, bounded
// loudness value and keeps running statistics over those values.
//
// The scale is an arbitrary display unit, not calibrated dB SPL: the RMS of a
// block is converted with 20*log10, shifted by Offset and clamped to
// [0, Ceiling].
package level

import (
	"fmt"
	"math"
	"sync"
)

const (
	DefaultAlpha   = 0.9
	DefaultEpsilon = 1e-4
	DefaultOffset  = 50.0
	DefaultCeiling = 50.0

	// DefaultBlockSize matches the analyser buffer the meter was tuned with.
	DefaultBlockSize = 2048
)

// SampleBlock holds time-domain amplitudes in [-1, 1]. A block is owned by the
// estimator only for the duration of one Update call.
type SampleBlock []float32

// InvalidInputError is returned for blocks that cannot produce a level. The
// estimator state is left untouched when it is returned.
type InvalidInputError struct {
	Reason string
	Length int
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("[level] invalid sample block (len %d): %s", e.Length, e.Reason)
}

type Params struct {
	Alpha   float64
	Epsilon float64
	Offset  float64
	Ceiling float64
}

func DefaultParams() Params {
	return Params{
		Alpha:   DefaultAlpha,
		Epsilon: DefaultEpsilon,
		Offset:  DefaultOffset,
		Ceiling: DefaultCeiling,
	}
}

func (p Params) Validate() error {
	if p.Alpha < 0 || p.Alpha >= 1 || math.IsNaN(p.Alpha) {
		return fmt.Errorf("smoothing factor must be in [0, 1), got %v", p.Alpha)
	}
	if p.Epsilon <= 0 || math.IsNaN(p.Epsilon) {
		return fmt.Errorf("epsilon must be > 0, got %v", p.Epsilon)
	}
	if p.Ceiling <= 0 || math.IsNaN(p.Ceiling) {
		return fmt.Errorf("ceiling must be > 0, got %v", p.Ceiling)
	}
	return nil
}

// Estimator is safe for concurrent use. Sensor callbacks, the sampler and the
// HTTP handlers all reach it from different goroutines.
type Estimator struct {
	params Params

	mu       sync.Mutex
	smoothed float64
	peak     float64
	updated  bool
	stats    Statistics
}

func NewEstimator(params Params) (*Estimator, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	e := &Estimator{params: params}
	e.stats.reset()
	return e, nil
}

func (e *Estimator) Params() Params {
	return e.params
}

// Update folds one block into the estimate and returns the new smoothed level.
// On error the previous smoothed level is returned unchanged.
func (e *Estimator) Update(block SampleBlock) (float64, error) {
	raw, err := e.Raw(block)

	e.mu.Lock()
	defer e.mu.Unlock()

	if err != nil {
		return e.smoothed, err
	}

	e.smoothed = e.params.Alpha*e.smoothed + (1-e.params.Alpha)*raw
	e.updated = true
	if raw > e.peak {
		e.peak = raw
	}
	e.stats.fold(e.smoothed)

	return e.smoothed, nil
}

// Raw computes the unsmoothed level for a block without touching any state.
func (e *Estimator) Raw(block SampleBlock) (float64, error) {
	if len(block) == 0 {
		return 0, &InvalidInputError{Reason: "empty block"}
	}

	var sumSquares float64
	for _, s := range block {
		v := float64(s)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, &InvalidInputError{Reason: "non-finite sample", Length: len(block)}
		}
		sumSquares += v * v
	}

	rms := math.Sqrt(sumSquares / float64(len(block)))
	return e.scale(rms), nil
}

func (e *Estimator) scale(rms float64) float64 {
	db := 20*math.Log10(rms+e.params.Epsilon) + e.params.Offset
	return math.Min(e.params.Ceiling, math.Max(0, db))
}

// Floor is the level a silent block maps to.
func (e *Estimator) Floor() float64 {
	return e.scale(0)
}

// Reset clears statistics, the smoothing history and the peak. Sensor state is
// owned elsewhere and is not touched.
func (e *Estimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.smoothed = 0
	e.peak = 0
	e.updated = false
	e.stats.reset()
}

func (e *Estimator) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	return Snapshot{
		Statistics: e.stats,
		Current:    e.smoothed,
		Peak:       e.peak,
		Updated:    e.updated,
	}
}
