// Package speed converts receiver speed fixes into km/h for display. It never
// integrates or filters across fixes: every reading replaces the last one.
package speed

import (
	"math"
	"strconv"
	"sync"
	"time"
)

const (
	MpsToKmph = 3.6

	// KnotsToMps is used for NMEA sentences, which report speed over ground in knots.
	KnotsToMps = 1852.0 / 3600.0

	// GaugeMaxKmph is the full-scale value of the speed dial.
	GaugeMaxKmph = 180.0

	Placeholder = "--"
)

// Reading is one speed fix. A nil MetersPerSecond means no fix: the receiver has
// not locked yet or reported an invalid fix.
type Reading struct {
	MetersPerSecond *float64
	Timestamp       time.Time
}

func NewReading(mps float64, ts time.Time) Reading {
	return Reading{MetersPerSecond: &mps, Timestamp: ts}
}

func Absent(ts time.Time) Reading {
	return Reading{Timestamp: ts}
}

func (r Reading) Present() bool {
	_, ok := MetersPerSecondToKmph(r.MetersPerSecond)
	return ok
}

// MetersPerSecondToKmph returns false when there is nothing to show: no fix,
// NaN, infinite or negative speed. Callers must not render that as zero.
func MetersPerSecondToKmph(mps *float64) (float64, bool) {
	if mps == nil {
		return 0, false
	}
	v := *mps
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, false
	}
	return v * MpsToKmph, true
}

// FormatKmph renders a speed to one decimal place, or the placeholder.
func FormatKmph(mps *float64) string {
	kmh, ok := MetersPerSecondToKmph(mps)
	if !ok {
		return Placeholder
	}
	return strconv.FormatFloat(kmh, 'f', 1, 64)
}

// GaugeFraction maps km/h onto the dial, clamped to [0, 1].
func GaugeFraction(kmh float64) float64 {
	if math.IsNaN(kmh) || kmh <= 0 {
		return 0
	}
	return math.Min(1, kmh/GaugeMaxKmph)
}

// Store holds the most recent reading. Readings older than maxAge count as
// absent when read back; a zero maxAge disables the check.
type Store struct {
	maxAge time.Duration

	mu      sync.Mutex
	latest  Reading
	hasSeen bool
}

func NewStore(maxAge time.Duration) *Store {
	return &Store{maxAge: maxAge}
}

func (s *Store) Update(r Reading) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.MetersPerSecond != nil {
		v := *r.MetersPerSecond
		r.MetersPerSecond = &v
	}
	s.latest = r
	s.hasSeen = true
}

func (s *Store) Latest(now time.Time) Reading {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasSeen {
		return Absent(now)
	}
	r := s.latest
	if s.maxAge > 0 && now.Sub(r.Timestamp) > s.maxAge {
		return Absent(r.Timestamp)
	}
	if r.MetersPerSecond != nil {
		v := *r.MetersPerSecond
		r.MetersPerSecond = &v
	}
	return r
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.latest = Reading{}
	s.hasSeen = false
}
