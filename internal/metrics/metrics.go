package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"sleepywoodpecker/rp-noise-meter/internal/level"
	"sleepywoodpecker/rp-noise-meter/internal/sensor"
	"sleepywoodpecker/rp-noise-meter/internal/speed"
)

var (
	InvalidBlocks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "noise_invalid_blocks_total",
		Help: "Sample blocks skipped because they were empty or malformed",
	})

	levelCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "noise_level_current",
		Help: "Smoothed noise level",
	})

	levelStats = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "noise_level_statistic",
		Help: "Running noise level statistics since the last reset",
	}, []string{"stat"})

	levelUpdates = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "noise_level_samples",
		Help: "Number of smoothed values folded into the statistics since the last reset",
	})

	speedKmph = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "speed_kmh",
		Help: "Last reported speed over ground; only meaningful while speed_fix_present is 1",
	})

	speedFix = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "speed_fix_present",
		Help: "1 when the location sensor reported a usable fix, 0 otherwise",
	})

	sensorNotices = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sensor_notices_total",
		Help: "Notices raised by sensors",
	}, []string{"sensor", "code"})

	Exports = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "noise_exports_total",
		Help: "Exports produced, by format",
	}, []string{"format"})
)

// Sink mirrors everything the meter displays into Prometheus gauges.
type Sink struct{}

func (Sink) RenderLevel(s level.Snapshot) {
	levelCurrent.Set(s.Current)
	levelUpdates.Set(float64(s.Count))
	avg, ok := s.Average()
	if !ok {
		// after a reset there is nothing to report; +Inf would leak out as min
		levelStats.Reset()
		return
	}
	levelStats.WithLabelValues("min").Set(s.Minimum)
	levelStats.WithLabelValues("avg").Set(avg)
	levelStats.WithLabelValues("max").Set(s.Maximum)
	levelStats.WithLabelValues("peak").Set(s.Peak)
}

func (Sink) RenderSpeed(r speed.Reading) {
	kmh, ok := speed.MetersPerSecondToKmph(r.MetersPerSecond)
	if !ok {
		speedFix.Set(0)
		return
	}
	speedFix.Set(1)
	speedKmph.Set(kmh)
}

func (Sink) Notify(n sensor.Notice) {
	sensorNotices.WithLabelValues(n.Sensor, n.Code).Inc()
}
