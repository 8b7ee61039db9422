package processing

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"sleepywoodpecker/rp-noise-meter/internal/level"
	"sleepywoodpecker/rp-noise-meter/internal/speed"
)

const SamplingChannelName = "noise_meter"

type sampler struct {
	samplingFrequency time.Duration
	conn              io.Writer
	estimator         *level.Estimator
	speedStore        *speed.Store
	sessionID         func() string
	logger            *zap.Logger
}

// NewSampler pushes a snapshot of the meter to a telegraf socket listener
// once per samplingFrequency, in influx line protocol.
func NewSampler(samplingFrequency time.Duration, conn io.Writer, estimator *level.Estimator, speedStore *speed.Store, sessionID func() string, logger *zap.Logger) *sampler {
	return &sampler{
		samplingFrequency: samplingFrequency,
		conn:              conn,
		estimator:         estimator,
		speedStore:        speedStore,
		sessionID:         sessionID,
		logger:            logger,
	}
}

// FormatSample returns "" when there is nothing worth sending yet.
func (s *sampler) FormatSample(now time.Time) string {
	var fields []string

	snap := s.estimator.Snapshot()
	if avg, ok := snap.Average(); ok {
		fields = append(fields,
			fmt.Sprintf("level=%.2f", snap.Current),
			fmt.Sprintf("min=%.2f", snap.Minimum),
			fmt.Sprintf("avg=%.2f", avg),
			fmt.Sprintf("max=%.2f", snap.Maximum),
			fmt.Sprintf("peak=%.2f", snap.Peak),
			fmt.Sprintf("count=%di", snap.Count),
		)
	}
	if kmh, ok := speed.MetersPerSecondToKmph(s.speedStore.Latest(now).MetersPerSecond); ok {
		fields = append(fields, fmt.Sprintf("speed_kmh=%.2f", kmh))
	}
	if len(fields) == 0 {
		return ""
	}

	measurement := SamplingChannelName
	if id := s.sessionID(); id != "" {
		measurement += ",session=" + id
	}
	return fmt.Sprintf("%s %s %d\n", measurement, strings.Join(fields, ","), now.UnixNano())
}

func (s *sampler) SampleAndLog(now time.Time) {
	influxString := s.FormatSample(now)
	if influxString == "" {
		return
	}

	err := s.sendToConn(influxString)
	if err != nil {
		s.logger.Warn("[sampler] Error writing data to UDP connection", zap.Error(err))
	} else {
		s.logger.Debug("[sampler] collected sample", zap.String("influxString", influxString))
	}
}

func (s *sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.samplingFrequency)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("[sampler] received shutdown signal")
			return
		case now := <-ticker.C:
			s.SampleAndLog(now)
		}
	}
}

func (s *sampler) sendToConn(formattedData string) error {
	// one datagram per sample; a short write would split the record
	n, err := s.conn.Write([]byte(formattedData))
	if err != nil {
		return err
	}
	if n != len(formattedData) {
		return io.ErrShortWrite
	}
	return nil
}
