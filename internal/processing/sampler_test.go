package processing

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sleepywoodpecker/rp-noise-meter/internal/speed"
)

func TestFormatSampleEmptyMeter(t *testing.T) {
	s := NewSampler(time.Second, &bytes.Buffer{}, newEstimator(t), speed.NewStore(0), func() string { return "abc" }, zap.NewNop())
	assert.Empty(t, s.FormatSample(time.Now()))
}

func TestFormatSampleLevelAndSpeed(t *testing.T) {
	est := newEstimator(t)
	_, err := est.Update(block(0.5, 64))
	require.NoError(t, err)

	store := speed.NewStore(0)
	now := time.Unix(1700000000, 0)
	store.Update(speed.NewReading(10, now))

	var conn bytes.Buffer
	s := NewSampler(time.Second, &conn, est, store, func() string { return "abc" }, zap.NewNop())
	s.SampleAndLog(now)

	line := conn.String()
	assert.True(t, strings.HasPrefix(line, "noise_meter,session=abc level="), line)
	assert.Contains(t, line, ",count=1i,")
	assert.Contains(t, line, "speed_kmh=36.00")
	assert.True(t, strings.HasSuffix(line, " 1700000000000000000\n"), line)
}

func TestFormatSampleSpeedOnly(t *testing.T) {
	store := speed.NewStore(0)
	now := time.Now()
	store.Update(speed.NewReading(0, now))

	s := NewSampler(time.Second, &bytes.Buffer{}, newEstimator(t), store, func() string { return "" }, zap.NewNop())
	line := s.FormatSample(now)
	assert.True(t, strings.HasPrefix(line, "noise_meter speed_kmh=0.00 "), line)
}
