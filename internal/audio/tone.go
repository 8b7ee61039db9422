package audio

import (
	"context"
	"math"
	"time"

	"sleepywoodpecker/rp-noise-meter/internal/level"
)

// Tone is a synthetic input: a sine of fixed amplitude (0 gives silence),
// emitted one block per Period. Used for demos and tests in place of a
// microphone.
type Tone struct {
	Amplitude  float32
	Frequency  float64
	SampleRate float64
	BlockSize  int
	Period     time.Duration

	phase float64
}

func NewTone(amplitude float32, period time.Duration) *Tone {
	return &Tone{
		Amplitude:  amplitude,
		Frequency:  440,
		SampleRate: 48000,
		BlockSize:  level.DefaultBlockSize,
		Period:     period,
	}
}

// Next renders the following block, continuing the phase of the previous one.
func (t *Tone) Next() level.SampleBlock {
	block := make(level.SampleBlock, t.BlockSize)
	step := 2 * math.Pi * t.Frequency / t.SampleRate
	for i := range block {
		block[i] = t.Amplitude * float32(math.Sin(t.phase))
		t.phase += step
	}
	t.phase = math.Mod(t.phase, 2*math.Pi)
	return block
}

func (t *Tone) Watch(ctx context.Context, deliver func(level.SampleBlock), advise func(error)) error {
	period := t.Period
	if period <= 0 {
		period = time.Duration(float64(time.Second) * float64(t.BlockSize) / t.SampleRate)
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			deliver(t.Next())
		}
	}
}
