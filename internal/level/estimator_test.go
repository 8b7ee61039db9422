package level

import (
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// constantBlock returns a block whose RMS is amplitude.
func constantBlock(amplitude float32, n int) SampleBlock {
	b := make(SampleBlock, n)
	for i := range b {
		b[i] = amplitude
		if i%2 == 1 {
			b[i] = -amplitude
		}
	}
	return b
}

// amplitudeForRaw inverts the default scale: raw = 20*log10(rms+eps) + 50.
func amplitudeForRaw(raw float64) float32 {
	return float32(math.Pow(10, (raw-DefaultOffset)/20) - DefaultEpsilon)
}

func newDefaultEstimator(t *testing.T) *Estimator {
	t.Helper()
	e, err := NewEstimator(DefaultParams())
	require.NoError(t, err)
	return e
}

func TestUpdateTwoStepScenario(t *testing.T) {
	e := newDefaultEstimator(t)
	block := constantBlock(amplitudeForRaw(40), DefaultBlockSize)

	raw, err := e.Raw(block)
	require.NoError(t, err)
	require.InDelta(t, 40.0, raw, 1e-4)

	first, err := e.Update(block)
	require.NoError(t, err)
	assert.InDelta(t, 4.0, first, 1e-4)

	second, err := e.Update(block)
	require.NoError(t, err)
	assert.InDelta(t, 7.6, second, 1e-4)

	snap := e.Snapshot()
	assert.True(t, snap.Updated)
	assert.EqualValues(t, 2, snap.Count)
	assert.InDelta(t, 4.0, snap.Minimum, 1e-4)
	assert.InDelta(t, 7.6, snap.Maximum, 1e-4)
	avg, ok := snap.Average()
	require.True(t, ok)
	assert.InDelta(t, 5.8, avg, 1e-4)
	assert.InDelta(t, 40.0, snap.Peak, 1e-4)
	assert.Equal(t, second, snap.Current)
}

func TestUpdateIsBounded(t *testing.T) {
	e := newDefaultEstimator(t)
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 500; i++ {
		n := 1 + rng.Intn(4096)
		scale := []float32{0, 1e-6, 1e-3, 0.1, 1, 100}[rng.Intn(6)]
		block := make(SampleBlock, n)
		for j := range block {
			block[j] = (rng.Float32()*2 - 1) * scale
		}

		v, err := e.Update(block)
		require.NoError(t, err)
		require.GreaterOrEqual(t, v, 0.0)
		require.LessOrEqual(t, v, 50.0)
	}
}

func TestUpdateConvergesWithoutOvershoot(t *testing.T) {
	const tolerance = 1e-9

	t.Run("from below", func(t *testing.T) {
		e := newDefaultEstimator(t)
		block := constantBlock(amplitudeForRaw(35), 256)
		target, err := e.Raw(block)
		require.NoError(t, err)

		prev := 0.0
		for i := 0; i < 200; i++ {
			v, err := e.Update(block)
			require.NoError(t, err)
			require.GreaterOrEqual(t, v, prev-tolerance)
			require.LessOrEqual(t, v, target+tolerance)
			prev = v
		}
		assert.InDelta(t, target, prev, 1e-6)
	})

	t.Run("from above", func(t *testing.T) {
		e := newDefaultEstimator(t)
		loud := constantBlock(1, 256)
		for i := 0; i < 200; i++ {
			_, err := e.Update(loud)
			require.NoError(t, err)
		}

		quiet := constantBlock(amplitudeForRaw(10), 256)
		target, err := e.Raw(quiet)
		require.NoError(t, err)

		prev := e.Snapshot().Current
		for i := 0; i < 300; i++ {
			v, err := e.Update(quiet)
			require.NoError(t, err)
			require.LessOrEqual(t, v, prev+tolerance)
			require.GreaterOrEqual(t, v, target-tolerance)
			prev = v
		}
		assert.InDelta(t, target, prev, 1e-6)
	})
}

func TestStatisticsBracketEveryValue(t *testing.T) {
	e := newDefaultEstimator(t)
	rng := rand.New(rand.NewSource(42))

	var seen []float64
	var sum float64
	for i := 0; i < 100; i++ {
		v, err := e.Update(constantBlock(rng.Float32(), 64))
		require.NoError(t, err)
		seen = append(seen, v)
		sum += v
	}

	snap := e.Snapshot()
	for _, v := range seen {
		assert.LessOrEqual(t, snap.Minimum, v)
		assert.GreaterOrEqual(t, snap.Maximum, v)
	}
	avg, ok := snap.Average()
	require.True(t, ok)
	assert.Equal(t, snap.Sum/float64(snap.Count), avg)
	assert.InDelta(t, sum, snap.Sum, 1e-9)
}

func TestSilentBlock(t *testing.T) {
	e := newDefaultEstimator(t)
	silence := make(SampleBlock, DefaultBlockSize)

	floor := math.Min(50, math.Max(0, 20*math.Log10(DefaultEpsilon)+50))
	assert.Equal(t, floor, e.Floor())

	v, err := e.Update(silence)
	require.NoError(t, err)
	assert.Equal(t, DefaultAlpha*0+(1-DefaultAlpha)*floor, v)
	assert.False(t, math.IsNaN(v))
	assert.True(t, e.Snapshot().Updated)
}

func TestInvalidBlocksKeepState(t *testing.T) {
	e := newDefaultEstimator(t)
	good := constantBlock(amplitudeForRaw(40), 128)
	before, err := e.Update(good)
	require.NoError(t, err)

	for name, block := range map[string]SampleBlock{
		"empty": {},
		"nil":   nil,
		"nan":   {0.1, float32(math.NaN()), 0.2},
		"inf":   {float32(math.Inf(1))},
	} {
		t.Run(name, func(t *testing.T) {
			v, err := e.Update(block)
			var invalid *InvalidInputError
			require.ErrorAs(t, err, &invalid)
			assert.Equal(t, before, v)
			assert.EqualValues(t, 1, e.Snapshot().Count)
		})
	}
}

func TestResetIsIdempotent(t *testing.T) {
	e := newDefaultEstimator(t)
	_, err := e.Update(constantBlock(0.5, 32))
	require.NoError(t, err)

	e.Reset()
	once := e.Snapshot()
	e.Reset()
	twice := e.Snapshot()

	assert.Equal(t, once, twice)
	assert.False(t, once.Updated)
	assert.True(t, math.IsInf(once.Minimum, 1))
	assert.Zero(t, once.Maximum)
	assert.Zero(t, once.Sum)
	assert.Zero(t, once.Count)
	assert.Zero(t, once.Current)
	_, ok := once.Average()
	assert.False(t, ok)

	// smoothing history restarts from zero after a reset
	v, err := e.Update(constantBlock(amplitudeForRaw(40), 64))
	require.NoError(t, err)
	assert.InDelta(t, 4.0, v, 1e-4)
}

func TestSnapshotBeforeUpdate(t *testing.T) {
	e := newDefaultEstimator(t)
	snap := e.Snapshot()
	assert.False(t, snap.Updated)
	assert.True(t, snap.Empty())
	assert.Equal(t, ZeroStatistics(), snap.Statistics)
}

func TestConcurrentUpdates(t *testing.T) {
	e := newDefaultEstimator(t)
	block := constantBlock(0.25, 64)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				_, _ = e.Update(block)
				_ = e.Snapshot()
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 2000, e.Snapshot().Count)
}

func TestParamsValidate(t *testing.T) {
	p := DefaultParams()
	p.Alpha = 1
	_, err := NewEstimator(p)
	require.Error(t, err)

	p = DefaultParams()
	p.Epsilon = 0
	_, err = NewEstimator(p)
	require.Error(t, err)
}

func BenchmarkUpdate(b *testing.B) {
	e, _ := NewEstimator(DefaultParams())
	block := constantBlock(0.3, DefaultBlockSize)
	for i := 0; i < b.N; i++ {
		_, _ = e.Update(block)
	}
}
