package progress

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstSampleSeedsOnly(t *testing.T) {
	r := New(0, zerolog.Nop())
	assert.Nil(t, r.sampleAt(time.Now(), 0, 1000))
}

func TestReportsAfterMinInterval(t *testing.T) {
	r := New(0, zerolog.Nop())
	now := time.Now()
	r.sampleAt(now, 0, 1000)

	// Under the 5s floor: no report.
	assert.Nil(t, r.sampleAt(now.Add(2*time.Second), 10, 1000))

	report := r.sampleAt(now.Add(10*time.Second), 100, 1000)
	require.NotNil(t, report)
	// 100 blocks in 10s.
	assert.InDelta(t, 10.0, report.RateHPS, 0.01)
	assert.Equal(t, uint64(100), report.Height)
}

func TestPercentCompleteMonotone(t *testing.T) {
	r := New(0, zerolog.Nop())
	now := time.Now()
	r.sampleAt(now, 0, 1000)

	var last float64
	heights := []uint64{100, 250, 400, 900, 1000}
	for i, h := range heights {
		report := r.sampleAt(now.Add(time.Duration(i+1)*10*time.Second), h, 1000)
		require.NotNil(t, report)
		assert.GreaterOrEqual(t, report.PercentComplete, last)
		last = report.PercentComplete
	}
	assert.InDelta(t, 100.0, last, 0.001)
}

func TestPercentFixedAgainstInitialTip(t *testing.T) {
	// The live tip advancing must not shrink percent complete.
	r := New(0, zerolog.Nop())
	now := time.Now()
	r.sampleAt(now, 0, 1000)

	first := r.sampleAt(now.Add(10*time.Second), 500, 1000)
	require.NotNil(t, first)
	second := r.sampleAt(now.Add(20*time.Second), 600, 5000)
	require.NotNil(t, second)
	assert.Greater(t, second.PercentComplete, first.PercentComplete)
}

func TestEffectiveRateNetOfTipGrowth(t *testing.T) {
	r := New(0, zerolog.Nop())
	now := time.Now()
	r.sampleAt(now, 0, 1000)

	// Tip grows 10/s while ingestion does 20/s: effective ~10/s.
	report := r.sampleAt(now.Add(10*time.Second), 200, 1100)
	require.NotNil(t, report)
	assert.Less(t, report.EffectiveHPS, report.RateHPS)
	assert.Greater(t, report.EffectiveHPS, 0.0)
}

func TestEffectiveRateFloor(t *testing.T) {
	r := New(0, zerolog.Nop())
	now := time.Now()
	r.sampleAt(now, 0, 1000)

	// No ingestion progress, fast tip growth: floor at 0.001.
	report := r.sampleAt(now.Add(10*time.Second), 0, 2000)
	require.NotNil(t, report)
	assert.Equal(t, 0.001, report.EffectiveHPS)
}

func TestTipWindowTrims(t *testing.T) {
	r := New(0, zerolog.Nop())
	now := time.Now()
	r.sampleAt(now, 0, 0)
	for i := 1; i <= 100; i++ {
		r.pushTip(now.Add(time.Duration(i)*10*time.Second), uint64(i))
	}
	first := r.tipSamples[0]
	last := r.tipSamples[len(r.tipSamples)-1]
	assert.LessOrEqual(t, last.at.Sub(first.at), tipWindow)
}
