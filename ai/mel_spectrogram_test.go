package ai

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMelScaleConversions(t *testing.T) {
	assert.InDelta(t, 15.0, hzToMel(1000, MelScaleSlaney), 1e-9)
	assert.InDelta(t, 1000.0, melToHz(15, MelScaleSlaney), 1e-9)
	assert.InDelta(t, 3.0, hzToMel(200, MelScaleSlaney), 1e-9)
	assert.InDelta(t, 2595*math.Log10(2), hzToMel(700, MelScaleHTK), 1e-9)

	for _, hz := range []float64{0, 250, 999, 1000, 4321, 8000} {
		for _, scale := range []MelScale{MelScaleSlaney, MelScaleHTK} {
			assert.InDelta(t, hz, melToHz(hzToMel(hz, scale), scale), 1e-6)
		}
	}
}

func TestMelFilterbankShape(t *testing.T) {
	filters := createMelFilterbank(1024, 64, 16000, MelScaleSlaney)
	require.Len(t, filters, 64)

	for m, f := range filters {
		require.Len(t, f, 513)
		peak := 0.0
		for _, v := range f {
			require.GreaterOrEqual(t, v, 0.0)
			peak = math.Max(peak, v)
		}
		assert.Greater(t, peak, 0.0, "filter %d is empty", m)
	}

	// Slaney нормировка: высота треугольника 2/(f[m+2]-f[m]), узкие фильтры выше
	assert.Greater(t, maxOf(filters[0]), maxOf(filters[63]))
}

func maxOf(v []float64) float64 {
	m := math.Inf(-1)
	for _, x := range v {
		m = math.Max(m, x)
	}
	return m
}

func TestHannWindowIsPeriodic(t *testing.T) {
	w := createHannWindow(8)
	assert.InDelta(t, 0.0, w[0], 1e-12)
	assert.InDelta(t, 1.0, w[4], 1e-12)
	assert.InDelta(t, w[1], w[7], 1e-12)
}

func TestMelProcessorFrames(t *testing.T) {
	p, err := NewMelProcessor(DefaultMelConfig())
	require.NoError(t, err)

	assert.Equal(t, 63, p.NumFrames(16000))

	spec := p.Compute(tone(1, 16000, 440, 1))
	require.Len(t, spec, 64)
	for _, row := range spec {
		require.Len(t, row, 63)
		for _, v := range row {
			require.False(t, math.IsNaN(v))
			require.GreaterOrEqual(t, v, 0.0)
		}
	}
}

func TestMelProcessorPeakBand(t *testing.T) {
	p, err := NewMelProcessor(DefaultMelConfig())
	require.NoError(t, err)

	low := p.Compute(tone(1, 16000, 300, 2))
	high := p.Compute(tone(1, 16000, 5000, 2))

	argmaxBand := func(spec [][]float64) int {
		best, bestVal := 0, -1.0
		for m, row := range spec {
			if row[31] > bestVal {
				best, bestVal = m, row[31]
			}
		}
		return best
	}
	assert.Less(t, argmaxBand(low), argmaxBand(high))
}

func TestMelConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*MelConfig)
	}{
		{"zero rate", func(c *MelConfig) { c.SampleRate = 0 }},
		{"zero hop", func(c *MelConfig) { c.HopLength = 0 }},
		{"window longer than fft", func(c *MelConfig) { c.WinLength = c.NFFT + 1 }},
		{"no mels", func(c *MelConfig) { c.NMels = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultMelConfig()
			tt.modify(&cfg)
			_, err := NewMelProcessor(cfg)
			assert.Error(t, err)
		})
	}
}
