package ai

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExtractor(t *testing.T) *FeatureExtractor {
	t.Helper()
	e, err := NewFeatureExtractor(DefaultMelConfig(), 64)
	require.NoError(t, err)
	return e
}

func TestExtractImageShape(t *testing.T) {
	e := newTestExtractor(t)

	img, err := e.Extract(tone(1, 16000, 440, 3))
	require.NoError(t, err)
	require.Equal(t, 64, img.Size)
	require.Len(t, img.Data, 64*64)

	lo, hi := float32(math.Inf(1)), float32(math.Inf(-1))
	for _, v := range img.Data {
		require.False(t, math.IsNaN(float64(v)))
		lo = min(lo, v)
		hi = max(hi, v)
	}
	// Бикубическая интерполяция может слегка выходить за [0, 1]
	assert.InDelta(t, 0.0, lo, 0.1)
	assert.InDelta(t, 1.0, hi, 0.1)
}

func TestExtractDeterministic(t *testing.T) {
	e := newTestExtractor(t)
	seg := tone(1, 16000, 220, 4)

	a, err := e.Extract(seg)
	require.NoError(t, err)
	b, err := e.Extract(seg)
	require.NoError(t, err)
	assert.Equal(t, a.Data, b.Data)
}

func TestExtractSilentSegmentIsDegenerate(t *testing.T) {
	e := newTestExtractor(t)

	img, err := e.Extract(make([]float32, 16000))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDegenerateSignal))
	assert.Nil(t, img.Data)
}

func TestExtractEmptySegment(t *testing.T) {
	e := newTestExtractor(t)

	_, err := e.Extract(nil)
	assert.ErrorIs(t, err, ErrDegenerateSignal)
}

func TestAmplitudeToDB(t *testing.T) {
	values := []float64{1, 0.1, 0, 1e-3}
	amplitudeToDB(values)

	assert.InDelta(t, 0.0, values[0], 1e-9)
	assert.InDelta(t, -20.0, values[1], 1e-9)
	// 20·log10(1e-5) = -100, обрезается до max-80
	assert.InDelta(t, -80.0, values[2], 1e-9)
	assert.InDelta(t, -60.0, values[3], 1e-9)
}

func TestMinMaxNormalize(t *testing.T) {
	values := []float64{-80, -40, 0}
	require.NoError(t, minMaxNormalize(values))
	assert.Equal(t, []float64{0, 0.5, 1}, values)

	flat := []float64{-3, -3, -3}
	assert.ErrorIs(t, minMaxNormalize(flat), ErrDegenerateSignal)

	withNaN := []float64{0, math.NaN()}
	assert.ErrorIs(t, minMaxNormalize(withNaN), ErrDegenerateSignal)
}
