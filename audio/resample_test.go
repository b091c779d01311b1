package audio

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResampleLength(t *testing.T) {
	tests := []struct {
		n, src, dst int
		want        int
	}{
		{44100, 44100, 16000, 16000},
		{48000, 48000, 16000, 16000},
		{1001, 22050, 16000, 727},
		{8001, 8000, 16000, 16002},
	}
	for _, tt := range tests {
		out, err := Resample(sine(tt.n, tt.src, 200, 0.5), tt.src, tt.dst)
		require.NoError(t, err)
		assert.Len(t, out, tt.want, "%d -> %d", tt.src, tt.dst)
	}
}

func TestResamplePreservesTone(t *testing.T) {
	out, err := Resample(sine(48000, 48000, 440, 0.5), 48000, 16000)
	require.NoError(t, err)

	var sumSq float64
	mid := out[4000:12000]
	for _, s := range mid {
		sumSq += float64(s) * float64(s)
	}
	rms := math.Sqrt(sumSq / float64(len(mid)))
	assert.InDelta(t, 0.5/math.Sqrt2, rms, 0.02)
}

func TestResampleSameRate(t *testing.T) {
	in := []float32{0.1, 0.2, 0.3}
	out, err := Resample(in, 16000, 16000)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestResampleInvalidRates(t *testing.T) {
	_, err := Resample([]float32{1}, 0, 16000)
	assert.Error(t, err)
	_, err = Resample([]float32{1}, 16000, -1)
	assert.Error(t, err)
}
