package audio

import (
	"fmt"
	"math"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Resample ресемплирует моно-сигнал с качеством soxr HQ.
// Длина результата ceil(n·dst/src), как у librosa.resample.
func Resample(samples []float32, srcRate, dstRate int) ([]float32, error) {
	if srcRate <= 0 || dstRate <= 0 {
		return nil, fmt.Errorf("invalid sample rates %d -> %d", srcRate, dstRate)
	}
	if srcRate == dstRate || len(samples) == 0 {
		return samples, nil
	}

	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(srcRate),
		OutputRate: float64(dstRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create resampler: %w", err)
	}

	expected := int(math.Ceil(float64(len(samples)) * float64(dstRate) / float64(srcRate)))

	// Хвост тишины выталкивает задержку фильтра
	tail := srcRate / 10
	input := make([]float64, len(samples)+tail)
	for i, s := range samples {
		input[i] = float64(s)
	}

	output, err := r.Process(input)
	if err != nil {
		return nil, fmt.Errorf("failed to resample: %w", err)
	}

	result := make([]float32, expected)
	for i := 0; i < expected && i < len(output); i++ {
		result[i] = float32(output[i])
	}
	return result, nil
}
