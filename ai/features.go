package ai

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

const (
	// dbAmin нижний порог амплитуды перед логарифмом
	dbAmin = 1e-5
	// dbTopDB динамический диапазон, ниже которого значения обрезаются
	dbTopDB = 80.0
)

// SpectrogramImage нормализованное изображение спектрограммы Size×Size, построчно
type SpectrogramImage struct {
	Size int
	Data []float32
}

// At возвращает значение пикселя
func (img SpectrogramImage) At(row, col int) float32 {
	return img.Data[row*img.Size+col]
}

// FeatureExtractor превращает сегмент в изображение лог-mel спектрограммы
type FeatureExtractor struct {
	mel        *MelProcessor
	targetSize int
}

// NewFeatureExtractor создаёт экстрактор признаков
func NewFeatureExtractor(melCfg MelConfig, targetSize int) (*FeatureExtractor, error) {
	if targetSize <= 0 {
		return nil, fmt.Errorf("features: target size must be positive, got %d", targetSize)
	}
	mel, err := NewMelProcessor(melCfg)
	if err != nil {
		return nil, err
	}
	return &FeatureExtractor{mel: mel, targetSize: targetSize}, nil
}

// TargetSize сторона выходного изображения
func (e *FeatureExtractor) TargetSize() int {
	return e.targetSize
}

// Extract строит изображение для одного сегмента.
// Плоская спектрограмма (max == min) возвращает ErrDegenerateSignal.
func (e *FeatureExtractor) Extract(segment []float32) (SpectrogramImage, error) {
	if len(segment) == 0 {
		return SpectrogramImage{}, fmt.Errorf("%w: empty segment", ErrDegenerateSignal)
	}

	spec := e.mel.Compute(segment)
	rows := len(spec)
	cols := len(spec[0])

	flat := make([]float64, 0, rows*cols)
	for _, row := range spec {
		flat = append(flat, row...)
	}

	amplitudeToDB(flat)

	if err := minMaxNormalize(flat); err != nil {
		return SpectrogramImage{}, err
	}

	resized := resizeBicubic(flat, rows, cols, e.targetSize, e.targetSize)

	img := SpectrogramImage{Size: e.targetSize, Data: make([]float32, len(resized))}
	for i, v := range resized {
		img.Data[i] = float32(v)
	}
	return img, nil
}

// amplitudeToDB переводит значения в дБ на месте: 20·log10(max(amin, x)),
// затем обрезает всё, что ниже максимума на topDB.
func amplitudeToDB(values []float64) {
	for i, v := range values {
		values[i] = 20 * math.Log10(math.Max(dbAmin, v))
	}
	floor := floats.Max(values) - dbTopDB
	for i, v := range values {
		if v < floor {
			values[i] = floor
		}
	}
}

// minMaxNormalize приводит значения к [0, 1] на месте
func minMaxNormalize(values []float64) error {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite spectrogram value", ErrDegenerateSignal)
		}
	}
	lo := floats.Min(values)
	hi := floats.Max(values)
	rng := hi - lo
	if rng <= 0 {
		return fmt.Errorf("%w: constant value %.3f dB", ErrDegenerateSignal, lo)
	}
	for i, v := range values {
		values[i] = (v - lo) / rng
	}
	return nil
}
