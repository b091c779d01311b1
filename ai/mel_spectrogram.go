package ai

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// MelScale шкала mel, используемая при построении банка фильтров
type MelScale int

const (
	// MelScaleSlaney шкала Slaney (librosa htk=False) с нормализацией площади фильтров
	MelScaleSlaney MelScale = iota
	// MelScaleHTK шкала HTK без нормализации
	MelScaleHTK
)

// MelConfig конфигурация для вычисления Mel-спектрограммы
type MelConfig struct {
	SampleRate int
	NMels      int
	HopLength  int
	WinLength  int
	NFFT       int
	Center     bool // true = кадры центрированы, сигнал дополняется нулями на NFFT/2 с каждой стороны
	Scale      MelScale
}

// DefaultMelConfig возвращает параметры, на которых обучалась модель
func DefaultMelConfig() MelConfig {
	return MelConfig{
		SampleRate: 16000,
		NMels:      64,
		HopLength:  256,
		WinLength:  1024,
		NFFT:       1024,
		Center:     true,
		Scale:      MelScaleSlaney,
	}
}

// Validate проверяет согласованность параметров
func (c MelConfig) Validate() error {
	switch {
	case c.SampleRate <= 0:
		return fmt.Errorf("mel: sample rate must be positive, got %d", c.SampleRate)
	case c.NFFT <= 0:
		return fmt.Errorf("mel: n_fft must be positive, got %d", c.NFFT)
	case c.HopLength <= 0:
		return fmt.Errorf("mel: hop length must be positive, got %d", c.HopLength)
	case c.WinLength <= 0 || c.WinLength > c.NFFT:
		return fmt.Errorf("mel: win length must be in (0, n_fft], got %d", c.WinLength)
	case c.NMels <= 0:
		return fmt.Errorf("mel: n_mels must be positive, got %d", c.NMels)
	}
	return nil
}

// MelProcessor вычисляет mel-спектрограмму мощности.
// Фильтры и окно создаются один раз и дальше только читаются,
// поэтому один процессор можно использовать из нескольких горутин.
type MelProcessor struct {
	config     MelConfig
	melFilters [][]float64
	window     []float64 // длина NFFT, окно WinLength отцентрировано внутри
}

// NewMelProcessor создаёт новый процессор
func NewMelProcessor(config MelConfig) (*MelProcessor, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	p := &MelProcessor{
		config: config,
	}

	p.melFilters = createMelFilterbank(config.NFFT, config.NMels, config.SampleRate, config.Scale)
	p.window = padWindow(createHannWindow(config.WinLength), config.NFFT)

	return p, nil
}

// Config возвращает конфигурацию процессора
func (p *MelProcessor) Config() MelConfig {
	return p.config
}

// NumFrames количество кадров для сигнала длины n
func (p *MelProcessor) NumFrames(n int) int {
	if p.config.Center {
		return n/p.config.HopLength + 1
	}
	if n < p.config.NFFT {
		return 1
	}
	return (n-p.config.NFFT)/p.config.HopLength + 1
}

// Compute вычисляет mel-спектрограмму мощности.
// Результат: [nMels][numFrames], как у librosa.feature.melspectrogram.
func (p *MelProcessor) Compute(samples []float32) [][]float64 {
	nfft := p.config.NFFT
	numFrames := p.NumFrames(len(samples))
	numBins := nfft/2 + 1

	// FFT не потокобезопасен (внутренний рабочий буфер), поэтому создаётся на вызов
	fft := fourier.NewFFT(nfft)

	melSpec := make([][]float64, p.config.NMels)
	for m := range melSpec {
		melSpec[m] = make([]float64, numFrames)
	}

	offset := 0
	if p.config.Center {
		offset = nfft / 2
	}

	frameData := make([]float64, nfft)
	powerSpec := make([]float64, numBins)
	var coeffs []complex128

	for frame := 0; frame < numFrames; frame++ {
		frameStart := frame*p.config.HopLength - offset

		// Вне сигнала нули (pad_mode="constant")
		for i := 0; i < nfft; i++ {
			sampleIdx := frameStart + i
			if sampleIdx >= 0 && sampleIdx < len(samples) {
				frameData[i] = float64(samples[sampleIdx]) * p.window[i]
			} else {
				frameData[i] = 0
			}
		}

		coeffs = fft.Coefficients(coeffs, frameData)

		for i := 0; i < numBins; i++ {
			re := real(coeffs[i])
			im := imag(coeffs[i])
			powerSpec[i] = re*re + im*im
		}

		for m := 0; m < p.config.NMels; m++ {
			filter := p.melFilters[m]
			sum := 0.0
			for k := 0; k < numBins; k++ {
				if filter[k] != 0 {
					sum += powerSpec[k] * filter[k]
				}
			}
			melSpec[m][frame] = sum
		}
	}

	return melSpec
}

// hzToMel переводит частоту в mel
func hzToMel(hz float64, scale MelScale) float64 {
	if scale == MelScaleHTK {
		return 2595.0 * math.Log10(1.0+hz/700.0)
	}
	// Slaney: линейно до 1 кГц, логарифмически выше
	const (
		fSp       = 200.0 / 3
		minLogHz  = 1000.0
		minLogMel = minLogHz / fSp
	)
	logStep := math.Log(6.4) / 27.0
	if hz >= minLogHz {
		return minLogMel + math.Log(hz/minLogHz)/logStep
	}
	return hz / fSp
}

// melToHz обратное преобразование
func melToHz(mel float64, scale MelScale) float64 {
	if scale == MelScaleHTK {
		return 700.0 * (math.Pow(10.0, mel/2595.0) - 1.0)
	}
	const (
		fSp       = 200.0 / 3
		minLogHz  = 1000.0
		minLogMel = minLogHz / fSp
	)
	logStep := math.Log(6.4) / 27.0
	if mel >= minLogMel {
		return minLogHz * math.Exp(logStep*(mel-minLogMel))
	}
	return fSp * mel
}

// createMelFilterbank создаёт mel-фильтры в диапазоне [0, sr/2].
// Для MelScaleSlaney каждый фильтр нормируется на ширину полосы (norm="slaney").
func createMelFilterbank(nFFT, nMels, sampleRate int, scale MelScale) [][]float64 {
	numBins := nFFT/2 + 1
	fMax := float64(sampleRate) / 2.0

	// Частоты для каждого FFT bin
	allFreqs := make([]float64, numBins)
	for i := 0; i < numBins; i++ {
		allFreqs[i] = float64(i) * fMax / float64(numBins-1)
	}

	// nMels + 2 точек: левый край, центры, правый край
	mMin := hzToMel(0, scale)
	mMax := hzToMel(fMax, scale)
	fPts := make([]float64, nMels+2)
	for i := 0; i < nMels+2; i++ {
		mel := mMin + float64(i)*(mMax-mMin)/float64(nMels+1)
		fPts[i] = melToHz(mel, scale)
	}

	fDiff := make([]float64, nMels+1)
	for i := 0; i < nMels+1; i++ {
		fDiff[i] = fPts[i+1] - fPts[i]
	}

	filters := make([][]float64, nMels)
	for m := 0; m < nMels; m++ {
		filters[m] = make([]float64, numBins)

		enorm := 1.0
		if scale == MelScaleSlaney {
			enorm = 2.0 / (fPts[m+2] - fPts[m])
		}

		for k := 0; k < numBins; k++ {
			freq := allFreqs[k]
			lower := (freq - fPts[m]) / fDiff[m]
			upper := (fPts[m+2] - freq) / fDiff[m+1]

			val := math.Min(lower, upper)
			if val < 0 {
				val = 0
			}
			filters[m][k] = val * enorm
		}
	}

	return filters
}

// createHannWindow создаёт периодическое окно Ханна (scipy fftbins=True)
func createHannWindow(size int) []float64 {
	window := make([]float64, size)
	for i := 0; i < size; i++ {
		window[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(size)))
	}
	return window
}

// padWindow центрирует окно внутри буфера длины n
func padWindow(window []float64, n int) []float64 {
	if len(window) == n {
		return window
	}
	padded := make([]float64, n)
	copy(padded[(n-len(window))/2:], window)
	return padded
}
