package audio

import "math"

// Quality метрики качества записи
type Quality struct {
	RMS          float64 `json:"rms"`
	Peak         float64 `json:"peak"`
	DCOffset     float64 `json:"dc_offset"`
	NoiseLevel   float64 `json:"noise_level"`   // RMS самого тихого 20 мс окна
	SNR          float64 `json:"snr_db"`        // приблизительное
	ClippedRatio float64 `json:"clipped_ratio"` // доля сэмплов с |x| >= 0.999
	IsSilent     bool    `json:"is_silent"`
}

const clipLevel = 0.999

// AnalyzeQuality оценивает громкость, шум и клиппинг записи
func AnalyzeQuality(samples []float32, sampleRate int) Quality {
	var q Quality
	if len(samples) == 0 {
		q.IsSilent = true
		return q
	}

	var sum, sumSq float64
	var clipped int
	for _, s := range samples {
		v := float64(s)
		sum += v
		sumSq += v * v
		a := math.Abs(v)
		if a > q.Peak {
			q.Peak = a
		}
		if a >= clipLevel {
			clipped++
		}
	}
	n := float64(len(samples))
	q.DCOffset = sum / n
	q.RMS = math.Sqrt(sumSq / n)
	q.ClippedRatio = float64(clipped) / n

	if q.RMS < 0.005 && q.Peak < 0.05 {
		q.IsSilent = true
		return q
	}

	window := sampleRate / 50
	if window <= 0 {
		window = len(samples)
	}
	q.NoiseLevel = 1.0
	for i := 0; i < len(samples); i += window {
		end := min(i+window, len(samples))
		if rms := windowRMS(samples[i:end]); rms > 0.0001 && rms < q.NoiseLevel {
			q.NoiseLevel = rms
		}
	}
	if q.NoiseLevel < 1.0 {
		q.SNR = 20 * math.Log10(q.RMS/q.NoiseLevel)
	}
	return q
}

// Warnings человекочитаемые предупреждения для пользователя CLI
func (q Quality) Warnings() []string {
	var w []string
	if q.IsSilent {
		return append(w, "recording is nearly silent, check the input device")
	}
	if q.ClippedRatio > 0.01 {
		w = append(w, "input is clipping, lower the microphone gain")
	}
	if math.Abs(q.DCOffset) > 0.05 {
		w = append(w, "large DC offset on the input")
	}
	if q.SNR > 0 && q.SNR < 10 {
		w = append(w, "strong background noise")
	}
	return w
}

func windowRMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
