package audio

import "math"

// SegmentLength количество сэмплов в сегменте длительностью seconds
func SegmentLength(seconds float64, sampleRate int) int {
	return int(math.Round(seconds * float64(sampleRate)))
}

// Segment нарезает сигнал на неперекрывающиеся сегменты длины length.
// Неполный хвост отбрасывается. Сегменты ссылаются на исходный массив.
func Segment(samples []float32, length int) [][]float32 {
	if length <= 0 {
		return nil
	}
	num := len(samples) / length
	segments := make([][]float32, num)
	for i := 0; i < num; i++ {
		start, end := i*length, (i+1)*length
		segments[i] = samples[start:end:end]
	}
	return segments
}
