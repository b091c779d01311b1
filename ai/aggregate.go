package ai

import (
	"fmt"
	"strconv"

	"gonum.org/v1/gonum/floats"
)

// ClassLabels метки классов по индексу
type ClassLabels []string

// DefaultClassLabels метки, на которых обучалась модель
func DefaultClassLabels() ClassLabels {
	return ClassLabels{"Minimal", "Moderate", "Severe"}
}

// Label метка класса; неизвестный индекс возвращается числом
func (l ClassLabels) Label(class int) string {
	if class >= 0 && class < len(l) {
		return l[class]
	}
	return strconv.Itoa(class)
}

// PredictionRecord результат одного сегмента
type PredictionRecord struct {
	SegmentIndex   int                `json:"segment_index"`
	PredictedClass int                `json:"predicted_class"`
	ClassLabel     string             `json:"class_label"`
	Probabilities  map[string]float64 `json:"probabilities"`
}

// AggregateResult итоговый вердикт по всей записи
type AggregateResult struct {
	OverallPredictedClass int                `json:"overall_predicted_class"`
	OverallConfidence     float64            `json:"overall_confidence"`
	OverallClassLabel     string             `json:"overall_class_label"`
	AverageProbabilities  map[string]float64 `json:"average_probabilities"`
	SegmentPredictions    []PredictionRecord `json:"segment_predictions"`
	TotalSegments         int                `json:"total_segments"`
}

// Aggregate сводит предсказания сегментов в один результат.
// indices задаёт исходные номера сегментов; nil означает 0..n-1.
func Aggregate(preds []SegmentPrediction, indices []int, labels ClassLabels) (*AggregateResult, error) {
	if len(preds) == 0 {
		return nil, fmt.Errorf("aggregate: no predictions")
	}
	if indices != nil && len(indices) != len(preds) {
		return nil, fmt.Errorf("aggregate: %d indices for %d predictions", len(indices), len(preds))
	}

	numClasses := len(preds[0].Probabilities)
	counts := make([]int, numClasses)
	sum := make([]float64, numClasses)
	records := make([]PredictionRecord, len(preds))

	for i, p := range preds {
		if len(p.Probabilities) != numClasses {
			return nil, fmt.Errorf("aggregate: prediction %d has %d classes, expected %d", i, len(p.Probabilities), numClasses)
		}
		if p.Class < 0 || p.Class >= numClasses {
			return nil, fmt.Errorf("aggregate: prediction %d has class %d", i, p.Class)
		}
		counts[p.Class]++
		floats.Add(sum, p.Probabilities)

		idx := i
		if indices != nil {
			idx = indices[i]
		}
		records[i] = PredictionRecord{
			SegmentIndex:   idx,
			PredictedClass: p.Class,
			ClassLabel:     labels.Label(p.Class),
			Probabilities:  labelMap(p.Probabilities, labels),
		}
	}

	// Голосование большинством, при равенстве побеждает меньший индекс
	overall := 0
	for c := 1; c < numClasses; c++ {
		if counts[c] > counts[overall] {
			overall = c
		}
	}

	floats.Scale(1/float64(len(preds)), sum)

	return &AggregateResult{
		OverallPredictedClass: overall,
		OverallConfidence:     sum[overall],
		OverallClassLabel:     labels.Label(overall),
		AverageProbabilities:  labelMap(sum, labels),
		SegmentPredictions:    records,
		TotalSegments:         len(preds),
	}, nil
}

func labelMap(probs []float64, labels ClassLabels) map[string]float64 {
	m := make(map[string]float64, len(probs))
	for i, p := range probs {
		m[labels.Label(i)] = p
	}
	return m
}
