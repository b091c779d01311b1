// Package ai реализует конвейер классификации тяжести депрессии по голосу:
// признаки, классификатор, инференс и агрегацию по сегментам.
package ai

import (
	"context"
	"fmt"
	"math"
)

// SegmentPrediction предсказание для одного сегмента
type SegmentPrediction struct {
	Class         int
	Probabilities []float64 // NumClasses, сумма = 1
	Embedding     []float32
}

// InferenceEngine владеет классификатором и превращает логиты в предсказания
type InferenceEngine struct {
	classifier Classifier
}

// NewInferenceEngine создаёт движок. nil классификатор допустим:
// каждый вызов Predict вернёт ErrModelNotLoaded.
func NewInferenceEngine(classifier Classifier) *InferenceEngine {
	return &InferenceEngine{classifier: classifier}
}

// Loaded сообщает, загружен ли классификатор
func (e *InferenceEngine) Loaded() bool {
	return e != nil && e.classifier != nil
}

// Backend имя бэкенда или пустая строка
func (e *InferenceEngine) Backend() string {
	if !e.Loaded() {
		return ""
	}
	return e.classifier.Backend()
}

// Predict выполняет один прямой проход по пакету
func (e *InferenceEngine) Predict(ctx context.Context, batch *BatchTensor) ([]SegmentPrediction, error) {
	if !e.Loaded() {
		return nil, ErrModelNotLoaded
	}
	if batch == nil || batch.N == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrInference)
	}

	outputs, err := e.classifier.Forward(ctx, batch)
	if err != nil {
		return nil, err
	}
	if err := checkOutputs(outputs, batch.N); err != nil {
		return nil, err
	}

	preds := make([]SegmentPrediction, len(outputs))
	for i, out := range outputs {
		preds[i] = SegmentPrediction{
			Class:         Argmax(out.Logits),
			Probabilities: Softmax(out.Logits),
			Embedding:     out.Embedding,
		}
	}
	return preds, nil
}

// Close закрывает классификатор
func (e *InferenceEngine) Close() error {
	if !e.Loaded() {
		return nil
	}
	return e.classifier.Close()
}

// Softmax численно устойчивый softmax в float64
func Softmax(logits []float32) []float64 {
	maxLogit := math.Inf(-1)
	for _, v := range logits {
		maxLogit = math.Max(maxLogit, float64(v))
	}
	probs := make([]float64, len(logits))
	sum := 0.0
	for i, v := range logits {
		probs[i] = math.Exp(float64(v) - maxLogit)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// Argmax индекс максимума, при равенстве — наименьший
func Argmax(values []float32) int {
	best := 0
	for i := 1; i < len(values); i++ {
		if values[i] > values[best] {
			best = i
		}
	}
	return best
}
