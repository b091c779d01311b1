package ai

import (
	"context"
	"fmt"
	"math"
)

// ClassifierOutput выход сети для одного изображения
type ClassifierOutput struct {
	Logits    []float32 // NumClasses
	Embedding []float32 // EmbeddingSize, выход fc1
}

// Classifier интерфейс бэкендов классификатора.
// Реализации должны быть безопасны для конкурентного вызова Forward.
type Classifier interface {
	// Forward выполняет один прямой проход для всего пакета
	Forward(ctx context.Context, batch *BatchTensor) ([]ClassifierOutput, error)

	// Backend имя бэкенда (для логирования и /health)
	Backend() string

	// Close освобождает ресурсы
	Close() error
}

// Backend тип бэкенда классификатора
type Backend string

const (
	// BackendNative свёрточная сеть на gonum, веса в msgpack
	BackendNative Backend = "native"
	// BackendONNX экспортированная модель в ONNX Runtime
	BackendONNX Backend = "onnx"
)

type convBlock struct {
	conv *conv2d
	bn   *batchNorm
}

// NativeCNN реализация классификатора на чистом Go.
// Веса неизменяемы после создания, все буферы выделяются на вызов,
// поэтому блокировка не нужна.
type NativeCNN struct {
	blocks [3]convBlock
	fc1    *linear
	bnFC1  *batchNorm
	fc2    *linear
}

// NewNativeCNN создаёт сеть из проверенных весов
func NewNativeCNN(w *Weights) (*NativeCNN, error) {
	if w == nil {
		return nil, ErrModelNotLoaded
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}

	get := func(name string) WeightTensor {
		t, _ := w.Get(name)
		return t
	}

	cnn := &NativeCNN{}
	for i := range cnn.blocks {
		n := i + 1
		cnn.blocks[i] = convBlock{
			conv: newConv2d(get(fmt.Sprintf("conv%d.weight", n)), get(fmt.Sprintf("conv%d.bias", n))),
			bn: newBatchNorm(
				get(fmt.Sprintf("bn%d.weight", n)),
				get(fmt.Sprintf("bn%d.bias", n)),
				get(fmt.Sprintf("bn%d.running_mean", n)),
				get(fmt.Sprintf("bn%d.running_var", n)),
			),
		}
	}
	cnn.fc1 = newLinear(get("fc1.weight"), get("fc1.bias"))
	cnn.bnFC1 = newBatchNorm(get("bn_fc1.weight"), get("bn_fc1.bias"), get("bn_fc1.running_mean"), get("bn_fc1.running_var"))
	cnn.fc2 = newLinear(get("fc2.weight"), get("fc2.bias"))

	return cnn, nil
}

// LoadNativeCNN загружает веса из файла и создаёт сеть
func LoadNativeCNN(path string) (*NativeCNN, error) {
	w, err := LoadWeights(path)
	if err != nil {
		return nil, err
	}
	return NewNativeCNN(w)
}

// Backend возвращает имя бэкенда
func (n *NativeCNN) Backend() string {
	return string(BackendNative)
}

// Close ничего не освобождает
func (n *NativeCNN) Close() error {
	return nil
}

// Forward выполняет прямой проход по каждому изображению пакета
func (n *NativeCNN) Forward(ctx context.Context, batch *BatchTensor) ([]ClassifierOutput, error) {
	if batch == nil || batch.N == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrInference)
	}
	if batch.C != 1 {
		return nil, fmt.Errorf("%w: expected 1 input channel, got %d", ErrInference, batch.C)
	}
	if batch.H < 8 || batch.W < 8 {
		return nil, fmt.Errorf("%w: input %dx%d is too small", ErrInference, batch.H, batch.W)
	}

	outputs := make([]ClassifierOutput, batch.N)
	for i := 0; i < batch.N; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		outputs[i] = n.forwardOne(batch.Image(i), batch.H, batch.W)
	}
	return outputs, nil
}

func (n *NativeCNN) forwardOne(img []float32, h, w int) ClassifierOutput {
	x := toFloat64(img)
	channels := 1

	for _, b := range n.blocks {
		x = b.conv.forward(x, h, w)
		channels = b.conv.out
		b.bn.forward(x, h*w)
		relu(x)
		x, h, w = maxPool2(x, channels, h, w)
	}

	pooled := globalAvgPool(x, channels, h*w)
	embedding := n.fc1.forward(pooled)

	hidden := make([]float64, len(embedding))
	copy(hidden, embedding)
	n.bnFC1.forward(hidden, 1)
	relu(hidden)
	// dropout в режиме инференса — тождественное преобразование
	logits := n.fc2.forward(hidden)

	return ClassifierOutput{
		Logits:    toFloat32(logits),
		Embedding: toFloat32(embedding),
	}
}

func toFloat32(src []float64) []float32 {
	dst := make([]float32, len(src))
	for i, v := range src {
		dst[i] = float32(v)
	}
	return dst
}

// checkOutputs проверяет размерности и конечность выхода бэкенда
func checkOutputs(outputs []ClassifierOutput, n int) error {
	if len(outputs) != n {
		return fmt.Errorf("%w: got %d outputs for batch of %d", ErrInference, len(outputs), n)
	}
	for i, out := range outputs {
		if len(out.Logits) != NumClasses {
			return fmt.Errorf("%w: output %d has %d logits", ErrInference, i, len(out.Logits))
		}
		for _, v := range out.Logits {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				return fmt.Errorf("%w: output %d has non-finite logits", ErrInference, i)
			}
		}
	}
	return nil
}
