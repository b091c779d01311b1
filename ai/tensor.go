package ai

import "fmt"

// BatchTensor пакет изображений формы [N, 1, H, W], построчно
type BatchTensor struct {
	N, C, H, W int
	Data       []float32
}

// Shape возвращает форму тензора
func (b *BatchTensor) Shape() []int64 {
	return []int64{int64(b.N), int64(b.C), int64(b.H), int64(b.W)}
}

// Image возвращает срез данных i-го изображения (без копирования)
func (b *BatchTensor) Image(i int) []float32 {
	size := b.C * b.H * b.W
	return b.Data[i*size : (i+1)*size : (i+1)*size]
}

// BuildBatch складывает изображения в тензор в порядке сегментов
func BuildBatch(images []SpectrogramImage) (*BatchTensor, error) {
	if len(images) == 0 {
		return nil, fmt.Errorf("batch: no images")
	}
	size := images[0].Size
	plane := size * size

	batch := &BatchTensor{
		N:    len(images),
		C:    1,
		H:    size,
		W:    size,
		Data: make([]float32, len(images)*plane),
	}
	for i, img := range images {
		if img.Size != size || len(img.Data) != plane {
			return nil, fmt.Errorf("batch: image %d has size %d, expected %d", i, img.Size, size)
		}
		copy(batch.Data[i*plane:], img.Data)
	}
	return batch, nil
}
