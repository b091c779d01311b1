package ai

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
)

// IsStateDictPath сообщает, похож ли путь на чекпойнт PyTorch
func IsStateDictPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pt", ".pth":
		return true
	}
	return false
}

// LoadStateDict читает веса из PyTorch state_dict (.pth, torch.save).
// Записи num_batches_tracked пропускаются.
func LoadStateDict(path string) (*Weights, error) {
	obj, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read state_dict: %w", err)
	}
	dict, ok := obj.(*types.OrderedDict)
	if !ok {
		return nil, fmt.Errorf("state_dict: expected OrderedDict, got %T", obj)
	}

	var tensors []WeightTensor
	for e := dict.List.Front(); e != nil; e = e.Next() {
		entry := e.Value.(*types.OrderedDictEntry)
		name, ok := entry.Key.(string)
		if !ok {
			return nil, fmt.Errorf("state_dict: non-string key %v", entry.Key)
		}
		if strings.HasSuffix(name, ".num_batches_tracked") {
			continue
		}
		tensor, ok := entry.Value.(*pytorch.Tensor)
		if !ok {
			return nil, fmt.Errorf("state_dict: %q is %T, not a tensor", name, entry.Value)
		}
		t, err := convertTensor(name, tensor)
		if err != nil {
			return nil, err
		}
		tensors = append(tensors, t)
	}
	return NewWeights(tensors), nil
}

func convertTensor(name string, t *pytorch.Tensor) (WeightTensor, error) {
	storage, ok := t.Source.(*pytorch.FloatStorage)
	if !ok {
		return WeightTensor{}, fmt.Errorf("state_dict: %q has %T storage, expected float32", name, t.Source)
	}

	wt := WeightTensor{Name: name, Shape: append([]int(nil), t.Size...)}
	n := wt.NumElements()

	// Только непрерывные тензоры: stride[i] = prod(size[i+1:])
	expected := 1
	for i := len(t.Size) - 1; i >= 0; i-- {
		if t.Size[i] > 1 && t.Stride[i] != expected {
			return WeightTensor{}, fmt.Errorf("state_dict: %q is not contiguous (stride %v)", name, t.Stride)
		}
		expected *= t.Size[i]
	}

	start, end := t.StorageOffset, t.StorageOffset+n
	if start < 0 || end > len(storage.Data) {
		return WeightTensor{}, fmt.Errorf("state_dict: %q needs storage [%d:%d], have %d values", name, start, end, len(storage.Data))
	}
	wt.Data = append([]float32(nil), storage.Data[start:end]...)
	return wt, nil
}
