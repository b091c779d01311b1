package ai

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	// WeightsFormat метка формата файла весов
	WeightsFormat = "moodvoice-weights"
	// WeightsVersion текущая версия формата
	WeightsVersion = 1
	// Architecture имя архитектуры классификатора
	Architecture = "depression-cnn"

	// NumClasses количество классов тяжести
	NumClasses = 3
	// EmbeddingSize размер эмбеддинга fc1
	EmbeddingSize = 128
)

// convChannels каналы свёрточных блоков (вход 1 канал)
var convChannels = [3]int{32, 64, 128}

// WeightTensor именованный тензор весов (имена как в PyTorch state_dict)
type WeightTensor struct {
	Name  string    `msgpack:"name"`
	Shape []int     `msgpack:"shape"`
	Data  []float32 `msgpack:"data"`
}

// NumElements произведение размерностей
func (t WeightTensor) NumElements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

type weightsFile struct {
	Format       string         `msgpack:"format"`
	Version      int            `msgpack:"version"`
	Architecture string         `msgpack:"architecture"`
	Tensors      []WeightTensor `msgpack:"tensors"`
}

// Weights набор весов классификатора
type Weights struct {
	tensors map[string]WeightTensor
}

// NewWeights создаёт набор из списка тензоров
func NewWeights(tensors []WeightTensor) *Weights {
	w := &Weights{tensors: make(map[string]WeightTensor, len(tensors))}
	for _, t := range tensors {
		w.tensors[t.Name] = t
	}
	return w
}

// Get возвращает тензор по имени
func (w *Weights) Get(name string) (WeightTensor, bool) {
	t, ok := w.tensors[name]
	return t, ok
}

// Names отсортированный список имён
func (w *Weights) Names() []string {
	names := make([]string, 0, len(w.tensors))
	for name := range w.tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// expectedShapes формы всех тензоров архитектуры
func expectedShapes() map[string][]int {
	shapes := make(map[string][]int)
	in := 1
	for i, out := range convChannels {
		n := i + 1
		shapes[fmt.Sprintf("conv%d.weight", n)] = []int{out, in, 3, 3}
		shapes[fmt.Sprintf("conv%d.bias", n)] = []int{out}
		for _, p := range []string{"weight", "bias", "running_mean", "running_var"} {
			shapes[fmt.Sprintf("bn%d.%s", n, p)] = []int{out}
		}
		in = out
	}
	shapes["fc1.weight"] = []int{EmbeddingSize, convChannels[2]}
	shapes["fc1.bias"] = []int{EmbeddingSize}
	for _, p := range []string{"weight", "bias", "running_mean", "running_var"} {
		shapes["bn_fc1."+p] = []int{EmbeddingSize}
	}
	shapes["fc2.weight"] = []int{NumClasses, EmbeddingSize}
	shapes["fc2.bias"] = []int{NumClasses}
	return shapes
}

// Validate проверяет наличие и формы всех тензоров архитектуры.
// Лишние num_batches_tracked допускаются и игнорируются.
func (w *Weights) Validate() error {
	for name, shape := range expectedShapes() {
		t, ok := w.tensors[name]
		if !ok {
			return fmt.Errorf("weights: missing tensor %q", name)
		}
		if !equalShape(t.Shape, shape) {
			return fmt.Errorf("weights: tensor %q has shape %v, expected %v", name, t.Shape, shape)
		}
		if len(t.Data) != t.NumElements() {
			return fmt.Errorf("weights: tensor %q has %d values, shape %v needs %d", name, len(t.Data), t.Shape, t.NumElements())
		}
		for _, v := range t.Data {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				return fmt.Errorf("weights: tensor %q contains non-finite values", name)
			}
		}
	}
	return nil
}

func equalShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ReadWeights читает веса в формате msgpack
func ReadWeights(r io.Reader) (*Weights, error) {
	var f weightsFile
	if err := msgpack.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to decode weights: %w", err)
	}
	if f.Format != WeightsFormat {
		return nil, fmt.Errorf("weights: unknown format %q", f.Format)
	}
	if f.Version != WeightsVersion {
		return nil, fmt.Errorf("weights: unsupported version %d", f.Version)
	}
	if f.Architecture != Architecture {
		return nil, fmt.Errorf("weights: architecture %q, expected %q", f.Architecture, Architecture)
	}
	return NewWeights(f.Tensors), nil
}

// LoadWeights загружает веса из файла: msgpack или PyTorch state_dict (.pt, .pth)
func LoadWeights(path string) (*Weights, error) {
	if IsStateDictPath(path) {
		return LoadStateDict(path)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open weights: %w", err)
	}
	defer file.Close()

	return ReadWeights(bufio.NewReader(file))
}

// Write сериализует веса в msgpack
func (w *Weights) Write(out io.Writer) error {
	f := weightsFile{
		Format:       WeightsFormat,
		Version:      WeightsVersion,
		Architecture: Architecture,
	}
	for _, name := range w.Names() {
		f.Tensors = append(f.Tensors, w.tensors[name])
	}
	return msgpack.NewEncoder(out).Encode(&f)
}

// Save записывает веса в файл атомарно (через временный файл)
func (w *Weights) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create weights dir: %w", err)
	}

	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create weights file: %w", err)
	}

	buf := bufio.NewWriter(file)
	if err := w.Write(buf); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to encode weights: %w", err)
	}
	if err := buf.Flush(); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write weights: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close weights file: %w", err)
	}

	return os.Rename(tmpPath, path)
}

// RandomWeights детерминированные случайные веса (инициализация He).
// Используются для smoke-тестов и разработки без обученной модели.
func RandomWeights(seed int64) *Weights {
	rng := rand.New(rand.NewSource(seed))
	shapes := expectedShapes()

	names := make([]string, 0, len(shapes))
	for name := range shapes {
		names = append(names, name)
	}
	sort.Strings(names)

	tensors := make([]WeightTensor, 0, len(names))
	for _, name := range names {
		shape := shapes[name]
		t := WeightTensor{Name: name, Shape: shape}
		t.Data = make([]float32, t.NumElements())

		switch {
		case len(shape) > 1:
			fanIn := 1
			for _, d := range shape[1:] {
				fanIn *= d
			}
			std := math.Sqrt(2.0 / float64(fanIn))
			for i := range t.Data {
				t.Data[i] = float32(rng.NormFloat64() * std)
			}
		case strings.HasSuffix(name, ".running_var"):
			for i := range t.Data {
				t.Data[i] = float32(0.5 + rng.Float64())
			}
		case strings.HasSuffix(name, ".running_mean"):
			for i := range t.Data {
				t.Data[i] = float32(rng.NormFloat64() * 0.05)
			}
		case strings.HasPrefix(name, "bn") && strings.HasSuffix(name, ".weight"):
			for i := range t.Data {
				t.Data[i] = 1
			}
		default:
			for i := range t.Data {
				t.Data[i] = float32(rng.NormFloat64() * 0.01)
			}
		}
		tensors = append(tensors, t)
	}
	return NewWeights(tensors)
}
