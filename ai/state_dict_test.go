package ai

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pickleWriter собирает минимальный pickle протокола 2 в формате torch.save
type pickleWriter struct {
	buf bytes.Buffer
}

func (p *pickleWriter) op(b ...byte) { p.buf.Write(b) }

func (p *pickleWriter) global(module, name string) {
	p.buf.WriteString("c" + module + "\n" + name + "\n")
}

func (p *pickleWriter) str(s string) {
	p.op('X')
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(s)))
	p.buf.Write(n[:])
	p.buf.WriteString(s)
}

func (p *pickleWriter) binint(v int) {
	p.op('J')
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(int32(v)))
	p.buf.Write(n[:])
}

func (p *pickleWriter) ints(vs []int) {
	if len(vs) == 0 {
		p.op(')')
		return
	}
	p.op('(')
	for _, v := range vs {
		p.binint(v)
	}
	p.op('t')
}

type fixtureTensor struct {
	name    string
	storage string // FloatStorage | LongStorage
	numel   int
	offset  int
	size    []int
	stride  []int
	data    []byte
}

// writeStateDict пишет zip-архив torch.save с OrderedDict тензоров
func writeStateDict(t *testing.T, path string, tensors []fixtureTensor) {
	t.Helper()

	var p pickleWriter
	p.op(0x80, 2)
	p.global("collections", "OrderedDict")
	p.op(')', 'R')
	p.op('(')
	for i, ft := range tensors {
		p.str(ft.name)
		p.global("torch._utils", "_rebuild_tensor_v2")
		p.op('(')
		// persistent id: ("storage", class, key, location, numel)
		p.op('(')
		p.str("storage")
		p.global("torch", ft.storage)
		p.str(strconv.Itoa(i))
		p.str("cpu")
		p.binint(ft.numel)
		p.op('t', 'Q')
		p.binint(ft.offset)
		p.ints(ft.size)
		p.ints(ft.stride)
		p.op(0x89)
		p.global("collections", "OrderedDict")
		p.op(')', 'R')
		p.op('t', 'R')
	}
	p.op('u', '.')

	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	put := func(name string, data []byte) {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store})
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	put("archive/data.pkl", p.buf.Bytes())
	for i, ft := range tensors {
		put("archive/data/"+strconv.Itoa(i), ft.data)
	}
	put("archive/version", []byte("3\n"))
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func float32Bytes(vs []float32) []byte {
	out := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}

func contiguousStride(shape []int) []int {
	stride := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		stride[i] = acc
		acc *= shape[i]
	}
	return stride
}

// stateDictFixture переводит веса в тензоры torch.save и добавляет счётчики BatchNorm
func stateDictFixture(w *Weights) []fixtureTensor {
	var out []fixtureTensor
	for _, name := range w.Names() {
		wt, _ := w.Get(name)
		out = append(out, fixtureTensor{
			name:    name,
			storage: "FloatStorage",
			numel:   wt.NumElements(),
			size:    wt.Shape,
			stride:  contiguousStride(wt.Shape),
			data:    float32Bytes(wt.Data),
		})
	}
	counter := make([]byte, 8)
	binary.LittleEndian.PutUint64(counter, 1200)
	out = append(out, fixtureTensor{
		name:    "bn1.num_batches_tracked",
		storage: "LongStorage",
		numel:   1,
		data:    counter,
	})
	return out
}

func TestLoadStateDict(t *testing.T) {
	w := RandomWeights(3)
	path := filepath.Join(t.TempDir(), "best_model.pth")
	writeStateDict(t, path, stateDictFixture(w))

	loaded, err := LoadStateDict(path)
	require.NoError(t, err)
	require.NoError(t, loaded.Validate())
	assert.Equal(t, w.Names(), loaded.Names())

	_, ok := loaded.Get("bn1.num_batches_tracked")
	assert.False(t, ok)

	for _, name := range w.Names() {
		want, _ := w.Get(name)
		got, _ := loaded.Get(name)
		assert.Equal(t, want.Shape, got.Shape, name)
		assert.Equal(t, want.Data, got.Data, name)
	}
}

func TestLoadNativeCNNFromStateDict(t *testing.T) {
	w := RandomWeights(4)
	path := filepath.Join(t.TempDir(), "model.pth")
	writeStateDict(t, path, stateDictFixture(w))

	fromDict, err := LoadNativeCNN(path)
	require.NoError(t, err)
	direct, err := NewNativeCNN(w)
	require.NoError(t, err)

	batch, err := BuildBatch(randomImages(1, 64, 2))
	require.NoError(t, err)
	a, err := direct.Forward(context.Background(), batch)
	require.NoError(t, err)
	b, err := fromDict.Forward(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, a[0].Logits, b[0].Logits)
}

func TestLoadStateDictStorageOffset(t *testing.T) {
	// тензор занимает хвост общего хранилища
	data := float32Bytes([]float32{1, 2, 3, 4, 5, 6})
	path := filepath.Join(t.TempDir(), "offset.pth")
	writeStateDict(t, path, []fixtureTensor{
		{name: "fc2.bias", storage: "FloatStorage", numel: 6, offset: 4, size: []int{2}, stride: []int{1}, data: data},
	})

	loaded, err := LoadStateDict(path)
	require.NoError(t, err)
	got, ok := loaded.Get("fc2.bias")
	require.True(t, ok)
	assert.Equal(t, []float32{5, 6}, got.Data)
}

func TestLoadStateDictRejectsBadTensors(t *testing.T) {
	tests := []struct {
		name   string
		tensor fixtureTensor
		errMsg string
	}{
		{
			name: "transposed",
			tensor: fixtureTensor{
				name: "fc1.weight", storage: "FloatStorage", numel: 6,
				size: []int{2, 3}, stride: []int{1, 2},
				data: float32Bytes(make([]float32, 6)),
			},
			errMsg: "not contiguous",
		},
		{
			name: "out of storage",
			tensor: fixtureTensor{
				name: "fc1.bias", storage: "FloatStorage", numel: 2, offset: 1,
				size: []int{2}, stride: []int{1},
				data: float32Bytes(make([]float32, 2)),
			},
			errMsg: "needs storage",
		},
		{
			name: "integer weights",
			tensor: fixtureTensor{
				name: "fc1.bias", storage: "LongStorage", numel: 1,
				size: []int{1}, stride: []int{1},
				data: make([]byte, 8),
			},
			errMsg: "expected float32",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.pth")
			writeStateDict(t, path, []fixtureTensor{tt.tensor})
			_, err := LoadStateDict(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestIsStateDictPath(t *testing.T) {
	assert.True(t, IsStateDictPath("best_model.pth"))
	assert.True(t, IsStateDictPath("/tmp/Model.PT"))
	assert.False(t, IsStateDictPath("model.mvw"))
	assert.False(t, IsStateDictPath("model.onnx"))
}
