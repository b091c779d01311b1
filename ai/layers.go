package ai

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

const bnEps = 1e-5

// conv2d свёртка 3×3 с паддингом 1 через im2col
type conv2d struct {
	in, out int
	weight  *mat.Dense // out × in·9
	bias    []float64
}

func newConv2d(w, b WeightTensor) *conv2d {
	out, in := w.Shape[0], w.Shape[1]
	return &conv2d{
		in:     in,
		out:    out,
		weight: mat.NewDense(out, in*9, toFloat64(w.Data)),
		bias:   toFloat64(b.Data),
	}
}

// forward x: [in][h][w] → [out][h][w]
func (l *conv2d) forward(x []float64, h, w int) []float64 {
	hw := h * w
	cols := mat.NewDense(l.in*9, hw, nil)
	raw := cols.RawMatrix()

	for c := 0; c < l.in; c++ {
		plane := x[c*hw : (c+1)*hw]
		for ky := 0; ky < 3; ky++ {
			for kx := 0; kx < 3; kx++ {
				row := raw.Data[((c*9)+ky*3+kx)*raw.Stride:]
				for y := 0; y < h; y++ {
					sy := y + ky - 1
					if sy < 0 || sy >= h {
						continue
					}
					for xx := 0; xx < w; xx++ {
						sx := xx + kx - 1
						if sx < 0 || sx >= w {
							continue
						}
						row[y*w+xx] = plane[sy*w+sx]
					}
				}
			}
		}
	}

	var res mat.Dense
	res.Mul(l.weight, cols)

	out := make([]float64, l.out*hw)
	for o := 0; o < l.out; o++ {
		row := res.RawRowView(o)
		for i := 0; i < hw; i++ {
			out[o*hw+i] = row[i] + l.bias[o]
		}
	}
	return out
}

// batchNorm BatchNorm в режиме инференса: y = x·scale + shift по каналам
type batchNorm struct {
	scale []float64
	shift []float64
}

func newBatchNorm(gamma, beta, mean, variance WeightTensor) *batchNorm {
	n := len(gamma.Data)
	bn := &batchNorm{scale: make([]float64, n), shift: make([]float64, n)}
	for i := 0; i < n; i++ {
		s := float64(gamma.Data[i]) / math.Sqrt(float64(variance.Data[i])+bnEps)
		bn.scale[i] = s
		bn.shift[i] = float64(beta.Data[i]) - float64(mean.Data[i])*s
	}
	return bn
}

// forward применяет нормализацию к [channels][plane] на месте
func (bn *batchNorm) forward(x []float64, plane int) {
	for c := range bn.scale {
		s, t := bn.scale[c], bn.shift[c]
		seg := x[c*plane : (c+1)*plane]
		for i := range seg {
			seg[i] = seg[i]*s + t
		}
	}
}

// linear полносвязный слой y = Wx + b
type linear struct {
	weight *mat.Dense // out × in
	bias   []float64
}

func newLinear(w, b WeightTensor) *linear {
	return &linear{
		weight: mat.NewDense(w.Shape[0], w.Shape[1], toFloat64(w.Data)),
		bias:   toFloat64(b.Data),
	}
}

func (l *linear) forward(x []float64) []float64 {
	var y mat.VecDense
	y.MulVec(l.weight, mat.NewVecDense(len(x), x))
	out := make([]float64, len(l.bias))
	for i := range out {
		out[i] = y.AtVec(i) + l.bias[i]
	}
	return out
}

func relu(x []float64) {
	for i, v := range x {
		if v < 0 {
			x[i] = 0
		}
	}
}

// maxPool2 пулинг 2×2 с шагом 2, нечётный остаток отбрасывается
func maxPool2(x []float64, channels, h, w int) ([]float64, int, int) {
	oh, ow := h/2, w/2
	out := make([]float64, channels*oh*ow)
	for c := 0; c < channels; c++ {
		in := x[c*h*w : (c+1)*h*w]
		dst := out[c*oh*ow : (c+1)*oh*ow]
		for y := 0; y < oh; y++ {
			for xx := 0; xx < ow; xx++ {
				i := (2*y)*w + 2*xx
				m := math.Max(math.Max(in[i], in[i+1]), math.Max(in[i+w], in[i+w+1]))
				dst[y*ow+xx] = m
			}
		}
	}
	return out, oh, ow
}

// globalAvgPool среднее по каждому каналу
func globalAvgPool(x []float64, channels, plane int) []float64 {
	out := make([]float64, channels)
	for c := 0; c < channels; c++ {
		sum := 0.0
		for _, v := range x[c*plane : (c+1)*plane] {
			sum += v
		}
		out[c] = sum / float64(plane)
	}
	return out
}

func toFloat64(src []float32) []float64 {
	dst := make([]float64, len(src))
	for i, v := range src {
		dst[i] = float64(v)
	}
	return dst
}
