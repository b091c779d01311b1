package ai

import "math"

// cubicA коэффициент ядра Кейса, как в OpenCV INTER_CUBIC
const cubicA = -0.75

// cubicCoeffs веса четырёх соседей для дробного смещения x ∈ [0, 1)
func cubicCoeffs(x float64) [4]float64 {
	var c [4]float64
	c[0] = ((cubicA*(x+1)-5*cubicA)*(x+1)+8*cubicA)*(x+1) - 4*cubicA
	c[1] = ((cubicA+2)*x-(cubicA+3))*x*x + 1
	c[2] = ((cubicA+2)*(1-x)-(cubicA+3))*(1-x)*(1-x) + 1
	c[3] = 1 - c[0] - c[1] - c[2]
	return c
}

// cubicTaps индексы и веса выборки для каждой выходной координаты.
// Центры пикселей совмещены (x+0.5)·scale−0.5, края повторяются.
func cubicTaps(src, dst int) ([][4]int, [][4]float64) {
	scale := float64(src) / float64(dst)
	idx := make([][4]int, dst)
	w := make([][4]float64, dst)
	for d := 0; d < dst; d++ {
		f := (float64(d)+0.5)*scale - 0.5
		s := int(math.Floor(f))
		w[d] = cubicCoeffs(f - float64(s))
		for k := 0; k < 4; k++ {
			i := s - 1 + k
			if i < 0 {
				i = 0
			}
			if i >= src {
				i = src - 1
			}
			idx[d][k] = i
		}
	}
	return idx, w
}

// resizeBicubic масштабирует изображение rows×cols (построчно) до dstRows×dstCols.
// Сначала по горизонтали, затем по вертикали, как cv2.resize.
func resizeBicubic(src []float64, rows, cols, dstRows, dstCols int) []float64 {
	xIdx, xW := cubicTaps(cols, dstCols)
	yIdx, yW := cubicTaps(rows, dstRows)

	tmp := make([]float64, rows*dstCols)
	for r := 0; r < rows; r++ {
		line := src[r*cols : (r+1)*cols]
		for c := 0; c < dstCols; c++ {
			sum := 0.0
			for k := 0; k < 4; k++ {
				sum += line[xIdx[c][k]] * xW[c][k]
			}
			tmp[r*dstCols+c] = sum
		}
	}

	dst := make([]float64, dstRows*dstCols)
	for r := 0; r < dstRows; r++ {
		for c := 0; c < dstCols; c++ {
			sum := 0.0
			for k := 0; k < 4; k++ {
				sum += tmp[yIdx[r][k]*dstCols+c] * yW[r][k]
			}
			dst[r*dstCols+c] = sum
		}
	}
	return dst
}
