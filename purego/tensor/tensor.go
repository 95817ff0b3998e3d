package tensor

import "math"

// Tensor represents a multi-dimensional array
type Tensor struct {
	Data  []float32
	Shape []int
}

// NewTensor creates a new tensor with given shape
func NewTensor(shape ...int) *Tensor {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return &Tensor{
		Data:  make([]float32, size),
		Shape: append([]int(nil), shape...),
	}
}

// Size returns total number of elements
func (t *Tensor) Size() int {
	size := 1
	for _, dim := range t.Shape {
		size *= dim
	}
	return size
}

// Row returns the i-th slice along the first dimension as a view.
func (t *Tensor) Row(i int) []float32 {
	stride := t.Size() / t.Shape[0]
	return t.Data[i*stride : (i+1)*stride]
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := NewTensor(t.Shape...)
	copy(out.Data, t.Data)
	return out
}

// Fill sets every element to v.
func (t *Tensor) Fill(v float32) {
	for i := range t.Data {
		t.Data[i] = v
	}
}

// MatVec computes x @ w for a single row x and w of shape [len(x), n].
func MatVec(x []float32, w *Tensor) []float32 {
	out := make([]float32, w.Shape[1])
	MatVecInto(out, x, w)
	return out
}

// MatVecInto is MatVec writing into dst.
func MatVecInto(dst, x []float32, w *Tensor) {
	n := w.Shape[1]
	for j := range dst {
		dst[j] = 0
	}
	for p, xv := range x {
		if xv == 0 {
			continue
		}
		row := w.Data[p*n : (p+1)*n]
		for j, wv := range row {
			dst[j] += xv * wv
		}
	}
}

// AddInPlace adds b into a element-wise.
func AddInPlace(a, b []float32) {
	if len(a) != len(b) {
		panic("tensors must have same size")
	}
	for i := range a {
		a[i] += b[i]
	}
}

// RMSNorm normalizes x by its root mean square and scales by weight.
func RMSNorm(x, weight []float32, eps float32) []float32 {
	var ss float64
	for _, v := range x {
		ss += float64(v) * float64(v)
	}
	rms := float32(math.Sqrt(ss/float64(len(x)) + float64(eps)))
	out := make([]float32, len(x))
	for i, v := range x {
		out[i] = v / rms * weight[i]
	}
	return out
}

// SiLU is x * sigmoid(x).
func SiLU(x float32) float32 {
	return x / (1 + float32(math.Exp(float64(-x))))
}
