package tensor

import "math"

// Int8Max is the largest magnitude produced by QuantizeRow.
const Int8Max = 127

// QuantizeRow quantizes x symmetrically to int8 with a single scale.
// The scale is max|x|/127, or 1 when x is all zeros.
func QuantizeRow(x []float32, dst []int8) float32 {
	var maxAbs float32
	for _, v := range x {
		if a := float32(math.Abs(float64(v))); a > maxAbs {
			maxAbs = a
		}
	}
	scale := maxAbs / Int8Max
	if scale == 0 {
		scale = 1
	}
	for i, v := range x {
		q := math.RoundToEven(float64(v / scale))
		if q > Int8Max {
			q = Int8Max
		} else if q < -Int8Max {
			q = -Int8Max
		}
		dst[i] = int8(q)
	}
	return scale
}

// DequantizeRow writes q * scale into dst.
func DequantizeRow(q []int8, scale float32, dst []float32) {
	for i, v := range q {
		dst[i] = float32(v) * scale
	}
}
