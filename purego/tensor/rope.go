package tensor

import "math"

// RoPECache stores precomputed sin/cos values for rotary position embedding.
type RoPECache struct {
	CosCache  *Tensor // [max_seq_len, head_dim/2]
	SinCache  *Tensor // [max_seq_len, head_dim/2]
	HeadDim   int
	MaxSeqLen int
	Base      float64 // Usually 10000.0
}

// NewRoPECache creates a cache of rotary embeddings
func NewRoPECache(headDim, maxSeqLen int, base float64) *RoPECache {
	half := headDim / 2
	cache := &RoPECache{
		HeadDim:   headDim,
		MaxSeqLen: maxSeqLen,
		Base:      base,
		CosCache:  NewTensor(maxSeqLen, half),
		SinCache:  NewTensor(maxSeqLen, half),
	}

	for pos := 0; pos < maxSeqLen; pos++ {
		for i := 0; i < half; i++ {
			freq := 1.0 / math.Pow(base, float64(2*i)/float64(headDim))
			angle := float64(pos) * freq
			cache.CosCache.Data[pos*half+i] = float32(math.Cos(angle))
			cache.SinCache.Data[pos*half+i] = float32(math.Sin(angle))
		}
	}

	return cache
}

// Rotate applies the rotation for pos to every head of x in place.
// x holds numHeads consecutive head_dim vectors; dimension pairs are
// (2i, 2i+1).
func (rc *RoPECache) Rotate(x []float32, numHeads, pos int) {
	if pos >= rc.MaxSeqLen {
		panic("position exceeds max sequence length")
	}
	half := rc.HeadDim / 2
	cos := rc.CosCache.Data[pos*half : (pos+1)*half]
	sin := rc.SinCache.Data[pos*half : (pos+1)*half]
	for h := 0; h < numHeads; h++ {
		v := x[h*rc.HeadDim : (h+1)*rc.HeadDim]
		for i := 0; i < half; i++ {
			a, b := v[2*i], v[2*i+1]
			v[2*i] = a*cos[i] - b*sin[i]
			v[2*i+1] = a*sin[i] + b*cos[i]
		}
	}
}
