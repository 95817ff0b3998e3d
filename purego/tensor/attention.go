package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// LargeNegative is the additive mask value for disallowed positions.
const LargeNegative = -0.7 * math.MaxFloat32

// KernelType names an attention strategy.
type KernelType string

const (
	KernelStandard  KernelType = "standard"
	KernelQuantized KernelType = "quantized"
	KernelChunked   KernelType = "chunked"
	KernelWide      KernelType = "wide"
)

// Kernel computes single-query attention for a batch of queries against a
// slot-indexed key/value cache.
//
//	q:     [B, N, H]
//	key:   cache store [b, S, Nkv, H]
//	value: cache store [b, S, Nkv, H]
//	mask:  [1 or B, S], additive
//
// B must be a multiple of b; query row i reads cache row i/(B/b). Query
// head n reads kv head n/(N/Nkv). The result is [B, N, H].
type Kernel interface {
	Name() string
	Compute(q *Tensor, key, value *Store, mask *Tensor, timeStep int) (*Tensor, error)
}

// NewMask returns a [rows, seqLen] mask with every position disallowed.
func NewMask(rows, seqLen int) *Tensor {
	m := NewTensor(rows, seqLen)
	m.Fill(LargeNegative)
	return m
}

// Allow opens positions [from, to) of row.
func (t *Tensor) Allow(row, from, to int) {
	r := t.Row(row)
	for i := from; i < to; i++ {
		r[i] = 0
	}
}

type attnDims struct {
	B, N, H    int
	b, S, Nkv  int
	group      int // query heads per kv head
	rep        int // query rows per cache row
	maskPerRow bool
}

func checkDims(q *Tensor, key, value *Store, mask *Tensor) (attnDims, error) {
	var d attnDims
	if len(q.Shape) != 3 {
		return d, fmt.Errorf("%w: query must be [B,N,H], got %v", ErrShape, q.Shape)
	}
	d.B, d.N, d.H = q.Shape[0], q.Shape[1], q.Shape[2]
	d.b, d.S, d.Nkv = key.Slots(), key.SeqLen(), key.Heads()
	if value.Slots() != d.b || value.SeqLen() != d.S || value.Heads() != d.Nkv || value.HeadDim() != key.HeadDim() {
		return d, fmt.Errorf("%w: key %v vs value %v", ErrShape, key.Shape(), value.Shape())
	}
	if key.HeadDim() != d.H {
		return d, fmt.Errorf("%w: query head dim %d vs cache %d", ErrShape, d.H, key.HeadDim())
	}
	if d.Nkv == 0 || d.N%d.Nkv != 0 {
		return d, fmt.Errorf("%w: %d query heads over %d kv heads", ErrShape, d.N, d.Nkv)
	}
	if d.b == 0 || d.B%d.b != 0 {
		return d, fmt.Errorf("%w: query batch %d, cache batch %d", ErrBatchMismatch, d.B, d.b)
	}
	if len(mask.Shape) != 2 || mask.Shape[1] != d.S || (mask.Shape[0] != 1 && mask.Shape[0] != d.B) {
		return d, fmt.Errorf("%w: mask %v for batch %d seq %d", ErrShape, mask.Shape, d.B, d.S)
	}
	d.group = d.N / d.Nkv
	d.rep = d.B / d.b
	d.maskPerRow = mask.Shape[0] == d.B
	return d, nil
}

func (d attnDims) maskRow(mask *Tensor, i int) []float32 {
	if d.maskPerRow {
		return mask.Row(i)
	}
	return mask.Row(0)
}

// softmaxInPlace turns logits into probabilities in float64.
func softmaxInPlace(logits []float64) {
	m := floats.Max(logits)
	for i, l := range logits {
		logits[i] = math.Exp(l - m)
	}
	floats.Scale(1/floats.Sum(logits), logits)
}

func toFloat64(dst []float64, src []float32) {
	for i, v := range src {
		dst[i] = float64(v)
	}
}

// standardKernel attends over the first width positions of the cache,
// decoding every row to float32 before the dot product.
type standardKernel struct {
	name  string
	width int // 0 means the whole sequence
}

// NewStandardKernel returns the full-width dot-product kernel.
func NewStandardKernel() Kernel {
	return &standardKernel{name: string(KernelStandard)}
}

func (k *standardKernel) Name() string { return k.name }

func (k *standardKernel) Compute(q *Tensor, key, value *Store, mask *Tensor, timeStep int) (*Tensor, error) {
	d, err := checkDims(q, key, value, mask)
	if err != nil {
		return nil, err
	}
	width := d.S
	if k.width > 0 && k.width < d.S {
		width = k.width
	}
	return attend(d, q, mask, width, func(slot, pos, head int, qv []float64, row []float32, row64 []float64) float64 {
		key.ReadRow(slot, pos, head, row)
		toFloat64(row64, row)
		return floats.Dot(qv, row64)
	}, func(slot, pos, head int, p float64, acc []float64, row []float32) {
		value.ReadRow(slot, pos, head, row)
		for i, v := range row {
			acc[i] += p * float64(v)
		}
	})
}

type logitFunc func(slot, pos, head int, q []float64, row []float32, row64 []float64) float64
type accumFunc func(slot, pos, head int, p float64, acc []float64, row []float32)

// attend is the shared single-query attention loop over [0, width).
func attend(d attnDims, q *Tensor, mask *Tensor, width int, logit logitFunc, accum accumFunc) (*Tensor, error) {
	out := NewTensor(d.B, d.N, d.H)
	scale := 1 / math.Sqrt(float64(d.H))
	qv := make([]float64, d.H)
	row := make([]float32, d.H)
	row64 := make([]float64, d.H)
	logits := make([]float64, width)
	acc := make([]float64, d.H)

	for i := 0; i < d.B; i++ {
		slot := i / d.rep
		mrow := d.maskRow(mask, i)
		for n := 0; n < d.N; n++ {
			kvh := n / d.group
			toFloat64(qv, q.Data[(i*d.N+n)*d.H:(i*d.N+n+1)*d.H])
			for s := 0; s < width; s++ {
				logits[s] = logit(slot, s, kvh, qv, row, row64)*scale + float64(mrow[s])
			}
			softmaxInPlace(logits)
			clear(acc)
			for s := 0; s < width; s++ {
				if logits[s] == 0 {
					continue
				}
				accum(slot, s, kvh, logits[s], acc, row)
			}
			dst := out.Data[(i*d.N+n)*d.H:]
			for h, v := range acc {
				dst[h] = float32(v)
			}
		}
	}
	return out, nil
}

// quantizedKernel reads int8 rows directly. Logits are computed against the
// raw int8 keys and rescaled afterwards; probabilities are folded into the
// value scale before accumulation.
type quantizedKernel struct {
	name  string
	width int
}

// NewQuantizedKernel returns the int8 cache kernel.
func NewQuantizedKernel() Kernel {
	return &quantizedKernel{name: string(KernelQuantized)}
}

func (k *quantizedKernel) Name() string { return k.name }

func (k *quantizedKernel) Compute(q *Tensor, key, value *Store, mask *Tensor, timeStep int) (*Tensor, error) {
	if key.DType() != DTypeInt8 || value.DType() != DTypeInt8 {
		return nil, fmt.Errorf("%w: quantized kernel needs int8 cache, got %s/%s", ErrDType, key.DType(), value.DType())
	}
	d, err := checkDims(q, key, value, mask)
	if err != nil {
		return nil, err
	}
	width := d.S
	if k.width > 0 && k.width < d.S {
		width = k.width
	}
	return attend(d, q, mask, width, func(slot, pos, head int, qv []float64, _ []float32, _ []float64) float64 {
		kq, sc := key.Int8Row(slot, pos, head)
		var dot float64
		for i, v := range kq {
			dot += qv[i] * float64(v)
		}
		return dot * float64(sc)
	}, func(slot, pos, head int, p float64, acc []float64, _ []float32) {
		vq, sc := value.Int8Row(slot, pos, head)
		ps := p * float64(sc)
		for i, v := range vq {
			acc[i] += ps * float64(v)
		}
	})
}

// chunkedKernel keeps one fixed-width kernel per chunk count and picks the
// narrowest one that covers timeStep.
type chunkedKernel struct {
	chunkWidth int
	seqLen     int
	kernels    []Kernel
}

// NewChunkedKernel splits a sequence of seqLen positions into numChunks
// equal chunks. Kernel c attends over the first (c+1)*w positions.
func NewChunkedKernel(seqLen, numChunks int, quantized bool) (Kernel, error) {
	if numChunks < 1 || seqLen%numChunks != 0 {
		return nil, fmt.Errorf("%w: seq %d, chunks %d", ErrChunking, seqLen, numChunks)
	}
	w := seqLen / numChunks
	ck := &chunkedKernel{chunkWidth: w, seqLen: seqLen, kernels: make([]Kernel, numChunks)}
	for c := range ck.kernels {
		name := fmt.Sprintf("%s/%d", KernelChunked, c+1)
		if quantized {
			ck.kernels[c] = &quantizedKernel{name: name, width: (c + 1) * w}
		} else {
			ck.kernels[c] = &standardKernel{name: name, width: (c + 1) * w}
		}
	}
	return ck, nil
}

func (k *chunkedKernel) Name() string { return string(KernelChunked) }

// Select returns the kernel used for timeStep.
func (k *chunkedKernel) Select(timeStep int) Kernel {
	idx := timeStep / k.chunkWidth
	if idx < 0 {
		idx = 0
	}
	if idx > len(k.kernels)-1 {
		idx = len(k.kernels) - 1
	}
	return k.kernels[idx]
}

func (k *chunkedKernel) Compute(q *Tensor, key, value *Store, mask *Tensor, timeStep int) (*Tensor, error) {
	if key.SeqLen() != k.seqLen {
		return nil, fmt.Errorf("%w: chunked kernel built for seq %d, cache has %d", ErrShape, k.seqLen, key.SeqLen())
	}
	return k.Select(timeStep).Compute(q, key, value, mask, timeStep)
}

// ChunkSelector is implemented by kernels that dispatch on the time step.
type ChunkSelector interface {
	Select(timeStep int) Kernel
}

// wideKernel broadcasts the query along a synthetic axis of size two,
// computes [B,N,2,S] logits and keeps the first copy.
type wideKernel struct {
	base Kernel
}

// NewWideKernel wraps base with the duplicated-query layout.
func NewWideKernel(base Kernel) Kernel {
	return &wideKernel{base: base}
}

func (k *wideKernel) Name() string { return string(KernelWide) }

func (k *wideKernel) Compute(q *Tensor, key, value *Store, mask *Tensor, timeStep int) (*Tensor, error) {
	if len(q.Shape) != 3 {
		return nil, fmt.Errorf("%w: query must be [B,N,H], got %v", ErrShape, q.Shape)
	}
	B, N, H := q.Shape[0], q.Shape[1], q.Shape[2]
	wide := NewTensor(B, N*2, H)
	for i := 0; i < B; i++ {
		for n := 0; n < N; n++ {
			src := q.Data[(i*N+n)*H : (i*N+n+1)*H]
			copy(wide.Data[(i*N*2+2*n)*H:], src)
			copy(wide.Data[(i*N*2+2*n+1)*H:], src)
		}
	}
	// Doubling N doubles the query group per kv head, so both copies of
	// head n still land on kv head n/(N/Nkv).
	out, err := k.base.Compute(wide, key, value, mask, timeStep)
	if err != nil {
		return nil, err
	}
	res := NewTensor(B, N, H)
	for i := 0; i < B; i++ {
		for n := 0; n < N; n++ {
			copy(res.Data[(i*N+n)*H:(i*N+n+1)*H], out.Data[(i*N*2+2*n)*H:])
		}
	}
	return res, nil
}

// NewKernel builds the kernel for kind over a cache of seqLen positions.
// quantized selects the int8 read path for the standard and chunked kinds.
func NewKernel(kind KernelType, seqLen, numChunks int, quantized bool) (Kernel, error) {
	base := NewStandardKernel()
	if quantized {
		base = NewQuantizedKernel()
	}
	switch kind {
	case KernelStandard, KernelQuantized, "":
		return base, nil
	case KernelChunked:
		return NewChunkedKernel(seqLen, numChunks, quantized)
	case KernelWide:
		return NewWideKernel(base), nil
	}
	return nil, fmt.Errorf("unknown attention kernel %q", kind)
}
