package tensor

import (
	"fmt"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType is the element type a Store keeps its rows in.
type DType string

const (
	DTypeFloat32  DType = "float32"
	DTypeFloat16  DType = "float16"
	DTypeBFloat16 DType = "bfloat16"
	DTypeInt8     DType = "int8" // symmetric per-row quantization with a float32 scale
)

// ParseDType maps a config string onto a DType.
func ParseDType(s string) (DType, error) {
	switch DType(s) {
	case DTypeFloat32, DTypeFloat16, DTypeBFloat16, DTypeInt8:
		return DType(s), nil
	case "":
		return DTypeFloat32, nil
	}
	return "", fmt.Errorf("%w: %q", ErrDType, s)
}

// BytesPerElement returns the storage width of one element, excluding scales.
func (d DType) BytesPerElement() int {
	switch d {
	case DTypeFloat16, DTypeBFloat16:
		return 2
	case DTypeInt8:
		return 1
	default:
		return 4
	}
}

// Store is a dense [slots, seq, heads, dim] buffer of one cache component.
// Rows are head_dim vectors addressed by (slot, pos, head). For int8 stores
// every row carries a scale in a parallel [slots, seq, heads] array and the
// two are always written by the same call.
type Store struct {
	dtype DType
	slots int
	seq   int
	heads int
	dim   int

	f32   []float32
	f16   []float16.Float16
	bf16  []byte
	i8    []int8
	scale []float32
}

// NewStore allocates a zeroed store.
func NewStore(dtype DType, slots, seq, heads, dim int) *Store {
	s := &Store{dtype: dtype, slots: slots, seq: seq, heads: heads, dim: dim}
	n := slots * seq * heads * dim
	switch dtype {
	case DTypeFloat16:
		s.f16 = make([]float16.Float16, n)
	case DTypeBFloat16:
		s.bf16 = make([]byte, 2*n)
	case DTypeInt8:
		s.i8 = make([]int8, n)
		s.scale = make([]float32, slots*seq*heads)
	default:
		s.dtype = DTypeFloat32
		s.f32 = make([]float32, n)
	}
	return s
}

func (s *Store) DType() DType { return s.dtype }
func (s *Store) Slots() int   { return s.slots }
func (s *Store) SeqLen() int  { return s.seq }
func (s *Store) Heads() int   { return s.heads }
func (s *Store) HeadDim() int { return s.dim }

// Shape reports the logical shape. Single-head stores are reported as
// [slots, seq, dim].
func (s *Store) Shape() []int {
	if s.heads == 1 {
		return []int{s.slots, s.seq, s.dim}
	}
	return []int{s.slots, s.seq, s.heads, s.dim}
}

// ScaleShape is [slots, seq, heads] for int8 stores and nil otherwise.
func (s *Store) ScaleShape() []int {
	if s.dtype != DTypeInt8 {
		return nil
	}
	return []int{s.slots, s.seq, s.heads}
}

// Bytes is the memory footprint of values plus scales.
func (s *Store) Bytes() int64 {
	n := int64(s.slots*s.seq*s.heads*s.dim) * int64(s.dtype.BytesPerElement())
	return n + int64(len(s.scale))*4
}

func (s *Store) rowIndex(slot, pos, head int) int {
	return (slot*s.seq+pos)*s.heads + head
}

// ReadRow decodes the row at (slot, pos, head) into dst as float32.
func (s *Store) ReadRow(slot, pos, head int, dst []float32) {
	r := s.rowIndex(slot, pos, head)
	off := r * s.dim
	switch s.dtype {
	case DTypeFloat16:
		for i := range dst[:s.dim] {
			dst[i] = s.f16[off+i].Float32()
		}
	case DTypeBFloat16:
		copy(dst, bfloat16.DecodeFloat32(s.bf16[2*off:2*(off+s.dim)]))
	case DTypeInt8:
		DequantizeRow(s.i8[off:off+s.dim], s.scale[r], dst[:s.dim])
	default:
		copy(dst, s.f32[off:off+s.dim])
	}
}

// WriteRow encodes src into the row at (slot, pos, head). Int8 stores
// quantize src and record its scale in the same call.
func (s *Store) WriteRow(slot, pos, head int, src []float32) {
	r := s.rowIndex(slot, pos, head)
	off := r * s.dim
	switch s.dtype {
	case DTypeFloat16:
		for i, v := range src[:s.dim] {
			s.f16[off+i] = float16.Fromfloat32(v)
		}
	case DTypeBFloat16:
		copy(s.bf16[2*off:2*(off+s.dim)], bfloat16.EncodeFloat32(src[:s.dim]))
	case DTypeInt8:
		s.scale[r] = QuantizeRow(src[:s.dim], s.i8[off:off+s.dim])
	default:
		copy(s.f32[off:off+s.dim], src[:s.dim])
	}
}

// Int8Row returns the raw quantized row and its scale. It panics on
// non-int8 stores.
func (s *Store) Int8Row(slot, pos, head int) ([]int8, float32) {
	if s.dtype != DTypeInt8 {
		panic("Int8Row on " + string(s.dtype) + " store")
	}
	r := s.rowIndex(slot, pos, head)
	off := r * s.dim
	return s.i8[off : off+s.dim], s.scale[r]
}

// CopySlot overwrites dstSlot with positions [0, n) of src's srcSlot and
// zeroes positions [n, seq). The raw encoding is copied, so both stores
// must share dtype, heads and dim.
func (s *Store) CopySlot(dstSlot int, src *Store, srcSlot, n int) error {
	if src.dtype != s.dtype || src.heads != s.heads || src.dim != s.dim {
		return fmt.Errorf("%w: copy %s%v into %s%v", ErrShape, src.dtype, src.Shape(), s.dtype, s.Shape())
	}
	if n > src.seq || n > s.seq {
		return fmt.Errorf("%w: copy span %d exceeds seq len", ErrShape, n)
	}
	rowsPerPos := s.heads
	dstRow := s.rowIndex(dstSlot, 0, 0)
	srcRow := src.rowIndex(srcSlot, 0, 0)
	copyRows := n * rowsPerPos
	totalRows := s.seq * rowsPerPos

	switch s.dtype {
	case DTypeFloat16:
		d, sv := s.f16[dstRow*s.dim:], src.f16[srcRow*s.dim:]
		copy(d[:copyRows*s.dim], sv[:copyRows*s.dim])
		clear(d[copyRows*s.dim : totalRows*s.dim])
	case DTypeBFloat16:
		d, sv := s.bf16[2*dstRow*s.dim:], src.bf16[2*srcRow*s.dim:]
		copy(d[:2*copyRows*s.dim], sv[:2*copyRows*s.dim])
		clear(d[2*copyRows*s.dim : 2*totalRows*s.dim])
	case DTypeInt8:
		d, sv := s.i8[dstRow*s.dim:], src.i8[srcRow*s.dim:]
		copy(d[:copyRows*s.dim], sv[:copyRows*s.dim])
		clear(d[copyRows*s.dim : totalRows*s.dim])
		ds, ss := s.scale[dstRow:], src.scale[srcRow:]
		copy(ds[:copyRows], ss[:copyRows])
		clear(ds[copyRows:totalRows])
	default:
		d, sv := s.f32[dstRow*s.dim:], src.f32[srcRow*s.dim:]
		copy(d[:copyRows*s.dim], sv[:copyRows*s.dim])
		clear(d[copyRows*s.dim : totalRows*s.dim])
	}
	return nil
}

// savedPosition is the raw encoding of every head at one (slot, pos).
type savedPosition struct {
	store     *Store
	slot, pos int

	f32   []float32
	f16   []float16.Float16
	bf16  []byte
	i8    []int8
	scale []float32
}

// savePosition copies the raw rows of every head at (slot, pos).
func (s *Store) savePosition(slot, pos int) savedPosition {
	r := s.rowIndex(slot, pos, 0)
	lo, hi := r*s.dim, (r+s.heads)*s.dim
	p := savedPosition{store: s, slot: slot, pos: pos}
	switch s.dtype {
	case DTypeFloat16:
		p.f16 = append(p.f16, s.f16[lo:hi]...)
	case DTypeBFloat16:
		p.bf16 = append(p.bf16, s.bf16[2*lo:2*hi]...)
	case DTypeInt8:
		p.i8 = append(p.i8, s.i8[lo:hi]...)
		p.scale = append(p.scale, s.scale[r:r+s.heads]...)
	default:
		p.f32 = append(p.f32, s.f32[lo:hi]...)
	}
	return p
}

func (p savedPosition) restore() {
	s := p.store
	r := s.rowIndex(p.slot, p.pos, 0)
	lo := r * s.dim
	switch s.dtype {
	case DTypeFloat16:
		copy(s.f16[lo:], p.f16)
	case DTypeBFloat16:
		copy(s.bf16[2*lo:], p.bf16)
	case DTypeInt8:
		copy(s.i8[lo:], p.i8)
		copy(s.scale[r:], p.scale)
	default:
		copy(s.f32[lo:], p.f32)
	}
}

// Clone returns a deep copy.
func (s *Store) Clone() *Store {
	c := *s
	c.f32 = append([]float32(nil), s.f32...)
	c.f16 = append([]float16.Float16(nil), s.f16...)
	c.bf16 = append([]byte(nil), s.bf16...)
	c.i8 = append([]int8(nil), s.i8...)
	c.scale = append([]float32(nil), s.scale...)
	return &c
}

// Reset zeroes every value and scale.
func (s *Store) Reset() {
	clear(s.f32)
	clear(s.f16)
	clear(s.bf16)
	clear(s.i8)
	clear(s.scale)
}

// SlotData decodes one slot into a [seq, heads, dim] tensor.
func (s *Store) SlotData(slot int) *Tensor {
	out := NewTensor(s.seq, s.heads, s.dim)
	for pos := 0; pos < s.seq; pos++ {
		for h := 0; h < s.heads; h++ {
			s.ReadRow(slot, pos, h, out.Data[(pos*s.heads+h)*s.dim:])
		}
	}
	return out
}
