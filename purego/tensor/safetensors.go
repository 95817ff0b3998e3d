package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"slices"
	"strings"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/goccy/go-json"
	"github.com/x448/float16"
)

// TensorInfo describes a tensor in safetensors format
type TensorInfo struct {
	Dtype  string   `json:"dtype"`
	Shape  []int    `json:"shape"`
	Offset [2]int64 `json:"data_offsets"`
}

var safetensorsDTypes = map[DType]string{
	DTypeFloat32:  "F32",
	DTypeFloat16:  "F16",
	DTypeBFloat16: "BF16",
}

// ReadSafetensors loads every tensor of a safetensors file as float32.
func ReadSafetensors(path string) (map[string]*Tensor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if len(data) < 8 {
		return nil, fmt.Errorf("%s: truncated header", path)
	}

	headerSize := binary.LittleEndian.Uint64(data[:8])
	if headerSize > uint64(len(data)-8) {
		return nil, fmt.Errorf("%s: header size %d exceeds file", path, headerSize)
	}
	headerBytes := data[8 : 8+headerSize]
	tensorData := data[8+headerSize:]

	var metadata map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &metadata); err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	out := make(map[string]*Tensor, len(metadata))
	for name, raw := range metadata {
		if name == "__metadata__" {
			continue
		}
		var info TensorInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		t, err := decodeTensor(tensorData, &info)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		out[name] = t
	}
	return out, nil
}

func decodeTensor(data []byte, info *TensorInfo) (*Tensor, error) {
	numElements := 1
	for _, dim := range info.Shape {
		numElements *= dim
	}
	start, end := info.Offset[0], info.Offset[1]
	if start < 0 || end < start || end > int64(len(data)) {
		return nil, fmt.Errorf("offsets [%d, %d) outside data of %d bytes", start, end, len(data))
	}
	raw := data[start:end]

	values := make([]float32, numElements)
	switch info.Dtype {
	case "F32":
		if len(raw) != 4*numElements {
			return nil, fmt.Errorf("F32 payload of %d bytes for %d elements", len(raw), numElements)
		}
		for i := range values {
			values[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case "F16":
		if len(raw) != 2*numElements {
			return nil, fmt.Errorf("F16 payload of %d bytes for %d elements", len(raw), numElements)
		}
		for i := range values {
			values[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
	case "BF16":
		if len(raw) != 2*numElements {
			return nil, fmt.Errorf("BF16 payload of %d bytes for %d elements", len(raw), numElements)
		}
		values = bfloat16.DecodeFloat32(raw)
	default:
		return nil, fmt.Errorf("unsupported dtype: %s", info.Dtype)
	}
	return &Tensor{Data: values, Shape: slices.Clone(info.Shape)}, nil
}

// WriteSafetensors stores tensors in dtype, which must be float32, float16
// or bfloat16.
func WriteSafetensors(path string, tensors map[string]*Tensor, dtype DType) error {
	tag, ok := safetensorsDTypes[dtype]
	if !ok {
		return fmt.Errorf("%w: safetensors cannot store %s", ErrDType, dtype)
	}

	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	slices.Sort(names)

	header := make(map[string]TensorInfo, len(names))
	var payload []byte
	for _, name := range names {
		t := tensors[name]
		start := int64(len(payload))
		switch dtype {
		case DTypeFloat32:
			for _, v := range t.Data {
				payload = binary.LittleEndian.AppendUint32(payload, math.Float32bits(v))
			}
		case DTypeFloat16:
			for _, v := range t.Data {
				payload = binary.LittleEndian.AppendUint16(payload, float16.Fromfloat32(v).Bits())
			}
		case DTypeBFloat16:
			payload = append(payload, bfloat16.EncodeFloat32(t.Data)...)
		}
		header[name] = TensorInfo{Dtype: tag, Shape: slices.Clone(t.Shape), Offset: [2]int64{start, int64(len(payload))}}
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to encode header: %w", err)
	}
	// the data section starts 8-byte aligned
	if pad := len(headerBytes) % 8; pad != 0 {
		headerBytes = append(headerBytes, strings.Repeat(" ", 8-pad)...)
	}

	out := make([]byte, 0, 8+len(headerBytes)+len(payload))
	out = binary.LittleEndian.AppendUint64(out, uint64(len(headerBytes)))
	out = append(out, headerBytes...)
	out = append(out, payload...)
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Lookup finds name in a loaded checkpoint, also trying the "model."
// prefix HuggingFace exports use, and checks its shape.
func Lookup(tensors map[string]*Tensor, name string, shape ...int) (*Tensor, error) {
	t, ok := tensors[name]
	if !ok {
		t, ok = tensors["model."+name]
	}
	if !ok {
		return nil, fmt.Errorf("tensor not found: %s (tried: model.%s)", name, name)
	}
	if !slices.Equal(t.Shape, shape) {
		return nil, fmt.Errorf("%w: tensor %s has shape %v, want %v", ErrShape, name, t.Shape, shape)
	}
	return t, nil
}
