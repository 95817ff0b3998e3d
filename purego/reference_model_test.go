package purego

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nano-slotlm-go/purego/tensor"
	"nano-slotlm-go/slotlm"
)

func newTestModel(t *testing.T) *ReferenceModel {
	t.Helper()
	m, err := NewReferenceModel(tensor.NewReferenceConfig(), 3)
	require.NoError(t, err)
	return m
}

// newSplitKeyModel keeps rotated keys in a separate post-rotary store.
func newSplitKeyModel(t *testing.T) *ReferenceModel {
	t.Helper()
	cfg := tensor.NewReferenceConfig()
	cfg.ConsolidateRoPEKeyState = false
	m, err := NewReferenceModel(cfg, 3)
	require.NoError(t, err)
	return m
}

func newCache(m *ReferenceModel, dtype tensor.DType, slots, seq int) *tensor.KVCache {
	cfg := m.Config()
	return tensor.NewKVCache(cfg.NumLayers, slots, seq, cfg.NumKVHeads, cfg.HeadDim, dtype, cfg.HasPostRotaryKey())
}

func padded(tokens []int32, width int) *slotlm.PrefillInput {
	in := &slotlm.PrefillInput{Tokens: make([]int32, width), Paddings: make([]float32, width)}
	copy(in.Tokens, tokens)
	for i := len(tokens); i < width; i++ {
		in.Paddings[i] = 1
	}
	return in
}

func TestReferenceModelDeterministic(t *testing.T) {
	ctx := context.Background()
	a, b := newTestModel(t), newTestModel(t)
	in := padded([]int32{10, 20, 30}, 4)

	la, err := a.Prefill(ctx, in, newCache(a, tensor.DTypeFloat32, 1, 4), tensor.NewStandardKernel())
	require.NoError(t, err)
	lb, err := b.Prefill(ctx, in, newCache(b, tensor.DTypeFloat32, 1, 4), tensor.NewStandardKernel())
	require.NoError(t, err)
	assert.Equal(t, la, lb)
	assert.Len(t, la, a.Config().VocabSize)

	other, err := NewReferenceModel(tensor.NewReferenceConfig(), 4)
	require.NoError(t, err)
	lc, err := other.Prefill(ctx, in, newCache(other, tensor.DTypeFloat32, 1, 4), tensor.NewStandardKernel())
	require.NoError(t, err)
	assert.NotEqual(t, la, lc)
}

func TestReferenceModelPaddingIgnored(t *testing.T) {
	ctx := context.Background()
	m := newTestModel(t)
	prompt := []int32{40, 41}

	narrow, err := m.Prefill(ctx, padded(prompt, 2), newCache(m, tensor.DTypeFloat32, 1, 2), tensor.NewStandardKernel())
	require.NoError(t, err)
	wide, err := m.Prefill(ctx, padded(prompt, 6), newCache(m, tensor.DTypeFloat32, 1, 6), tensor.NewStandardKernel())
	require.NoError(t, err)
	assert.InDeltaSlice(t, narrow, wide, 1e-5)
}

func TestReferenceModelStepContinuesPrefill(t *testing.T) {
	ctx := context.Background()
	m := newTestModel(t)
	kernel := tensor.NewStandardKernel()

	want, err := m.Prefill(ctx, padded([]int32{7, 8, 9}, 4), newCache(m, tensor.DTypeFloat32, 1, 4), kernel)
	require.NoError(t, err)

	cache := newCache(m, tensor.DTypeFloat32, 1, 4)
	_, err = m.Prefill(ctx, padded([]int32{7, 8}, 4), cache, kernel)
	require.NoError(t, err)
	out, err := m.Step(ctx, &slotlm.StepInput{
		Tokens:     []int32{9},
		Positions:  []int32{2},
		SegmentPos: []int32{2},
		Active:     []bool{true},
		TimeStep:   2,
	}, cache, kernel)
	require.NoError(t, err)
	assert.False(t, out.Realigned)
	assert.Equal(t, []int{1, m.Config().VocabSize}, out.Logits.Shape)
	assert.InDeltaSlice(t, want, out.Logits.Row(0), 1e-4)
}

func TestReferenceModelStepSkipsInactiveSlots(t *testing.T) {
	ctx := context.Background()
	m := newSplitKeyModel(t)
	cache := newCache(m, tensor.DTypeFloat32, 3, 8)
	require.True(t, cache.HasPostRotary())

	_, err := m.Step(ctx, &slotlm.StepInput{
		Tokens:     []int32{5, 6, 7},
		Positions:  []int32{0, 8, 3},
		SegmentPos: []int32{0, 8, 3},
		Active:     []bool{true, false, true},
		TimeStep:   3,
	}, cache, tensor.NewStandardKernel())
	require.NoError(t, err)

	dim := m.Config().NumKVHeads * m.Config().HeadDim
	for l := 0; l < m.Config().NumLayers; l++ {
		layer := cache.Layer(l)
		for _, st := range []*tensor.Store{layer.Key, layer.Value, layer.KeyPostRotary} {
			for i, v := range st.SlotData(1).Data {
				require.Zero(t, v, "layer %d element %d", l, i)
			}
		}
		assert.NotZero(t, layer.Value.SlotData(0).Data[0])

		// position 0 has no rotation, position 3 does
		raw, rotated := layer.Key.SlotData(0).Data[:dim], layer.KeyPostRotary.SlotData(0).Data[:dim]
		assert.InDeltaSlice(t, raw, rotated, 1e-6)
		raw, rotated = layer.Key.SlotData(2).Data[3*dim:4*dim], layer.KeyPostRotary.SlotData(2).Data[3*dim:4*dim]
		assert.NotEqual(t, raw, rotated)
	}
}

func TestReferenceModelSplitKeyMatchesConsolidated(t *testing.T) {
	ctx := context.Background()
	merged, split := newTestModel(t), newSplitKeyModel(t)
	in := padded([]int32{40, 41, 42}, 4)

	want, err := merged.Prefill(ctx, in, newCache(merged, tensor.DTypeFloat32, 1, 4), tensor.NewStandardKernel())
	require.NoError(t, err)
	got, err := split.Prefill(ctx, in, newCache(split, tensor.DTypeFloat32, 1, 4), tensor.NewStandardKernel())
	require.NoError(t, err)
	assert.InDeltaSlice(t, want, got, 1e-5)
}

// failingKernel fails every Compute after the first n.
type failingKernel struct {
	tensor.Kernel
	n int
}

func (k *failingKernel) Compute(q *tensor.Tensor, key, value *tensor.Store, mask *tensor.Tensor, timeStep int) (*tensor.Tensor, error) {
	if k.n == 0 {
		return nil, errors.New("kernel failed")
	}
	k.n--
	return k.Kernel.Compute(q, key, value, mask, timeStep)
}

func TestReferenceModelFailedStepLeavesCache(t *testing.T) {
	for _, dtype := range []tensor.DType{tensor.DTypeFloat32, tensor.DTypeInt8} {
		t.Run(string(dtype), func(t *testing.T) {
			ctx := context.Background()
			m := newSplitKeyModel(t)
			cache := newCache(m, dtype, 2, 8)
			in := &slotlm.StepInput{
				Tokens:     []int32{5, 6},
				Positions:  []int32{0, 2},
				SegmentPos: []int32{0, 2},
				Active:     []bool{true, true},
			}
			kernel := tensor.NewStandardKernel()
			if dtype == tensor.DTypeInt8 {
				kernel = tensor.NewQuantizedKernel()
			}
			_, err := m.Step(ctx, in, cache, kernel)
			require.NoError(t, err)
			before := cache.Clone()

			in.Tokens = []int32{7, 8}
			_, err = m.Step(ctx, in, cache, &failingKernel{Kernel: kernel, n: 1})
			require.Error(t, err)

			for l := 0; l < m.Config().NumLayers; l++ {
				for slot := 0; slot < 2; slot++ {
					assert.Equal(t, before.Layer(l).Key.SlotData(slot).Data, cache.Layer(l).Key.SlotData(slot).Data)
					assert.Equal(t, before.Layer(l).Value.SlotData(slot).Data, cache.Layer(l).Value.SlotData(slot).Data)
					assert.Equal(t, before.Layer(l).KeyPostRotary.SlotData(slot).Data, cache.Layer(l).KeyPostRotary.SlotData(slot).Data)
				}
			}
		})
	}
}

func TestReferenceModelQuantizedCache(t *testing.T) {
	ctx := context.Background()
	m := newTestModel(t)
	in := padded([]int32{60, 61, 62, 63}, 4)

	full, err := m.Prefill(ctx, in, newCache(m, tensor.DTypeFloat32, 1, 4), tensor.NewStandardKernel())
	require.NoError(t, err)
	quant, err := m.Prefill(ctx, in, newCache(m, tensor.DTypeInt8, 1, 4), tensor.NewQuantizedKernel())
	require.NoError(t, err)
	assert.InDeltaSlice(t, full, quant, 0.5)
}

func TestReferenceModelErrors(t *testing.T) {
	ctx := context.Background()
	m := newTestModel(t)
	kernel := tensor.NewStandardKernel()

	_, err := m.Prefill(ctx, padded([]int32{1}, 4), newCache(m, tensor.DTypeFloat32, 2, 4), kernel)
	assert.Error(t, err, "prefill needs a one-slot cache")

	_, err = m.Prefill(ctx, padded([]int32{9999}, 4), newCache(m, tensor.DTypeFloat32, 1, 4), kernel)
	assert.Error(t, err)

	_, err = m.Prefill(ctx, padded(nil, 4), newCache(m, tensor.DTypeFloat32, 1, 4), kernel)
	assert.Error(t, err)

	_, err = m.Step(ctx, &slotlm.StepInput{
		Tokens:     []int32{1},
		Positions:  []int32{4},
		SegmentPos: []int32{4},
		Active:     []bool{true},
	}, newCache(m, tensor.DTypeFloat32, 1, 4), kernel)
	assert.Error(t, err)

	_, err = m.Step(ctx, &slotlm.StepInput{Tokens: []int32{1}}, newCache(m, tensor.DTypeFloat32, 2, 4), kernel)
	assert.Error(t, err)

	_, err = NewReferenceModel(&tensor.ModelConfig{}, 1)
	assert.Error(t, err)
}

func TestReferenceModelCheckpoint(t *testing.T) {
	ctx := context.Background()
	m := newTestModel(t)
	path := filepath.Join(t.TempDir(), "ref.safetensors")
	require.NoError(t, m.Save(path, tensor.DTypeFloat32))

	loaded, err := LoadReferenceModel(m.Config(), path)
	require.NoError(t, err)

	in := padded([]int32{70, 71}, 4)
	want, err := m.Prefill(ctx, in, newCache(m, tensor.DTypeFloat32, 1, 4), tensor.NewStandardKernel())
	require.NoError(t, err)
	got, err := loaded.Prefill(ctx, in, newCache(loaded, tensor.DTypeFloat32, 1, 4), tensor.NewStandardKernel())
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// a checkpoint for another shape is rejected
	small := tensor.NewReferenceConfig()
	small.NumLayers = 1
	other, err := NewReferenceModel(small, 1)
	require.NoError(t, err)
	otherPath := filepath.Join(t.TempDir(), "small.safetensors")
	require.NoError(t, other.Save(otherPath, tensor.DTypeBFloat16))
	_, err = LoadReferenceModel(m.Config(), otherPath)
	assert.Error(t, err)
}
