package tensor

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKVCacheShapes(t *testing.T) {
	kv := NewKVCache(3, 4, 12, 2, 8, DTypeFloat32, true)
	require.Len(t, kv.Layers, 3)
	assert.Equal(t, []int{4, 12, 2, 8}, kv.Layer(0).Key.Shape())
	assert.NotNil(t, kv.Layer(2).KeyPostRotary)
	assert.Same(t, kv.Layer(1).KeyPostRotary, kv.Layer(1).AttentionKey())
	assert.Nil(t, kv.Layer(3))

	mqa := NewKVCache(1, 4, 12, 1, 8, DTypeInt8, false)
	assert.Equal(t, []int{4, 12, 8}, mqa.Layer(0).Value.Shape())
	assert.Nil(t, mqa.Layer(0).KeyPostRotary)
	assert.Same(t, mqa.Layer(0).Key, mqa.Layer(0).AttentionKey())
}

func TestInsertSlotOverwritesOnlyTargetSlot(t *testing.T) {
	for _, dtype := range []DType{DTypeFloat32, DTypeFloat16, DTypeBFloat16, DTypeInt8} {
		t.Run(string(dtype), func(t *testing.T) {
			rng := rand.New(rand.NewSource(11))
			kv := NewKVCache(2, 3, 10, 1, 4, dtype, true)
			for i := range kv.Layers {
				kv.Layers[i].Key = randomStore(rng, dtype, 3, 10, 1, 4)
				kv.Layers[i].Value = randomStore(rng, dtype, 3, 10, 1, 4)
				kv.Layers[i].KeyPostRotary = randomStore(rng, dtype, 3, 10, 1, 4)
			}
			before := kv.Clone()

			prefix := NewKVCache(2, 1, 6, 1, 4, dtype, true)
			for i := range prefix.Layers {
				prefix.Layers[i].Key = randomStore(rng, dtype, 1, 6, 1, 4)
				prefix.Layers[i].Value = randomStore(rng, dtype, 1, 6, 1, 4)
				prefix.Layers[i].KeyPostRotary = randomStore(rng, dtype, 1, 6, 1, 4)
			}
			require.NoError(t, kv.InsertSlot(1, prefix))

			for i := range kv.Layers {
				got := kv.Layers[i].Value.SlotData(1)
				want := prefix.Layers[i].Value.SlotData(0)
				assert.Equal(t, want.Data, got.Data[:len(want.Data)], "layer %d prefix span", i)
				for _, v := range got.Data[len(want.Data):] {
					assert.Zero(t, v, "layer %d tail must be zeroed", i)
				}
				for _, slot := range []int{0, 2} {
					assert.Equal(t, before.Layers[i].Key.SlotData(slot).Data, kv.Layers[i].Key.SlotData(slot).Data)
					assert.Equal(t, before.Layers[i].KeyPostRotary.SlotData(slot).Data, kv.Layers[i].KeyPostRotary.SlotData(slot).Data)
				}
			}
		})
	}
}

func TestInsertSlotRejectsIncompatiblePrefix(t *testing.T) {
	kv := NewKVCache(2, 2, 8, 1, 4, DTypeFloat32, false)

	err := kv.InsertSlot(0, NewKVCache(2, 1, 4, 1, 4, DTypeInt8, false))
	assert.True(t, errors.Is(err, ErrShape))

	err = kv.InsertSlot(0, NewKVCache(2, 1, 4, 1, 4, DTypeFloat32, true))
	assert.True(t, errors.Is(err, ErrShape))

	err = kv.InsertSlot(5, NewKVCache(2, 1, 4, 1, 4, DTypeFloat32, false))
	assert.True(t, errors.Is(err, ErrShape))

	assert.NoError(t, kv.InsertSlot(1, NewKVCache(2, 1, 4, 1, 4, DTypeFloat32, false)))
}

func TestHalfPrecisionStoresRoundTrip(t *testing.T) {
	row := []float32{1, -0.5, 0.25, 3}
	for _, dtype := range []DType{DTypeFloat16, DTypeBFloat16} {
		s := NewStore(dtype, 1, 2, 1, 4)
		s.WriteRow(0, 1, 0, row)
		got := make([]float32, 4)
		s.ReadRow(0, 1, 0, got)
		assert.Equal(t, row, got, "%s values are exactly representable", dtype)
		assert.Equal(t, int64(2*2*4), s.Bytes())
	}
}

func TestClearAndBytes(t *testing.T) {
	kv := NewKVCache(1, 2, 4, 1, 2, DTypeInt8, false)
	kv.Layer(0).Key.WriteRow(1, 3, 0, []float32{4, 4})
	// values 2*4*2 bytes + scales 2*4*4 bytes, for key and value
	assert.Equal(t, int64(2*(16+32)), kv.Bytes())

	kv.Clear()
	raw, scale := kv.Layer(0).Key.Int8Row(1, 3, 0)
	assert.Equal(t, []int8{0, 0}, raw)
	assert.Zero(t, scale)
}

func TestParseDType(t *testing.T) {
	d, err := ParseDType("")
	require.NoError(t, err)
	assert.Equal(t, DTypeFloat32, d)

	d, err = ParseDType("bfloat16")
	require.NoError(t, err)
	assert.Equal(t, DTypeBFloat16, d)

	_, err = ParseDType("fp8")
	assert.True(t, errors.Is(err, ErrDType))
}

func TestSavePositionsRestore(t *testing.T) {
	for _, dtype := range []DType{DTypeFloat32, DTypeFloat16, DTypeBFloat16, DTypeInt8} {
		t.Run(string(dtype), func(t *testing.T) {
			rng := rand.New(rand.NewSource(5))
			kv := NewKVCache(2, 3, 6, 2, 4, dtype, true)
			for i := range kv.Layers {
				kv.Layers[i].Key = randomStore(rng, dtype, 3, 6, 2, 4)
				kv.Layers[i].Value = randomStore(rng, dtype, 3, 6, 2, 4)
				kv.Layers[i].KeyPostRotary = randomStore(rng, dtype, 3, 6, 2, 4)
			}
			before := kv.Clone()

			positions := []int32{1, 9, 5}
			undo, err := kv.SavePositions(positions, []bool{true, false, true})
			require.NoError(t, err)
			row := []float32{9, -9, 9, -9}
			for i := range kv.Layers {
				for _, st := range kv.Layers[i].stores() {
					for h := 0; h < 2; h++ {
						st.WriteRow(0, 1, h, row)
						st.WriteRow(2, 5, h, row)
					}
				}
			}
			undo.Restore()

			for i := range kv.Layers {
				want, got := before.Layers[i].stores(), kv.Layers[i].stores()
				for j := range want {
					for slot := 0; slot < 3; slot++ {
						assert.Equal(t, want[j].SlotData(slot).Data, got[j].SlotData(slot).Data, "layer %d store %d slot %d", i, j, slot)
					}
				}
			}
		})
	}
}

func TestSavePositionsRejectsOutOfRange(t *testing.T) {
	kv := NewKVCache(1, 2, 4, 1, 4, DTypeFloat32, false)
	_, err := kv.SavePositions([]int32{4, 0}, []bool{true, false})
	assert.ErrorIs(t, err, ErrShape)
	_, err = kv.SavePositions([]int32{0}, []bool{false, true})
	assert.ErrorIs(t, err, ErrShape)
}
