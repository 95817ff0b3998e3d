package slotlm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nano-slotlm-go/purego/tensor"
)

func testPrefix(tokens []int32, first int32) *PrefixState {
	st := NewDecodeState(1, 4, 4)
	st.PrefixLengths[0] = int32(len(tokens))
	st.OutputIDs[0] = first
	st.Done[0] = false
	cache := tensor.NewKVCache(1, 1, 4, 1, 2, tensor.DTypeFloat32, false)
	cache.Layer(0).Key.WriteRow(0, 0, 0, []float32{1, 2})
	return &PrefixState{Tokens: tokens, State: st, Cache: cache, seed: 42}
}

func TestPrefixCacheHitReturnsClone(t *testing.T) {
	c := NewPrefixCache(4)
	params := NewSamplingParams()
	tokens := []int32{5, 6, 7}

	assert.Nil(t, c.Get(tokens, params))
	c.Put(tokens, params, testPrefix(tokens, 9))

	a := c.Get(tokens, params)
	require.NotNil(t, a)
	b := c.Get(tokens, params)
	require.NotNil(t, b)

	assert.Equal(t, int32(9), a.Token())
	assert.Equal(t, 3, a.PrefixLen())
	assert.Equal(t, int64(42), a.seed)
	assert.False(t, a.Consumed())

	// mutating one hit leaves the cached copy alone
	a.consumed = true
	a.Cache.Layer(0).Key.WriteRow(0, 0, 0, []float32{0, 0})
	assert.False(t, b.Consumed())
	row := make([]float32, 2)
	c.Get(tokens, params).Cache.Layer(0).Key.ReadRow(0, 0, 0, row)
	assert.Equal(t, []float32{1, 2}, row)

	hits, misses := c.Stats()
	assert.Equal(t, 3, hits)
	assert.Equal(t, 1, misses)
}

func TestPrefixCacheKeysOnParams(t *testing.T) {
	c := NewPrefixCache(4)
	tokens := []int32{5, 6}
	c.Put(tokens, NewSamplingParams(), testPrefix(tokens, 1))

	assert.Nil(t, c.Get(tokens, NewSamplingParams(WithTemperature(0.5))))
	assert.Nil(t, c.Get(tokens, NewSamplingParams(WithIgnoreEOS(true))))
	assert.Nil(t, c.Get(tokens, NewSamplingParams(WithRequestSeed(3))))
	assert.Nil(t, c.Get([]int32{5, 7}, NewSamplingParams()))
	assert.NotNil(t, c.Get(tokens, NewSamplingParams()))
	assert.NotEqual(t, ComputeHash(tokens, NewSamplingParams()), ComputeHash(tokens, NewSamplingParams(WithTopK(2))))
	assert.NotEqual(t, ComputeHash(tokens, NewSamplingParams(WithRequestSeed(1))), ComputeHash(tokens, NewSamplingParams(WithRequestSeed(2))))
}

func TestPrefixCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewPrefixCache(2)
	params := NewSamplingParams()
	a, b, d := []int32{1}, []int32{2}, []int32{3}

	c.Put(a, params, testPrefix(a, 1))
	c.Put(b, params, testPrefix(b, 2))
	require.NotNil(t, c.Get(a, params))
	c.Put(d, params, testPrefix(d, 3))

	assert.Equal(t, 2, c.Len())
	assert.NotNil(t, c.Get(a, params))
	assert.Nil(t, c.Get(b, params))
	assert.NotNil(t, c.Get(d, params))

	// re-putting a key replaces it in place
	c.Put(d, params, testPrefix(d, 4))
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, int32(4), c.Get(d, params).Token())
}

func TestPrefixCacheDisabled(t *testing.T) {
	c := NewPrefixCache(0)
	params := NewSamplingParams()
	c.Put([]int32{1}, params, testPrefix([]int32{1}, 1))
	assert.Zero(t, c.Len())
	assert.Nil(t, c.Get([]int32{1}, params))
}
