package slotlm

import (
	"container/list"
	"encoding/binary"
	"math"
	"slices"

	"github.com/cespare/xxhash/v2"
)

type prefixEntry struct {
	hash   uint64
	tokens []int32
	params SamplingParams
	prefix *PrefixState
}

// PrefixCache keeps the prefill results of recent prompts so a repeated
// prompt skips prefill. Entries are keyed by a hash of the prompt and its
// sampling parameters and evicted least recently used first. Lookups hand
// out clones, so a cached prefix can be inserted any number of times.
type PrefixCache struct {
	capacity int
	entries  map[uint64]*list.Element
	lru      *list.List

	hits   int
	misses int
}

// NewPrefixCache creates a cache holding at most capacity prefixes.
func NewPrefixCache(capacity int) *PrefixCache {
	return &PrefixCache{
		capacity: capacity,
		entries:  make(map[uint64]*list.Element),
		lru:      list.New(),
	}
}

// ComputeHash hashes a prompt together with the parameters that shape its
// prefill sample.
func ComputeHash(tokens []int32, params *SamplingParams) uint64 {
	h := xxhash.New()
	buf := make([]byte, 4)
	var buf8 [8]byte
	for _, v := range []uint32{
		math.Float32bits(params.Temperature),
		math.Float32bits(params.TopP),
		uint32(params.TopK),
		uint32(params.MaxDecodeSteps),
	} {
		binary.LittleEndian.PutUint32(buf, v)
		h.Write(buf)
	}
	binary.LittleEndian.PutUint64(buf8[:], uint64(params.Seed))
	h.Write(buf8[:])
	if params.IgnoreEOS {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	for _, t := range tokens {
		binary.LittleEndian.PutUint32(buf, uint32(t))
		h.Write(buf)
	}
	return h.Sum64()
}

// Get returns a fresh copy of the cached prefix for tokens, or nil.
func (c *PrefixCache) Get(tokens []int32, params *SamplingParams) *PrefixState {
	elem, ok := c.entries[ComputeHash(tokens, params)]
	if !ok {
		c.misses++
		return nil
	}
	e := elem.Value.(*prefixEntry)
	// a hash collision must not hand out another prompt's cache
	if !slices.Equal(e.tokens, tokens) || e.params != *params {
		c.misses++
		return nil
	}
	c.hits++
	c.lru.MoveToFront(elem)
	return e.prefix.Clone()
}

// Put stores a copy of prefix, evicting the oldest entry when full.
func (c *PrefixCache) Put(tokens []int32, params *SamplingParams, prefix *PrefixState) {
	if c.capacity <= 0 {
		return
	}
	h := ComputeHash(tokens, params)
	if elem, ok := c.entries[h]; ok {
		c.lru.Remove(elem)
		delete(c.entries, h)
	}
	for c.lru.Len() >= c.capacity {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.entries, oldest.Value.(*prefixEntry).hash)
	}
	c.entries[h] = c.lru.PushFront(&prefixEntry{
		hash:   h,
		tokens: slices.Clone(tokens),
		params: *params,
		prefix: prefix.Clone(),
	})
}

// Len returns the number of cached prefixes.
func (c *PrefixCache) Len() int { return c.lru.Len() }

// Stats returns the hit and miss counts.
func (c *PrefixCache) Stats() (hits, misses int) { return c.hits, c.misses }
