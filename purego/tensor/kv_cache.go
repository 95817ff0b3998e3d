package tensor

import "fmt"

// LayerCache holds the cache components of one attention layer.
// KeyPostRotary is nil when the rotary embedding is folded into Key.
type LayerCache struct {
	Key           *Store
	Value         *Store
	KeyPostRotary *Store
}

// AttentionKey returns the store attention should read keys from.
func (l *LayerCache) AttentionKey() *Store {
	if l.KeyPostRotary != nil {
		return l.KeyPostRotary
	}
	return l.Key
}

func (l *LayerCache) stores() []*Store {
	if l.KeyPostRotary != nil {
		return []*Store{l.Key, l.Value, l.KeyPostRotary}
	}
	return []*Store{l.Key, l.Value}
}

// KVCache stores per-layer key/value state for a fixed number of slots.
// Layers are indexed by integer layer id.
type KVCache struct {
	Layers  []LayerCache
	Slots   int
	SeqLen  int
	KVHeads int
	HeadDim int
	DType   DType
}

// NewKVCache creates a zeroed cache for the model
func NewKVCache(numLayers, slots, seqLen, kvHeads, headDim int, dtype DType, postRotary bool) *KVCache {
	kv := &KVCache{
		Layers:  make([]LayerCache, numLayers),
		Slots:   slots,
		SeqLen:  seqLen,
		KVHeads: kvHeads,
		HeadDim: headDim,
		DType:   dtype,
	}
	for i := range kv.Layers {
		kv.Layers[i].Key = NewStore(dtype, slots, seqLen, kvHeads, headDim)
		kv.Layers[i].Value = NewStore(dtype, slots, seqLen, kvHeads, headDim)
		if postRotary {
			kv.Layers[i].KeyPostRotary = NewStore(dtype, slots, seqLen, kvHeads, headDim)
		}
	}
	return kv
}

// Layer returns the cache for a specific layer
func (kv *KVCache) Layer(layerIdx int) *LayerCache {
	if layerIdx < 0 || layerIdx >= len(kv.Layers) {
		return nil
	}
	return &kv.Layers[layerIdx]
}

// HasPostRotary reports whether a separate post-rotary key is kept.
func (kv *KVCache) HasPostRotary() bool {
	return len(kv.Layers) > 0 && kv.Layers[0].KeyPostRotary != nil
}

// Compatible reports whether prefix caches of other can be inserted into kv.
func (kv *KVCache) Compatible(other *KVCache) error {
	switch {
	case len(kv.Layers) != len(other.Layers):
		return fmt.Errorf("%w: %d layers vs %d", ErrShape, len(other.Layers), len(kv.Layers))
	case kv.KVHeads != other.KVHeads || kv.HeadDim != other.HeadDim:
		return fmt.Errorf("%w: heads/dim %d/%d vs %d/%d", ErrShape, other.KVHeads, other.HeadDim, kv.KVHeads, kv.HeadDim)
	case kv.DType != other.DType:
		return fmt.Errorf("%w: dtype %s vs %s", ErrShape, other.DType, kv.DType)
	case kv.HasPostRotary() != other.HasPostRotary():
		return fmt.Errorf("%w: post-rotary key layout differs", ErrShape)
	case other.SeqLen > kv.SeqLen:
		return fmt.Errorf("%w: prefix seq len %d exceeds %d", ErrShape, other.SeqLen, kv.SeqLen)
	}
	return nil
}

// InsertSlot overwrites slot with slot 0 of prefix across every layer and
// component. Positions past the prefix width are zeroed.
func (kv *KVCache) InsertSlot(slot int, prefix *KVCache) error {
	if slot < 0 || slot >= kv.Slots {
		return fmt.Errorf("%w: slot %d of %d", ErrShape, slot, kv.Slots)
	}
	if err := kv.Compatible(prefix); err != nil {
		return err
	}
	for i := range kv.Layers {
		dst := kv.Layers[i].stores()
		src := prefix.Layers[i].stores()
		for j := range dst {
			if err := dst[j].CopySlot(slot, src[j], 0, prefix.SeqLen); err != nil {
				return fmt.Errorf("layer %d: %w", i, err)
			}
		}
	}
	return nil
}

// Clone returns a deep copy.
func (kv *KVCache) Clone() *KVCache {
	c := *kv
	c.Layers = make([]LayerCache, len(kv.Layers))
	for i, l := range kv.Layers {
		c.Layers[i].Key = l.Key.Clone()
		c.Layers[i].Value = l.Value.Clone()
		if l.KeyPostRotary != nil {
			c.Layers[i].KeyPostRotary = l.KeyPostRotary.Clone()
		}
	}
	return &c
}

// Undo holds the previous contents of cache positions a step is about to
// overwrite.
type Undo struct {
	saved []savedPosition
}

// SavePositions records, for every slot whose write flag is set, the
// current contents of position positions[slot] in every layer and
// component. Restore on the result puts them back.
func (kv *KVCache) SavePositions(positions []int32, write []bool) (*Undo, error) {
	u := &Undo{}
	for slot, w := range write {
		if !w {
			continue
		}
		if slot >= kv.Slots || slot >= len(positions) {
			return nil, fmt.Errorf("%w: slot %d of %d", ErrShape, slot, kv.Slots)
		}
		pos := int(positions[slot])
		if pos < 0 || pos >= kv.SeqLen {
			return nil, fmt.Errorf("%w: position %d outside seq len %d", ErrShape, pos, kv.SeqLen)
		}
		for i := range kv.Layers {
			for _, st := range kv.Layers[i].stores() {
				u.saved = append(u.saved, st.savePosition(slot, pos))
			}
		}
	}
	return u, nil
}

// Restore writes the saved positions back.
func (u *Undo) Restore() {
	for _, p := range u.saved {
		p.restore()
	}
}

// Clear zeroes the whole cache.
func (kv *KVCache) Clear() {
	for i := range kv.Layers {
		for _, s := range kv.Layers[i].stores() {
			s.Reset()
		}
	}
}

// Bytes is the total memory footprint.
func (kv *KVCache) Bytes() int64 {
	var n int64
	for i := range kv.Layers {
		for _, s := range kv.Layers[i].stores() {
			n += s.Bytes()
		}
	}
	return n
}
