package slotlm

import (
	"slices"

	"nano-slotlm-go/purego/tensor"
)

// PrefixState is the output of one prefill: a batch-1 decode state and a
// batch-1 cache of width InputSequenceLen. It owns its storage and is
// consumed by exactly one Insert.
type PrefixState struct {
	Tokens   []int32 // unpadded prompt
	State    *DecodeState
	Cache    *tensor.KVCache
	seed     int64 // sampling stream of the slot this prefix lands in
	consumed bool
}

// PrefixLen is the number of prompt tokens.
func (p *PrefixState) PrefixLen() int { return int(p.State.PrefixLengths[0]) }

// Token is the first sampled token.
func (p *PrefixState) Token() int32 { return p.State.OutputIDs[0] }

// Score is the log-probability of Token.
func (p *PrefixState) Score() float32 { return p.State.Logprobs[0] }

// Consumed reports whether the prefix has been inserted.
func (p *PrefixState) Consumed() bool { return p.consumed }

// Clone returns an unconsumed deep copy.
func (p *PrefixState) Clone() *PrefixState {
	return &PrefixState{
		Tokens: slices.Clone(p.Tokens),
		State:  p.State.Clone(),
		Cache:  p.Cache.Clone(),
		seed:   p.seed,
	}
}
