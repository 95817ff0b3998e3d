package slotlm

import (
	"context"

	"nano-slotlm-go/purego/tensor"
)

// PrefillInput is one padded prompt.
type PrefillInput struct {
	Tokens   []int32   // [InputSequenceLen]
	Paddings []float32 // 1 marks a padded position
}

// StepInput describes one decode step over every slot.
type StepInput struct {
	Tokens     []int32 // last sampled token per slot
	Positions  []int32 // cache position each slot writes
	SegmentPos []int32 // rotary position of each slot's token
	Active     []bool  // inactive slots are computed but never written
	TimeStep   int
	LeftAlign  bool
}

// StepOutput carries next-token logits for every slot.
type StepOutput struct {
	Logits *tensor.Tensor // [slots, vocab]

	// Realigned is set when the model compacted the cache in response to
	// LeftAlign. Step is then the new engine step.
	Realigned bool
	Step      int
}

// Model is the forward pass the engine drives. Weights and the network
// itself are owned by the implementation; the engine owns the cache and
// chooses the attention kernel.
type Model interface {
	// Config returns the model shape.
	Config() *tensor.ModelConfig

	// Prefill writes keys and values for every unpadded position of in into
	// slot 0 of cache and returns the logits of the last unpadded position.
	Prefill(ctx context.Context, in *PrefillInput, cache *tensor.KVCache, kernel tensor.Kernel) ([]float32, error)

	// Step runs one token per slot. For each active slot it writes the
	// token's key and value at Positions[slot] and attends over
	// [0, Positions[slot]]. On error the cache must be left as it was:
	// the engine does not advance the decode state after a failed step.
	Step(ctx context.Context, in *StepInput, cache *tensor.KVCache, kernel tensor.Kernel) (*StepOutput, error)
}

// Tokenizer is an interface for tokenizing text
// This should be implemented using actual tokenizers like:
// - byte level vocabularies
// - Hugging Face tokenizers via CGo
type Tokenizer interface {
	// Encode converts text to token IDs
	Encode(text string) ([]int, error)

	// Decode converts token IDs to text
	Decode(tokenIDs []int) (string, error)

	// EOSTokenID returns the EOS token ID
	EOSTokenID() int

	// PadTokenID returns the padding token ID
	PadTokenID() int
}
