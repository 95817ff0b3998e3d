package tensor

import (
	"errors"
	"fmt"
)

// AttentionType defines the attention mechanism
type AttentionType string

const (
	AttentionMHA AttentionType = "mha" // Multi-Head: separate K,V per head
	AttentionMQA AttentionType = "mqa" // Multi-Query: shared K,V across all heads
	AttentionGQA AttentionType = "gqa" // Grouped-Query: shared K,V per group
)

// PositionType defines position encoding
type PositionType string

const (
	PositionNone PositionType = "none"
	PositionRoPE PositionType = "rope"
)

// ModelConfig holds the shape of a decoder-only transformer.
// It is treated as immutable once a model is built from it.
type ModelConfig struct {
	ModelName string `yaml:"model_name"`

	VocabSize  int `yaml:"vocab_size"`
	Hidden     int `yaml:"hidden"`
	NumLayers  int `yaml:"num_layers"`
	NumHeads   int `yaml:"num_heads"`    // Number of query heads
	NumKVHeads int `yaml:"num_kv_heads"` // 1 for MQA, NumHeads for MHA
	HeadDim    int `yaml:"head_dim"`
	FFNDim     int `yaml:"ffn_dim"`
	MaxSeqLen  int `yaml:"max_seq_len"`

	PositionType PositionType `yaml:"position_type"`
	RoPEBase     float64      `yaml:"rope_base"`
	NormEps      float32      `yaml:"norm_eps"`

	// ConsolidateRoPEKeyState stores rotated keys in the key cache. When
	// false the cache keeps the raw key plus a separate post-rotary key.
	ConsolidateRoPEKeyState bool `yaml:"consolidate_rope_key_state"`

	EOSTokenID int `yaml:"eos_token_id"`
	BOSTokenID int `yaml:"bos_token_id"`
	PadTokenID int `yaml:"pad_token_id"`
}

// NewReferenceConfig returns a small GQA model suitable for tests and demos.
func NewReferenceConfig() *ModelConfig {
	return &ModelConfig{
		ModelName:               "slotlm-ref",
		VocabSize:               259, // 256 bytes + pad/bos/eos
		Hidden:                  32,
		NumLayers:               2,
		NumHeads:                4,
		NumKVHeads:              2,
		HeadDim:                 8,
		FFNDim:                  64,
		MaxSeqLen:               512,
		PositionType:            PositionRoPE,
		RoPEBase:                10000.0,
		NormEps:                 1e-6,
		ConsolidateRoPEKeyState: true,
		PadTokenID:              0,
		BOSTokenID:              1,
		EOSTokenID:              2,
	}
}

// AttentionType derives the attention flavour from head counts.
func (c *ModelConfig) AttentionType() AttentionType {
	switch {
	case c.NumKVHeads == 1 && c.NumHeads > 1:
		return AttentionMQA
	case c.NumKVHeads == c.NumHeads:
		return AttentionMHA
	default:
		return AttentionGQA
	}
}

// HasPostRotaryKey reports whether the cache keeps a separate rotated key.
func (c *ModelConfig) HasPostRotaryKey() bool {
	return c.PositionType == PositionRoPE && !c.ConsolidateRoPEKeyState
}

// Validate checks the dimensions are consistent.
func (c *ModelConfig) Validate() error {
	var errs []error
	if c.VocabSize < 1 || c.Hidden < 1 || c.NumLayers < 1 || c.FFNDim < 1 || c.MaxSeqLen < 1 {
		errs = append(errs, fmt.Errorf("vocab, hidden, layers, ffn dim and max seq len must be positive"))
	}
	if c.NumHeads < 1 || c.NumKVHeads < 1 || c.NumHeads%c.NumKVHeads != 0 {
		errs = append(errs, fmt.Errorf("num_heads %d must be a positive multiple of num_kv_heads %d", c.NumHeads, c.NumKVHeads))
	}
	if c.HeadDim < 1 || (c.PositionType == PositionRoPE && c.HeadDim%2 != 0) {
		errs = append(errs, fmt.Errorf("head_dim %d must be positive and even for rope", c.HeadDim))
	}
	for _, id := range []int{c.EOSTokenID, c.BOSTokenID, c.PadTokenID} {
		if id < 0 || id >= c.VocabSize {
			errs = append(errs, fmt.Errorf("special token %d outside vocab %d", id, c.VocabSize))
		}
	}
	return errors.Join(errs...)
}

// EstimateParameters estimates total parameter count
func (c *ModelConfig) EstimateParameters() int64 {
	params := int64(c.VocabSize * c.Hidden) // tied embedding / LM head

	perLayer := int64(c.Hidden * c.NumHeads * c.HeadDim)   // Q
	perLayer += 2 * int64(c.Hidden*c.NumKVHeads*c.HeadDim) // K, V
	perLayer += int64(c.NumHeads * c.HeadDim * c.Hidden)   // Out
	perLayer += 3 * int64(c.Hidden*c.FFNDim)               // SwiGLU
	perLayer += 2 * int64(c.Hidden)                        // norms
	params += int64(c.NumLayers)*perLayer + int64(c.Hidden)

	return params
}
