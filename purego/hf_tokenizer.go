//go:build cgo && hftokenizers

package purego

import (
	"fmt"

	"github.com/daulet/tokenizers"

	"nano-slotlm-go/slotlm"
)

// HFTokenizer wraps a HuggingFace tokenizer.json through the Rust
// tokenizers library. Build with -tags hftokenizers and link
// libtokenizers.a.
type HFTokenizer struct {
	tk    *tokenizers.Tokenizer
	eosID int
	padID int
}

var _ slotlm.Tokenizer = (*HFTokenizer)(nil)

// NewHFTokenizer loads tokenizer.json from path. The special ids come from
// the model config since tokenizer.json does not name them reliably.
func NewHFTokenizer(path string, eosID, padID int) (*HFTokenizer, error) {
	tk, err := tokenizers.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer %s: %w", path, err)
	}
	return &HFTokenizer{tk: tk, eosID: eosID, padID: padID}, nil
}

// Encode converts text to token IDs
func (t *HFTokenizer) Encode(text string) ([]int, error) {
	ids, _ := t.tk.Encode(text, true)
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out, nil
}

// Decode converts token IDs to text
func (t *HFTokenizer) Decode(tokenIDs []int) (string, error) {
	ids := make([]uint32, len(tokenIDs))
	for i, id := range tokenIDs {
		if id < 0 {
			return "", fmt.Errorf("negative token id %d", id)
		}
		ids[i] = uint32(id)
	}
	return t.tk.Decode(ids, true), nil
}

// EOSTokenID returns the EOS token ID
func (t *HFTokenizer) EOSTokenID() int { return t.eosID }

// PadTokenID returns the padding token ID
func (t *HFTokenizer) PadTokenID() int { return t.padID }

// VocabSize returns the vocabulary size
func (t *HFTokenizer) VocabSize() int { return int(t.tk.VocabSize()) }

// Close releases the native tokenizer.
func (t *HFTokenizer) Close() error { return t.tk.Close() }
