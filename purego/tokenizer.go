package purego

import (
	"fmt"
	"strings"

	"nano-slotlm-go/slotlm"
)

// Special token ids of the byte vocabulary.
const (
	BytePadID = 0
	ByteBOSID = 1
	ByteEOSID = 2

	byteOffset = 3
)

// ByteVocabSize is the vocabulary size of ByteTokenizer: three specials
// followed by all 256 byte values.
const ByteVocabSize = 256 + byteOffset

// ByteTokenizer maps each byte of the UTF-8 input to its own token.
// It has no external dependencies and pairs with NewReferenceConfig.
type ByteTokenizer struct {
	addBOS bool
}

var _ slotlm.Tokenizer = (*ByteTokenizer)(nil)

// NewByteTokenizer creates a byte tokenizer. When addBOS is set Encode
// prefixes every prompt with the BOS token.
func NewByteTokenizer(addBOS bool) *ByteTokenizer {
	return &ByteTokenizer{addBOS: addBOS}
}

// Encode converts text to token IDs
func (t *ByteTokenizer) Encode(text string) ([]int, error) {
	ids := make([]int, 0, len(text)+1)
	if t.addBOS {
		ids = append(ids, ByteBOSID)
	}
	for i := 0; i < len(text); i++ {
		ids = append(ids, int(text[i])+byteOffset)
	}
	return ids, nil
}

// Decode converts token IDs to text. Special tokens are dropped.
func (t *ByteTokenizer) Decode(tokenIDs []int) (string, error) {
	var sb strings.Builder
	sb.Grow(len(tokenIDs))
	for _, id := range tokenIDs {
		switch {
		case id < 0 || id >= ByteVocabSize:
			return "", fmt.Errorf("token %d outside byte vocabulary", id)
		case id < byteOffset:
			continue
		}
		sb.WriteByte(byte(id - byteOffset))
	}
	return sb.String(), nil
}

// EOSTokenID returns the EOS token ID
func (t *ByteTokenizer) EOSTokenID() int { return ByteEOSID }

// BOSTokenID returns the BOS token ID
func (t *ByteTokenizer) BOSTokenID() int { return ByteBOSID }

// PadTokenID returns the padding token ID
func (t *ByteTokenizer) PadTokenID() int { return BytePadID }

// VocabSize returns the vocabulary size
func (t *ByteTokenizer) VocabSize() int { return ByteVocabSize }
