package purego

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestByteTokenizerRoundTrip(t *testing.T) {
	tok := NewByteTokenizer(false)
	text := "hello, wörld\n"

	ids, err := tok.Encode(text)
	require.NoError(t, err)
	assert.Len(t, ids, len(text))
	for _, id := range ids {
		assert.GreaterOrEqual(t, id, byteOffset)
		assert.Less(t, id, tok.VocabSize())
	}

	got, err := tok.Decode(ids)
	require.NoError(t, err)
	assert.Equal(t, text, got)
}

func TestByteTokenizerSpecials(t *testing.T) {
	tok := NewByteTokenizer(true)
	ids, err := tok.Encode("a")
	require.NoError(t, err)
	assert.Equal(t, []int{ByteBOSID, 'a' + byteOffset}, ids)

	got, err := tok.Decode([]int{BytePadID, ByteBOSID, 'o' + byteOffset, 'k' + byteOffset, ByteEOSID, BytePadID})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)

	_, err = tok.Decode([]int{ByteVocabSize})
	assert.Error(t, err)
	_, err = tok.Decode([]int{-1})
	assert.Error(t, err)

	assert.Equal(t, ByteEOSID, tok.EOSTokenID())
	assert.Equal(t, ByteBOSID, tok.BOSTokenID())
	assert.Equal(t, BytePadID, tok.PadTokenID())
	assert.Equal(t, 259, tok.VocabSize())
}
