package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	tok, err := New("cl100k_base")
	if err != nil {
		// First use downloads the BPE ranks.
		t.Skipf("encoding unavailable: %v", err)
	}

	text := "the quick brown fox"
	ids := tok.Encode(text)
	require.NotEmpty(t, ids)
	assert.Equal(t, text, tok.Decode(ids))
	assert.Equal(t, "cl100k_base", tok.Name())
}

func TestNew_UnknownEncoding(t *testing.T) {
	_, err := New("no-such-encoding")
	assert.Error(t, err)
}
