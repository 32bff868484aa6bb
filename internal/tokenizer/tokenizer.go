// Package tokenizer wraps tiktoken BPE encodings for interactive
// inference, where raw text must be turned into token ids on the fly.
// Training corpora are pre-tokenized and do not pass through here.
package tokenizer

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer encodes and decodes text with a named tiktoken encoding.
type Tokenizer struct {
	enc  *tiktoken.Tiktoken
	name string
}

// New loads a tiktoken encoding by name, e.g. "cl100k_base".
func New(encoding string) (*Tokenizer, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load encoding %q: %w", encoding, err)
	}
	return &Tokenizer{enc: enc, name: encoding}, nil
}

// Encode converts text to token ids. Special tokens are not allowed in
// the input.
func (t *Tokenizer) Encode(text string) []int32 {
	ids := t.enc.Encode(text, nil, nil)
	out := make([]int32, len(ids))
	for i, id := range ids {
		out[i] = int32(id)
	}
	return out
}

// Decode converts token ids back to text. Ids outside the encoding's
// range (e.g. the model's pad or EOS ids) must be filtered out first.
func (t *Tokenizer) Decode(ids []int32) string {
	ints := make([]int, len(ids))
	for i, id := range ids {
		ints[i] = int(id)
	}
	return t.enc.Decode(ints)
}

// Name returns the encoding name.
func (t *Tokenizer) Name() string { return t.name }
