package nn

import (
	"fmt"
	"math"

	"github.com/fusenmt/fusenmt/internal/tensor"
)

// PositionalEncoding holds fixed sinusoidal position encodings
// (Vaswani et al., 2017):
//
//	PE(pos, 2i)   = sin(pos / 10000^(2i/dim))
//	PE(pos, 2i+1) = cos(pos / 10000^(2i/dim))
//
// The table is precomputed up to maxLen and is not trainable.
type PositionalEncoding[B tensor.Backend] struct {
	maxLen  int
	dim     int
	table   []float32 // [maxLen * dim], row-major
	backend B
}

// NewPositionalEncoding precomputes encodings for positions [0, maxLen).
func NewPositionalEncoding[B tensor.Backend](maxLen, dim int, backend B) *PositionalEncoding[B] {
	if maxLen <= 0 || dim <= 0 {
		panic(fmt.Sprintf("PositionalEncoding: maxLen and dim must be positive, got %d and %d", maxLen, dim))
	}

	table := make([]float32, maxLen*dim)
	for pos := 0; pos < maxLen; pos++ {
		for i := 0; i < dim; i++ {
			angle := float64(pos) / math.Pow(10000.0, float64(2*(i/2))/float64(dim))
			if i%2 == 0 {
				table[pos*dim+i] = float32(math.Sin(angle))
			} else {
				table[pos*dim+i] = float32(math.Cos(angle))
			}
		}
	}

	return &PositionalEncoding[B]{maxLen: maxLen, dim: dim, table: table, backend: backend}
}

// Forward returns encodings for the first seqLen positions as
// [1, seqLen, dim], ready to broadcast-add onto token embeddings.
// Panics if seqLen exceeds maxLen.
func (p *PositionalEncoding[B]) Forward(seqLen int) *tensor.Tensor[float32, B] {
	if seqLen > p.maxLen {
		panic(fmt.Sprintf("PositionalEncoding: seqLen %d exceeds maxLen %d", seqLen, p.maxLen))
	}
	return tensor.MustFromSlice(p.table[:seqLen*p.dim], tensor.Shape{1, seqLen, p.dim}, p.backend)
}

// Window returns encodings for positions [start, start+length) as
// [1, length, dim]. Used by incremental decoding, where each step embeds
// a single token at its absolute position.
func (p *PositionalEncoding[B]) Window(start, length int) *tensor.Tensor[float32, B] {
	if start < 0 || start+length > p.maxLen {
		panic(fmt.Sprintf("PositionalEncoding: window [%d, %d) outside [0, %d)", start, start+length, p.maxLen))
	}
	return tensor.MustFromSlice(p.table[start*p.dim:(start+length)*p.dim], tensor.Shape{1, length, p.dim}, p.backend)
}

// MaxLen returns the longest supported sequence length.
func (p *PositionalEncoding[B]) MaxLen() int { return p.maxLen }
