package nn

import (
	"math"

	"github.com/fusenmt/fusenmt/internal/tensor"
)

// TokenEmbedding maps token ids to dense vectors and scales them by
// sqrt(dim), the standard transformer convention that keeps token
// embeddings and positional encodings on comparable magnitudes.
type TokenEmbedding[B tensor.Backend] struct {
	vocabSize int
	dim       int
	scale     float32
	weight    *Parameter[B]
	backend   B
}

// NewTokenEmbedding creates an embedding table initialized from N(0, 1).
func NewTokenEmbedding[B tensor.Backend](vocabSize, dim int, backend B) *TokenEmbedding[B] {
	weight := NewParameter("weight",
		tensor.Randn[float32](tensor.Shape{vocabSize, dim}, backend))
	return &TokenEmbedding[B]{
		vocabSize: vocabSize,
		dim:       dim,
		scale:     float32(math.Sqrt(float64(dim))),
		weight:    weight,
		backend:   backend,
	}
}

// Forward gathers embeddings for token ids of shape [batch, seq],
// returning [batch, seq, dim] scaled by sqrt(dim).
func (e *TokenEmbedding[B]) Forward(ids *tensor.Tensor[int32, B]) *tensor.Tensor[float32, B] {
	return e.weight.Tensor().Embedding(ids).MulScalar(e.scale)
}

// Parameters returns the embedding table.
func (e *TokenEmbedding[B]) Parameters() []*Parameter[B] {
	return []*Parameter[B]{e.weight}
}

// StateDict returns the embedding table keyed by name.
func (e *TokenEmbedding[B]) StateDict() map[string]*tensor.RawTensor {
	return map[string]*tensor.RawTensor{"weight": e.weight.Tensor().Raw()}
}

// LoadStateDict copies the embedding table from a state dictionary.
func (e *TokenEmbedding[B]) LoadStateDict(state map[string]*tensor.RawTensor) error {
	return loadParam(state, "weight", e.weight)
}
