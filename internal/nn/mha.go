package nn

import (
	"fmt"

	"github.com/fusenmt/fusenmt/internal/tensor"
)

// MultiHeadAttention projects queries, keys and values into numHeads
// subspaces, attends in each, and projects the concatenated result back
// to the model dimension.
//
// The same module serves self-attention (q = k = v), encoder-decoder
// cross-attention (k = v = encoder memory) and context cross-attention
// (k = v = context encoder output).
type MultiHeadAttention[B tensor.Backend] struct {
	dim      int
	numHeads int
	headDim  int

	query *Linear[B]
	key   *Linear[B]
	value *Linear[B]
	out   *Linear[B]

	backend B
}

// NewMultiHeadAttention creates a MultiHeadAttention module.
// dim must be divisible by numHeads.
func NewMultiHeadAttention[B tensor.Backend](dim, numHeads int, backend B) *MultiHeadAttention[B] {
	if dim%numHeads != 0 {
		panic(fmt.Sprintf("MultiHeadAttention: dim %d not divisible by numHeads %d", dim, numHeads))
	}
	return &MultiHeadAttention[B]{
		dim:      dim,
		numHeads: numHeads,
		headDim:  dim / numHeads,
		query:    NewLinear(dim, dim, backend),
		key:      NewLinear(dim, dim, backend),
		value:    NewLinear(dim, dim, backend),
		out:      NewLinear(dim, dim, backend),
		backend:  backend,
	}
}

// Forward attends queries [batch, lenQ, dim] over keys and values
// [batch, lenK, dim] under an optional additive mask [batch, 1, lenQ, lenK].
func (m *MultiHeadAttention[B]) Forward(
	q, k, v, mask *tensor.Tensor[float32, B],
) *tensor.Tensor[float32, B] {
	kh, vh := m.ProjectKV(k, v)
	return m.Attend(q, kh, vh, mask)
}

// ProjectKV projects keys and values and splits them into heads,
// returning [batch, heads, lenK, headDim] pairs. Exposed separately so
// incremental decoding can compute encoder-side projections once and
// reuse them every step.
func (m *MultiHeadAttention[B]) ProjectKV(
	k, v *tensor.Tensor[float32, B],
) (*tensor.Tensor[float32, B], *tensor.Tensor[float32, B]) {
	return m.splitHeads(m.key.Forward(k)), m.splitHeads(m.value.Forward(v))
}

// Attend projects queries, attends over pre-projected keys and values
// of shape [batch, heads, lenK, headDim], and applies the output
// projection. Returns [batch, lenQ, dim].
func (m *MultiHeadAttention[B]) Attend(
	q, kh, vh, mask *tensor.Tensor[float32, B],
) *tensor.Tensor[float32, B] {
	qh := m.splitHeads(m.query.Forward(q))
	ctx := ScaledDotProductAttention(qh, kh, vh, mask)
	return m.out.Forward(m.mergeHeads(ctx))
}

// splitHeads reshapes [batch, len, dim] to [batch, heads, len, headDim].
func (m *MultiHeadAttention[B]) splitHeads(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	s := x.Shape()
	return x.Reshape(s[0], s[1], m.numHeads, m.headDim).Transpose(0, 2, 1, 3)
}

// mergeHeads reshapes [batch, heads, len, headDim] back to [batch, len, dim].
func (m *MultiHeadAttention[B]) mergeHeads(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	s := x.Shape()
	return x.Transpose(0, 2, 1, 3).Reshape(s[0], s[2], m.dim)
}

// NumHeads returns the head count.
func (m *MultiHeadAttention[B]) NumHeads() int { return m.numHeads }

// Parameters returns the four projection layers' parameters.
func (m *MultiHeadAttention[B]) Parameters() []*Parameter[B] {
	var params []*Parameter[B]
	params = append(params, m.query.Parameters()...)
	params = append(params, m.key.Parameters()...)
	params = append(params, m.value.Parameters()...)
	params = append(params, m.out.Parameters()...)
	return params
}

// StateDict returns all projection parameters under qualified names.
func (m *MultiHeadAttention[B]) StateDict() map[string]*tensor.RawTensor {
	state := make(map[string]*tensor.RawTensor)
	mergeState(state, "query", m.query.StateDict())
	mergeState(state, "key", m.key.StateDict())
	mergeState(state, "value", m.value.StateDict())
	mergeState(state, "out", m.out.StateDict())
	return state
}

// LoadStateDict restores all projection parameters.
func (m *MultiHeadAttention[B]) LoadStateDict(state map[string]*tensor.RawTensor) error {
	if err := m.query.LoadStateDict(subState(state, "query")); err != nil {
		return err
	}
	if err := m.key.LoadStateDict(subState(state, "key")); err != nil {
		return err
	}
	if err := m.value.LoadStateDict(subState(state, "value")); err != nil {
		return err
	}
	return m.out.LoadStateDict(subState(state, "out"))
}
