package nn

import "github.com/fusenmt/fusenmt/internal/tensor"

// Sublayer is the pre-norm wrapper around an attention or feed-forward
// block:
//
//	Wrap(x, f) = dropout(f(norm(x)))
//
// The residual connection is NOT applied here. Callers add the result
// onto their own residual stream, which lets fusion layers weight two
// wrapped branches at 0.5 each against a single residual.
type Sublayer[B tensor.Backend] struct {
	norm    *LayerNorm[B]
	dropout *Dropout[B]
}

// NewSublayer creates a Sublayer for the given model dimension.
func NewSublayer[B tensor.Backend](dim int, dropoutP float32, backend B) *Sublayer[B] {
	return &Sublayer[B]{
		norm:    NewLayerNorm(dim, backend),
		dropout: NewDropout(dropoutP, backend),
	}
}

// Wrap normalizes x, applies f, and drops out the result.
func (s *Sublayer[B]) Wrap(
	x *tensor.Tensor[float32, B],
	f func(*tensor.Tensor[float32, B]) *tensor.Tensor[float32, B],
) *tensor.Tensor[float32, B] {
	return s.dropout.Forward(f(s.norm.Forward(x)))
}

// SetTraining toggles the wrapped dropout.
func (s *Sublayer[B]) SetTraining(training bool) {
	s.dropout.SetTraining(training)
}

// Parameters returns the normalization parameters.
func (s *Sublayer[B]) Parameters() []*Parameter[B] {
	return s.norm.Parameters()
}

// StateDict returns the normalization parameters under "norm".
func (s *Sublayer[B]) StateDict() map[string]*tensor.RawTensor {
	state := make(map[string]*tensor.RawTensor)
	mergeState(state, "norm", s.norm.StateDict())
	return state
}

// LoadStateDict restores the normalization parameters.
func (s *Sublayer[B]) LoadStateDict(state map[string]*tensor.RawTensor) error {
	return s.norm.LoadStateDict(subState(state, "norm"))
}
