package nn

import "github.com/fusenmt/fusenmt/internal/tensor"

// FeedForward is the position-wise two-layer network applied after
// attention: Linear(dim, hidden) -> ReLU -> Linear(hidden, dim).
type FeedForward[B tensor.Backend] struct {
	expand   *Linear[B]
	contract *Linear[B]
}

// NewFeedForward creates a FeedForward with the given model and hidden
// dimensions.
func NewFeedForward[B tensor.Backend](dim, hidden int, backend B) *FeedForward[B] {
	return &FeedForward[B]{
		expand:   NewLinear(dim, hidden, backend),
		contract: NewLinear(hidden, dim, backend),
	}
}

// Forward applies the network to [batch, seq, dim], preserving shape.
func (f *FeedForward[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return f.contract.Forward(f.expand.Forward(x).Relu())
}

// Parameters returns the two layers' parameters.
func (f *FeedForward[B]) Parameters() []*Parameter[B] {
	return append(f.expand.Parameters(), f.contract.Parameters()...)
}

// StateDict returns both layers' parameters under qualified names.
func (f *FeedForward[B]) StateDict() map[string]*tensor.RawTensor {
	state := make(map[string]*tensor.RawTensor)
	mergeState(state, "expand", f.expand.StateDict())
	mergeState(state, "contract", f.contract.StateDict())
	return state
}

// LoadStateDict restores both layers.
func (f *FeedForward[B]) LoadStateDict(state map[string]*tensor.RawTensor) error {
	if err := f.expand.LoadStateDict(subState(state, "expand")); err != nil {
		return err
	}
	return f.contract.LoadStateDict(subState(state, "contract"))
}
