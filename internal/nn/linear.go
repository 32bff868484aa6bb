package nn

import (
	"fmt"

	"github.com/fusenmt/fusenmt/internal/tensor"
)

// Linear is a fully connected layer: y = x @ Wᵀ + b.
//
// The weight is stored as [outFeatures, inFeatures] and transposed on
// the fly, matching the PyTorch layout so checkpoints transfer directly.
// Inputs may be 2D [batch, in] or 3D [batch, seq, in]; a 3D input is
// flattened to 2D for the matmul and restored afterwards.
type Linear[B tensor.Backend] struct {
	inFeatures  int
	outFeatures int
	weight      *Parameter[B]
	bias        *Parameter[B]
	backend     B
}

// NewLinear creates a Linear layer with Xavier-initialized weights and
// zero biases.
func NewLinear[B tensor.Backend](inFeatures, outFeatures int, backend B) *Linear[B] {
	weight := NewParameter("weight",
		Xavier(inFeatures, outFeatures, tensor.Shape{outFeatures, inFeatures}, backend))
	bias := NewParameter("bias", Zeros(tensor.Shape{outFeatures}, backend))

	return &Linear[B]{
		inFeatures:  inFeatures,
		outFeatures: outFeatures,
		weight:      weight,
		bias:        bias,
		backend:     backend,
	}
}

// Forward applies the affine transformation over the last dimension.
func (l *Linear[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := input.Shape()
	rank := len(shape)
	if rank != 2 && rank != 3 {
		panic(fmt.Sprintf("Linear.Forward: expected 2D or 3D input, got shape %v", shape))
	}
	if shape[rank-1] != l.inFeatures {
		panic(fmt.Sprintf("Linear.Forward: expected %d input features, got %d", l.inFeatures, shape[rank-1]))
	}

	x := input
	if rank == 3 {
		x = input.Reshape(shape[0]*shape[1], l.inFeatures)
	}

	wT := l.weight.Tensor().Transpose() // [in, out]
	out := x.MatMul(wT)
	out = out.Add(l.bias.Tensor().Reshape(1, l.outFeatures))

	if rank == 3 {
		out = out.Reshape(shape[0], shape[1], l.outFeatures)
	}
	return out
}

// Parameters returns [weight, bias].
func (l *Linear[B]) Parameters() []*Parameter[B] {
	return []*Parameter[B]{l.weight, l.bias}
}

// StateDict returns the layer's parameters keyed by name.
func (l *Linear[B]) StateDict() map[string]*tensor.RawTensor {
	return map[string]*tensor.RawTensor{
		"weight": l.weight.Tensor().Raw(),
		"bias":   l.bias.Tensor().Raw(),
	}
}

// LoadStateDict copies weight and bias from a state dictionary.
func (l *Linear[B]) LoadStateDict(state map[string]*tensor.RawTensor) error {
	if err := loadParam(state, "weight", l.weight); err != nil {
		return err
	}
	return loadParam(state, "bias", l.bias)
}
