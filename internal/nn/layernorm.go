package nn

import (
	"fmt"

	"github.com/fusenmt/fusenmt/internal/tensor"
)

// LayerNorm normalizes over the last dimension:
//
//	y = (x - mean) / sqrt(var + eps) * gain + bias
//
// The forward pass is composed entirely of backend operations so the
// gradient flows through mean and variance without a dedicated op.
type LayerNorm[B tensor.Backend] struct {
	dim     int
	eps     float32
	gain    *Parameter[B]
	bias    *Parameter[B]
	backend B
}

// NewLayerNorm creates a LayerNorm over the trailing dimension of size dim.
func NewLayerNorm[B tensor.Backend](dim int, backend B) *LayerNorm[B] {
	return &LayerNorm[B]{
		dim:     dim,
		eps:     1e-5,
		gain:    NewParameter("gain", Ones(tensor.Shape{dim}, backend)),
		bias:    NewParameter("bias", Zeros(tensor.Shape{dim}, backend)),
		backend: backend,
	}
}

// Forward normalizes the last dimension of a 2D or 3D input.
func (ln *LayerNorm[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := x.Shape()
	if shape[len(shape)-1] != ln.dim {
		panic(fmt.Sprintf("LayerNorm.Forward: expected trailing dimension %d, got shape %v", ln.dim, shape))
	}

	mean := x.MeanDim(-1, true)
	centered := x.Sub(mean)
	variance := centered.Mul(centered).MeanDim(-1, true)
	inv := variance.AddScalar(ln.eps).Rsqrt()
	norm := centered.Mul(inv)

	// gain and bias broadcast over the leading dimensions.
	return norm.Mul(ln.broadcastable(ln.gain, len(shape))).
		Add(ln.broadcastable(ln.bias, len(shape)))
}

func (ln *LayerNorm[B]) broadcastable(p *Parameter[B], rank int) *tensor.Tensor[float32, B] {
	newShape := make([]int, rank)
	for i := range newShape {
		newShape[i] = 1
	}
	newShape[rank-1] = ln.dim
	return p.Tensor().Reshape(newShape...)
}

// Parameters returns [gain, bias].
func (ln *LayerNorm[B]) Parameters() []*Parameter[B] {
	return []*Parameter[B]{ln.gain, ln.bias}
}

// StateDict returns the normalization parameters keyed by name.
func (ln *LayerNorm[B]) StateDict() map[string]*tensor.RawTensor {
	return map[string]*tensor.RawTensor{
		"gain": ln.gain.Tensor().Raw(),
		"bias": ln.bias.Tensor().Raw(),
	}
}

// LoadStateDict copies gain and bias from a state dictionary.
func (ln *LayerNorm[B]) LoadStateDict(state map[string]*tensor.RawTensor) error {
	if err := loadParam(state, "gain", ln.gain); err != nil {
		return err
	}
	return loadParam(state, "bias", ln.bias)
}
