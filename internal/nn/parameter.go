package nn

import "github.com/fusenmt/fusenmt/internal/tensor"

// Parameter is a trainable tensor. The gradient slot is filled by the
// trainer after a backward pass and consumed by the optimizer.
type Parameter[B tensor.Backend] struct {
	name   string
	tensor *tensor.Tensor[float32, B]
	grad   *tensor.Tensor[float32, B]
}

// NewParameter creates a trainable parameter around an initialized tensor.
func NewParameter[B tensor.Backend](name string, t *tensor.Tensor[float32, B]) *Parameter[B] {
	return &Parameter[B]{name: name, tensor: t}
}

// Name returns the parameter name, e.g. "weight".
func (p *Parameter[B]) Name() string {
	return p.name
}

// Tensor returns the parameter tensor.
func (p *Parameter[B]) Tensor() *tensor.Tensor[float32, B] {
	return p.tensor
}

// Grad returns the gradient, or nil before the first backward pass.
func (p *Parameter[B]) Grad() *tensor.Tensor[float32, B] {
	return p.grad
}

// SetGrad installs a gradient tensor.
func (p *Parameter[B]) SetGrad(grad *tensor.Tensor[float32, B]) {
	p.grad = grad
}

// AccumGrad adds grad into the existing gradient, installing it directly
// when none is present. Used for gradient accumulation across micro-batches.
func (p *Parameter[B]) AccumGrad(grad *tensor.Tensor[float32, B]) {
	if p.grad == nil {
		p.grad = grad
		return
	}
	gv, nv := p.grad.Data(), grad.Data()
	for i := range gv {
		gv[i] += nv[i]
	}
}

// ZeroGrad clears the gradient. Call before each optimizer step cycle.
func (p *Parameter[B]) ZeroGrad() {
	p.grad = nil
}
