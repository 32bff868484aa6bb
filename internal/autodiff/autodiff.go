// Package autodiff implements reverse-mode automatic differentiation
// using the decorator pattern.
//
// Backend wraps a compute backend and adds gradient tracking through a
// GradientTape. Every differentiable operation performs its forward pass
// on the wrapped backend and, while the tape is recording, appends an
// Operation that knows how to push gradients back to its inputs.
//
// Usage:
//
//	backend := autodiff.New(cpu.New())
//	backend.Tape().StartRecording()
//	loss := ... // forward pass through the model
//	grads := backend.Backward(loss.Raw())
package autodiff

import (
	"fmt"

	"github.com/fusenmt/fusenmt/internal/tensor"
)

// Backend wraps a compute backend and records operations on a GradientTape.
// It implements tensor.Backend, so model code is oblivious to whether it
// runs under gradient tracking.
type Backend[B tensor.Backend] struct {
	inner B
	tape  *GradientTape
}

// New creates an autodiff Backend wrapping the given backend.
func New[B tensor.Backend](inner B) *Backend[B] {
	return &Backend[B]{
		inner: inner,
		tape:  NewGradientTape(),
	}
}

// Tape returns the gradient tape for recording control.
func (b *Backend[B]) Tape() *GradientTape {
	return b.tape
}

// Inner returns the wrapped backend.
func (b *Backend[B]) Inner() B {
	return b.inner
}

// Name returns the backend name.
func (b *Backend[B]) Name() string {
	return "Autodiff(" + b.inner.Name() + ")"
}

// Device returns the compute device of the wrapped backend.
func (b *Backend[B]) Device() tensor.Device {
	return b.inner.Device()
}

// Backward seeds the output gradient with ones and walks the tape in
// reverse, returning accumulated gradients keyed by tensor. The tape is
// cleared afterwards so the next forward pass starts fresh.
func (b *Backend[B]) Backward(output *tensor.RawTensor) map[*tensor.RawTensor]*tensor.RawTensor {
	seed := tensor.MustNewRaw(output.Shape(), tensor.Float32, b.Device())
	sv := seed.AsFloat32()
	for i := range sv {
		sv[i] = 1
	}
	grads := b.tape.Backward(output, seed, b.inner)
	b.tape.Clear()
	return grads
}

// Add performs element-wise addition and records the operation.
func (b *Backend[B]) Add(x, y *tensor.RawTensor) *tensor.RawTensor {
	out := b.inner.Add(x, y)
	b.tape.Record(&addOp{a: x, b: y, out: out})
	return out
}

// Sub performs element-wise subtraction and records the operation.
func (b *Backend[B]) Sub(x, y *tensor.RawTensor) *tensor.RawTensor {
	out := b.inner.Sub(x, y)
	b.tape.Record(&subOp{a: x, b: y, out: out})
	return out
}

// Mul performs element-wise multiplication and records the operation.
func (b *Backend[B]) Mul(x, y *tensor.RawTensor) *tensor.RawTensor {
	out := b.inner.Mul(x, y)
	b.tape.Record(&mulOp{a: x, b: y, out: out})
	return out
}

// MatMul performs 2D matrix multiplication and records the operation.
func (b *Backend[B]) MatMul(x, y *tensor.RawTensor) *tensor.RawTensor {
	out := b.inner.MatMul(x, y)
	b.tape.Record(&matMulOp{a: x, b: y, out: out})
	return out
}

// BatchMatMul performs batched matrix multiplication and records the operation.
func (b *Backend[B]) BatchMatMul(x, y *tensor.RawTensor) *tensor.RawTensor {
	out := b.inner.BatchMatMul(x, y)
	b.tape.Record(&batchMatMulOp{a: x, b: y, out: out})
	return out
}

// Reshape reshapes a tensor and records the operation so gradients flow
// back to the original view.
func (b *Backend[B]) Reshape(t *tensor.RawTensor, newShape tensor.Shape) *tensor.RawTensor {
	out := b.inner.Reshape(t, newShape)
	b.tape.Record(&reshapeOp{in: t, out: out})
	return out
}

// Transpose permutes axes and records the operation. The backward pass
// applies the inverse permutation.
func (b *Backend[B]) Transpose(t *tensor.RawTensor, axes ...int) *tensor.RawTensor {
	if len(axes) == 0 && len(t.Shape()) == 2 {
		axes = []int{1, 0}
	}
	out := b.inner.Transpose(t, axes...)
	b.tape.Record(&transposeOp{in: t, out: out, axes: axes})
	return out
}

// Unsqueeze inserts a size-1 dimension. Recorded as a reshape since the
// data layout is unchanged.
func (b *Backend[B]) Unsqueeze(t *tensor.RawTensor, dim int) *tensor.RawTensor {
	out := b.inner.Unsqueeze(t, dim)
	b.tape.Record(&reshapeOp{in: t, out: out})
	return out
}

// MulScalar multiplies by a scalar and records the operation.
func (b *Backend[B]) MulScalar(x *tensor.RawTensor, scalar float32) *tensor.RawTensor {
	out := b.inner.MulScalar(x, scalar)
	b.tape.Record(&mulScalarOp{in: x, out: out, scalar: scalar})
	return out
}

// AddScalar adds a scalar and records the operation.
func (b *Backend[B]) AddScalar(x *tensor.RawTensor, scalar float32) *tensor.RawTensor {
	out := b.inner.AddScalar(x, scalar)
	b.tape.Record(&addScalarOp{in: x, out: out})
	return out
}

// Exp computes element-wise e^x and records the operation.
func (b *Backend[B]) Exp(x *tensor.RawTensor) *tensor.RawTensor {
	out := b.inner.Exp(x)
	b.tape.Record(&expOp{in: x, out: out})
	return out
}

// Log computes the element-wise natural logarithm and records the operation.
func (b *Backend[B]) Log(x *tensor.RawTensor) *tensor.RawTensor {
	out := b.inner.Log(x)
	b.tape.Record(&logOp{in: x, out: out})
	return out
}

// Rsqrt computes element-wise 1/sqrt(x) and records the operation.
func (b *Backend[B]) Rsqrt(x *tensor.RawTensor) *tensor.RawTensor {
	out := b.inner.Rsqrt(x)
	b.tape.Record(&rsqrtOp{in: x, out: out})
	return out
}

// Relu applies max(0, x) and records the operation.
func (b *Backend[B]) Relu(x *tensor.RawTensor) *tensor.RawTensor {
	out := b.inner.Relu(x)
	b.tape.Record(&reluOp{in: x, out: out})
	return out
}

// Softmax computes softmax along a dimension and records the operation.
func (b *Backend[B]) Softmax(x *tensor.RawTensor, dim int) *tensor.RawTensor {
	out := b.inner.Softmax(x, dim)
	b.tape.Record(&softmaxOp{in: x, out: out, dim: tensor.NormalizeDim(dim, len(x.Shape()))})
	return out
}

// Sum reduces to a single element and records the operation.
func (b *Backend[B]) Sum(x *tensor.RawTensor) *tensor.RawTensor {
	out := b.inner.Sum(x)
	b.tape.Record(&sumOp{in: x, out: out})
	return out
}

// SumDim sums along a dimension and records the operation.
func (b *Backend[B]) SumDim(x *tensor.RawTensor, dim int, keepDim bool) *tensor.RawTensor {
	out := b.inner.SumDim(x, dim, keepDim)
	b.tape.Record(&sumDimOp{in: x, out: out, dim: tensor.NormalizeDim(dim, len(x.Shape())), mean: false})
	return out
}

// MeanDim averages along a dimension and records the operation.
func (b *Backend[B]) MeanDim(x *tensor.RawTensor, dim int, keepDim bool) *tensor.RawTensor {
	out := b.inner.MeanDim(x, dim, keepDim)
	b.tape.Record(&sumDimOp{in: x, out: out, dim: tensor.NormalizeDim(dim, len(x.Shape())), mean: true})
	return out
}

// Argmax returns max indices. Not differentiable, so nothing is recorded.
func (b *Backend[B]) Argmax(x *tensor.RawTensor, dim int) *tensor.RawTensor {
	return b.inner.Argmax(x, dim)
}

// Cat concatenates tensors along a dimension and records the operation.
func (b *Backend[B]) Cat(tensors []*tensor.RawTensor, dim int) *tensor.RawTensor {
	out := b.inner.Cat(tensors, dim)
	b.tape.Record(&catOp{ins: tensors, out: out, dim: tensor.NormalizeDim(dim, len(out.Shape()))})
	return out
}

// Embedding gathers rows from a weight matrix and records the operation.
// The backward pass scatter-adds gradients into the weight rows; indices
// receive no gradient.
func (b *Backend[B]) Embedding(weight, indices *tensor.RawTensor) *tensor.RawTensor {
	out := b.inner.Embedding(weight, indices)
	b.tape.Record(&embeddingOp{weight: weight, indices: indices, out: out})
	return out
}

// Cast converts dtype. Not differentiable, so nothing is recorded.
func (b *Backend[B]) Cast(x *tensor.RawTensor, dtype tensor.DataType) *tensor.RawTensor {
	return b.inner.Cast(x, dtype)
}

// crossEntropyBackend is the capability the wrapped backend must provide
// for masked label-smoothed cross-entropy.
type crossEntropyBackend interface {
	CrossEntropyMasked(logits, targets *tensor.RawTensor, ignoreIndex int32, smoothing float32) *tensor.RawTensor
	CrossEntropyMaskedGrad(logits, targets *tensor.RawTensor, ignoreIndex int32, smoothing float32) *tensor.RawTensor
}

// CrossEntropyMasked computes label-smoothed cross-entropy over flattened
// logits, ignoring positions whose target equals ignoreIndex, and records
// the operation. Panics if the wrapped backend lacks the capability.
func (b *Backend[B]) CrossEntropyMasked(
	logits, targets *tensor.RawTensor,
	ignoreIndex int32,
	smoothing float32,
) *tensor.RawTensor {
	ce, ok := any(b.inner).(crossEntropyBackend)
	if !ok {
		panic(fmt.Sprintf("backend %s does not support CrossEntropyMasked", b.inner.Name()))
	}
	out := ce.CrossEntropyMasked(logits, targets, ignoreIndex, smoothing)
	b.tape.Record(&crossEntropyOp{
		logits:      logits,
		targets:     targets,
		out:         out,
		ignoreIndex: ignoreIndex,
		smoothing:   smoothing,
	})
	return out
}
