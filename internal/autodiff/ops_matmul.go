package autodiff

import "github.com/fusenmt/fusenmt/internal/tensor"

// matMulOp: for C = A @ B, dA = grad @ Bᵀ and dB = Aᵀ @ grad.
type matMulOp struct {
	a, b, out *tensor.RawTensor
}

func (op *matMulOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.a, op.b} }
func (op *matMulOp) Output() *tensor.RawTensor  { return op.out }

func (op *matMulOp) Backward(grad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{
		backend.MatMul(grad, backend.Transpose(op.b)),
		backend.MatMul(backend.Transpose(op.a), grad),
	}
}

// batchMatMulOp applies the matmul gradient rule per batch slice by
// transposing the last two axes.
type batchMatMulOp struct {
	a, b, out *tensor.RawTensor
}

func (op *batchMatMulOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.a, op.b} }
func (op *batchMatMulOp) Output() *tensor.RawTensor  { return op.out }

func (op *batchMatMulOp) Backward(grad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	swap := swapLastTwo(len(op.a.Shape()))
	return []*tensor.RawTensor{
		backend.BatchMatMul(grad, backend.Transpose(op.b, swap...)),
		backend.BatchMatMul(backend.Transpose(op.a, swap...), grad),
	}
}

// swapLastTwo builds the identity permutation of the given rank with the
// final two axes exchanged.
func swapLastTwo(rank int) []int {
	axes := make([]int, rank)
	for i := range axes {
		axes[i] = i
	}
	axes[rank-2], axes[rank-1] = axes[rank-1], axes[rank-2]
	return axes
}
