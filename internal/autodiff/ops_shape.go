package autodiff

import "github.com/fusenmt/fusenmt/internal/tensor"

// reshapeOp: data layout is unchanged, so the backward pass reshapes the
// gradient back to the input's shape. Also records Unsqueeze.
type reshapeOp struct {
	in, out *tensor.RawTensor
}

func (op *reshapeOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.in} }
func (op *reshapeOp) Output() *tensor.RawTensor  { return op.out }

func (op *reshapeOp) Backward(grad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{backend.Reshape(grad, op.in.Shape())}
}

// transposeOp: the backward pass applies the inverse axes permutation.
type transposeOp struct {
	in, out *tensor.RawTensor
	axes    []int
}

func (op *transposeOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.in} }
func (op *transposeOp) Output() *tensor.RawTensor  { return op.out }

func (op *transposeOp) Backward(grad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	inverse := make([]int, len(op.axes))
	for i, ax := range op.axes {
		inverse[ax] = i
	}
	return []*tensor.RawTensor{backend.Transpose(grad, inverse...)}
}

// catOp: the backward pass slices the output gradient back into pieces
// matching each input along the concatenation dimension.
type catOp struct {
	ins []*tensor.RawTensor
	out *tensor.RawTensor
	dim int
}

func (op *catOp) Inputs() []*tensor.RawTensor { return op.ins }
func (op *catOp) Output() *tensor.RawTensor  { return op.out }

func (op *catOp) Backward(grad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	outShape := op.out.Shape()
	outer, inner := 1, 1
	for i := 0; i < op.dim; i++ {
		outer *= outShape[i]
	}
	for i := op.dim + 1; i < len(outShape); i++ {
		inner *= outShape[i]
	}
	rowOut := outShape[op.dim] * inner
	gv := grad.AsFloat32()

	grads := make([]*tensor.RawTensor, len(op.ins))
	colOff := 0
	for idx, in := range op.ins {
		rowIn := in.Shape()[op.dim] * inner
		piece := tensor.MustNewRaw(in.Shape(), tensor.Float32, backend.Device())
		pv := piece.AsFloat32()
		for o := 0; o < outer; o++ {
			copy(pv[o*rowIn:(o+1)*rowIn], gv[o*rowOut+colOff:o*rowOut+colOff+rowIn])
		}
		grads[idx] = piece
		colOff += rowIn
	}
	return grads
}
