package autodiff

import "github.com/fusenmt/fusenmt/internal/tensor"

// sumOp: every input element contributed with weight 1, so the scalar
// output gradient broadcasts to the input shape.
type sumOp struct {
	in, out *tensor.RawTensor
}

func (op *sumOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.in} }
func (op *sumOp) Output() *tensor.RawTensor  { return op.out }

func (op *sumOp) Backward(grad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	out := tensor.MustNewRaw(op.in.Shape(), tensor.Float32, backend.Device())
	ov, g := out.AsFloat32(), grad.AsFloat32()[0]
	for i := range ov {
		ov[i] = g
	}
	return []*tensor.RawTensor{out}
}

// sumDimOp replicates the output gradient along the reduced dimension.
// Covers MeanDim too: a mean scales each replicated value by 1/n.
type sumDimOp struct {
	in, out *tensor.RawTensor
	dim     int
	mean    bool
}

func (op *sumDimOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.in} }
func (op *sumDimOp) Output() *tensor.RawTensor  { return op.out }

func (op *sumDimOp) Backward(grad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	inShape := op.in.Shape()
	outer, inner := 1, 1
	for i := 0; i < op.dim; i++ {
		outer *= inShape[i]
	}
	for i := op.dim + 1; i < len(inShape); i++ {
		inner *= inShape[i]
	}
	n := inShape[op.dim]

	scale := float32(1)
	if op.mean {
		scale = 1 / float32(n)
	}

	out := tensor.MustNewRaw(inShape, tensor.Float32, backend.Device())
	ov, gv := out.AsFloat32(), grad.AsFloat32()
	for o := 0; o < outer; o++ {
		for i := 0; i < n; i++ {
			base := (o*n + i) * inner
			gBase := o * inner
			for in := 0; in < inner; in++ {
				ov[base+in] = gv[gBase+in] * scale
			}
		}
	}
	return []*tensor.RawTensor{out}
}

// softmaxOp: with y = softmax(x) along dim,
//
//	dx = (dy - sum(dy * y, dim)) * y
type softmaxOp struct {
	in, out *tensor.RawTensor
	dim     int
}

func (op *softmaxOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.in} }
func (op *softmaxOp) Output() *tensor.RawTensor  { return op.out }

func (op *softmaxOp) Backward(grad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	gy := backend.Mul(grad, op.out)
	dot := backend.SumDim(gy, op.dim, true)
	return []*tensor.RawTensor{backend.Mul(backend.Sub(grad, dot), op.out)}
}
