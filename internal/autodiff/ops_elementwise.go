package autodiff

import (
	"fmt"

	"github.com/fusenmt/fusenmt/internal/tensor"
)

// broadcastReducer is the capability used to undo forward-pass
// broadcasting: the gradient of a broadcast operand is the output
// gradient summed back down to the operand's shape.
type broadcastReducer interface {
	ReduceToShape(grad *tensor.RawTensor, target tensor.Shape) *tensor.RawTensor
}

func reduceTo(grad *tensor.RawTensor, target tensor.Shape, backend tensor.Backend) *tensor.RawTensor {
	br, ok := backend.(broadcastReducer)
	if !ok {
		panic(fmt.Sprintf("backend %s does not support broadcast gradient reduction", backend.Name()))
	}
	return br.ReduceToShape(grad, target)
}

// addOp: d(a+b)/da = 1, d(a+b)/db = 1.
type addOp struct {
	a, b, out *tensor.RawTensor
}

func (op *addOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.a, op.b} }
func (op *addOp) Output() *tensor.RawTensor  { return op.out }

func (op *addOp) Backward(grad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{
		reduceTo(grad, op.a.Shape(), backend),
		reduceTo(grad, op.b.Shape(), backend),
	}
}

// subOp: d(a-b)/da = 1, d(a-b)/db = -1.
type subOp struct {
	a, b, out *tensor.RawTensor
}

func (op *subOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.a, op.b} }
func (op *subOp) Output() *tensor.RawTensor  { return op.out }

func (op *subOp) Backward(grad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{
		reduceTo(grad, op.a.Shape(), backend),
		reduceTo(backend.MulScalar(grad, -1), op.b.Shape(), backend),
	}
}

// mulOp: d(a*b)/da = b, d(a*b)/db = a.
type mulOp struct {
	a, b, out *tensor.RawTensor
}

func (op *mulOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.a, op.b} }
func (op *mulOp) Output() *tensor.RawTensor  { return op.out }

func (op *mulOp) Backward(grad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{
		reduceTo(backend.Mul(grad, op.b), op.a.Shape(), backend),
		reduceTo(backend.Mul(grad, op.a), op.b.Shape(), backend),
	}
}

// mulScalarOp: d(s*x)/dx = s.
type mulScalarOp struct {
	in, out *tensor.RawTensor
	scalar  float32
}

func (op *mulScalarOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.in} }
func (op *mulScalarOp) Output() *tensor.RawTensor  { return op.out }

func (op *mulScalarOp) Backward(grad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{backend.MulScalar(grad, op.scalar)}
}

// addScalarOp: d(x+s)/dx = 1.
type addScalarOp struct {
	in, out *tensor.RawTensor
}

func (op *addScalarOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.in} }
func (op *addScalarOp) Output() *tensor.RawTensor  { return op.out }

func (op *addScalarOp) Backward(grad *tensor.RawTensor, _ tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{grad}
}

// expOp: d(e^x)/dx = e^x, which is the stored output.
type expOp struct {
	in, out *tensor.RawTensor
}

func (op *expOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.in} }
func (op *expOp) Output() *tensor.RawTensor  { return op.out }

func (op *expOp) Backward(grad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{backend.Mul(grad, op.out)}
}

// logOp: d(log x)/dx = 1/x.
type logOp struct {
	in, out *tensor.RawTensor
}

func (op *logOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.in} }
func (op *logOp) Output() *tensor.RawTensor  { return op.out }

func (op *logOp) Backward(grad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	out := tensor.MustNewRaw(op.in.Shape(), tensor.Float32, backend.Device())
	ov, gv, xv := out.AsFloat32(), grad.AsFloat32(), op.in.AsFloat32()
	for i := range ov {
		ov[i] = gv[i] / xv[i]
	}
	return []*tensor.RawTensor{out}
}

// rsqrtOp: d(x^-1/2)/dx = -1/2 * x^-3/2 = -1/2 * y^3.
type rsqrtOp struct {
	in, out *tensor.RawTensor
}

func (op *rsqrtOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.in} }
func (op *rsqrtOp) Output() *tensor.RawTensor  { return op.out }

func (op *rsqrtOp) Backward(grad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	out := tensor.MustNewRaw(op.in.Shape(), tensor.Float32, backend.Device())
	ov, gv, yv := out.AsFloat32(), grad.AsFloat32(), op.out.AsFloat32()
	for i := range ov {
		y := yv[i]
		ov[i] = -0.5 * y * y * y * gv[i]
	}
	return []*tensor.RawTensor{out}
}

// reluOp: gradient passes through where the input was positive.
type reluOp struct {
	in, out *tensor.RawTensor
}

func (op *reluOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.in} }
func (op *reluOp) Output() *tensor.RawTensor  { return op.out }

func (op *reluOp) Backward(grad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	out := tensor.MustNewRaw(op.in.Shape(), tensor.Float32, backend.Device())
	ov, gv, xv := out.AsFloat32(), grad.AsFloat32(), op.in.AsFloat32()
	for i := range ov {
		if xv[i] > 0 {
			ov[i] = gv[i]
		}
	}
	return []*tensor.RawTensor{out}
}
