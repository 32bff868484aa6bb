package autodiff

import (
	"fmt"

	"github.com/fusenmt/fusenmt/internal/tensor"
)

// crossEntropyOp: the loss gradient with respect to logits is
// (softmax - smoothed one-hot) / validCount, computed by the wrapped
// backend. Ignored rows get zero gradient; targets get none.
type crossEntropyOp struct {
	logits, targets, out *tensor.RawTensor
	ignoreIndex          int32
	smoothing            float32
}

func (op *crossEntropyOp) Inputs() []*tensor.RawTensor {
	return []*tensor.RawTensor{op.logits, op.targets}
}

func (op *crossEntropyOp) Output() *tensor.RawTensor { return op.out }

func (op *crossEntropyOp) Backward(grad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	ce, ok := backend.(crossEntropyBackend)
	if !ok {
		panic(fmt.Sprintf("backend %s does not support cross-entropy gradients", backend.Name()))
	}
	logitsGrad := ce.CrossEntropyMaskedGrad(op.logits, op.targets, op.ignoreIndex, op.smoothing)

	// Scale by the incoming scalar gradient, normally 1 for a loss root.
	if g := grad.AsFloat32()[0]; g != 1 {
		logitsGrad = backend.MulScalar(logitsGrad, g)
	}
	return []*tensor.RawTensor{logitsGrad, nil}
}
