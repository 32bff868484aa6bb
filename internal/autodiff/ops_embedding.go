package autodiff

import (
	"fmt"

	"github.com/fusenmt/fusenmt/internal/tensor"
)

// embeddingGrader is the capability used to scatter-add an output
// gradient back into embedding weight rows.
type embeddingGrader interface {
	EmbeddingGrad(outputGrad, indices *tensor.RawTensor, vocab, dim int) *tensor.RawTensor
}

// embeddingOp: the gradient of a gathered row accumulates into that row
// of the weight matrix. Indices are integers and receive no gradient.
type embeddingOp struct {
	weight, indices, out *tensor.RawTensor
}

func (op *embeddingOp) Inputs() []*tensor.RawTensor {
	return []*tensor.RawTensor{op.weight, op.indices}
}

func (op *embeddingOp) Output() *tensor.RawTensor { return op.out }

func (op *embeddingOp) Backward(grad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	eg, ok := backend.(embeddingGrader)
	if !ok {
		panic(fmt.Sprintf("backend %s does not support embedding gradients", backend.Name()))
	}
	wShape := op.weight.Shape()
	return []*tensor.RawTensor{
		eg.EmbeddingGrad(grad, op.indices, wShape[0], wShape[1]),
		nil,
	}
}
