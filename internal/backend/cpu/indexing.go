package cpu

import (
	"fmt"

	"github.com/fusenmt/fusenmt/internal/tensor"
)

// Embedding gathers rows of a [vocab, dim] weight matrix for each index.
// indices of any shape S produce output of shape S + [dim].
// Panics on out-of-range indices.
func (c *Backend) Embedding(weight, indices *tensor.RawTensor) *tensor.RawTensor {
	wShape := weight.Shape()
	if len(wShape) != 2 {
		panic(fmt.Sprintf("embedding: weight must be 2D [vocab, dim], got %v", wShape))
	}
	if weight.DType() != tensor.Float32 || indices.DType() != tensor.Int32 {
		panic(fmt.Sprintf("embedding: expected float32 weight and int32 indices, got %s and %s",
			weight.DType(), indices.DType()))
	}

	vocab, dim := wShape[0], wShape[1]
	outShape := append(indices.Shape().Clone(), dim)
	out := tensor.MustNewRaw(outShape, tensor.Float32, c.device)

	wv, iv, ov := weight.AsFloat32(), indices.AsInt32(), out.AsFloat32()
	for i, id := range iv {
		if id < 0 || int(id) >= vocab {
			panic(fmt.Sprintf("embedding: index %d out of range [0, %d)", id, vocab))
		}
		copy(ov[i*dim:(i+1)*dim], wv[int(id)*dim:(int(id)+1)*dim])
	}
	return out
}

// EmbeddingGrad scatter-adds an output gradient of shape S + [dim] back into
// a zeroed [vocab, dim] gradient. Used by the autodiff backend.
func (c *Backend) EmbeddingGrad(outputGrad, indices *tensor.RawTensor, vocab, dim int) *tensor.RawTensor {
	grad := tensor.MustNewRaw(tensor.Shape{vocab, dim}, tensor.Float32, c.device)
	gv, ov, iv := grad.AsFloat32(), outputGrad.AsFloat32(), indices.AsInt32()
	for i, id := range iv {
		row := gv[int(id)*dim : (int(id)+1)*dim]
		src := ov[i*dim : (i+1)*dim]
		for j := range row {
			row[j] += src[j]
		}
	}
	return grad
}
