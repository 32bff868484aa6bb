package cpu

import (
	"fmt"

	"github.com/fusenmt/fusenmt/internal/tensor"
)

// Transpose permutes the tensor's axes into a fresh contiguous tensor.
// With no axes, a 2D tensor is transposed the usual way.
func (c *Backend) Transpose(t *tensor.RawTensor, axes ...int) *tensor.RawTensor {
	shape := t.Shape()
	rank := len(shape)

	if len(axes) == 0 {
		if rank != 2 {
			panic(fmt.Sprintf("transpose: implicit transpose requires 2D tensor, got %dD", rank))
		}
		axes = []int{1, 0}
	}
	if len(axes) != rank {
		panic(fmt.Sprintf("transpose: expected %d axes, got %d", rank, len(axes)))
	}

	seen := make([]bool, rank)
	outShape := make(tensor.Shape, rank)
	for i, ax := range axes {
		if ax < 0 || ax >= rank || seen[ax] {
			panic(fmt.Sprintf("transpose: invalid axes permutation %v for rank %d", axes, rank))
		}
		seen[ax] = true
		outShape[i] = shape[ax]
	}

	out := tensor.MustNewRaw(outShape, t.DType(), c.device)
	inStrides := t.Strides()

	n := t.NumElements()
	idx := make([]int, rank)
	switch t.DType() {
	case tensor.Float32:
		src, dst := t.AsFloat32(), out.AsFloat32()
		for i := 0; i < n; i++ {
			srcOff := 0
			for d := 0; d < rank; d++ {
				srcOff += idx[d] * inStrides[axes[d]]
			}
			dst[i] = src[srcOff]
			advance(idx, outShape)
		}
	case tensor.Int32:
		src, dst := t.AsInt32(), out.AsInt32()
		for i := 0; i < n; i++ {
			srcOff := 0
			for d := 0; d < rank; d++ {
				srcOff += idx[d] * inStrides[axes[d]]
			}
			dst[i] = src[srcOff]
			advance(idx, outShape)
		}
	default:
		panic(fmt.Sprintf("transpose: unsupported dtype %s", t.DType()))
	}

	return out
}

// advance increments a row-major multi-dimensional index.
func advance(idx []int, shape tensor.Shape) {
	for d := len(idx) - 1; d >= 0; d-- {
		idx[d]++
		if idx[d] < shape[d] {
			return
		}
		idx[d] = 0
	}
}

// Cat concatenates tensors along the given dimension.
// All tensors must share dtype and every dimension except dim.
func (c *Backend) Cat(tensors []*tensor.RawTensor, dim int) *tensor.RawTensor {
	if len(tensors) == 0 {
		panic("cat: empty tensor list")
	}
	first := tensors[0]
	rank := len(first.Shape())
	dim = tensor.NormalizeDim(dim, rank)

	outShape := first.Shape().Clone()
	for _, t := range tensors[1:] {
		s := t.Shape()
		if len(s) != rank || t.DType() != first.DType() {
			panic(fmt.Sprintf("cat: incompatible tensor %v (%s) with %v (%s)", s, t.DType(), first.Shape(), first.DType()))
		}
		for d := 0; d < rank; d++ {
			if d != dim && s[d] != outShape[d] {
				panic(fmt.Sprintf("cat: dimension %d mismatch: %v vs %v", d, s, first.Shape()))
			}
		}
		outShape[dim] += s[dim]
	}

	if first.DType() != tensor.Float32 {
		panic(fmt.Sprintf("cat: only float32 supported, got %s", first.DType()))
	}

	out := tensor.MustNewRaw(outShape, tensor.Float32, c.device)
	ov := out.AsFloat32()

	outer, _, inner := lanes(outShape, dim)
	rowOut := outShape[dim] * inner

	colOff := 0
	for _, t := range tensors {
		tv := t.AsFloat32()
		nDim := t.Shape()[dim]
		rowIn := nDim * inner
		for o := 0; o < outer; o++ {
			copy(ov[o*rowOut+colOff:o*rowOut+colOff+rowIn], tv[o*rowIn:(o+1)*rowIn])
		}
		colOff += rowIn
	}
	return out
}
