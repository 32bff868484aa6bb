package cpu

import (
	"fmt"

	"github.com/fusenmt/fusenmt/internal/tensor"
)

// broadcastStrides aligns a tensor's strides to an output rank, substituting
// stride 0 for broadcast (size-1 or missing) dimensions.
func broadcastStrides(shape tensor.Shape, strides []int, outRank int) []int {
	aligned := make([]int, outRank)
	offset := outRank - len(shape)
	for i := 0; i < len(shape); i++ {
		if shape[i] == 1 {
			aligned[offset+i] = 0
		} else {
			aligned[offset+i] = strides[i]
		}
	}
	return aligned
}

// binaryOp applies a float32 binary operation with NumPy-style broadcasting.
// Shape incompatibility panics: a mask or bias that does not broadcast onto
// its operand is a construction bug, never silently corrected.
func binaryOp(a, b *tensor.RawTensor, device tensor.Device, op func(x, y float32) float32) *tensor.RawTensor {
	if a.DType() != tensor.Float32 || b.DType() != tensor.Float32 {
		panic(fmt.Sprintf("binary op: only float32 supported, got %s and %s", a.DType(), b.DType()))
	}

	// Fast path: identical shapes.
	if a.Shape().Equal(b.Shape()) {
		out := tensor.MustNewRaw(a.Shape(), tensor.Float32, device)
		av, bv, ov := a.AsFloat32(), b.AsFloat32(), out.AsFloat32()
		for i := range ov {
			ov[i] = op(av[i], bv[i])
		}
		return out
	}

	outShape, _, err := tensor.BroadcastShapes(a.Shape(), b.Shape())
	if err != nil {
		panic(fmt.Sprintf("binary op: %v", err))
	}

	out := tensor.MustNewRaw(outShape, tensor.Float32, device)
	ov := out.AsFloat32()
	av, bv := a.AsFloat32(), b.AsFloat32()

	rank := len(outShape)
	aStrides := broadcastStrides(a.Shape(), a.Strides(), rank)
	bStrides := broadcastStrides(b.Shape(), b.Strides(), rank)

	idx := make([]int, rank)
	for i := range ov {
		aOff, bOff := 0, 0
		for d := 0; d < rank; d++ {
			aOff += idx[d] * aStrides[d]
			bOff += idx[d] * bStrides[d]
		}
		ov[i] = op(av[aOff], bv[bOff])

		// Advance the multi-dimensional index (row-major order).
		for d := rank - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < outShape[d] {
				break
			}
			idx[d] = 0
		}
	}
	return out
}

// ReduceToShape sums grad along broadcast dimensions so it matches the target
// shape. Used by the autodiff backend to undo forward-pass broadcasting.
func (c *Backend) ReduceToShape(grad *tensor.RawTensor, target tensor.Shape) *tensor.RawTensor {
	if grad.Shape().Equal(target) {
		return grad
	}

	out := tensor.MustNewRaw(target, tensor.Float32, c.device)
	ov := out.AsFloat32()
	gv := grad.AsFloat32()

	gradShape := grad.Shape()
	rank := len(gradShape)
	tStrides := broadcastStrides(target, target.ComputeStrides(), rank)

	idx := make([]int, rank)
	for i := range gv {
		tOff := 0
		for d := 0; d < rank; d++ {
			tOff += idx[d] * tStrides[d]
		}
		ov[tOff] += gv[i]

		for d := rank - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < gradShape[d] {
				break
			}
			idx[d] = 0
		}
	}
	return out
}
