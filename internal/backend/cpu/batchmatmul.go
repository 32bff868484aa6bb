package cpu

import (
	"fmt"

	"github.com/fusenmt/fusenmt/internal/tensor"
)

// BatchMatMul performs batched matrix multiplication.
//
// For 3D: [B, M, K] @ [B, K, N] -> [B, M, N]
// For 4D: [B, H, M, K] @ [B, H, K, N] -> [B, H, M, N]
//
// Each batch slice goes through the same Gemm as MatMul.
func (c *Backend) BatchMatMul(a, b *tensor.RawTensor) *tensor.RawTensor {
	aShape, bShape := a.Shape(), b.Shape()

	if len(aShape) != len(bShape) || (len(aShape) != 3 && len(aShape) != 4) {
		panic(fmt.Sprintf("batchmatmul: expected matching 3D or 4D tensors, got %v and %v", aShape, bShape))
	}
	if a.DType() != tensor.Float32 || b.DType() != tensor.Float32 {
		panic(fmt.Sprintf("batchmatmul: only float32 supported, got %s and %s", a.DType(), b.DType()))
	}

	rank := len(aShape)
	batches := 1
	for i := 0; i < rank-2; i++ {
		if aShape[i] != bShape[i] {
			panic(fmt.Sprintf("batchmatmul: batch dimension mismatch %v vs %v", aShape, bShape))
		}
		batches *= aShape[i]
	}

	m, k := aShape[rank-2], aShape[rank-1]
	kAlt, n := bShape[rank-2], bShape[rank-1]
	if k != kAlt {
		panic(fmt.Sprintf("batchmatmul: inner dimension mismatch %v @ %v", aShape, bShape))
	}

	outShape := aShape.Clone()
	outShape[rank-1] = n
	result := tensor.MustNewRaw(outShape, tensor.Float32, c.device)

	av, bv, rv := a.AsFloat32(), b.AsFloat32(), result.AsFloat32()
	for batch := 0; batch < batches; batch++ {
		aOff := batch * m * k
		bOff := batch * k * n
		rOff := batch * m * n
		gemm(av[aOff:aOff+m*k], bv[bOff:bOff+k*n], rv[rOff:rOff+m*n], m, k, n)
	}
	return result
}
