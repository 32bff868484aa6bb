package nn

import (
	"fmt"
	"math"

	"github.com/fusenmt/fusenmt/internal/tensor"
)

// ScaledDotProductAttention computes softmax(QKᵀ/sqrt(d) + mask) @ V.
//
// q, k, v have shape [batch, heads, len, headDim] with matching batch and
// head counts; k and v share their length. mask is an additive float mask
// of shape [batch, 1, lenQ, lenK] (0 to attend, -inf to block), broadcast
// over heads; nil means unmasked.
func ScaledDotProductAttention[B tensor.Backend](
	q, k, v, mask *tensor.Tensor[float32, B],
) *tensor.Tensor[float32, B] {
	qs, ks, vs := q.Shape(), k.Shape(), v.Shape()
	if len(qs) != 4 || len(ks) != 4 || len(vs) != 4 {
		panic(fmt.Sprintf("attention: expected 4D [batch, heads, len, headDim], got %v, %v, %v", qs, ks, vs))
	}
	if qs[0] != ks[0] || qs[1] != ks[1] || qs[3] != ks[3] {
		panic(fmt.Sprintf("attention: query %v incompatible with key %v", qs, ks))
	}
	if ks[2] != vs[2] {
		panic(fmt.Sprintf("attention: key length %d does not match value length %d", ks[2], vs[2]))
	}

	scale := float32(1 / math.Sqrt(float64(qs[3])))

	// [b, h, lenQ, headDim] @ [b, h, headDim, lenK] -> [b, h, lenQ, lenK]
	scores := q.BatchMatMul(k.Transpose(0, 1, 3, 2)).MulScalar(scale)
	if mask != nil {
		scores = scores.Add(mask)
	}
	weights := scores.Softmax(-1)

	// [b, h, lenQ, lenK] @ [b, h, lenK, headDim] -> [b, h, lenQ, headDim]
	return weights.BatchMatMul(v)
}
