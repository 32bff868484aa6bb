package model

import (
	"math"

	"github.com/fusenmt/fusenmt/internal/tensor"
)

// Masks are additive float tensors applied to attention scores before
// softmax: 0 where attention is allowed, -inf where it is blocked. The
// head dimension is kept at 1 and broadcast by the backend.

var negInf = float32(math.Inf(-1))

// PadMask blocks attention to padding keys. ids: [batch, len].
// Returns [batch, 1, 1, len], broadcasting over heads and query positions.
func PadMask[B tensor.Backend](ids *tensor.Tensor[int32, B], padID int32) *tensor.Tensor[float32, B] {
	shape := ids.Shape()
	batch, length := shape[0], shape[1]

	raw := tensor.MustNewRaw(tensor.Shape{batch, 1, 1, length}, tensor.Float32, ids.Backend().Device())
	mv, iv := raw.AsFloat32(), ids.Data()
	for i, id := range iv {
		if id == padID {
			mv[i] = negInf
		}
	}
	return tensor.New[float32, B](raw, ids.Backend())
}

// CausalPadMask blocks future positions and padding keys for decoder
// self-attention. ids: [batch, len]. Returns [batch, 1, len, len] where
// query q may attend key k iff k <= q and ids[k] is not padding.
func CausalPadMask[B tensor.Backend](ids *tensor.Tensor[int32, B], padID int32) *tensor.Tensor[float32, B] {
	shape := ids.Shape()
	batch, length := shape[0], shape[1]

	raw := tensor.MustNewRaw(tensor.Shape{batch, 1, length, length}, tensor.Float32, ids.Backend().Device())
	mv, iv := raw.AsFloat32(), ids.Data()
	for b := 0; b < batch; b++ {
		base := b * length * length
		for q := 0; q < length; q++ {
			for k := 0; k < length; k++ {
				if k > q || iv[b*length+k] == padID {
					mv[base+q*length+k] = negInf
				}
			}
		}
	}
	return tensor.New[float32, B](raw, ids.Backend())
}

// CausalMask blocks future positions only. Used during greedy decoding,
// where the growing prefix contains no interior padding and masking the
// leading start slot would leave the first query row with no keys.
// Returns [1, 1, len, len], broadcasting over the batch.
func CausalMask[B tensor.Backend](length int, backend B) *tensor.Tensor[float32, B] {
	raw := tensor.MustNewRaw(tensor.Shape{1, 1, length, length}, tensor.Float32, backend.Device())
	mv := raw.AsFloat32()
	for q := 0; q < length; q++ {
		for k := q + 1; k < length; k++ {
			mv[q*length+k] = negInf
		}
	}
	return tensor.New[float32, B](raw, backend)
}
