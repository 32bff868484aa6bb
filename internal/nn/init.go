package nn

import (
	"math"
	"math/rand"

	"github.com/fusenmt/fusenmt/internal/tensor"
)

// Xavier initializes a tensor from the Glorot uniform distribution
// U(-sqrt(6/(fanIn+fanOut)), +sqrt(6/(fanIn+fanOut))).
func Xavier[B tensor.Backend](fanIn, fanOut int, shape tensor.Shape, backend B) *tensor.Tensor[float32, B] {
	bound := math.Sqrt(6.0 / float64(fanIn+fanOut))

	raw := tensor.MustNewRaw(shape, tensor.Float32, backend.Device())
	data := raw.AsFloat32()
	for i := range data {
		data[i] = float32((rand.Float64()*2.0 - 1.0) * bound)
	}
	return tensor.New[float32, B](raw, backend)
}

// Zeros creates a zero-filled float32 tensor. Standard bias initialization.
func Zeros[B tensor.Backend](shape tensor.Shape, backend B) *tensor.Tensor[float32, B] {
	return tensor.Zeros[float32](shape, backend)
}

// Ones creates a float32 tensor filled with ones. Used for LayerNorm gain.
func Ones[B tensor.Backend](shape tensor.Shape, backend B) *tensor.Tensor[float32, B] {
	return tensor.Ones[float32](shape, backend)
}
