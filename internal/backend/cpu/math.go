package cpu

import (
	"fmt"
	"math"

	"github.com/fusenmt/fusenmt/internal/tensor"
)

// Add performs element-wise addition with broadcasting.
func (c *Backend) Add(a, b *tensor.RawTensor) *tensor.RawTensor {
	return binaryOp(a, b, c.device, func(x, y float32) float32 { return x + y })
}

// Sub performs element-wise subtraction with broadcasting.
func (c *Backend) Sub(a, b *tensor.RawTensor) *tensor.RawTensor {
	return binaryOp(a, b, c.device, func(x, y float32) float32 { return x - y })
}

// Mul performs element-wise multiplication with broadcasting.
func (c *Backend) Mul(a, b *tensor.RawTensor) *tensor.RawTensor {
	return binaryOp(a, b, c.device, func(x, y float32) float32 { return x * y })
}

// MulScalar multiplies every element by a scalar.
func (c *Backend) MulScalar(x *tensor.RawTensor, scalar float32) *tensor.RawTensor {
	return c.unaryOp(x, func(v float32) float32 { return v * scalar })
}

// AddScalar adds a scalar to every element.
func (c *Backend) AddScalar(x *tensor.RawTensor, scalar float32) *tensor.RawTensor {
	return c.unaryOp(x, func(v float32) float32 { return v + scalar })
}

// Exp computes the element-wise exponential.
func (c *Backend) Exp(x *tensor.RawTensor) *tensor.RawTensor {
	return c.unaryOp(x, func(v float32) float32 { return float32(math.Exp(float64(v))) })
}

// Log computes the element-wise natural logarithm.
func (c *Backend) Log(x *tensor.RawTensor) *tensor.RawTensor {
	return c.unaryOp(x, func(v float32) float32 { return float32(math.Log(float64(v))) })
}

// Rsqrt computes the element-wise reciprocal square root.
func (c *Backend) Rsqrt(x *tensor.RawTensor) *tensor.RawTensor {
	return c.unaryOp(x, func(v float32) float32 { return float32(1.0 / math.Sqrt(float64(v))) })
}

// Relu computes the element-wise rectified linear unit.
func (c *Backend) Relu(x *tensor.RawTensor) *tensor.RawTensor {
	return c.unaryOp(x, func(v float32) float32 {
		if v > 0 {
			return v
		}
		return 0
	})
}

func (c *Backend) unaryOp(x *tensor.RawTensor, op func(v float32) float32) *tensor.RawTensor {
	if x.DType() != tensor.Float32 {
		panic(fmt.Sprintf("unary op: only float32 supported, got %s", x.DType()))
	}
	out := tensor.MustNewRaw(x.Shape(), tensor.Float32, c.device)
	xv, ov := x.AsFloat32(), out.AsFloat32()
	for i := range ov {
		ov[i] = op(xv[i])
	}
	return out
}
