package cpu

import (
	"fmt"
	"math"

	"github.com/fusenmt/fusenmt/internal/tensor"
)

// lanes decomposes a shape around a reduction dimension: outer * n * inner
// elements, where n is the reduced dimension's size.
func lanes(shape tensor.Shape, dim int) (outer, n, inner int) {
	outer, inner = 1, 1
	for i := 0; i < dim; i++ {
		outer *= shape[i]
	}
	for i := dim + 1; i < len(shape); i++ {
		inner *= shape[i]
	}
	return outer, shape[dim], inner
}

func reducedShape(shape tensor.Shape, dim int, keepDim bool) tensor.Shape {
	out := make(tensor.Shape, 0, len(shape))
	for i, d := range shape {
		switch {
		case i != dim:
			out = append(out, d)
		case keepDim:
			out = append(out, 1)
		}
	}
	if len(out) == 0 {
		out = tensor.Shape{1}
	}
	return out
}

// Sum reduces the tensor to a single-element total.
func (c *Backend) Sum(x *tensor.RawTensor) *tensor.RawTensor {
	if x.DType() != tensor.Float32 {
		panic(fmt.Sprintf("sum: only float32 supported, got %s", x.DType()))
	}
	out := tensor.MustNewRaw(tensor.Shape{1}, tensor.Float32, c.device)
	var total float32
	for _, v := range x.AsFloat32() {
		total += v
	}
	out.AsFloat32()[0] = total
	return out
}

// SumDim sums along a dimension.
func (c *Backend) SumDim(x *tensor.RawTensor, dim int, keepDim bool) *tensor.RawTensor {
	return c.reduceDim(x, dim, keepDim, false)
}

// MeanDim averages along a dimension.
func (c *Backend) MeanDim(x *tensor.RawTensor, dim int, keepDim bool) *tensor.RawTensor {
	return c.reduceDim(x, dim, keepDim, true)
}

func (c *Backend) reduceDim(x *tensor.RawTensor, dim int, keepDim, mean bool) *tensor.RawTensor {
	if x.DType() != tensor.Float32 {
		panic(fmt.Sprintf("reduce: only float32 supported, got %s", x.DType()))
	}
	shape := x.Shape()
	dim = tensor.NormalizeDim(dim, len(shape))
	outer, n, inner := lanes(shape, dim)

	out := tensor.MustNewRaw(reducedShape(shape, dim, keepDim), tensor.Float32, c.device)
	xv, ov := x.AsFloat32(), out.AsFloat32()

	for o := 0; o < outer; o++ {
		for in := 0; in < inner; in++ {
			var sum float32
			base := o*n*inner + in
			for i := 0; i < n; i++ {
				sum += xv[base+i*inner]
			}
			if mean {
				sum /= float32(n)
			}
			ov[o*inner+in] = sum
		}
	}
	return out
}

// Argmax returns the index of the maximum value along a dimension.
// The reduced dimension is removed from the result shape.
func (c *Backend) Argmax(x *tensor.RawTensor, dim int) *tensor.RawTensor {
	if x.DType() != tensor.Float32 {
		panic(fmt.Sprintf("argmax: only float32 supported, got %s", x.DType()))
	}
	shape := x.Shape()
	dim = tensor.NormalizeDim(dim, len(shape))
	outer, n, inner := lanes(shape, dim)

	out := tensor.MustNewRaw(reducedShape(shape, dim, false), tensor.Int32, c.device)
	xv, ov := x.AsFloat32(), out.AsInt32()

	for o := 0; o < outer; o++ {
		for in := 0; in < inner; in++ {
			base := o*n*inner + in
			best, bestIdx := xv[base], 0
			for i := 1; i < n; i++ {
				if v := xv[base+i*inner]; v > best {
					best, bestIdx = v, i
				}
			}
			ov[o*inner+in] = int32(bestIdx)
		}
	}
	return out
}

// Softmax computes softmax along the given dimension.
// Uses the max-subtraction trick for numerical stability.
func (c *Backend) Softmax(x *tensor.RawTensor, dim int) *tensor.RawTensor {
	if x.DType() != tensor.Float32 {
		panic(fmt.Sprintf("softmax: only float32 supported, got %s", x.DType()))
	}
	shape := x.Shape()
	dim = tensor.NormalizeDim(dim, len(shape))
	outer, n, inner := lanes(shape, dim)

	out := tensor.MustNewRaw(shape, tensor.Float32, c.device)
	xv, ov := x.AsFloat32(), out.AsFloat32()

	for o := 0; o < outer; o++ {
		for in := 0; in < inner; in++ {
			base := o*n*inner + in

			maxVal := xv[base]
			for i := 1; i < n; i++ {
				if v := xv[base+i*inner]; v > maxVal {
					maxVal = v
				}
			}

			var sum float32
			for i := 0; i < n; i++ {
				e := float32(math.Exp(float64(xv[base+i*inner] - maxVal)))
				ov[base+i*inner] = e
				sum += e
			}
			for i := 0; i < n; i++ {
				ov[base+i*inner] /= sum
			}
		}
	}
	return out
}
