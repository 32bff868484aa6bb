// Package cpu implements the tensor.Backend interface in pure Go, with
// gonum BLAS underneath the matrix multiplications.
package cpu

import (
	"fmt"

	"github.com/fusenmt/fusenmt/internal/tensor"
)

// Backend is the CPU compute backend.
//
// All operations allocate fresh result tensors; inputs are never written.
type Backend struct {
	device tensor.Device
}

// New creates a new CPU backend.
func New() *Backend {
	return &Backend{device: tensor.CPU}
}

// Name returns the backend name.
func (c *Backend) Name() string {
	return "CPU"
}

// Device returns the compute device.
func (c *Backend) Device() tensor.Device {
	return c.device
}

// Reshape returns a view of t under a new shape.
// Panics if the element count changes.
func (c *Backend) Reshape(t *tensor.RawTensor, newShape tensor.Shape) *tensor.RawTensor {
	return t.WithShape(newShape)
}

// Unsqueeze inserts a dimension of size 1 at the given position.
func (c *Backend) Unsqueeze(t *tensor.RawTensor, dim int) *tensor.RawTensor {
	shape := t.Shape()
	if dim < 0 {
		dim += len(shape) + 1
	}
	if dim < 0 || dim > len(shape) {
		panic(fmt.Sprintf("unsqueeze: dimension %d out of range for rank %d", dim, len(shape)))
	}

	newShape := make(tensor.Shape, 0, len(shape)+1)
	newShape = append(newShape, shape[:dim]...)
	newShape = append(newShape, 1)
	newShape = append(newShape, shape[dim:]...)
	return t.WithShape(newShape)
}

// Cast converts a tensor to a different data type.
func (c *Backend) Cast(x *tensor.RawTensor, dtype tensor.DataType) *tensor.RawTensor {
	if x.DType() == dtype {
		return x.Clone()
	}

	out := tensor.MustNewRaw(x.Shape(), dtype, c.device)
	switch {
	case x.DType() == tensor.Int32 && dtype == tensor.Float32:
		src, dst := x.AsInt32(), out.AsFloat32()
		for i, v := range src {
			dst[i] = float32(v)
		}
	case x.DType() == tensor.Float32 && dtype == tensor.Int32:
		src, dst := x.AsFloat32(), out.AsInt32()
		for i, v := range src {
			dst[i] = int32(v)
		}
	default:
		panic(fmt.Sprintf("cast: unsupported conversion %s -> %s", x.DType(), dtype))
	}
	return out
}
