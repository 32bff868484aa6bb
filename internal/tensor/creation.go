package tensor

import (
	"fmt"
	"math/rand"
)

// Zeros creates a tensor filled with zeros.
func Zeros[T DType, B Backend](shape Shape, b B) *Tensor[T, B] {
	var dummy T
	raw := MustNewRaw(shape, inferDataType(dummy), b.Device())
	return New[T, B](raw, b)
}

// Ones creates a tensor filled with ones.
func Ones[T DType, B Backend](shape Shape, b B) *Tensor[T, B] {
	t := Zeros[T, B](shape, b)
	data := t.Data()
	switch d := any(data).(type) {
	case []float32:
		for i := range d {
			d[i] = 1
		}
	case []int32:
		for i := range d {
			d[i] = 1
		}
	case []bool:
		for i := range d {
			d[i] = true
		}
	}
	return t
}

// Full creates a tensor filled with the given value.
func Full[T DType, B Backend](shape Shape, value T, b B) *Tensor[T, B] {
	t := Zeros[T, B](shape, b)
	data := t.Data()
	for i := range data {
		data[i] = value
	}
	return t
}

// Randn creates a float32 tensor with values drawn from N(0, 1).
func Randn[T DType, B Backend](shape Shape, b B) *Tensor[T, B] {
	var dummy T
	if inferDataType(dummy) != Float32 {
		panic(fmt.Sprintf("Randn: only float32 supported, got %s", inferDataType(dummy)))
	}
	t := Zeros[T, B](shape, b)
	data := any(t.Data()).([]float32)
	//nolint:gosec // math/rand is appropriate for weight initialization
	for i := range data {
		data[i] = float32(rand.NormFloat64())
	}
	return t
}

// Cat concatenates tensors along the given dimension.
func Cat[T DType, B Backend](tensors []*Tensor[T, B], dim int) *Tensor[T, B] {
	if len(tensors) == 0 {
		panic("Cat: empty tensor list")
	}
	raws := make([]*RawTensor, len(tensors))
	for i, t := range tensors {
		raws[i] = t.Raw()
	}
	b := tensors[0].Backend()
	return New[T, B](b.Cat(raws, dim), b)
}
