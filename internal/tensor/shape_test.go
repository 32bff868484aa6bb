package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShape_NumElements(t *testing.T) {
	assert.Equal(t, 1, Shape{}.NumElements())
	assert.Equal(t, 6, Shape{2, 3}.NumElements())
	assert.Equal(t, 24, Shape{2, 3, 4}.NumElements())
}

func TestShape_ComputeStrides(t *testing.T) {
	assert.Equal(t, []int{12, 4, 1}, Shape{2, 3, 4}.ComputeStrides())
	assert.Equal(t, []int{1}, Shape{5}.ComputeStrides())
}

func TestShape_Validate(t *testing.T) {
	assert.NoError(t, Shape{2, 3}.Validate())
	assert.Error(t, Shape{2, 0}.Validate())
	assert.Error(t, Shape{-1, 3}.Validate())
}

func TestBroadcastShapes(t *testing.T) {
	out, needed, err := BroadcastShapes(Shape{2, 3}, Shape{1, 3})
	require.NoError(t, err)
	assert.True(t, needed)
	assert.Equal(t, Shape{2, 3}, out)

	out, needed, err = BroadcastShapes(Shape{4, 1, 6}, Shape{5, 6})
	require.NoError(t, err)
	assert.True(t, needed)
	assert.Equal(t, Shape{4, 5, 6}, out)

	out, needed, err = BroadcastShapes(Shape{2, 3}, Shape{2, 3})
	require.NoError(t, err)
	assert.False(t, needed)
	assert.Equal(t, Shape{2, 3}, out)

	_, _, err = BroadcastShapes(Shape{2, 3}, Shape{4, 3})
	assert.Error(t, err)
}

func TestNormalizeDim(t *testing.T) {
	assert.Equal(t, 2, NormalizeDim(-1, 3))
	assert.Equal(t, 0, NormalizeDim(0, 3))
	assert.Panics(t, func() { NormalizeDim(3, 3) })
	assert.Panics(t, func() { NormalizeDim(-4, 3) })
}

func TestRawTensor_Basics(t *testing.T) {
	raw, err := NewRaw(Shape{2, 3}, Float32, CPU)
	require.NoError(t, err)

	assert.Equal(t, Shape{2, 3}, raw.Shape())
	assert.Equal(t, Float32, raw.DType())
	assert.Equal(t, 6, raw.NumElements())
	assert.Len(t, raw.AsFloat32(), 6)

	_, err = NewRaw(Shape{0, 3}, Float32, CPU)
	assert.Error(t, err)
}

func TestRawTensor_CloneIsIndependent(t *testing.T) {
	raw := MustNewRaw(Shape{2}, Float32, CPU)
	raw.AsFloat32()[0] = 1

	clone := raw.Clone()
	clone.AsFloat32()[0] = 9

	assert.Equal(t, float32(1), raw.AsFloat32()[0])
	assert.Equal(t, float32(9), clone.AsFloat32()[0])
}

func TestRawTensor_WithShapeSharesData(t *testing.T) {
	raw := MustNewRaw(Shape{2, 3}, Float32, CPU)
	view := raw.WithShape(Shape{3, 2})

	view.AsFloat32()[0] = 7
	assert.Equal(t, float32(7), raw.AsFloat32()[0])

	assert.Panics(t, func() { raw.WithShape(Shape{4, 2}) })
}
