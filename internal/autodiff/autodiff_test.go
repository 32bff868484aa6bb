package autodiff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fusenmt/fusenmt/internal/backend/cpu"
	"github.com/fusenmt/fusenmt/internal/tensor"
)

func raw(t *testing.T, data []float32, shape tensor.Shape) *tensor.RawTensor {
	t.Helper()
	r, err := tensor.NewRaw(shape, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	copy(r.AsFloat32(), data)
	return r
}

func recording(t *testing.T) *Backend[*cpu.Backend] {
	t.Helper()
	backend := New(cpu.New())
	backend.Tape().StartRecording()
	return backend
}

func TestBackward_MulUsesOtherInput(t *testing.T) {
	backend := recording(t)

	x := raw(t, []float32{1, 2, 3}, tensor.Shape{3})
	y := raw(t, []float32{4, 5, 6}, tensor.Shape{3})

	out := backend.Mul(x, y)
	grads := backend.Backward(out)

	require.Contains(t, grads, x)
	require.Contains(t, grads, y)
	assert.Equal(t, []float32{4, 5, 6}, grads[x].AsFloat32())
	assert.Equal(t, []float32{1, 2, 3}, grads[y].AsFloat32())
}

func TestBackward_SharedInputAccumulates(t *testing.T) {
	backend := recording(t)

	x := raw(t, []float32{3, 5}, tensor.Shape{2})

	// d(x*x)/dx = 2x, reached through two gradient paths.
	out := backend.Mul(x, x)
	grads := backend.Backward(out)

	require.Contains(t, grads, x)
	assert.Equal(t, []float32{6, 10}, grads[x].AsFloat32())
}

func TestBackward_BroadcastBiasReduces(t *testing.T) {
	backend := recording(t)

	x := raw(t, []float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3})
	bias := raw(t, []float32{10, 20, 30}, tensor.Shape{1, 3})

	out := backend.Add(x, bias)
	grads := backend.Backward(out)

	require.Contains(t, grads, bias)
	g := grads[bias]
	assert.Equal(t, tensor.Shape{1, 3}, g.Shape())
	// Seeded with ones over [2, 3]: each bias column collects two.
	assert.Equal(t, []float32{2, 2, 2}, g.AsFloat32())
}

func TestBackward_MatMul(t *testing.T) {
	backend := recording(t)

	a := raw(t, []float32{1, 2, 3, 4}, tensor.Shape{2, 2})
	b := raw(t, []float32{5, 6, 7, 8}, tensor.Shape{2, 2})

	out := backend.MatMul(a, b)
	grads := backend.Backward(out)

	// With dOut all ones: dA = ones @ Bᵀ, dB = Aᵀ @ ones.
	require.Contains(t, grads, a)
	require.Contains(t, grads, b)
	assert.Equal(t, []float32{11, 15, 11, 15}, grads[a].AsFloat32())
	assert.Equal(t, []float32{4, 4, 6, 6}, grads[b].AsFloat32())
}

func TestBackward_SumOfSoftmaxIsFlat(t *testing.T) {
	backend := recording(t)

	x := raw(t, []float32{0.5, -1, 2, 0.1, 0.2, 0.3}, tensor.Shape{2, 3})

	// Softmax rows always sum to one, so d(sum(softmax(x)))/dx = 0.
	sm := backend.Softmax(x, -1)
	total := backend.Sum(sm)
	grads := backend.Backward(total)

	require.Contains(t, grads, x)
	for i, g := range grads[x].AsFloat32() {
		assert.InDelta(t, 0, g, 1e-5, "index %d", i)
	}
}

func TestBackward_Relu(t *testing.T) {
	backend := recording(t)

	x := raw(t, []float32{-2, 0, 3}, tensor.Shape{3})

	out := backend.Relu(x)
	grads := backend.Backward(out)

	require.Contains(t, grads, x)
	assert.Equal(t, []float32{0, 0, 1}, grads[x].AsFloat32())
}

func TestBackward_ReshapeTransposeRoundTrip(t *testing.T) {
	backend := recording(t)

	x := raw(t, []float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3})

	y := backend.Transpose(x)
	z := backend.Reshape(y, tensor.Shape{6})
	grads := backend.Backward(z)

	require.Contains(t, grads, x)
	g := grads[x]
	assert.Equal(t, tensor.Shape{2, 3}, g.Shape())
	assert.Equal(t, []float32{1, 1, 1, 1, 1, 1}, g.AsFloat32())
}

func TestBackward_Embedding(t *testing.T) {
	backend := recording(t)

	weight := raw(t, []float32{0, 0, 1, 1, 2, 2}, tensor.Shape{3, 2})
	indices, err := tensor.NewRaw(tensor.Shape{2}, tensor.Int32, tensor.CPU)
	require.NoError(t, err)
	copy(indices.AsInt32(), []int32{2, 2})

	out := backend.Embedding(weight, indices)
	grads := backend.Backward(out)

	require.Contains(t, grads, weight)
	assert.Equal(t, []float32{0, 0, 0, 0, 2, 2}, grads[weight].AsFloat32())
	assert.NotContains(t, grads, indices)
}

func TestBackward_CrossEntropy(t *testing.T) {
	backend := recording(t)

	logits := raw(t, []float32{2, 0, 0, 0, 3, 0}, tensor.Shape{2, 3})
	targets, err := tensor.NewRaw(tensor.Shape{2}, tensor.Int32, tensor.CPU)
	require.NoError(t, err)
	copy(targets.AsInt32(), []int32{0, 1})

	loss := backend.CrossEntropyMasked(logits, targets, -100, 0)
	require.Equal(t, tensor.Shape{1}, loss.Shape())

	grads := backend.Backward(loss)
	require.Contains(t, grads, logits)

	g := grads[logits].AsFloat32()
	// Each valid row: (softmax - onehot) / 2; sums to zero, negative at
	// the target.
	for r := 0; r < 2; r++ {
		var sum float32
		for i := 0; i < 3; i++ {
			sum += g[r*3+i]
		}
		assert.InDelta(t, 0, sum, 1e-6, "row %d", r)
	}
	assert.Negative(t, g[0])
	assert.Negative(t, g[4])
}

func TestBackward_ClearsTape(t *testing.T) {
	backend := recording(t)

	x := raw(t, []float32{1, 2}, tensor.Shape{2})
	out := backend.Mul(x, x)

	backend.Backward(out)
	assert.Equal(t, 0, backend.Tape().NumOps())
	assert.True(t, backend.Tape().IsRecording())
}

func TestTape_NotRecordingByDefault(t *testing.T) {
	backend := New(cpu.New())

	x := raw(t, []float32{1, 2}, tensor.Shape{2})
	backend.Mul(x, x)

	assert.Equal(t, 0, backend.Tape().NumOps())
}
