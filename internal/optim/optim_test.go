package optim

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fusenmt/fusenmt/internal/backend/cpu"
	"github.com/fusenmt/fusenmt/internal/nn"
	"github.com/fusenmt/fusenmt/internal/tensor"
)

func param(t *testing.T, name string, data []float32, backend *cpu.Backend) *nn.Parameter[*cpu.Backend] {
	t.Helper()
	return nn.NewParameter(name, tensor.MustFromSlice(data, tensor.Shape{len(data)}, backend))
}

func setGrad(p *nn.Parameter[*cpu.Backend], data []float32, backend *cpu.Backend) {
	p.SetGrad(tensor.MustFromSlice(data, tensor.Shape{len(data)}, backend))
}

func TestAdam_StepMovesAgainstGradient(t *testing.T) {
	backend := cpu.New()
	p := param(t, "w", []float32{1, -1}, backend)
	adam := NewAdam([]*nn.Parameter[*cpu.Backend]{p}, AdamConfig{LR: 0.1})

	setGrad(p, []float32{1, -1}, backend)
	adam.Step()

	// First step with bias correction moves each weight by roughly lr
	// against its gradient sign.
	pv := p.Tensor().Data()
	assert.InDelta(t, 0.9, pv[0], 1e-3)
	assert.InDelta(t, -0.9, pv[1], 1e-3)
}

func TestAdam_SkipsParamsWithoutGrad(t *testing.T) {
	backend := cpu.New()
	p := param(t, "w", []float32{5}, backend)
	adam := NewAdam([]*nn.Parameter[*cpu.Backend]{p}, AdamConfig{})

	adam.Step()
	assert.Equal(t, []float32{5}, p.Tensor().Data())
}

func TestAdam_StateDictRoundTrip(t *testing.T) {
	backend := cpu.New()
	p1 := param(t, "a", []float32{1, 2}, backend)
	p2 := param(t, "b", []float32{3}, backend)
	params := []*nn.Parameter[*cpu.Backend]{p1, p2}

	adam := NewAdam(params, AdamConfig{LR: 0.01})
	setGrad(p1, []float32{0.5, -0.5}, backend)
	setGrad(p2, []float32{0.1}, backend)
	adam.Step()
	adam.Step()

	state := adam.StateDict()
	require.Contains(t, state, "m.0")
	require.Contains(t, state, "v.1")
	require.Contains(t, state, "t")

	restored := NewAdam(params, AdamConfig{LR: 0.01})
	require.NoError(t, restored.LoadStateDict(state))

	got := restored.StateDict()
	assert.Equal(t, state["m.0"].AsFloat32(), got["m.0"].AsFloat32())
	assert.Equal(t, state["v.1"].AsFloat32(), got["v.1"].AsFloat32())
	assert.Equal(t, int32(2), got["t"].AsInt32()[0])
}

func TestAdam_LoadStateDictRejectsMismatch(t *testing.T) {
	backend := cpu.New()
	p := param(t, "w", []float32{1, 2}, backend)
	adam := NewAdam([]*nn.Parameter[*cpu.Backend]{p}, AdamConfig{})

	err := adam.LoadStateDict(map[string]*tensor.RawTensor{})
	assert.Error(t, err)
}

func TestSGD_Momentum(t *testing.T) {
	backend := cpu.New()
	p := param(t, "w", []float32{0}, backend)
	sgd := NewSGD([]*nn.Parameter[*cpu.Backend]{p}, SGDConfig{LR: 1, Momentum: 0.5})

	setGrad(p, []float32{1}, backend)
	sgd.Step()
	assert.InDelta(t, -1, p.Tensor().Data()[0], 1e-6)

	// Same gradient again: buf = 0.5*1 + 1 = 1.5.
	setGrad(p, []float32{1}, backend)
	sgd.Step()
	assert.InDelta(t, -2.5, p.Tensor().Data()[0], 1e-6)
}

func TestScaleGrads(t *testing.T) {
	backend := cpu.New()
	p := param(t, "w", []float32{0, 0}, backend)
	setGrad(p, []float32{4, -8}, backend)

	ScaleGrads([]*nn.Parameter[*cpu.Backend]{p}, 0.25)

	assert.Equal(t, []float32{1, -2}, p.Grad().Data())
}

func TestClipGradNorm(t *testing.T) {
	backend := cpu.New()
	p := param(t, "w", []float32{0, 0}, backend)
	setGrad(p, []float32{3, 4}, backend)

	norm := ClipGradNorm([]*nn.Parameter[*cpu.Backend]{p}, 1)
	assert.InDelta(t, 5, norm, 1e-6)

	gv := p.Grad().Data()
	clipped := math.Sqrt(float64(gv[0]*gv[0] + gv[1]*gv[1]))
	assert.InDelta(t, 1, clipped, 1e-5)
}

func TestClipGradNorm_NoopBelowThreshold(t *testing.T) {
	backend := cpu.New()
	p := param(t, "w", []float32{0}, backend)
	setGrad(p, []float32{0.5}, backend)

	norm := ClipGradNorm([]*nn.Parameter[*cpu.Backend]{p}, 1)
	assert.InDelta(t, 0.5, norm, 1e-6)
	assert.Equal(t, []float32{0.5}, p.Grad().Data())
}
