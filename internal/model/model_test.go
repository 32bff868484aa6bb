package model

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fusenmt/fusenmt/internal/backend/cpu"
	"github.com/fusenmt/fusenmt/internal/nn"
	"github.com/fusenmt/fusenmt/internal/tensor"
)

// The layer and stack types share the nn.Module surface.
var (
	_ nn.Module[*cpu.Backend] = (*EncoderLayer[*cpu.Backend])(nil)
	_ nn.Module[*cpu.Backend] = (*DecoderLayer[*cpu.Backend])(nil)
	_ nn.Module[*cpu.Backend] = (*Encoder[*cpu.Backend])(nil)
	_ nn.Module[*cpu.Backend] = (*Decoder[*cpu.Backend])(nil)
)

// testConfig shrinks the model enough for fast tests.
func testConfig(kind Kind) Config {
	cfg := DefaultConfig(kind)
	cfg.VocabSize = 20
	cfg.HiddenDim = 16
	cfg.NumHeads = 2
	cfg.FFNDim = 32
	cfg.NumLayers = 2
	cfg.MaxLen = 12
	cfg.Dropout = 0
	cfg.EOSID = 3
	return cfg
}

func ids(t *testing.T, data []int32, shape tensor.Shape, backend *cpu.Backend) *tensor.Tensor[int32, *cpu.Backend] {
	t.Helper()
	return tensor.MustFromSlice(data, shape, backend)
}

func TestParseKind(t *testing.T) {
	for _, s := range []string{"simple", "fused", "generation"} {
		kind, err := ParseKind(s)
		require.NoError(t, err)
		assert.Equal(t, Kind(s), kind)
	}
	_, err := ParseKind("bert")
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig(KindFused)
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.NumHeads = 3 // 16 is not divisible by 3
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.EOSID = 100
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Dropout = 1
	assert.Error(t, bad.Validate())
}

func TestBuild_GenerationRejected(t *testing.T) {
	backend := cpu.New()

	_, err := Build(testConfig(KindSimple), backend)
	require.NoError(t, err)
	_, err = Build(testConfig(KindFused), backend)
	require.NoError(t, err)

	_, err = Build(testConfig(KindGeneration), backend)
	assert.Error(t, err)
}

func TestPadMask(t *testing.T) {
	backend := cpu.New()
	src := ids(t, []int32{5, 6, 7, 3, 0, 0}, tensor.Shape{1, 6}, backend)

	mask := PadMask(src, 0)
	require.Equal(t, tensor.Shape{1, 1, 1, 6}, mask.Shape())

	mv := mask.Data()
	assert.Equal(t, []float32{0, 0, 0, 0}, mv[:4])
	assert.True(t, math.IsInf(float64(mv[4]), -1))
	assert.True(t, math.IsInf(float64(mv[5]), -1))
}

func TestCausalPadMask(t *testing.T) {
	backend := cpu.New()
	trg := ids(t, []int32{5, 6, 0}, tensor.Shape{1, 3}, backend)

	mask := CausalPadMask(trg, 0)
	require.Equal(t, tensor.Shape{1, 1, 3, 3}, mask.Shape())

	blocked := func(q, k int) bool {
		return math.IsInf(float64(mask.At(0, 0, q, k)), -1)
	}
	// Future keys blocked.
	assert.True(t, blocked(0, 1))
	assert.True(t, blocked(0, 2))
	assert.True(t, blocked(1, 2))
	// Past non-pad keys open.
	assert.False(t, blocked(0, 0))
	assert.False(t, blocked(1, 0))
	assert.False(t, blocked(1, 1))
	// The padded key is blocked even from later queries.
	assert.True(t, blocked(2, 2))
	assert.False(t, blocked(2, 0))
}

func TestCausalMask_KeepsStartSlotOpen(t *testing.T) {
	backend := cpu.New()

	mask := CausalMask(3, backend)
	require.Equal(t, tensor.Shape{1, 1, 3, 3}, mask.Shape())

	for q := 0; q < 3; q++ {
		for k := 0; k < 3; k++ {
			v := mask.At(0, 0, q, k)
			if k > q {
				assert.True(t, math.IsInf(float64(v), -1), "q=%d k=%d", q, k)
			} else {
				assert.Equal(t, float32(0), v, "q=%d k=%d", q, k)
			}
		}
	}
}

func TestShiftRight(t *testing.T) {
	backend := cpu.New()
	trg := ids(t, []int32{7, 8, 3, 9, 3, 0}, tensor.Shape{2, 3}, backend)

	shifted := shiftRight(trg, 0)

	assert.Equal(t, []int32{0, 7, 8, 0, 9, 3}, shifted.Data())
}

func TestFused_ForwardShapes(t *testing.T) {
	backend := cpu.New()
	m, err := Build(testConfig(KindFused), backend)
	require.NoError(t, err)
	m.SetTraining(false)

	src := ids(t, []int32{5, 6, 7, 0, 8, 9, 10, 11}, tensor.Shape{2, 4}, backend)
	trg := ids(t, []int32{12, 3, 0, 13, 14, 3}, tensor.Shape{2, 3}, backend)

	logits, loss := m.Forward(src, trg)

	assert.Equal(t, tensor.Shape{2, 3, 20}, logits.Shape())
	require.Equal(t, tensor.Shape{1}, loss.Shape())
	lv := float64(loss.Item())
	assert.False(t, math.IsNaN(lv) || math.IsInf(lv, 0))
	assert.Greater(t, lv, 0.0)
}

func TestSimple_ForwardShapes(t *testing.T) {
	backend := cpu.New()
	m, err := Build(testConfig(KindSimple), backend)
	require.NoError(t, err)
	m.SetTraining(false)

	src := ids(t, []int32{5, 6, 7}, tensor.Shape{1, 3}, backend)
	trg := ids(t, []int32{12, 13, 3}, tensor.Shape{1, 3}, backend)

	logits, loss := m.Forward(src, trg)
	assert.Equal(t, tensor.Shape{1, 3, 20}, logits.Shape())
	assert.False(t, math.IsNaN(float64(loss.Item())))
}

func TestFused_LogitsShape(t *testing.T) {
	backend := cpu.New()
	m, err := Build(testConfig(KindFused), backend)
	require.NoError(t, err)
	m.SetTraining(false)

	src := ids(t, []int32{5, 6, 7}, tensor.Shape{1, 3}, backend)
	decInput := ids(t, []int32{0, 12}, tensor.Shape{1, 2}, backend)

	logits := m.Logits(src, decInput)
	assert.Equal(t, tensor.Shape{1, 2, 20}, logits.Shape())
}

func TestFused_ParametersExcludeContext(t *testing.T) {
	backend := cpu.New()
	m, err := Build(testConfig(KindFused), backend)
	require.NoError(t, err)

	state := m.StateDict()
	contextRaws := make(map[*tensor.RawTensor]bool)
	sawContext := false
	for name, raw := range state {
		if len(name) > 8 && name[:8] == "context." {
			sawContext = true
			contextRaws[raw] = true
		}
	}
	require.True(t, sawContext, "state dict should include context encoder weights")

	for _, p := range m.Parameters() {
		assert.False(t, contextRaws[p.Tensor().Raw()],
			"trainable parameter %s aliases a frozen context weight", p.Name())
	}
}

func TestStateDict_TransfersBehavior(t *testing.T) {
	backend := cpu.New()
	cfg := testConfig(KindFused)

	a, err := Build(cfg, backend)
	require.NoError(t, err)
	b, err := Build(cfg, backend)
	require.NoError(t, err)
	a.SetTraining(false)
	b.SetTraining(false)

	require.NoError(t, b.LoadStateDict(a.StateDict()))

	src := ids(t, []int32{5, 6, 7}, tensor.Shape{1, 3}, backend)
	decInput := ids(t, []int32{0, 12, 13}, tensor.Shape{1, 3}, backend)

	la := a.Logits(src, decInput)
	lb := b.Logits(src, decInput)
	assert.InDeltaSlice(t, la.Data(), lb.Data(), 1e-6)
}

func TestGenerator_RespectsMaxLen(t *testing.T) {
	backend := cpu.New()
	m, err := Build(testConfig(KindFused), backend)
	require.NoError(t, err)
	m.SetTraining(false)

	gen := NewGenerator(m, StrategyRecompute, 6, backend)
	src := ids(t, []int32{5, 6, 7, 8, 0, 0}, tensor.Shape{2, 3}, backend)

	out := gen.Generate(src)
	require.Len(t, out, 2)
	for _, seq := range out {
		assert.LessOrEqual(t, len(seq), 5)
	}
}

func TestGenerator_StopsOnEOS(t *testing.T) {
	backend := cpu.New()
	cfg := testConfig(KindSimple)
	m, err := Build(cfg, backend)
	require.NoError(t, err)
	m.SetTraining(false)

	// Pin the output projection bias so every step argmaxes to EOS.
	bias := m.StateDict()["decoder.proj.bias"].AsFloat32()
	bias[cfg.EOSID] = 1e4

	gen := NewGenerator(m, StrategyRecompute, 6, backend)
	src := ids(t, []int32{5, 6}, tensor.Shape{1, 2}, backend)

	out := gen.Generate(src)
	require.Len(t, out, 1)
	assert.Empty(t, out[0], "a sequence that opens with EOS generates nothing")
}

func TestGenerator_StrategiesAgree(t *testing.T) {
	backend := cpu.New()
	m, err := Build(testConfig(KindFused), backend)
	require.NoError(t, err)
	m.SetTraining(false)

	src := ids(t, []int32{5, 6, 7, 8, 9, 0, 0, 0}, tensor.Shape{2, 4}, backend)

	recompute := NewGenerator(m, StrategyRecompute, 8, backend).Generate(src)
	cached := NewGenerator(m, StrategyKVCache, 8, backend).Generate(src)

	require.Len(t, cached, len(recompute))
	for i := range recompute {
		assert.Equal(t, recompute[i], cached[i], "sequence %d", i)
	}
}

func TestDecodeSession_StepShapeAndPosition(t *testing.T) {
	backend := cpu.New()
	m, err := Build(testConfig(KindFused), backend)
	require.NoError(t, err)
	m.SetTraining(false)

	src := ids(t, []int32{5, 6, 7}, tensor.Shape{1, 3}, backend)
	session := m.BeginDecode(src)

	logits := session.Step(ids(t, []int32{0}, tensor.Shape{1, 1}, backend))
	assert.Equal(t, tensor.Shape{1, 1, 20}, logits.Shape())
	assert.Equal(t, 1, session.Pos())

	logits = session.Step(ids(t, []int32{12}, tensor.Shape{1, 1}, backend))
	assert.Equal(t, tensor.Shape{1, 1, 20}, logits.Shape())
	assert.Equal(t, 2, session.Pos())
}

func TestFused_LossIgnoresTrailingPad(t *testing.T) {
	backend := cpu.New()
	cfg := testConfig(KindFused)
	m, err := Build(cfg, backend)
	require.NoError(t, err)
	m.SetTraining(false)

	src := ids(t, []int32{5, 6, 7}, tensor.Shape{1, 3}, backend)

	// The same target with and without an extra pad column: the pad
	// position carries no loss, and the causal mask keeps it from
	// influencing earlier positions.
	short := ids(t, []int32{12, 13, 3}, tensor.Shape{1, 3}, backend)
	padded := ids(t, []int32{12, 13, 3, 0}, tensor.Shape{1, 4}, backend)

	_, lossShort := m.Forward(src, short)
	_, lossPadded := m.Forward(src, padded)

	assert.InDelta(t, lossShort.Item(), lossPadded.Item(), 1e-5)
}

// vals fills a float tensor with a small deterministic pattern; offset
// keeps distinct streams from coinciding.
func vals(t *testing.T, shape tensor.Shape, offset float32, backend *cpu.Backend) *tensor.Tensor[float32, *cpu.Backend] {
	t.Helper()
	data := make([]float32, shape.NumElements())
	for i := range data {
		data[i] = float32(i%7)*0.25 - 0.75 + offset
	}
	return tensor.MustFromSlice(data, shape, backend)
}

func zeroParams(state map[string]*tensor.RawTensor) {
	for _, raw := range state {
		clear(raw.AsFloat32())
	}
}

func TestEncoderLayer_FusionAveragesBranches(t *testing.T) {
	backend := cpu.New()
	cfg := testConfig(KindFused)
	layer := NewEncoderLayer(cfg, true, backend)
	zeroParams(layer.ffn.StateDict())

	x := vals(t, tensor.Shape{1, 3, cfg.HiddenDim}, 0, backend)
	ctx := vals(t, tensor.Shape{1, 3, cfg.HiddenDim}, 0.5, backend)

	out := layer.Forward(x, ctx, nil)

	s := layer.selfWrap.Wrap(x, func(h *tensor.Tensor[float32, *cpu.Backend]) *tensor.Tensor[float32, *cpu.Backend] {
		return layer.selfAttn.Forward(h, h, h, nil)
	})
	c := layer.ctxWrap.Wrap(x, func(h *tensor.Tensor[float32, *cpu.Backend]) *tensor.Tensor[float32, *cpu.Backend] {
		return layer.ctxAttn.Forward(h, ctx, ctx, nil)
	})

	// Both branches read the pre-fusion x and join the residual stream
	// at half weight each.
	want := x.Add(s.MulScalar(0.5)).Add(c.MulScalar(0.5))
	assert.InDeltaSlice(t, want.Data(), out.Data(), 1e-5)
}

func TestDecoderLayer_SelfAttentionKeepsFullResidual(t *testing.T) {
	backend := cpu.New()
	cfg := testConfig(KindFused)
	layer := NewDecoderLayer(cfg, true, backend)
	zeroParams(layer.ctxAttn.StateDict())
	zeroParams(layer.crossAttn.StateDict())
	zeroParams(layer.ffn.StateDict())

	x := vals(t, tensor.Shape{1, 3, cfg.HiddenDim}, 0, backend)
	memory := vals(t, tensor.Shape{1, 4, cfg.HiddenDim}, 0.5, backend)
	ctx := vals(t, tensor.Shape{1, 4, cfg.HiddenDim}, -0.5, backend)

	out := layer.Forward(x, memory, ctx, nil, nil)

	s := layer.selfWrap.Wrap(x, func(h *tensor.Tensor[float32, *cpu.Backend]) *tensor.Tensor[float32, *cpu.Backend] {
		return layer.selfAttn.Forward(h, h, h, nil)
	})

	// Unlike the cross stage, the self-attention contribution enters
	// the residual stream unhalved.
	want := x.Add(s)
	assert.InDeltaSlice(t, want.Data(), out.Data(), 1e-5)
}

func TestDecoderLayer_CrossFusionAveragesBranches(t *testing.T) {
	backend := cpu.New()
	cfg := testConfig(KindFused)
	layer := NewDecoderLayer(cfg, true, backend)
	zeroParams(layer.selfAttn.StateDict())
	zeroParams(layer.ffn.StateDict())

	x := vals(t, tensor.Shape{1, 3, cfg.HiddenDim}, 0, backend)
	memory := vals(t, tensor.Shape{1, 4, cfg.HiddenDim}, 0.5, backend)
	ctx := vals(t, tensor.Shape{1, 4, cfg.HiddenDim}, -0.5, backend)

	out := layer.Forward(x, memory, ctx, nil, nil)

	c := layer.ctxWrap.Wrap(x, func(h *tensor.Tensor[float32, *cpu.Backend]) *tensor.Tensor[float32, *cpu.Backend] {
		return layer.ctxAttn.Forward(h, ctx, ctx, nil)
	})
	m := layer.crossWrap.Wrap(x, func(h *tensor.Tensor[float32, *cpu.Backend]) *tensor.Tensor[float32, *cpu.Backend] {
		return layer.crossAttn.Forward(h, memory, memory, nil)
	})

	want := x.Add(c.MulScalar(0.5)).Add(m.MulScalar(0.5))
	assert.InDeltaSlice(t, want.Data(), out.Data(), 1e-5)
}
