package train

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fusenmt/fusenmt/internal/autodiff"
	"github.com/fusenmt/fusenmt/internal/backend/cpu"
	"github.com/fusenmt/fusenmt/internal/checkpoint"
	"github.com/fusenmt/fusenmt/internal/data"
	"github.com/fusenmt/fusenmt/internal/model"
	"github.com/fusenmt/fusenmt/internal/optim"
)

func tinyConfig(kind model.Kind) model.Config {
	cfg := model.DefaultConfig(kind)
	cfg.VocabSize = 20
	cfg.HiddenDim = 8
	cfg.NumHeads = 2
	cfg.FFNDim = 16
	cfg.NumLayers = 1
	cfg.MaxLen = 10
	cfg.Dropout = 0
	cfg.EOSID = 3
	return cfg
}

func tinyDataset() *data.Dataset {
	return &data.Dataset{Pairs: []data.Pair{
		{Src: []int32{5, 6, 7}, Trg: []int32{8, 9}},
		{Src: []int32{6, 7}, Trg: []int32{9, 10, 11}},
		{Src: []int32{7, 8, 9, 10}, Trg: []int32{11}},
	}}
}

func TestTrainer_FitSavesCheckpoint(t *testing.T) {
	backend := autodiff.New(cpu.New())
	m, err := model.Build(tinyConfig(model.KindFused), backend)
	require.NoError(t, err)

	opt := optim.NewAdam(m.Parameters(), optim.AdamConfig{LR: 1e-3})

	cfg := DefaultConfig()
	cfg.Epochs = 1
	cfg.BatchSize = 2
	cfg.Accumulation = 2
	cfg.LogEvery = 0
	cfg.Task = "ende"
	cfg.CheckpointPath = filepath.Join(t.TempDir(), "best.ckpt")

	trainer := NewTrainer(m, backend, opt, cfg, nil)
	best, err := trainer.Fit(tinyDataset(), tinyDataset())
	require.NoError(t, err)

	assert.False(t, math.IsNaN(best) || math.IsInf(best, 0))
	assert.Greater(t, best, 0.0)

	// The epoch improved on +inf, so the checkpoint must exist and carry
	// both model and optimizer state.
	_, statErr := os.Stat(cfg.CheckpointPath)
	require.NoError(t, statErr)

	meta, modelState, optimState, err := checkpoint.Load(cfg.CheckpointPath)
	require.NoError(t, err)
	assert.Equal(t, "fused", meta.ModelKind)
	assert.Equal(t, "ende", meta.Task)
	assert.Equal(t, 1, meta.Epoch)
	assert.NotEmpty(t, modelState)
	assert.NotEmpty(t, optimState)

	// A fresh model restores cleanly from what Fit wrote.
	fresh, err := model.Build(tinyConfig(model.KindFused), autodiff.New(cpu.New()))
	require.NoError(t, err)
	require.NoError(t, fresh.LoadStateDict(modelState))
}

func TestTrainer_FitLeavesGradientsApplied(t *testing.T) {
	backend := autodiff.New(cpu.New())
	m, err := model.Build(tinyConfig(model.KindSimple), backend)
	require.NoError(t, err)

	before := make(map[string][]float32)
	for name, raw := range m.StateDict() {
		before[name] = append([]float32(nil), raw.AsFloat32()...)
	}

	opt := optim.NewAdam(m.Parameters(), optim.AdamConfig{LR: 1e-2})
	cfg := DefaultConfig()
	cfg.Epochs = 1
	cfg.BatchSize = 3
	cfg.Accumulation = 1
	cfg.LogEvery = 0

	trainer := NewTrainer(m, backend, opt, cfg, nil)
	_, err = trainer.Fit(tinyDataset(), tinyDataset())
	require.NoError(t, err)

	changed := false
	for name, raw := range m.StateDict() {
		got := raw.AsFloat32()
		for i, v := range before[name] {
			if got[i] != v {
				changed = true
				break
			}
		}
		if changed {
			break
		}
	}
	assert.True(t, changed, "optimizer steps should move the weights")
}

func TestTrainer_Evaluate(t *testing.T) {
	backend := autodiff.New(cpu.New())
	m, err := model.Build(tinyConfig(model.KindFused), backend)
	require.NoError(t, err)

	opt := optim.NewAdam(m.Parameters(), optim.AdamConfig{})
	cfg := DefaultConfig()
	cfg.BatchSize = 2

	trainer := NewTrainer(m, backend, opt, cfg, nil)
	loss := trainer.Evaluate(tinyDataset())

	assert.False(t, math.IsNaN(loss) || math.IsInf(loss, 0))
	assert.Greater(t, loss, 0.0)
	// Evaluation must not leave tape state behind.
	assert.Equal(t, 0, backend.Tape().NumOps())
	assert.False(t, backend.Tape().IsRecording())
}

func TestTester_Run(t *testing.T) {
	backend := cpu.New()
	m, err := model.Build(tinyConfig(model.KindFused), backend)
	require.NoError(t, err)

	tester := NewTester(m, model.StrategyRecompute, 8, backend, nil)
	res := tester.Run(tinyDataset(), 2)

	assert.Equal(t, 3, res.Examples)
	assert.False(t, math.IsNaN(res.Loss))
	assert.GreaterOrEqual(t, res.TokenAcc, 0.0)
	assert.LessOrEqual(t, res.TokenAcc, 1.0)
	assert.GreaterOrEqual(t, res.ExactMatch, 0.0)
	assert.LessOrEqual(t, res.ExactMatch, 1.0)
}

func TestScore(t *testing.T) {
	hits, refLen, exact := score([]int32{1, 2, 3}, []int32{1, 2, 3})
	assert.Equal(t, 3, hits)
	assert.Equal(t, 3, refLen)
	assert.True(t, exact)

	hits, refLen, exact = score([]int32{1, 9, 3}, []int32{1, 2, 3})
	assert.Equal(t, 2, hits)
	assert.Equal(t, 3, refLen)
	assert.False(t, exact)

	// Length mismatch is never exact, even with a matching prefix.
	hits, _, exact = score([]int32{1, 2}, []int32{1, 2, 3})
	assert.Equal(t, 2, hits)
	assert.False(t, exact)
}
