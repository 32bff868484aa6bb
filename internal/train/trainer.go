// Package train drives the training loop: teacher-forced forward passes,
// backpropagation through the gradient tape, gradient accumulation and
// clipping, per-epoch validation and best-checkpoint saving.
package train

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/fusenmt/fusenmt/internal/autodiff"
	"github.com/fusenmt/fusenmt/internal/checkpoint"
	"github.com/fusenmt/fusenmt/internal/data"
	"github.com/fusenmt/fusenmt/internal/model"
	"github.com/fusenmt/fusenmt/internal/nn"
	"github.com/fusenmt/fusenmt/internal/optim"
	"github.com/fusenmt/fusenmt/internal/tensor"
)

// Config holds the training hyperparameters.
type Config struct {
	Epochs    int
	BatchSize int
	LR        float32

	// Accumulation is the number of micro-batches whose gradients are
	// averaged before each optimizer step.
	Accumulation int

	// ClipNorm bounds the global gradient L2 norm. Zero disables clipping.
	ClipNorm float32

	Seed     int64
	LogEvery int

	// Task names the translation direction, recorded in checkpoints.
	Task string

	// CheckpointPath is where the best model (by validation loss) is
	// saved. Empty disables saving.
	CheckpointPath string
}

// DefaultConfig returns the standard training setup.
func DefaultConfig() Config {
	return Config{
		Epochs:       10,
		BatchSize:    16,
		LR:           1e-4,
		Accumulation: 4,
		ClipNorm:     1,
		Seed:         1,
		LogEvery:     50,
	}
}

// Trainer runs gradient descent on a translation model. The model must
// be built over an autodiff backend so the tape can replay the forward
// pass in reverse.
type Trainer[B tensor.Backend] struct {
	model   model.Seq2Seq[*autodiff.Backend[B]]
	backend *autodiff.Backend[B]
	opt     optim.Optimizer
	params  []*nn.Parameter[*autodiff.Backend[B]]
	cfg     Config
	log     *slog.Logger

	step int64
}

// NewTrainer wires a trainer around a model, its optimizer and config.
func NewTrainer[B tensor.Backend](
	m model.Seq2Seq[*autodiff.Backend[B]],
	backend *autodiff.Backend[B],
	opt optim.Optimizer,
	cfg Config,
	logger *slog.Logger,
) *Trainer[B] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trainer[B]{
		model:   m,
		backend: backend,
		opt:     opt,
		params:  m.Parameters(),
		cfg:     cfg,
		log:     logger,
	}
}

// Fit trains for the configured number of epochs, validating after each
// one and checkpointing whenever validation loss improves. Returns the
// best validation loss seen.
func (t *Trainer[B]) Fit(train, valid *data.Dataset) (float64, error) {
	rng := rand.New(rand.NewSource(t.cfg.Seed))
	cfg := t.model.Config()
	best := math.Inf(1)

	for epoch := 1; epoch <= t.cfg.Epochs; epoch++ {
		start := time.Now()
		t.model.SetTraining(true)
		t.backend.Tape().StartRecording()

		batches := train.Batches(t.cfg.BatchSize, true, rng)
		var epochLoss float64
		micro := 0

		for i, pairs := range batches {
			b := data.Collate(pairs, cfg.PadID, cfg.EOSID)
			src, trg := data.Tensors(b, t.backend)

			_, loss := t.model.Forward(src, trg)
			epochLoss += float64(loss.Item())

			grads := t.backend.Backward(loss.Raw())
			t.accumulate(grads)
			micro++

			if micro == t.cfg.Accumulation || i == len(batches)-1 {
				optim.ScaleGrads(t.params, 1/float32(micro))
				if t.cfg.ClipNorm > 0 {
					optim.ClipGradNorm(t.params, t.cfg.ClipNorm)
				}
				t.opt.Step()
				t.opt.ZeroGrad()
				t.step++
				micro = 0
			}

			if t.cfg.LogEvery > 0 && (i+1)%t.cfg.LogEvery == 0 {
				t.log.Info("train",
					"epoch", epoch,
					"batch", i+1,
					"batches", len(batches),
					"loss", float64(loss.Item()),
				)
			}
		}

		t.backend.Tape().StopRecording()

		trainLoss := epochLoss / float64(len(batches))
		validLoss := t.Evaluate(valid)
		t.log.Info("epoch",
			"epoch", epoch,
			"train_loss", trainLoss,
			"valid_loss", validLoss,
			"elapsed", time.Since(start).Round(time.Second),
		)

		if validLoss < best {
			best = validLoss
			if t.cfg.CheckpointPath != "" {
				if err := t.save(epoch, validLoss); err != nil {
					return best, err
				}
				t.log.Info("checkpoint saved",
					"path", t.cfg.CheckpointPath,
					"valid_loss", validLoss,
				)
			}
		}
	}
	return best, nil
}

// Evaluate computes the mean teacher-forced loss over a dataset with
// dropout and gradient recording disabled.
func (t *Trainer[B]) Evaluate(ds *data.Dataset) float64 {
	t.model.SetTraining(false)
	wasRecording := t.backend.Tape().IsRecording()
	t.backend.Tape().StopRecording()
	defer func() {
		if wasRecording {
			t.backend.Tape().StartRecording()
		}
	}()

	cfg := t.model.Config()
	batches := ds.Batches(t.cfg.BatchSize, false, nil)

	var total float64
	for _, pairs := range batches {
		b := data.Collate(pairs, cfg.PadID, cfg.EOSID)
		src, trg := data.Tensors(b, t.backend)
		_, loss := t.model.Forward(src, trg)
		total += float64(loss.Item())
	}
	return total / float64(len(batches))
}

// accumulate adds the backward pass's parameter gradients into each
// parameter's gradient slot.
func (t *Trainer[B]) accumulate(grads map[*tensor.RawTensor]*tensor.RawTensor) {
	for _, p := range t.params {
		g, ok := grads[p.Tensor().Raw()]
		if !ok {
			continue
		}
		p.AccumGrad(tensor.New[float32](g, t.backend))
	}
}

func (t *Trainer[B]) save(epoch int, loss float64) error {
	meta := checkpoint.Meta{
		ModelKind: string(t.model.Config().Kind),
		Task:      t.cfg.Task,
		Epoch:     epoch,
		Step:      t.step,
		Loss:      loss,
		CreatedAt: time.Now().UTC(),
	}
	if err := checkpoint.Save(t.cfg.CheckpointPath, meta, t.model.StateDict(), t.opt.StateDict()); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}
