package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fusenmt/fusenmt/internal/checkpoint"
	"github.com/fusenmt/fusenmt/internal/data"
	"github.com/fusenmt/fusenmt/internal/nn"
	"github.com/fusenmt/fusenmt/internal/optim"
	"github.com/fusenmt/fusenmt/internal/train"
)

func newTrainCmd(opts *rootOptions) *cobra.Command {
	cfg := train.DefaultConfig()
	var (
		resume    bool
		optimizer string
	)

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a translation model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, be, err := buildModel(opts)
			if err != nil {
				return err
			}

			params := m.Parameters()
			opt, err := newOptimizer(optimizer, params, cfg.LR)
			if err != nil {
				return err
			}

			cfg.Task = opts.task
			cfg.CheckpointPath = opts.checkpointPath()

			if resume {
				meta, modelState, optimState, err := checkpoint.Load(cfg.CheckpointPath)
				if err != nil {
					return fmt.Errorf("resume from %s: %w", cfg.CheckpointPath, err)
				}
				if err := m.LoadStateDict(modelState); err != nil {
					return fmt.Errorf("restore model state: %w", err)
				}
				if err := opt.LoadStateDict(optimState); err != nil {
					return fmt.Errorf("restore optimizer state: %w", err)
				}
				slog.Info("resumed", "path", cfg.CheckpointPath, "epoch", meta.Epoch, "loss", meta.Loss)
			}

			trainSet, err := data.Load(filepath.Join(opts.dataDir, "train.json"))
			if err != nil {
				return err
			}
			validSet, err := data.Load(filepath.Join(opts.dataDir, "valid.json"))
			if err != nil {
				return err
			}

			slog.Info("training",
				"model", opts.modelKind,
				"task", opts.task,
				"optimizer", optimizer,
				"train_pairs", trainSet.Len(),
				"valid_pairs", validSet.Len(),
				"params", countParams(params),
			)

			trainer := train.NewTrainer(m, be, opt, cfg, slog.Default())
			best, err := trainer.Fit(trainSet, validSet)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "Best validation loss: %.4f\n", best)
			return nil
		},
	}

	f := cmd.Flags()
	f.IntVar(&cfg.Epochs, "epochs", cfg.Epochs, "Number of training epochs")
	f.IntVar(&cfg.BatchSize, "batch", cfg.BatchSize, "Micro-batch size")
	f.Float32Var(&cfg.LR, "lr", cfg.LR, "Adam learning rate")
	f.IntVar(&cfg.Accumulation, "accum", cfg.Accumulation, "Micro-batches per optimizer step")
	f.Float32Var(&cfg.ClipNorm, "clip", cfg.ClipNorm, "Gradient clipping norm (0 disables)")
	f.Int64Var(&cfg.Seed, "seed", cfg.Seed, "Shuffle seed")
	f.StringVar(&optimizer, "optimizer", "adam", "Optimizer: adam or sgd")
	f.BoolVar(&resume, "resume", false, "Resume model and optimizer state from the checkpoint")
	return cmd
}

// newOptimizer resolves the --optimizer selection. SGD runs with the
// standard 0.9 momentum.
func newOptimizer(name string, params []*nn.Parameter[backend], lr float32) (optim.Optimizer, error) {
	switch name {
	case "adam":
		return optim.NewAdam(params, optim.AdamConfig{LR: lr}), nil
	case "sgd":
		return optim.NewSGD(params, optim.SGDConfig{LR: lr, Momentum: 0.9}), nil
	default:
		return nil, fmt.Errorf("unknown optimizer %q (want adam or sgd)", name)
	}
}

func countParams(params []*nn.Parameter[backend]) int {
	total := 0
	for _, p := range params {
		total += p.Tensor().NumElements()
	}
	return total
}
