package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/fusenmt/fusenmt/internal/autodiff"
	"github.com/fusenmt/fusenmt/internal/backend/cpu"
	"github.com/fusenmt/fusenmt/internal/checkpoint"
	"github.com/fusenmt/fusenmt/internal/model"
)

// backend is the concrete stack every command runs on.
type backend = *autodiff.Backend[*cpu.Backend]

// rootOptions are the persistent flags shared by all subcommands.
type rootOptions struct {
	modelKind  string
	task       string
	dataDir    string
	checkpoint string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "fusenmt",
		Short:         "Fusion transformer translation models",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if opts.verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

			if opts.task != "ende" && opts.task != "deen" {
				return fmt.Errorf("unknown task %q (want ende or deen)", opts.task)
			}
			if _, err := model.ParseKind(opts.modelKind); err != nil {
				return err
			}
			return nil
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&opts.modelKind, "model", "fused", "Model kind: simple, fused or generation")
	pf.StringVar(&opts.task, "task", "ende", "Translation direction: ende or deen")
	pf.StringVar(&opts.dataDir, "data-dir", "data", "Directory with train.json, valid.json and test.json")
	pf.StringVar(&opts.checkpoint, "checkpoint", "", "Checkpoint path (default fusenmt_<task>_<model>.ckpt)")
	pf.BoolVar(&opts.verbose, "verbose", false, "Enable debug logging")

	rootCmd.AddCommand(
		newTrainCmd(opts),
		newTestCmd(opts),
		newInferCmd(opts),
	)
	return rootCmd
}

func (o *rootOptions) checkpointPath() string {
	if o.checkpoint != "" {
		return o.checkpoint
	}
	return fmt.Sprintf("fusenmt_%s_%s.ckpt", o.task, o.modelKind)
}

// buildModel constructs the configured model on a fresh autodiff CPU stack.
func buildModel(opts *rootOptions) (model.Seq2Seq[backend], backend, error) {
	kind, err := model.ParseKind(opts.modelKind)
	if err != nil {
		return nil, nil, err
	}
	be := autodiff.New(cpu.New())
	m, err := model.Build(model.DefaultConfig(kind), be)
	if err != nil {
		return nil, nil, err
	}
	return m, be, nil
}

// loadModel builds the model and restores its weights from the
// checkpoint, which must exist. Used by the evaluation and inference
// commands, which make no sense on untrained weights.
func loadModel(opts *rootOptions) (model.Seq2Seq[backend], backend, checkpoint.Meta, error) {
	m, be, err := buildModel(opts)
	if err != nil {
		return nil, nil, checkpoint.Meta{}, err
	}

	path := opts.checkpointPath()
	meta, modelState, _, err := checkpoint.Load(path)
	if err != nil {
		return nil, nil, checkpoint.Meta{}, fmt.Errorf("load checkpoint %s (train first?): %w", path, err)
	}
	if meta.ModelKind != opts.modelKind {
		return nil, nil, checkpoint.Meta{}, fmt.Errorf("checkpoint %s holds a %q model, not %q", path, meta.ModelKind, opts.modelKind)
	}
	if err := m.LoadStateDict(modelState); err != nil {
		return nil, nil, checkpoint.Meta{}, fmt.Errorf("restore model state: %w", err)
	}
	return m, be, meta, nil
}

func parseStrategy(s string) (model.DecodeStrategy, error) {
	switch s {
	case "recompute":
		return model.StrategyRecompute, nil
	case "kvcache":
		return model.StrategyKVCache, nil
	default:
		return 0, fmt.Errorf("unknown decode strategy %q (want recompute or kvcache)", s)
	}
}
