package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fusenmt/fusenmt/internal/data"
	"github.com/fusenmt/fusenmt/internal/train"
)

func newTestCmd(opts *rootOptions) *cobra.Command {
	var (
		batchSize int
		maxLen    int
		strategy  string
	)

	cmd := &cobra.Command{
		Use:   "test",
		Short: "Evaluate a trained model on the test split",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			strat, err := parseStrategy(strategy)
			if err != nil {
				return err
			}

			m, be, meta, err := loadModel(opts)
			if err != nil {
				return err
			}
			if maxLen <= 0 {
				maxLen = m.Config().MaxLen
			}

			testSet, err := data.Load(filepath.Join(opts.dataDir, "test.json"))
			if err != nil {
				return err
			}

			slog.Info("testing",
				"model", opts.modelKind,
				"task", opts.task,
				"checkpoint_epoch", meta.Epoch,
				"pairs", testSet.Len(),
				"strategy", strategy,
			)

			tester := train.NewTester(m, strat, maxLen, be, slog.Default())
			res := tester.Run(testSet, batchSize)

			fmt.Fprintf(os.Stdout, "Test loss:    %.4f\n", res.Loss)
			fmt.Fprintf(os.Stdout, "Token acc:    %.2f%%\n", res.TokenAcc*100)
			fmt.Fprintf(os.Stdout, "Exact match:  %.2f%%\n", res.ExactMatch*100)
			fmt.Fprintf(os.Stdout, "Examples:     %d\n", res.Examples)
			return nil
		},
	}

	f := cmd.Flags()
	f.IntVar(&batchSize, "batch", 16, "Evaluation batch size")
	f.IntVar(&maxLen, "max-len", 0, "Decoding length limit (0 uses the model maximum)")
	f.StringVar(&strategy, "strategy", "recompute", "Decode strategy: recompute or kvcache")
	return cmd
}
