package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fusenmt/fusenmt/internal/model"
	"github.com/fusenmt/fusenmt/internal/tensor"
	"github.com/fusenmt/fusenmt/internal/tokenizer"
)

func newInferCmd(opts *rootOptions) *cobra.Command {
	var (
		maxLen   int
		strategy string
		encoding string
	)

	cmd := &cobra.Command{
		Use:   "infer",
		Short: "Translate interactively with a trained model",
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
			m.SetTraining(false)
			if maxLen <= 0 {
				maxLen = m.Config().MaxLen
			}

			tok, err := tokenizer.New(encoding)
			if err != nil {
				return err
			}
			gen := model.NewGenerator(m, strat, maxLen, be)

			slog.Info("ready",
				"model", opts.modelKind,
				"task", opts.task,
				"checkpoint_epoch", meta.Epoch,
				"encoding", tok.Name(),
			)
			fmt.Println("Enter a sentence to translate. Ctrl-D or \"exit\" quits.")

			cfg := m.Config()
			scanner := bufio.NewScanner(os.Stdin)
			for {
				fmt.Print("> ")
				if !scanner.Scan() {
					fmt.Println()
					return scanner.Err()
				}
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				if line == "exit" {
					return nil
				}

				ids := tok.Encode(line)
				src := make([]int32, 0, len(ids)+1)
				for _, id := range ids {
					// The model vocabulary is smaller than the BPE
					// encoding's id space.
					if int(id) >= cfg.VocabSize {
						slog.Warn("token outside model vocabulary, skipped", "id", id)
						continue
					}
					src = append(src, id)
				}
				if len(src) == 0 {
					fmt.Println("(no usable tokens)")
					continue
				}
				src = append(src, cfg.EOSID)

				srcTensor := tensor.MustFromSlice(src, tensor.Shape{1, len(src)}, be)
				out := gen.Generate(srcTensor)[0]
				fmt.Println(tok.Decode(out))
			}
		},
	}

	f := cmd.Flags()
	f.IntVar(&maxLen, "max-len", 0, "Decoding length limit (0 uses the model maximum)")
	f.StringVar(&strategy, "strategy", "recompute", "Decode strategy: recompute or kvcache")
	f.StringVar(&encoding, "encoding", "cl100k_base", "tiktoken encoding name")
	return cmd
}
