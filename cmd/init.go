package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/unixsysdev/nano-go-tgi/internal/models/ctxsum"
	"github.com/unixsysdev/nano-go-tgi/pkg/tokenizer"
)

func newInitCmd() *cobra.Command {
	var (
		cfg   ctxsum.Config
		dtype string
	)
	cmd := &cobra.Command{
		Use:   "init MODEL_DIR",
		Short: "Write a reference context-sum model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := ctxsum.New(cfg)
			if err != nil {
				return err
			}
			if err := m.Save(args[0], dtype); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s model (vocab %d, %d layers, %d heads) to %s\n",
				m.KeyLayout(), cfg.VocabSize, cfg.NumLayers, cfg.NumHeads, args[0])
			return nil
		},
	}
	cmd.Flags().IntVar(&cfg.VocabSize, "vocab-size", tokenizer.ByteVocabSize, "vocabulary size")
	cmd.Flags().IntVar(&cfg.NumLayers, "layers", 2, "number of layers")
	cmd.Flags().IntVar(&cfg.NumHeads, "heads", 2, "number of attention heads")
	cmd.Flags().StringVar(&cfg.KeyLayout, "key-layout", "head_dim_last", "key cache axis order: head_dim_last or seq_last")
	cmd.Flags().StringVar(&dtype, "dtype", "F32", "weight dtype: F32 or F16")
	return cmd
}
