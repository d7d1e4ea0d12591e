package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	nanotgi "github.com/unixsysdev/nano-go-tgi"
	"github.com/unixsysdev/nano-go-tgi/internal/admin"
	"github.com/unixsysdev/nano-go-tgi/internal/config"
	"github.com/unixsysdev/nano-go-tgi/internal/sampling"
	"github.com/unixsysdev/nano-go-tgi/internal/stopping"
)

type generateFlags struct {
	configPath  string
	layout      string
	tp          int
	maxBatch    int
	logLevel    string
	logFormat   string
	metricsAddr string
	preallocate bool

	sampling sampling.Params
	seed     uint64
	stopping stopping.Params
	truncate int
	stream   bool
}

func newGenerateCmd() *cobra.Command {
	var f generateFlags
	cmd := &cobra.Command{
		Use:   "generate MODEL_DIR PROMPT...",
		Short: "Generate a completion for every prompt",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerate(cmd, f, args[0], args[1:])
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&f.configPath, "config", "", "config file (.yaml, .json or .toml)")
	fs.StringVar(&f.layout, "layout", "", "batch layout: padded or ragged")
	fs.IntVar(&f.tp, "tensor-parallel-size", 0, "number of tensor-parallel shards")
	fs.IntVar(&f.maxBatch, "max-batch-size", 0, "maximum requests per batch")
	fs.StringVar(&f.logLevel, "log-level", "", "debug, info, warn, error or off")
	fs.StringVar(&f.logFormat, "log-format", "", "json or console")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "serve /metrics, /healthz and /readyz on this address")
	fs.BoolVar(&f.preallocate, "preallocate", false, "reserve a lone request's whole cache at prefill")

	fs.IntVar(&f.stopping.MaxNewTokens, "max-new-tokens", 64, "maximum new tokens to generate")
	fs.StringSliceVar(&f.stopping.StopSequences, "stop", nil, "stop sequences")
	fs.BoolVar(&f.stopping.IgnoreEOS, "ignore-eos", false, "keep generating past end-of-sequence tokens")
	fs.Float32Var(&f.sampling.Temperature, "temperature", 0, "sampling temperature")
	fs.IntVar(&f.sampling.TopK, "top-k", 0, "top-k sampling (0 = disabled)")
	fs.Float32Var(&f.sampling.TopP, "top-p", 0, "nucleus sampling probability mass (0-1)")
	fs.Float32Var(&f.sampling.RepetitionPenalty, "repetition-penalty", 0, "repetition penalty (>1 to penalize repeats)")
	fs.Float32Var(&f.sampling.PresencePenalty, "presence-penalty", 0, "presence penalty (penalize seen tokens)")
	fs.Float32Var(&f.sampling.FrequencyPenalty, "frequency-penalty", 0, "frequency penalty (per occurrence)")
	fs.BoolVar(&f.sampling.DoSample, "do-sample", false, "sample instead of taking the most likely token")
	fs.Uint64Var(&f.seed, "seed", 0, "sampling seed")
	fs.IntVar(&f.truncate, "truncate", 0, "keep only the last N prompt tokens (0 = all)")
	fs.BoolVar(&f.stream, "stream", false, "stream tokens as they are generated")
	return cmd
}

// options turns the flags the user set into config options.
func (f generateFlags) options(cmd *cobra.Command) []config.Option {
	var opts []config.Option
	changed := cmd.Flags().Changed
	if changed("layout") {
		opts = append(opts, config.WithLayout(f.layout))
	}
	if changed("tensor-parallel-size") {
		opts = append(opts, config.WithTensorParallelSize(f.tp))
	}
	if changed("max-batch-size") {
		opts = append(opts, config.WithMaxBatchSize(f.maxBatch))
	}
	if changed("log-level") {
		opts = append(opts, config.WithLogLevel(f.logLevel))
	}
	if changed("log-format") {
		opts = append(opts, config.WithLogFormat(f.logFormat))
	}
	if changed("metrics-addr") {
		opts = append(opts, config.WithMetricsAddr(f.metricsAddr))
	}
	if changed("preallocate") {
		opts = append(opts, config.WithPreallocate(f.preallocate))
	}
	return opts
}

func runGenerate(cmd *cobra.Command, f generateFlags, modelDir string, prompts []string) error {
	opts := f.options(cmd)
	if f.configPath != "" {
		cfg, err := config.Load(f.configPath)
		if err != nil {
			return err
		}
		opts = append([]config.Option{func(c *config.Config) { *c = *cfg }}, opts...)
	}
	llm, err := nanotgi.New(modelDir, opts...)
	if err != nil {
		return err
	}
	defer llm.Close()

	if addr := llm.Config().MetricsAddr; addr != "" {
		srv := &http.Server{Addr: addr, Handler: admin.NewRouter(llm), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				cmd.PrintErrf("metrics server: %v\n", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		}()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p := nanotgi.Params{Sampling: f.sampling, Stopping: f.stopping, Truncate: f.truncate}
	if cmd.Flags().Changed("seed") {
		seed := f.seed
		p.Sampling.Seed = &seed
	}

	if f.stream {
		for _, prompt := range prompts {
			if err := stream(ctx, cmd, llm, prompt, p); err != nil {
				return err
			}
		}
		return nil
	}

	outputs, err := llm.Generate(ctx, prompts, []nanotgi.Params{p})
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	for i, out := range outputs {
		fmt.Fprintf(w, "Prompt: %s\n", prompts[i])
		fmt.Fprintf(w, "Output: %s\n", out.Text)
		fmt.Fprintf(w, "Token IDs: %v\n", out.TokenIDs)
		fmt.Fprintf(w, "Finish reason: %s\n", out.FinishReason)
		if out.Seed != nil {
			fmt.Fprintf(w, "Seed: %d\n", *out.Seed)
		}
	}
	return nil
}

func stream(ctx context.Context, cmd *cobra.Command, llm *nanotgi.LLM, prompt string, p nanotgi.Params) error {
	ch, err := llm.Stream(ctx, prompt, p)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Prompt: %s\n", prompt)
	fmt.Fprint(w, "Output: ")
	var ids []int32
	for g := range ch {
		if g.Err != nil {
			fmt.Fprintln(w)
			return g.Err
		}
		if !g.TokenIsSpecial {
			fmt.Fprint(w, g.TokenText)
		}
		ids = append(ids, g.TokenID)
	}
	fmt.Fprintf(w, "\nToken IDs: %v\n", ids)
	return nil
}
