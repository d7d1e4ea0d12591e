// Package nanotgi serves a reference language model with continuous
// batching: requests are queued, admitted in cohorts and generated together
// until each one stops.
package nanotgi

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/unixsysdev/nano-go-tgi/internal/batch"
	"github.com/unixsysdev/nano-go-tgi/internal/config"
	"github.com/unixsysdev/nano-go-tgi/internal/engine"
	"github.com/unixsysdev/nano-go-tgi/internal/logging"
	"github.com/unixsysdev/nano-go-tgi/internal/metrics"
	"github.com/unixsysdev/nano-go-tgi/internal/models/ctxsum"
	"github.com/unixsysdev/nano-go-tgi/internal/sampling"
	"github.com/unixsysdev/nano-go-tgi/internal/scheduler"
	"github.com/unixsysdev/nano-go-tgi/internal/stopping"
	"github.com/unixsysdev/nano-go-tgi/internal/tensor"
	"github.com/unixsysdev/nano-go-tgi/pkg/tokenizer"
)

// Generation is one event of a streamed request.
type Generation = engine.Generation

// Params configures one request.
type Params struct {
	Sampling sampling.Params
	Stopping stopping.Params
	// Truncate keeps only the last Truncate prompt tokens when positive.
	Truncate int
}

// GenerationOutput represents the output from generation
type GenerationOutput struct {
	Text         string
	TokenIDs     []int32
	FinishReason string
	Seed         *uint64
}

// LLM represents the main LLM interface
type LLM struct {
	cfg      *config.Config
	registry *prometheus.Registry
	log      zerolog.Logger
	sched    *scheduler.Scheduler

	nextID atomic.Uint64
	closed atomic.Bool
	cancel context.CancelFunc
	done   chan error
}

// New loads the model in modelDir and starts serving it. The directory
// holds config.json and model.safetensors and optionally tokenizer.json;
// without one the byte tokenizer is used.
func New(modelDir string, opts ...config.Option) (*LLM, error) {
	cfg, err := config.New(opts...)
	if err != nil {
		return nil, err
	}
	m, err := ctxsum.Load(modelDir)
	if err != nil {
		return nil, errors.Wrapf(err, "load model from %s", modelDir)
	}
	tok, err := loadTokenizer(modelDir, m.Config().VocabSize)
	if err != nil {
		return nil, err
	}
	model, err := shard(m, cfg.TensorParallelSize)
	if err != nil {
		return nil, err
	}
	return start(model, tok, cfg)
}

func loadTokenizer(dir string, vocab int) (tokenizer.Tokenizer, error) {
	if _, err := os.Stat(filepath.Join(dir, "tokenizer.json")); !errors.Is(err, fs.ErrNotExist) {
		return tokenizer.New(dir)
	}
	if vocab < tokenizer.ByteVocabSize {
		return nil, errors.Errorf("%s has no tokenizer.json and a vocabulary of %d is too small for bytes", dir, vocab)
	}
	return tokenizer.NewBytes(), nil
}

// shard splits m across n tensor-parallel workers.
func shard(m *ctxsum.Model, n int) (engine.Model, error) {
	if n == 1 {
		return m, nil
	}
	shards := make([]engine.Model, n)
	for rank := range shards {
		s, err := m.Shard(rank, n)
		if err != nil {
			return nil, err
		}
		shards[rank] = s
	}
	return engine.NewTensorParallel(shards...)
}

func start(model engine.Model, tok tokenizer.Tokenizer, cfg *config.Config) (*LLM, error) {
	newLogger := logging.New
	if cfg.LogFormat == "console" {
		newLogger = logging.Console
	}
	log, err := newLogger(cfg.LogLevel, nil)
	if err != nil {
		return nil, err
	}
	device, err := tensor.ParseDevice(cfg.Device)
	if err != nil {
		return nil, err
	}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	eng, err := engine.New(model, tok,
		engine.WithLogger(log.With().Str("component", "engine").Logger()),
		engine.WithMetrics(m),
		engine.WithCapability(engine.Capability{Device: device, Preallocate: cfg.Preallocate}),
		engine.WithPrefixWindow(cfg.PrefixWindow),
	)
	if err != nil {
		return nil, err
	}
	sched, err := scheduler.New(eng, cfg,
		scheduler.WithLogger(log.With().Str("component", "scheduler").Logger()),
		scheduler.WithMetrics(m),
	)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &LLM{cfg: cfg, registry: reg, log: log, sched: sched, cancel: cancel, done: make(chan error, 1)}
	go func() { l.done <- sched.Run(ctx) }()
	log.Info().
		Str("layout", cfg.Layout).
		Int("max_batch_size", cfg.MaxBatchSize).
		Int("tensor_parallel_size", cfg.TensorParallelSize).
		Str("device", device.String()).
		Msg("serving")
	return l, nil
}

// Config returns the configuration the LLM runs with.
func (l *LLM) Config() *config.Config { return l.cfg }

// Gatherer exposes the LLM's metrics.
func (l *LLM) Gatherer() prometheus.Gatherer { return l.registry }

// Ready reports whether the LLM accepts requests.
func (l *LLM) Ready() bool { return !l.closed.Load() }

// Stream queues prompt and returns the channel its Generations arrive on.
// The channel is closed after the last one.
func (l *LLM) Stream(ctx context.Context, prompt string, p Params) (<-chan Generation, error) {
	return l.sched.Submit(ctx, batch.Request{
		ID:         l.nextID.Add(1),
		Inputs:     prompt,
		Truncate:   p.Truncate,
		Parameters: p.Sampling,
		Stopping:   p.Stopping,
	})
}

// Generate generates text for the given prompts. params holds either one
// entry per prompt or a single entry shared by all of them.
func (l *LLM) Generate(ctx context.Context, prompts []string, params []Params) ([]*GenerationOutput, error) {
	if len(params) != len(prompts) && len(params) != 1 {
		return nil, errors.Errorf("got %d params for %d prompts", len(params), len(prompts))
	}
	streams := make([]<-chan Generation, len(prompts))
	for i, prompt := range prompts {
		p := params[0]
		if len(params) > 1 {
			p = params[i]
		}
		ch, err := l.Stream(ctx, prompt, p)
		if err != nil {
			return nil, errors.Wrapf(err, "prompt %d", i)
		}
		streams[i] = ch
	}

	outputs := make([]*GenerationOutput, len(prompts))
	var firstErr error
	for i, ch := range streams {
		out := &GenerationOutput{}
		for g := range ch {
			if g.Err != nil {
				if firstErr == nil {
					firstErr = errors.Wrapf(g.Err, "prompt %d", i)
				}
				continue
			}
			out.TokenIDs = append(out.TokenIDs, g.TokenID)
			if g.Generated != nil {
				out.Text = g.Generated.Text
				out.FinishReason = g.Generated.FinishReason.String()
				out.Seed = g.Generated.Seed
			}
		}
		outputs[i] = out
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return outputs, nil
}

// Close stops the run loop. Requests still in flight end with an error.
func (l *LLM) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.cancel()
	if err := <-l.done; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	l.log.Info().Msg("stopped")
	return nil
}
