// Package engine drives one generation step of a batch: it runs the model,
// picks a token for every request, checks the stopping criteria and
// reports what happened as Generation events.
package engine

import (
	"context"
	"math"
	"slices"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/unixsysdev/nano-go-tgi/internal/batch"
	"github.com/unixsysdev/nano-go-tgi/internal/detok"
	"github.com/unixsysdev/nano-go-tgi/internal/mathx"
	"github.com/unixsysdev/nano-go-tgi/internal/metrics"
	"github.com/unixsysdev/nano-go-tgi/internal/tensor"
	"github.com/unixsysdev/nano-go-tgi/pkg/tokenizer"
)

// DefaultPrefixWindow is how many prompt ids the incremental decoder keeps
// as context before the first generated token.
const DefaultPrefixWindow = 5

// Capability describes the hardware the engine was started on. It is
// resolved once at startup and never queried from inside the engine.
type Capability struct {
	Device tensor.Device
	// Preallocate reserves a lone ragged request's whole generation budget
	// at prefill so that its decode steps never repack the cache.
	Preallocate bool
}

// Engine steps batches against one model.
type Engine struct {
	model        Model
	tok          tokenizer.Tokenizer
	capability   Capability
	prefixWindow int
	log          zerolog.Logger
	metrics      *metrics.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithMetrics sets the collectors steps are recorded on.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithCapability sets the resolved device capability.
func WithCapability(c Capability) Option {
	return func(e *Engine) { e.capability = c }
}

// WithPrefixWindow sets the incremental decoder look-back.
func WithPrefixWindow(n int) Option {
	return func(e *Engine) { e.prefixWindow = n }
}

// New builds an Engine.
func New(model Model, tok tokenizer.Tokenizer, opts ...Option) (*Engine, error) {
	if model == nil {
		return nil, errors.New("engine: nil model")
	}
	if tok == nil {
		return nil, errors.New("engine: nil tokenizer")
	}
	e := &Engine{
		model:        model,
		tok:          tok,
		prefixWindow: DefaultPrefixWindow,
		log:          zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.prefixWindow < 0 {
		return nil, errors.Errorf("engine: prefix window must be >= 0, got %d", e.prefixWindow)
	}
	return e, nil
}

// Capability returns the capability the engine was built with.
func (e *Engine) Capability() Capability { return e.capability }

// Tokenizer returns the tokenizer batches must be built with.
func (e *Engine) Tokenizer() tokenizer.Tokenizer { return e.tok }

// Step runs one forward pass over b and returns one Generation per request
// that was still running, in row order, together with the batch for the
// next step. The next batch is nil once every request has stopped.
//
// Requests that stopped on an earlier step are carried silently until the
// caller filters them out. A forward failure returns a *ForwardError and
// no events; b must then be discarded.
func (e *Engine) Step(ctx context.Context, b *batch.Batch) ([]Generation, *batch.Batch, error) {
	prefill := !b.Prefilled()
	in, err := e.prepare(b, prefill)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "prepare batch %d", b.ID)
	}

	start := time.Now()
	out, err := e.model.Forward(ctx, in)
	elapsed := time.Since(start)
	if err != nil {
		return nil, nil, &ForwardError{BatchID: b.ID, Err: err}
	}
	e.metrics.ObserveForward(prefill, elapsed, b.Len())
	e.log.Debug().
		Uint64("batch_id", b.ID).
		Int("size", b.Len()).
		Bool("prefill", prefill).
		Int64("forward_ms", elapsed.Milliseconds()).
		Msg("step")

	view, err := newLogitsView(b, in, out, prefill)
	if err != nil {
		return nil, nil, &ForwardError{BatchID: b.ID, Err: err}
	}

	n := b.Len()
	gens := make([]Generation, 0, n)
	delta := batch.Delta{
		NextIDs: make([]int32, n),
		Cursors: make([]detok.Cursor, n),
	}
	running := false
	for i := range b.Requests {
		if b.Stopping[i].Stopped() {
			history := b.AllInputIDs[i]
			delta.NextIDs[i] = history[len(history)-1]
			delta.Cursors[i] = b.Cursors[i]
			continue
		}
		gen, id, cursor := e.generate(b, i, prefill, view)
		gens = append(gens, gen)
		delta.NextIDs[i], delta.Cursors[i] = id, cursor
		running = running || !b.Stopping[i].Stopped()
	}
	e.metrics.AddGenerated(len(gens))

	if !running {
		return gens, nil, nil
	}
	delta.PaddedCache, delta.RaggedCache = out.PaddedCache, out.RaggedCache
	next, err := b.Advance(delta)
	if err != nil {
		return gens, nil, errors.Wrapf(err, "advance batch %d", b.ID)
	}
	return gens, next, nil
}

// prepare strips the reserved columns from a padded batch and makes room
// for one more entry per request in a ragged cache.
func (e *Engine) prepare(b *batch.Batch, prefill bool) (*ForwardInput, error) {
	in := &ForwardInput{
		InputIDs:    b.InputIDs,
		PositionIDs: b.PositionIDs,
	}
	if b.Layout == batch.Padded {
		mask, err := b.ForwardMask()
		if err != nil {
			return nil, err
		}
		in.AttentionMask = mask
		in.PaddedCache = b.PaddedCache
		return in, nil
	}

	in.CuSeqlens = b.CuSeqlens
	in.MaxSeqlen = b.MaxSeqlen
	if prefill {
		if e.capability.Preallocate && b.Len() == 1 {
			in.Preallocate = []int{b.Stopping[0].Remaining()}
		}
		return in, nil
	}
	// Filter and Concatenate pack segments without spare room. Once a row
	// has to move, every row takes room for the rest of its generation.
	extra := make([]int, b.Len())
	full := false
	for i, seg := range b.RaggedCache.Segments {
		extra[i] = 1
		full = full || seg.Len >= seg.Cap
	}
	if full {
		for i, crit := range b.Stopping {
			extra[i] = max(1, crit.Remaining())
		}
	}
	if err := b.RaggedCache.Reserve(extra); err != nil {
		return nil, err
	}
	in.RaggedCache = b.RaggedCache
	return in, nil
}

// generate handles row i. On a per-request failure the row is aborted and
// the returned Generation carries the error.
func (e *Engine) generate(b *batch.Batch, i int, prefill bool, view *logitsView) (Generation, int32, detok.Cursor) {
	req := b.Requests[i]
	history := b.AllInputIDs[i]
	crit := b.Stopping[i]
	gen := Generation{RequestID: req.ID}
	fail := func(err error) (Generation, int32, detok.Cursor) {
		crit.Abort()
		gen.Err = errors.Wrapf(err, "request %d", req.ID)
		e.metrics.RequestFailed()
		e.log.Warn().Err(err).Uint64("request_id", req.ID).Msg("request failed")
		return gen, history[len(history)-1], b.Cursors[i]
	}

	chunk := 1
	if prefill {
		chunk = len(history)
	}
	id, logprobs, err := b.Choosers[i].Select(history, view.row(i, chunk, chunk-1))
	if err != nil {
		return fail(errors.Wrap(err, "select token"))
	}
	all := append(slices.Clip(history), id)

	cursor := b.Cursors[i]
	if cursor.Read == 0 {
		cursor = detok.Start(len(history), e.prefixWindow)
	}
	text, err := cursor.Step(e.tok, all)
	if err != nil {
		return fail(err)
	}

	if prefill {
		if gen.Prefill, err = e.prefillTokens(history, view, i); err != nil {
			return fail(err)
		}
	}
	gen.TokenID = id
	gen.TokenLogprob = logprobs[id]
	gen.TokenText = text
	gen.TokenIsSpecial = e.tok.IsSpecial(id)

	stop, reason := crit.Evaluate(id, text)
	if !stop {
		return gen, id, cursor
	}
	generated := crit.CurrentTokens()
	out, err := e.tok.Decode(all[len(all)-generated:], true)
	if err != nil {
		return fail(errors.Wrap(err, "decode generated text"))
	}
	gen.Generated = &GeneratedText{Text: out, GeneratedTokens: generated, FinishReason: reason}
	if seed, ok := b.Choosers[i].Seed(); ok {
		gen.Generated.Seed = &seed
	}
	e.metrics.Finished(reason.String())
	e.log.Info().
		Uint64("request_id", req.ID).
		Str("reason", reason.String()).
		Int("generated_tokens", generated).
		Msg("request finished")
	return gen, id, cursor
}

// prefillTokens reports the prompt of row i. Entry j > 0 is the raw model
// log-probability of prompt[j] given prompt[:j].
func (e *Engine) prefillTokens(prompt []int32, view *logitsView, i int) (*PrefillTokens, error) {
	n := len(prompt)
	p := &PrefillTokens{
		IDs:      append([]int32(nil), prompt...),
		Logprobs: make([]float32, n),
	}
	p.Logprobs[0] = float32(math.NaN())
	for j := 1; j < n; j++ {
		p.Logprobs[j] = mathx.LogSoftmax(view.row(i, n, j-1))[prompt[j]]
	}
	single := make([][]int32, n)
	for j, id := range prompt {
		single[j] = []int32{id}
	}
	texts, err := e.tok.BatchDecode(single, false)
	if err != nil {
		return nil, errors.Wrap(err, "decode prompt")
	}
	p.Texts = texts
	return p, nil
}

// logitsView addresses the logits of the tokens each row fed to the model.
type logitsView struct {
	data   []float32
	vocab  int
	padded bool
	seq    int   // padded: columns per row
	bounds []int // ragged: cu_seqlens
}

func newLogitsView(b *batch.Batch, in *ForwardInput, out *ForwardOutput, prefill bool) (*logitsView, error) {
	if out == nil || out.Logits == nil {
		return nil, errors.New("model returned no logits")
	}
	dims := out.Logits.Shape()
	v := &logitsView{data: tensor.Values[float32](out.Logits), padded: b.Layout == batch.Padded}
	if v.padded {
		seq := in.InputIDs.Shape()[1]
		if len(dims) != 3 || dims[0] != b.Len() || dims[1] != seq {
			return nil, errors.Errorf("logits shape %v, want [%d %d vocab]", dims, b.Len(), seq)
		}
		v.seq, v.vocab = seq, dims[2]
		if out.PaddedCache == nil {
			return nil, errors.New("model returned no cache")
		}
		return v, nil
	}
	tokens := in.InputIDs.Shape()[0]
	if len(dims) != 2 || dims[0] != tokens {
		return nil, errors.Errorf("logits shape %v, want [%d vocab]", dims, tokens)
	}
	v.vocab = dims[1]
	cu := tensor.Values[int32](in.CuSeqlens)
	v.bounds = make([]int, len(cu))
	for i, c := range cu {
		v.bounds[i] = int(c)
	}
	if !prefill && tokens != b.Len() {
		return nil, errors.Errorf("decode fed %d tokens for %d requests", tokens, b.Len())
	}
	if out.RaggedCache == nil {
		return nil, errors.New("model returned no cache")
	}
	return v, nil
}

// row returns the logits after the j-th of the chunk tokens row i fed in.
// Padded rows are right-aligned, so their chunk ends at the last column.
func (v *logitsView) row(i, chunk, j int) []float32 {
	var r int
	if v.padded {
		r = i*v.seq + v.seq - chunk + j
	} else {
		r = v.bounds[i] + j
	}
	return v.data[r*v.vocab : (r+1)*v.vocab]
}
