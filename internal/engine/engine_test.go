package engine

import (
	"context"
	"math"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unixsysdev/nano-go-tgi/internal/batch"
	"github.com/unixsysdev/nano-go-tgi/internal/kvcache"
	"github.com/unixsysdev/nano-go-tgi/internal/metrics"
	"github.com/unixsysdev/nano-go-tgi/internal/sampling"
	"github.com/unixsysdev/nano-go-tgi/internal/stopping"
	"github.com/unixsysdev/nano-go-tgi/internal/tensor"
	"github.com/unixsysdev/nano-go-tgi/pkg/tokenizer"
)

var (
	toyVocab = map[int32]string{1: "H", 2: "e", 3: "l", 5: "o", 7: " ", 99: "!"}
	toyIDs   = map[rune]int32{'H': 1, 'e': 2, 'l': 3, 'o': 5, ' ': 7, '!': 99}
)

// toyTokenizer maps a handful of characters to fixed ids.
type toyTokenizer struct{ eos []int32 }

func (t toyTokenizer) Encode(text string, truncate int) ([]int32, error) {
	var ids []int32
	for _, r := range text {
		id, ok := toyIDs[r]
		if !ok {
			return nil, errors.Errorf("no id for %q", r)
		}
		ids = append(ids, id)
	}
	return tokenizer.Truncate(ids, truncate), nil
}

func (t toyTokenizer) Decode(ids []int32, skipSpecial bool) (string, error) {
	var out []byte
	for _, id := range ids {
		if skipSpecial && t.IsSpecial(id) {
			continue
		}
		s, ok := toyVocab[id]
		if !ok {
			return "", errors.Errorf("unknown id %d", id)
		}
		out = append(out, s...)
	}
	return string(out), nil
}

func (t toyTokenizer) BatchDecode(seqs [][]int32, skipSpecial bool) ([]string, error) {
	out := make([]string, len(seqs))
	for i, s := range seqs {
		var err error
		if out[i], err = t.Decode(s, skipSpecial); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (t toyTokenizer) IsSpecial(id int32) bool { return slices.Contains(t.eos, id) }
func (t toyTokenizer) SpecialIDs() []int32     { return t.eos }
func (t toyTokenizer) EOS() []int32            { return t.eos }

// fakeModel produces logits that favor one token per row and a cache that
// grows by exactly what the batch expects. A shard covers the vocabulary
// ids [offset, offset+vocab).
type fakeModel struct {
	vocab, offset, heads int
	favor                []int32
	inputs               []*ForwardInput
	// keys records the ragged key storage each decode step ran against.
	keys []*tensor.Dense
}

func newFake() *fakeModel { return &fakeModel{vocab: 100, heads: 2} }

func (m *fakeModel) favored(row int) int32 {
	if row < len(m.favor) {
		return m.favor[row]
	}
	return 99
}

func (m *fakeModel) hot(logits []float32, r, row int) {
	if id := int(m.favored(row)) - m.offset; id >= 0 && id < m.vocab {
		logits[r*m.vocab+id] = 10
	}
}

func (m *fakeModel) Forward(_ context.Context, in *ForwardInput) (*ForwardOutput, error) {
	m.inputs = append(m.inputs, in)
	if in.CuSeqlens == nil {
		dims := in.InputIDs.Shape()
		rows, seq := dims[0], dims[1]
		logits := make([]float32, rows*seq*m.vocab)
		for b := 0; b < rows; b++ {
			for s := 0; s < seq; s++ {
				m.hot(logits, b*seq+s, b)
			}
		}
		width := in.AttentionMask.Shape()[1]
		var c *kvcache.Padded
		if in.PaddedCache == nil {
			c = kvcache.NewPadded(kvcache.HeadDimLast, 1, rows, m.heads, width, 1)
		} else {
			c = in.PaddedCache.Grow(1)
		}
		if c.SeqLen() != width {
			return nil, errors.Errorf("cache holds %d entries for a mask of %d", c.SeqLen(), width)
		}
		return &ForwardOutput{Logits: tensor.FromSlice(logits, rows, seq, m.vocab), PaddedCache: c}, nil
	}

	tokens := in.InputIDs.Shape()[0]
	cu := tensor.Values[int32](in.CuSeqlens)
	rows := len(cu) - 1
	logits := make([]float32, tokens*m.vocab)
	for r := 0; r < rows; r++ {
		for t := cu[r]; t < cu[r+1]; t++ {
			m.hot(logits, int(t), r)
		}
	}
	c := in.RaggedCache
	if c != nil {
		m.keys = append(m.keys, c.Layers[0].Keys)
	}
	if c == nil {
		caps := make([]int, rows)
		for r := range caps {
			caps[r] = int(cu[r+1] - cu[r])
			if in.Preallocate != nil {
				caps[r] += in.Preallocate[r]
			}
		}
		c = kvcache.NewRagged(1, m.heads, 1, caps)
	}
	for r := 0; r < rows; r++ {
		for t := cu[r]; t < cu[r+1]; t++ {
			if _, err := c.Append(r); err != nil {
				return nil, err
			}
		}
	}
	return &ForwardOutput{Logits: tensor.FromSlice(logits, tokens, m.vocab), RaggedCache: c}, nil
}

func request(id uint64, prompt string, maxNew int) batch.Request {
	return batch.Request{ID: id, Inputs: prompt, Stopping: stopping.Params{MaxNewTokens: maxNew}}
}

func newEngine(t *testing.T, m Model, opts ...Option) *Engine {
	t.Helper()
	e, err := New(m, toyTokenizer{}, opts...)
	require.NoError(t, err)
	return e
}

func build(t *testing.T, e *Engine, layout batch.Layout, reqs ...batch.Request) *batch.Batch {
	t.Helper()
	b, err := batch.Build(1, layout, reqs, e.Tokenizer())
	require.NoError(t, err)
	return b
}

// drain steps b until it retires and returns the events of every step.
func drain(t *testing.T, e *Engine, b *batch.Batch) [][]Generation {
	t.Helper()
	var steps [][]Generation
	for b != nil {
		gens, next, err := e.Step(context.Background(), b)
		require.NoError(t, err)
		steps = append(steps, gens)
		b = next
	}
	return steps
}

var layouts = []batch.Layout{batch.Padded, batch.Ragged}

func TestHelloExample(t *testing.T) {
	// Every prompt token gets logit 0 against 10 for the favored id.
	want := float32(-math.Log(99 + math.Exp(10)))
	for _, layout := range layouts {
		t.Run(layout.String(), func(t *testing.T) {
			e := newEngine(t, newFake())
			b := build(t, e, layout, request(1, "Hello", 2))

			gens, next, err := e.Step(context.Background(), b)
			require.NoError(t, err)
			require.Len(t, gens, 1)
			g := gens[0]
			require.NotNil(t, g.Prefill)
			assert.Equal(t, []int32{1, 2, 3, 3, 5}, g.Prefill.IDs)
			assert.Equal(t, []string{"H", "e", "l", "l", "o"}, g.Prefill.Texts)
			require.Len(t, g.Prefill.Logprobs, 5)
			assert.True(t, math.IsNaN(float64(g.Prefill.Logprobs[0])))
			for _, lp := range g.Prefill.Logprobs[1:] {
				assert.InDelta(t, want, lp, 1e-4)
			}
			assert.Equal(t, int32(99), g.TokenID)
			assert.Equal(t, "!", g.TokenText)
			assert.False(t, g.TokenIsSpecial)
			assert.Less(t, g.TokenLogprob, float32(0))
			assert.Greater(t, g.TokenLogprob, float32(-0.01))
			assert.Nil(t, g.Generated)
			require.NotNil(t, next)

			gens, next, err = e.Step(context.Background(), next)
			require.NoError(t, err)
			assert.Nil(t, next)
			require.Len(t, gens, 1)
			g = gens[0]
			assert.Nil(t, g.Prefill)
			assert.Equal(t, "!", g.TokenText)
			require.NotNil(t, g.Generated)
			assert.Equal(t, stopping.Length, g.Generated.FinishReason)
			assert.Equal(t, 2, g.Generated.GeneratedTokens)
			assert.Equal(t, "!!", g.Generated.Text)
			assert.Nil(t, g.Generated.Seed)
			assert.True(t, g.Done())
		})
	}
}

func TestPaddedStepStripsReservedColumns(t *testing.T) {
	m := newFake()
	e := newEngine(t, m)
	b := build(t, e, batch.Padded, request(1, "He", 3), request(2, "Hello", 1))
	require.Equal(t, 5+3, b.AttentionMask.Shape()[1])

	drain(t, e, b)
	require.Len(t, m.inputs, 3)
	assert.Equal(t, []int{2, 5}, tensor.Dims(m.inputs[0].AttentionMask))
	assert.Equal(t, []int{2, 6}, tensor.Dims(m.inputs[1].AttentionMask))
	assert.Equal(t, []int{2, 1}, tensor.Dims(m.inputs[1].InputIDs))
	assert.Equal(t, []int32{2, 5}, tensor.Values[int32](m.inputs[1].PositionIDs))
	assert.Equal(t, []int32{3, 6}, tensor.Values[int32](m.inputs[2].PositionIDs))
}

func TestStoppedRowsAreCarriedSilently(t *testing.T) {
	for _, layout := range layouts {
		t.Run(layout.String(), func(t *testing.T) {
			e := newEngine(t, newFake())
			b := build(t, e, layout, request(1, "Hello", 1), request(2, "He", 3))
			steps := drain(t, e, b)
			require.Len(t, steps, 3)

			ids := func(gens []Generation) []uint64 {
				var out []uint64
				for _, g := range gens {
					out = append(out, g.RequestID)
				}
				return out
			}
			assert.Equal(t, []uint64{1, 2}, ids(steps[0]))
			assert.Equal(t, []uint64{2}, ids(steps[1]))
			assert.Equal(t, []uint64{2}, ids(steps[2]))
			require.NotNil(t, steps[0][0].Generated)
			require.NotNil(t, steps[2][0].Generated)
			assert.Equal(t, "!!!", steps[2][0].Generated.Text)
		})
	}
}

func TestForwardFailureIsBatchFatal(t *testing.T) {
	boom := errors.New("device lost")
	e := newEngine(t, ModelFunc(func(context.Context, *ForwardInput) (*ForwardOutput, error) {
		return nil, boom
	}))
	b := build(t, e, batch.Ragged, request(1, "Hello", 2))
	gens, next, err := e.Step(context.Background(), b)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrForward))
	assert.True(t, errors.Is(err, boom))
	var fe *ForwardError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, uint64(1), fe.BatchID)
	assert.Nil(t, gens)
	assert.Nil(t, next)
}

func TestBadLogitsShapeIsBatchFatal(t *testing.T) {
	e := newEngine(t, ModelFunc(func(_ context.Context, in *ForwardInput) (*ForwardOutput, error) {
		return &ForwardOutput{Logits: tensor.Zeros[float32](1, 4), RaggedCache: kvcache.NewRagged(1, 1, 1, []int{5})}, nil
	}))
	b := build(t, e, batch.Ragged, request(1, "Hello", 2))
	_, _, err := e.Step(context.Background(), b)
	assert.True(t, errors.Is(err, ErrForward))
}

func TestRequestFailureKeepsBatchRunning(t *testing.T) {
	for _, layout := range layouts {
		t.Run(layout.String(), func(t *testing.T) {
			m := newFake()
			// 42 has no text, so decoding it fails for row 1 only.
			m.favor = []int32{99, 42}
			e := newEngine(t, m, WithMetrics(metrics.New(nil)))
			b := build(t, e, layout, request(1, "Hello", 3), request(2, "He", 3))

			gens, next, err := e.Step(context.Background(), b)
			require.NoError(t, err)
			require.Len(t, gens, 2)
			assert.NoError(t, gens[0].Err)
			require.Error(t, gens[1].Err)
			assert.True(t, gens[1].Done())
			assert.Contains(t, gens[1].Err.Error(), "request 2")
			require.NotNil(t, next)
			assert.True(t, next.Stopping[1].Stopped())

			gens, _, err = e.Step(context.Background(), next)
			require.NoError(t, err)
			require.Len(t, gens, 1)
			assert.Equal(t, uint64(1), gens[0].RequestID)
		})
	}
}

func TestEOSAndStopSequence(t *testing.T) {
	e, err := New(newFake(), toyTokenizer{eos: []int32{99}})
	require.NoError(t, err)
	b, err := batch.Build(1, batch.Ragged, []batch.Request{request(1, "Hello", 5)}, e.Tokenizer())
	require.NoError(t, err)
	steps := drain(t, e, b)
	require.Len(t, steps, 1)
	g := steps[0][0]
	assert.True(t, g.TokenIsSpecial)
	require.NotNil(t, g.Generated)
	assert.Equal(t, stopping.EOSToken, g.Generated.FinishReason)
	assert.Equal(t, "", g.Generated.Text)

	e = newEngine(t, newFake())
	r := request(2, "Hello", 10)
	r.Stopping.StopSequences = []string{"!!!"}
	steps = drain(t, e, build(t, e, batch.Padded, r))
	require.Len(t, steps, 3)
	last := steps[2][0]
	require.NotNil(t, last.Generated)
	assert.Equal(t, stopping.StopSequence, last.Generated.FinishReason)
	assert.Equal(t, 3, last.Generated.GeneratedTokens)
}

func TestSamplingSeedIsReported(t *testing.T) {
	seed := uint64(7)
	r := request(1, "Hello", 1)
	r.Parameters = sampling.Params{DoSample: true, TopK: 1, Seed: &seed}
	e := newEngine(t, newFake())
	steps := drain(t, e, build(t, e, batch.Ragged, r))
	g := steps[0][0]
	require.NotNil(t, g.Generated)
	require.NotNil(t, g.Generated.Seed)
	assert.Equal(t, seed, *g.Generated.Seed)
}

func TestPreallocateMatchesGeneralPath(t *testing.T) {
	general := newFake()
	eg := newEngine(t, general)
	fast := newFake()
	ef := newEngine(t, fast, WithCapability(Capability{Preallocate: true}))

	want := drain(t, eg, build(t, eg, batch.Ragged, request(1, "Hello", 3)))
	got := drain(t, ef, build(t, ef, batch.Ragged, request(1, "Hello", 3)))
	if diff := cmp.Diff(want, got, cmpopts.EquateNaNs(), cmpopts.EquateErrors()); diff != "" {
		t.Fatalf("preallocated run differs (-general +prealloc):\n%s", diff)
	}

	assert.Nil(t, general.inputs[0].Preallocate)
	assert.Equal(t, []int{3}, fast.inputs[0].Preallocate)
	// The preallocated segment never needs to be repacked.
	for _, in := range fast.inputs[1:] {
		assert.Equal(t, 5+3, in.RaggedCache.Slots())
	}
	// The general path grows the cache once, by the remaining budget.
	assert.Equal(t, 5+2, general.inputs[len(general.inputs)-1].RaggedCache.Slots())
	require.Len(t, general.keys, 2)
	assert.Same(t, general.keys[0], general.keys[1])
}

func TestMergedRaggedBatchRepacksOnce(t *testing.T) {
	m := newFake()
	e := newEngine(t, m)
	prefill := func(id uint64, r batch.Request) *batch.Batch {
		b, err := batch.Build(id, batch.Ragged, []batch.Request{r}, e.Tokenizer())
		require.NoError(t, err)
		_, next, err := e.Step(context.Background(), b)
		require.NoError(t, err)
		require.NotNil(t, next)
		return next
	}
	merged, err := batch.Concatenate([]*batch.Batch{
		prefill(1, request(1, "Hello", 5)),
		prefill(2, request(2, "He", 5)),
	})
	require.NoError(t, err)
	for _, seg := range merged.RaggedCache.Segments {
		require.Equal(t, seg.Len, seg.Cap, "concatenation packs without spare room")
	}

	m.keys = nil
	steps := drain(t, e, merged)
	require.Len(t, steps, 4)
	require.Len(t, m.keys, 4)
	for i, k := range m.keys[1:] {
		assert.Same(t, m.keys[0], k, "decode step %d repacked the cache", i+2)
	}
	assert.Equal(t, (5+4)+(2+4), merged.RaggedCache.Slots())
}

func TestPreallocateOnlyForLoneRequests(t *testing.T) {
	m := newFake()
	e := newEngine(t, m, WithCapability(Capability{Preallocate: true}))
	drain(t, e, build(t, e, batch.Ragged, request(1, "Hello", 2), request(2, "He", 2)))
	assert.Nil(t, m.inputs[0].Preallocate)
}

func TestTensorParallelMatchesSingleModel(t *testing.T) {
	for _, layout := range layouts {
		t.Run(layout.String(), func(t *testing.T) {
			single := newEngine(t, newFake())
			tp, err := NewTensorParallel(
				&fakeModel{vocab: 50, offset: 0, heads: 1},
				&fakeModel{vocab: 50, offset: 50, heads: 1},
			)
			require.NoError(t, err)
			assert.Equal(t, 2, tp.Size())
			sharded := newEngine(t, tp)

			reqs := []batch.Request{request(1, "Hello", 3), request(2, "He", 2)}
			want := drain(t, single, build(t, single, layout, reqs...))
			got := drain(t, sharded, build(t, sharded, layout, reqs...))
			if diff := cmp.Diff(want, got, cmpopts.EquateNaNs(), cmpopts.EquateErrors()); diff != "" {
				t.Fatalf("sharded run differs (-single +sharded):\n%s", diff)
			}
		})
	}
}

func TestTensorParallelShardFailure(t *testing.T) {
	tp, err := NewTensorParallel(
		&fakeModel{vocab: 50, heads: 1},
		ModelFunc(func(context.Context, *ForwardInput) (*ForwardOutput, error) {
			return nil, errors.New("shard down")
		}),
	)
	require.NoError(t, err)
	e := newEngine(t, tp)
	_, _, err = e.Step(context.Background(), build(t, e, batch.Padded, request(1, "Hello", 2)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrForward))
	assert.Contains(t, err.Error(), "shard 1")
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, toyTokenizer{})
	assert.Error(t, err)
	_, err = New(newFake(), nil)
	assert.Error(t, err)
	_, err = New(newFake(), toyTokenizer{}, WithPrefixWindow(-1))
	assert.Error(t, err)
	_, err = NewTensorParallel()
	assert.Error(t, err)
}
