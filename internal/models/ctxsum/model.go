// Package ctxsum is a deterministic reference language model.
//
// At every position the model embeds the sum of all attended token ids
// modulo the vocabulary size and projects that embedding through its output
// head. With the identity weights New installs, the most likely next token
// is therefore the sum of the context. Every cache entry stores the token
// and the position it was written for, and each forward pass checks that the
// attended entries are exactly positions 0..n-1, so a mis-aligned cache or
// a wrong position id fails loudly instead of producing plausible text.
package ctxsum

import (
	"context"

	"github.com/pkg/errors"

	"github.com/unixsysdev/nano-go-tgi/internal/engine"
	"github.com/unixsysdev/nano-go-tgi/internal/kvcache"
	"github.com/unixsysdev/nano-go-tgi/internal/layers"
	"github.com/unixsysdev/nano-go-tgi/internal/tensor"
)

// Every head entry holds (token, position).
const headDim = 2

// Config describes the model shape.
type Config struct {
	VocabSize int    `json:"vocab_size"`
	NumLayers int    `json:"num_hidden_layers"`
	NumHeads  int    `json:"num_attention_heads"`
	KeyLayout string `json:"key_layout,omitempty"`
}

// Validate checks the shape.
func (c Config) Validate() error {
	if c.VocabSize <= 0 || c.NumLayers <= 0 || c.NumHeads <= 0 {
		return errors.Errorf("ctxsum: vocab, layers and heads must be positive, got %d/%d/%d", c.VocabSize, c.NumLayers, c.NumHeads)
	}
	_, err := kvcache.ParseKeyLayout(c.KeyLayout)
	return err
}

// Model implements engine.Model. A sharded Model owns a slice of the heads
// and of the output vocabulary.
type Model struct {
	cfg   Config
	keys  kvcache.KeyLayout
	heads int
	embed *layers.Embedding
	head  *layers.Linear
}

var _ engine.Model = (*Model)(nil)

// New builds a model with identity weights.
func New(cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m, err := alloc(cfg)
	if err != nil {
		return nil, err
	}
	v := cfg.VocabSize
	eye := make([]float32, v*v)
	for i := 0; i < v; i++ {
		eye[i*v+i] = 1
	}
	if err := m.embed.LoadWeights(eye); err != nil {
		return nil, err
	}
	if err := m.head.LoadWeights(eye, nil); err != nil {
		return nil, err
	}
	return m, nil
}

func alloc(cfg Config) (*Model, error) {
	keys, err := kvcache.ParseKeyLayout(cfg.KeyLayout)
	if err != nil {
		return nil, err
	}
	embed, err := layers.NewEmbedding(cfg.VocabSize, cfg.VocabSize)
	if err != nil {
		return nil, err
	}
	head, err := layers.NewLinear(cfg.VocabSize, cfg.VocabSize, false)
	if err != nil {
		return nil, err
	}
	return &Model{cfg: cfg, keys: keys, heads: cfg.NumHeads, embed: embed, head: head}, nil
}

// Config returns the full, unsharded shape.
func (m *Model) Config() Config { return m.cfg }

// KeyLayout is the axis order of padded key tensors this model produces.
func (m *Model) KeyLayout() kvcache.KeyLayout { return m.keys }

// Shard returns the rank-th of n tensor-parallel slices of m. The slices
// share the embedding and split heads and output vocabulary evenly.
func (m *Model) Shard(rank, n int) (*Model, error) {
	if n <= 0 || m.heads%n != 0 {
		return nil, errors.Errorf("ctxsum: %d heads cannot be split %d ways", m.heads, n)
	}
	if m.cfg.VocabSize%n != 0 {
		return nil, errors.Errorf("ctxsum: vocabulary of %d cannot be split %d ways", m.cfg.VocabSize, n)
	}
	head, err := m.head.Shard(rank, n)
	if err != nil {
		return nil, err
	}
	return &Model{cfg: m.cfg, keys: m.keys, heads: m.heads / n, embed: m.embed, head: head}, nil
}

// Forward implements engine.Model for both batch layouts.
func (m *Model) Forward(ctx context.Context, in *engine.ForwardInput) (*engine.ForwardOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if in.CuSeqlens != nil {
		return m.forwardRagged(in)
	}
	return m.forwardPadded(in)
}

func (m *Model) forwardPadded(in *engine.ForwardInput) (*engine.ForwardOutput, error) {
	dims := in.InputIDs.Shape()
	if len(dims) != 2 || in.AttentionMask == nil {
		return nil, errors.Errorf("ctxsum: padded input ids %v need a mask", dims)
	}
	rows, seq := dims[0], dims[1]
	width := in.AttentionMask.Shape()[1]

	var c *kvcache.Padded
	switch {
	case in.PaddedCache == nil:
		if width != seq {
			return nil, errors.Errorf("ctxsum: first pass over %d columns with a mask of %d", seq, width)
		}
		c = kvcache.NewPadded(m.keys, m.cfg.NumLayers, rows, m.heads, width, headDim)
	case in.PaddedCache.KeyLayout != m.keys:
		return nil, errors.Errorf("ctxsum: cache keys are %s, model uses %s", in.PaddedCache.KeyLayout, m.keys)
	case in.PaddedCache.SeqLen()+seq != width || in.PaddedCache.Batch() != rows:
		return nil, errors.Errorf("ctxsum: cache of %d x %d plus %d inputs does not match a %d x %d mask",
			in.PaddedCache.Batch(), in.PaddedCache.SeqLen(), seq, rows, width)
	default:
		c = in.PaddedCache.Grow(seq)
	}

	ids := tensor.Values[int32](in.InputIDs)
	pos := tensor.Values[int32](in.PositionIDs)
	mask := tensor.Values[int32](in.AttentionMask)
	first := width - seq
	sums := make([]int32, rows*seq)
	for b := 0; b < rows; b++ {
		for j := 0; j < seq; j++ {
			m.writePadded(c, b, first+j, ids[b*seq+j], pos[b*seq+j])
		}
		attended, sum := 0, 0
		for col := 0; col < width; col++ {
			if mask[b*width+col] == 0 {
				continue
			}
			if got := int(c.Value(0, b, 0, col, 1)); got != attended {
				return nil, errors.Errorf("ctxsum: row %d column %d holds position %d, want %d", b, col, got, attended)
			}
			sum += int(c.Key(m.cfg.NumLayers-1, b, m.heads-1, col, 0))
			attended++
			if col >= first {
				sums[b*seq+col-first] = int32(sum % m.cfg.VocabSize)
			}
		}
	}
	logits, err := m.project(sums)
	if err != nil {
		return nil, err
	}
	return &engine.ForwardOutput{
		Logits:      tensor.FromSlice(logits, rows, seq, m.head.OutputSize()),
		PaddedCache: c,
	}, nil
}

func (m *Model) writePadded(c *kvcache.Padded, b, col int, id, pos int32) {
	for l := range c.Layers {
		for h := 0; h < m.heads; h++ {
			c.SetKey(l, b, h, col, 0, float32(id))
			c.SetKey(l, b, h, col, 1, float32(pos))
			c.SetValue(l, b, h, col, 0, float32(id))
			c.SetValue(l, b, h, col, 1, float32(pos))
		}
	}
}

func (m *Model) forwardRagged(in *engine.ForwardInput) (*engine.ForwardOutput, error) {
	tokens := in.InputIDs.Shape()[0]
	cu := tensor.Values[int32](in.CuSeqlens)
	rows := len(cu) - 1
	if rows <= 0 || int(cu[rows]) != tokens {
		return nil, errors.Errorf("ctxsum: cu_seqlens %v do not cover %d tokens", cu, tokens)
	}

	c := in.RaggedCache
	if c == nil {
		caps := make([]int, rows)
		for r := range caps {
			caps[r] = int(cu[r+1] - cu[r])
			if r < len(in.Preallocate) {
				caps[r] += in.Preallocate[r]
			}
		}
		c = kvcache.NewRagged(m.cfg.NumLayers, m.heads, headDim, caps)
	} else if c.Heads() != m.heads || len(c.Segments) != rows {
		return nil, errors.Errorf("ctxsum: cache has %d heads and %d segments, want %d and %d", c.Heads(), len(c.Segments), m.heads, rows)
	}

	ids := tensor.Values[int32](in.InputIDs)
	pos := tensor.Values[int32](in.PositionIDs)
	sums := make([]int32, tokens)
	for r := 0; r < rows; r++ {
		for t := int(cu[r]); t < int(cu[r+1]); t++ {
			if int(pos[t]) != c.Segments[r].Len {
				return nil, errors.Errorf("ctxsum: request %d token %d has position %d after %d cached entries", r, t, pos[t], c.Segments[r].Len)
			}
			slot, err := c.Append(r)
			if err != nil {
				return nil, err
			}
			m.writeRagged(c, slot, ids[t], pos[t])
			seg := c.Segments[r]
			if seg.Len > in.MaxSeqlen {
				return nil, errors.Errorf("ctxsum: request %d spans %d entries, max_seqlen is %d", r, seg.Len, in.MaxSeqlen)
			}
			sum := 0
			for s := seg.Start; s <= slot; s++ {
				if got := int(c.Value(0, s, 0, 1)); got != s-seg.Start {
					return nil, errors.Errorf("ctxsum: request %d slot %d holds position %d, want %d", r, s, got, s-seg.Start)
				}
				sum += int(c.Key(m.cfg.NumLayers-1, s, m.heads-1, 0))
			}
			sums[t] = int32(sum % m.cfg.VocabSize)
		}
	}
	logits, err := m.project(sums)
	if err != nil {
		return nil, err
	}
	return &engine.ForwardOutput{
		Logits:      tensor.FromSlice(logits, tokens, m.head.OutputSize()),
		RaggedCache: c,
	}, nil
}

func (m *Model) writeRagged(c *kvcache.Ragged, slot int, id, pos int32) {
	for l := range c.Layers {
		for h := 0; h < m.heads; h++ {
			c.SetKey(l, slot, h, 0, float32(id))
			c.SetKey(l, slot, h, 1, float32(pos))
			c.SetValue(l, slot, h, 0, float32(id))
			c.SetValue(l, slot, h, 1, float32(pos))
		}
	}
}

// project embeds every context sum and applies the output head.
func (m *Model) project(sums []int32) ([]float32, error) {
	hidden, err := m.embed.Forward(sums)
	if err != nil {
		return nil, errors.Wrap(err, "ctxsum: embed")
	}
	logits, err := m.head.Forward(hidden)
	if err != nil {
		return nil, errors.Wrap(err, "ctxsum: output head")
	}
	return tensor.Values[float32](logits), nil
}
