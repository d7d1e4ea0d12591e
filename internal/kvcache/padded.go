package kvcache

import (
	"github.com/pkg/errors"

	"github.com/unixsysdev/nano-go-tgi/internal/tensor"
)

// Padded is a growable per-row cache. Every layer holds a key tensor laid out
// by KeyLayout and a [batch, heads, seq, head_dim] value tensor.
type Padded struct {
	KeyLayout KeyLayout
	Layers    []Layer
}

// NewPadded allocates a zeroed cache.
func NewPadded(kl KeyLayout, layers, batch, heads, seq, dim int) *Padded {
	c := &Padded{KeyLayout: kl, Layers: make([]Layer, layers)}
	for i := range c.Layers {
		c.Layers[i] = Layer{
			Keys:   tensor.Zeros[float32](kl.keys().shape(batch, heads, seq, dim)...),
			Values: tensor.Zeros[float32](valueDesc.shape(batch, heads, seq, dim)...),
		}
	}
	return c
}

// Batch is the number of rows.
func (c *Padded) Batch() int { return c.Layers[0].Values.Shape()[0] }

// Heads is the number of attention heads per row.
func (c *Padded) Heads() int { return c.Layers[0].Values.Shape()[1] }

// SeqLen is the number of cached entries per row, padding included.
func (c *Padded) SeqLen() int { return c.Layers[0].Values.Shape()[2] }

// HeadDim is the width of one head.
func (c *Padded) HeadDim() int { return c.Layers[0].Values.Shape()[3] }

// Key reads one key element.
func (c *Padded) Key(layer, b, h, s, d int) float32 {
	t := c.Layers[layer].Keys
	return tensor.Values[float32](t)[c.KeyLayout.keys().index(t.Shape(), b, h, s, d)]
}

// SetKey writes one key element.
func (c *Padded) SetKey(layer, b, h, s, d int, v float32) {
	t := c.Layers[layer].Keys
	tensor.Values[float32](t)[c.KeyLayout.keys().index(t.Shape(), b, h, s, d)] = v
}

// Value reads one value element.
func (c *Padded) Value(layer, b, h, s, d int) float32 {
	t := c.Layers[layer].Values
	return tensor.Values[float32](t)[valueDesc.index(t.Shape(), b, h, s, d)]
}

// SetValue writes one value element.
func (c *Padded) SetValue(layer, b, h, s, d int, v float32) {
	t := c.Layers[layer].Values
	tensor.Values[float32](t)[valueDesc.index(t.Shape(), b, h, s, d)] = v
}

// Grow returns a copy of c with n zeroed entries appended to every row.
func (c *Padded) Grow(n int) *Padded {
	seq := c.SeqLen()
	out := NewPadded(c.KeyLayout, len(c.Layers), c.Batch(), c.Heads(), seq+n, c.HeadDim())
	for l, layer := range c.Layers {
		for b := 0; b < c.Batch(); b++ {
			c.KeyLayout.keys().copySeq(out.Layers[l].Keys, b, 0, layer.Keys, b, 0, seq)
			valueDesc.copySeq(out.Layers[l].Values, b, 0, layer.Values, b, 0, seq)
		}
	}
	return out
}

// Gather returns the given rows, in order, keeping only the last keep
// entries of each.
func (c *Padded) Gather(rows []int, keep int) (*Padded, error) {
	seq := c.SeqLen()
	if keep < 0 || keep > seq {
		return nil, errors.Errorf("kvcache: cannot keep %d of %d entries", keep, seq)
	}
	out := NewPadded(c.KeyLayout, len(c.Layers), len(rows), c.Heads(), keep, c.HeadDim())
	for l, layer := range c.Layers {
		for i, r := range rows {
			if r < 0 || r >= c.Batch() {
				return nil, errors.Errorf("kvcache: row %d out of range [0,%d)", r, c.Batch())
			}
			c.KeyLayout.keys().copySeq(out.Layers[l].Keys, i, 0, layer.Keys, r, seq-keep, keep)
			valueDesc.copySeq(out.Layers[l].Values, i, 0, layer.Values, r, seq-keep, keep)
		}
	}
	return out, nil
}

// ConcatPadded stacks the rows of parts into a fresh cache of seq entries per
// row. Every part is right-aligned: its last entry lands on the last column.
func ConcatPadded(parts []*Padded, seq int) (*Padded, error) {
	if len(parts) == 0 {
		return nil, errors.New("kvcache: nothing to concatenate")
	}
	first := parts[0]
	total := 0
	for _, p := range parts {
		if p.KeyLayout != first.KeyLayout {
			return nil, errors.Errorf("kvcache: key layout %s does not match %s", p.KeyLayout, first.KeyLayout)
		}
		if len(p.Layers) != len(first.Layers) || p.Heads() != first.Heads() || p.HeadDim() != first.HeadDim() {
			return nil, errors.Errorf("kvcache: cannot concatenate %d layers x %d heads x %d with %d x %d x %d",
				len(p.Layers), p.Heads(), p.HeadDim(), len(first.Layers), first.Heads(), first.HeadDim())
		}
		if p.SeqLen() > seq {
			return nil, errors.Errorf("kvcache: part holds %d entries, destination only %d", p.SeqLen(), seq)
		}
		total += p.Batch()
	}

	out := NewPadded(first.KeyLayout, len(first.Layers), total, first.Heads(), seq, first.HeadDim())
	start := 0
	for _, p := range parts {
		n, off := p.SeqLen(), seq-p.SeqLen()
		for l, layer := range p.Layers {
			for b := 0; b < p.Batch(); b++ {
				p.KeyLayout.keys().copySeq(out.Layers[l].Keys, start+b, off, layer.Keys, b, 0, n)
				valueDesc.copySeq(out.Layers[l].Values, start+b, off, layer.Values, b, 0, n)
			}
		}
		start += p.Batch()
	}
	return out, nil
}

// SplitHeads cuts c into n caches of Heads()/n heads each.
func (c *Padded) SplitHeads(n int) ([]*Padded, error) {
	out := make([]*Padded, n)
	for i := range out {
		out[i] = &Padded{KeyLayout: c.KeyLayout, Layers: make([]Layer, len(c.Layers))}
	}
	for l, layer := range c.Layers {
		keys, err := tensor.Split[float32](layer.Keys, 1, n)
		if err != nil {
			return nil, errors.Wrap(err, "kvcache: split keys")
		}
		values, err := tensor.Split[float32](layer.Values, 1, n)
		if err != nil {
			return nil, errors.Wrap(err, "kvcache: split values")
		}
		for i := range out {
			out[i].Layers[l] = Layer{Keys: keys[i], Values: values[i]}
		}
	}
	return out, nil
}

// MergePaddedHeads is the inverse of SplitHeads.
func MergePaddedHeads(parts []*Padded) (*Padded, error) {
	if len(parts) == 0 {
		return nil, errors.New("kvcache: nothing to merge")
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	out := &Padded{KeyLayout: parts[0].KeyLayout, Layers: make([]Layer, len(parts[0].Layers))}
	for l := range out.Layers {
		keys := make([]*tensor.Dense, len(parts))
		values := make([]*tensor.Dense, len(parts))
		for i, p := range parts {
			if len(p.Layers) != len(out.Layers) {
				return nil, errors.Errorf("kvcache: shard %d has %d layers, want %d", i, len(p.Layers), len(out.Layers))
			}
			keys[i], values[i] = p.Layers[l].Keys, p.Layers[l].Values
		}
		k, err := tensor.Concat[float32](1, keys...)
		if err != nil {
			return nil, errors.Wrap(err, "kvcache: merge keys")
		}
		v, err := tensor.Concat[float32](1, values...)
		if err != nil {
			return nil, errors.Wrap(err, "kvcache: merge values")
		}
		out.Layers[l] = Layer{Keys: k, Values: v}
	}
	return out, nil
}
