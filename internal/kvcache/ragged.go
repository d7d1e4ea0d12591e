package kvcache

import (
	"github.com/pkg/errors"

	"github.com/unixsysdev/nano-go-tgi/internal/tensor"
)

// Segment addresses one request inside a Ragged cache: slots
// [Start, Start+Len) are filled, [Start+Len, Start+Cap) are reserved.
type Segment struct {
	Start int
	Len   int
	Cap   int
}

// Ragged packs requests along a slot axis. Every layer holds keys and values
// shaped [slots, heads, head_dim].
type Ragged struct {
	Layers   []Layer
	Segments []Segment
}

// NewRagged allocates empty segments with the given capacities.
func NewRagged(layers, heads, dim int, caps []int) *Ragged {
	segs := make([]Segment, len(caps))
	slots := 0
	for i, c := range caps {
		segs[i] = Segment{Start: slots, Cap: c}
		slots += c
	}
	c := &Ragged{Layers: make([]Layer, layers), Segments: segs}
	for i := range c.Layers {
		c.Layers[i] = Layer{
			Keys:   tensor.Zeros[float32](slots, heads, dim),
			Values: tensor.Zeros[float32](slots, heads, dim),
		}
	}
	return c
}

// Heads is the number of attention heads.
func (c *Ragged) Heads() int { return c.Layers[0].Values.Shape()[1] }

// HeadDim is the width of one head.
func (c *Ragged) HeadDim() int { return c.Layers[0].Values.Shape()[2] }

// Slots is the allocated slot count, reserved space included.
func (c *Ragged) Slots() int { return c.Layers[0].Values.Shape()[0] }

// Tokens is the number of filled slots.
func (c *Ragged) Tokens() int {
	n := 0
	for _, s := range c.Segments {
		n += s.Len
	}
	return n
}

// Append claims the next slot of segment seg and returns its index.
func (c *Ragged) Append(seg int) (int, error) {
	s := &c.Segments[seg]
	if s.Len >= s.Cap {
		return 0, errors.Wrapf(ErrCapacityExceeded, "segment %d holds %d of %d slots", seg, s.Len, s.Cap)
	}
	slot := s.Start + s.Len
	s.Len++
	return slot, nil
}

func (c *Ragged) offset(slot, h, d int) int {
	return (slot*c.Heads()+h)*c.HeadDim() + d
}

// Key reads one key element.
func (c *Ragged) Key(layer, slot, h, d int) float32 {
	return tensor.Values[float32](c.Layers[layer].Keys)[c.offset(slot, h, d)]
}

// SetKey writes one key element.
func (c *Ragged) SetKey(layer, slot, h, d int, v float32) {
	tensor.Values[float32](c.Layers[layer].Keys)[c.offset(slot, h, d)] = v
}

// Value reads one value element.
func (c *Ragged) Value(layer, slot, h, d int) float32 {
	return tensor.Values[float32](c.Layers[layer].Values)[c.offset(slot, h, d)]
}

// SetValue writes one value element.
func (c *Ragged) SetValue(layer, slot, h, d int, v float32) {
	tensor.Values[float32](c.Layers[layer].Values)[c.offset(slot, h, d)] = v
}

// Reserve makes room for extra[i] more entries in segment i. When every
// segment already has the room it is a no-op; otherwise the cache is
// repacked.
func (c *Ragged) Reserve(extra []int) error {
	if len(extra) != len(c.Segments) {
		return errors.Errorf("kvcache: %d reservations for %d segments", len(extra), len(c.Segments))
	}
	fits := true
	caps := make([]int, len(c.Segments))
	for i, s := range c.Segments {
		caps[i] = max(s.Cap, s.Len+extra[i])
		fits = fits && caps[i] == s.Cap
	}
	if fits {
		return nil
	}
	rows := make([]int, len(c.Segments))
	for i := range rows {
		rows[i] = i
	}
	packed := c.repack(rows, caps)
	c.Layers, c.Segments = packed.Layers, packed.Segments
	return nil
}

// Gather returns the given segments, in order, packed without spare room.
func (c *Ragged) Gather(rows []int) (*Ragged, error) {
	caps := make([]int, len(rows))
	for i, r := range rows {
		if r < 0 || r >= len(c.Segments) {
			return nil, errors.Errorf("kvcache: segment %d out of range [0,%d)", r, len(c.Segments))
		}
		caps[i] = c.Segments[r].Len
	}
	return c.repack(rows, caps), nil
}

func (c *Ragged) repack(rows, caps []int) *Ragged {
	out := NewRagged(len(c.Layers), c.Heads(), c.HeadDim(), caps)
	for i, r := range rows {
		src := c.Segments[r]
		out.Segments[i].Len = src.Len
		for l := range c.Layers {
			copySlots(out.Layers[l], out.Segments[i].Start, c.Layers[l], src.Start, src.Len)
		}
	}
	return out
}

func copySlots(dst Layer, dStart int, src Layer, sStart, n int) {
	rs := tensor.RowSize(src.Keys)
	copy(tensor.Values[float32](dst.Keys)[dStart*rs:(dStart+n)*rs], tensor.Values[float32](src.Keys)[sStart*rs:(sStart+n)*rs])
	copy(tensor.Values[float32](dst.Values)[dStart*rs:(dStart+n)*rs], tensor.Values[float32](src.Values)[sStart*rs:(sStart+n)*rs])
}

// ConcatRagged packs the segments of every part, in order, into one cache.
func ConcatRagged(parts []*Ragged) (*Ragged, error) {
	if len(parts) == 0 {
		return nil, errors.New("kvcache: nothing to concatenate")
	}
	first := parts[0]
	var caps []int
	for _, p := range parts {
		if len(p.Layers) != len(first.Layers) || p.Heads() != first.Heads() || p.HeadDim() != first.HeadDim() {
			return nil, errors.Errorf("kvcache: cannot concatenate %d layers x %d heads x %d with %d x %d x %d",
				len(p.Layers), p.Heads(), p.HeadDim(), len(first.Layers), first.Heads(), first.HeadDim())
		}
		for _, s := range p.Segments {
			caps = append(caps, s.Len)
		}
	}
	out := NewRagged(len(first.Layers), first.Heads(), first.HeadDim(), caps)
	i := 0
	for _, p := range parts {
		for _, s := range p.Segments {
			out.Segments[i].Len = s.Len
			for l := range p.Layers {
				copySlots(out.Layers[l], out.Segments[i].Start, p.Layers[l], s.Start, s.Len)
			}
			i++
		}
	}
	return out, nil
}

// SplitHeads cuts c into n caches of Heads()/n heads each. Segments are copied.
func (c *Ragged) SplitHeads(n int) ([]*Ragged, error) {
	out := make([]*Ragged, n)
	for i := range out {
		out[i] = &Ragged{Layers: make([]Layer, len(c.Layers)), Segments: append([]Segment(nil), c.Segments...)}
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

// MergeRaggedHeads is the inverse of SplitHeads. Every shard must report the
// same segments.
func MergeRaggedHeads(parts []*Ragged) (*Ragged, error) {
	if len(parts) == 0 {
		return nil, errors.New("kvcache: nothing to merge")
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	out := &Ragged{Layers: make([]Layer, len(parts[0].Layers)), Segments: append([]Segment(nil), parts[0].Segments...)}
	for i, p := range parts[1:] {
		if len(p.Segments) != len(out.Segments) {
			return nil, errors.Errorf("kvcache: shard %d has %d segments, want %d", i+1, len(p.Segments), len(out.Segments))
		}
		for j, s := range p.Segments {
			if s != out.Segments[j] {
				return nil, errors.Errorf("kvcache: shard %d segment %d is %+v, want %+v", i+1, j, s, out.Segments[j])
			}
		}
	}
	for l := range out.Layers {
		keys := make([]*tensor.Dense, len(parts))
		values := make([]*tensor.Dense, len(parts))
		for i, p := range parts {
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
