package batch

import (
	"slices"

	"github.com/pkg/errors"

	"github.com/unixsysdev/nano-go-tgi/internal/detok"
	"github.com/unixsysdev/nano-go-tgi/internal/kvcache"
	"github.com/unixsysdev/nano-go-tgi/internal/tensor"
)

// Delta is what one step produced for every row.
type Delta struct {
	NextIDs []int32
	Cursors []detok.Cursor
	// Exactly one cache is set, matching the layout.
	PaddedCache *kvcache.Padded
	RaggedCache *kvcache.Ragged
}

// Advance returns the batch state after d is applied: every row gains one
// token, the next forward pass consumes only those tokens, and the cache
// returned by the model replaces the old one. b is not modified.
func (b *Batch) Advance(d Delta) (*Batch, error) {
	n := b.Len()
	if len(d.NextIDs) != n || len(d.Cursors) != n {
		return nil, errors.Errorf("batch %d: delta has %d ids and %d cursors for %d rows", b.ID, len(d.NextIDs), len(d.Cursors), n)
	}
	out := &Batch{
		ID:           b.ID,
		Layout:       b.Layout,
		Requests:     b.Requests,
		index:        b.index,
		AllInputIDs:  make([][]int32, n),
		InputLengths: make([]int, n),
		Cursors:      append([]detok.Cursor(nil), d.Cursors...),
		Choosers:     b.Choosers,
		Stopping:     b.Stopping,
	}
	pos := make([]int32, n)
	processed := 0
	for i := range b.Requests {
		out.AllInputIDs[i] = append(slices.Clip(b.AllInputIDs[i]), d.NextIDs[i])
		out.InputLengths[i] = b.InputLengths[i] + 1
		// The new token sits right after everything already attended to.
		pos[i] = int32(b.InputLengths[i])
		processed += b.InputLengths[i]
	}
	ids := append([]int32(nil), d.NextIDs...)

	if b.Layout == Ragged {
		if d.RaggedCache == nil {
			return nil, errors.Errorf("batch %d: ragged step returned no cache", b.ID)
		}
		if got := d.RaggedCache.Tokens(); got != processed || len(d.RaggedCache.Segments) != n {
			return nil, errors.Errorf("batch %d: cache holds %d tokens in %d segments, want %d in %d",
				b.ID, got, len(d.RaggedCache.Segments), processed, n)
		}
		out.InputIDs = tensor.FromSlice(ids, n)
		out.PositionIDs = tensor.FromSlice(pos, n)
		out.CuSeqlens = arange(n)
		out.MaxSeqlen = slices.Max(out.InputLengths)
		out.RaggedCache = d.RaggedCache
		return out, nil
	}

	if d.PaddedCache == nil {
		return nil, errors.Errorf("batch %d: padded step returned no cache", b.ID)
	}
	if b.PaddingRightOffset == 0 {
		return nil, errors.Wrapf(kvcache.ErrCapacityExceeded, "batch %d: no reserved column left", b.ID)
	}
	if d.PaddedCache.Batch() != n || d.PaddedCache.SeqLen() != b.MaxInputLength {
		return nil, errors.Errorf("batch %d: cache is %d rows x %d entries, want %d x %d",
			b.ID, d.PaddedCache.Batch(), d.PaddedCache.SeqLen(), n, b.MaxInputLength)
	}
	mask := tensor.Clone[int32](b.AttentionMask)
	mv, width := tensor.Values[int32](mask), mask.Shape()[1]
	for i := 0; i < n; i++ {
		mv[i*width+b.MaxInputLength] = 1
	}
	out.AttentionMask = mask
	out.MaxInputLength = b.MaxInputLength + 1
	out.PaddingRightOffset = b.PaddingRightOffset - 1
	out.InputIDs = tensor.FromSlice(ids, n, 1)
	out.PositionIDs = tensor.FromSlice(pos, n, 1)
	out.PaddedCache = d.PaddedCache
	return out, nil
}
