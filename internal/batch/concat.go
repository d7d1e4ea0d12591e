package batch

import (
	"github.com/pkg/errors"

	"github.com/unixsysdev/nano-go-tgi/internal/kvcache"
	"github.com/unixsysdev/nano-go-tgi/internal/tensor"
)

// Concatenate merges batches into one, keeping their row order. Every input
// must have completed a forward pass. The inputs are consumed.
func Concatenate(batches []*Batch) (*Batch, error) {
	switch len(batches) {
	case 0:
		return nil, ErrEmptyBatch
	case 1:
		if b := batches[0]; !b.Prefilled() {
			return nil, errors.Wrapf(ErrNotPrefilled, "batch %d", b.ID)
		}
		return batches[0], nil
	}
	first := batches[0]
	out := &Batch{ID: first.ID, Layout: first.Layout}
	for _, b := range batches {
		if b.Layout != first.Layout {
			return nil, errors.Wrapf(ErrLayoutMismatch, "batch %d is %s, batch %d is %s", b.ID, b.Layout, first.ID, first.Layout)
		}
		if !b.Prefilled() {
			return nil, errors.Wrapf(ErrNotPrefilled, "batch %d", b.ID)
		}
		out.Requests = append(out.Requests, b.Requests...)
		out.AllInputIDs = append(out.AllInputIDs, b.AllInputIDs...)
		out.InputLengths = append(out.InputLengths, b.InputLengths...)
		out.Cursors = append(out.Cursors, b.Cursors...)
		out.Choosers = append(out.Choosers, b.Choosers...)
		out.Stopping = append(out.Stopping, b.Stopping...)
	}
	if err := out.rebuildIndex(); err != nil {
		return nil, err
	}

	ids := make([]*tensor.Dense, len(batches))
	pos := make([]*tensor.Dense, len(batches))
	for i, b := range batches {
		ids[i], pos[i] = b.InputIDs, b.PositionIDs
	}
	var err error
	if out.InputIDs, err = tensor.Concat[int32](0, ids...); err != nil {
		return nil, errors.Wrap(err, "concatenate input ids")
	}
	if out.PositionIDs, err = tensor.Concat[int32](0, pos...); err != nil {
		return nil, errors.Wrap(err, "concatenate position ids")
	}

	if first.Layout == Ragged {
		err = concatRagged(out, batches)
	} else {
		err = concatPadded(out, batches)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// concatPadded right-aligns every source so that the newest token of each
// request lands in the last in-use column of the merged mask.
func concatPadded(out *Batch, batches []*Batch) error {
	maxIn, right := 0, 0
	for _, b := range batches {
		maxIn = max(maxIn, b.MaxInputLength)
		right = max(right, b.PaddingRightOffset)
	}
	width := maxIn + right
	mask := make([]int32, out.Len()*width)
	row := 0
	caches := make([]*kvcache.Padded, len(batches))
	for i, b := range batches {
		if b.PaddedCache.KeyLayout != batches[0].PaddedCache.KeyLayout {
			return errors.Wrapf(ErrLayoutMismatch, "batch %d keys are %s, batch %d keys are %s",
				b.ID, b.PaddedCache.KeyLayout, batches[0].ID, batches[0].PaddedCache.KeyLayout)
		}
		src := tensor.Values[int32](b.AttentionMask)
		srcWidth := b.AttentionMask.Shape()[1]
		off := maxIn - b.MaxInputLength
		for r := 0; r < b.Len(); r++ {
			copy(mask[(row+r)*width+off:(row+r)*width+maxIn], src[r*srcWidth:r*srcWidth+b.MaxInputLength])
		}
		row += b.Len()
		caches[i] = b.PaddedCache
	}
	out.AttentionMask = tensor.FromSlice(mask, out.Len(), width)
	out.MaxInputLength = maxIn
	out.PaddingRightOffset = right

	var err error
	if out.PaddedCache, err = kvcache.ConcatPadded(caches, maxIn-1); err != nil {
		return errors.Wrap(err, "concatenate cache")
	}
	return nil
}

func concatRagged(out *Batch, batches []*Batch) error {
	caches := make([]*kvcache.Ragged, len(batches))
	for i, b := range batches {
		out.MaxSeqlen = max(out.MaxSeqlen, b.MaxSeqlen)
		caches[i] = b.RaggedCache
	}
	out.CuSeqlens = arange(out.Len())

	var err error
	if out.RaggedCache, err = kvcache.ConcatRagged(caches); err != nil {
		return errors.Wrap(err, "concatenate cache")
	}
	return nil
}
