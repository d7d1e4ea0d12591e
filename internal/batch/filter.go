package batch

import (
	"github.com/pkg/errors"

	"github.com/unixsysdev/nano-go-tgi/internal/detok"
	"github.com/unixsysdev/nano-go-tgi/internal/sampling"
	"github.com/unixsysdev/nano-go-tgi/internal/stopping"
	"github.com/unixsysdev/nano-go-tgi/internal/tensor"
)

// Filter keeps only the requests in ids, in that order. When ids names every
// request of the batch, b itself is returned. Otherwise a new Batch with its
// own tensors is built and the caller should drop b.
func (b *Batch) Filter(ids []uint64) (*Batch, error) {
	if len(ids) == 0 {
		return nil, ErrEmptyFilter
	}
	keep := make([]int, len(ids))
	seen := make(map[uint64]struct{}, len(ids))
	for i, id := range ids {
		row, ok := b.index.Get(id)
		if !ok {
			return nil, errors.Wrapf(ErrUnknownRequest, "request %d", id)
		}
		if _, dup := seen[id]; dup {
			return nil, errors.Wrapf(ErrDuplicateRequest, "request %d", id)
		}
		seen[id] = struct{}{}
		keep[i] = row
	}
	if len(keep) == b.Len() {
		return b, nil
	}

	out := &Batch{
		ID:           b.ID,
		Layout:       b.Layout,
		Requests:     make([]Request, len(keep)),
		AllInputIDs:  make([][]int32, len(keep)),
		InputLengths: make([]int, len(keep)),
		Cursors:      make([]detok.Cursor, len(keep)),
		Choosers:     make([]*sampling.Chooser, len(keep)),
		Stopping:     make([]*stopping.Criteria, len(keep)),
	}
	for i, row := range keep {
		out.Requests[i] = b.Requests[row]
		out.AllInputIDs[i] = b.AllInputIDs[row]
		out.InputLengths[i] = b.InputLengths[row]
		out.Cursors[i] = b.Cursors[row]
		out.Choosers[i] = b.Choosers[row]
		out.Stopping[i] = b.Stopping[row]
	}
	if err := out.rebuildIndex(); err != nil {
		return nil, err
	}

	var err error
	if b.Layout == Ragged {
		err = b.filterRagged(out, keep)
	} else {
		err = b.filterPadded(out, keep)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "filter batch %d", b.ID)
	}
	return out, nil
}

// filterPadded gathers the kept rows and drops the columns that became pure
// padding: only the last MaxInputLength in-use columns survive, followed by
// as many reserved columns as the kept requests may still need.
func (b *Batch) filterPadded(out *Batch, keep []int) error {
	maxIn, right := 0, 0
	for i := range keep {
		maxIn = max(maxIn, out.InputLengths[i])
		right = max(right, out.Stopping[i].Remaining())
	}
	used := b.MaxInputLength

	mask, err := tensor.GatherRows[int32](b.AttentionMask, keep)
	if err != nil {
		return err
	}
	if mask, err = tensor.Narrow[int32](mask, 1, used-maxIn, used); err != nil {
		return err
	}
	if right > 0 {
		if mask, err = tensor.Concat[int32](1, mask, tensor.Zeros[int32](len(keep), right)); err != nil {
			return err
		}
	}
	out.AttentionMask = mask
	out.MaxInputLength = maxIn
	out.PaddingRightOffset = right

	ids, err := tensor.GatherRows[int32](b.InputIDs, keep)
	if err != nil {
		return err
	}
	pos, err := tensor.GatherRows[int32](b.PositionIDs, keep)
	if err != nil {
		return err
	}
	if !b.Prefilled() {
		if ids, err = tensor.Narrow[int32](ids, 1, used-maxIn, used); err != nil {
			return err
		}
		if pos, err = tensor.Narrow[int32](pos, 1, used-maxIn, used); err != nil {
			return err
		}
	}
	out.InputIDs, out.PositionIDs = ids, pos

	if b.PaddedCache != nil {
		if out.PaddedCache, err = b.PaddedCache.Gather(keep, maxIn-1); err != nil {
			return err
		}
	}
	return nil
}

// filterRagged slices every kept request's tokens out of the packed inputs.
func (b *Batch) filterRagged(out *Batch, keep []int) error {
	cu := b.raggedBounds()
	srcIDs := tensor.Values[int32](b.InputIDs)
	srcPos := tensor.Values[int32](b.PositionIDs)
	var ids, pos []int32
	bounds := make([]int32, 1, len(keep)+1)
	maxLen := 0
	for i, row := range keep {
		ids = append(ids, srcIDs[cu[row]:cu[row+1]]...)
		pos = append(pos, srcPos[cu[row]:cu[row+1]]...)
		bounds = append(bounds, int32(len(ids)))
		maxLen = max(maxLen, out.InputLengths[i])
	}
	out.InputIDs = tensor.FromSlice(ids, len(ids))
	out.PositionIDs = tensor.FromSlice(pos, len(pos))
	out.CuSeqlens = tensor.FromSlice(bounds, len(bounds))
	out.MaxSeqlen = maxLen

	if b.RaggedCache != nil {
		var err error
		if out.RaggedCache, err = b.RaggedCache.Gather(keep); err != nil {
			return err
		}
	}
	return nil
}
