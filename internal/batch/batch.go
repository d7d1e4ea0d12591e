// Package batch turns a set of in-flight requests into the dense tensors of
// one forward pass and keeps the per-request bookkeeping aligned with the
// tensor rows through filter and concatenate.
package batch

import (
	"github.com/pkg/errors"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/unixsysdev/nano-go-tgi/internal/detok"
	"github.com/unixsysdev/nano-go-tgi/internal/kvcache"
	"github.com/unixsysdev/nano-go-tgi/internal/sampling"
	"github.com/unixsysdev/nano-go-tgi/internal/stopping"
	"github.com/unixsysdev/nano-go-tgi/internal/tensor"
	"github.com/unixsysdev/nano-go-tgi/pkg/tokenizer"
)

// PadTokenID fills the left padding of padded input rows.
const PadTokenID int32 = 0

// Batch is the unit of computation for one forward pass. Row i of every
// tensor and entry i of every per-request slice belong to Requests[i].
//
// A Batch is not safe for concurrent use.
type Batch struct {
	ID       uint64
	Layout   Layout
	Requests []Request

	index *orderedmap.OrderedMap[uint64, int]

	AllInputIDs  [][]int32
	InputLengths []int
	Cursors      []detok.Cursor
	Choosers     []*sampling.Chooser
	Stopping     []*stopping.Criteria

	// Padded: [rows, width] before the first step, [rows, 1] after.
	// Ragged: [tokens] before the first step, [rows] after.
	InputIDs    *tensor.Dense
	PositionIDs *tensor.Dense

	// Padded only. AttentionMask is [rows, MaxInputLength+PaddingRightOffset];
	// the first MaxInputLength columns are in use, the rest are reserved for
	// tokens the batch may still generate.
	AttentionMask      *tensor.Dense
	MaxInputLength     int
	PaddingRightOffset int
	PaddedCache        *kvcache.Padded

	// Ragged only. CuSeqlens holds rows+1 boundaries of the current input
	// tokens; MaxSeqlen is the longest request including its cache.
	CuSeqlens   *tensor.Dense
	MaxSeqlen   int
	RaggedCache *kvcache.Ragged
}

// Build tokenizes reqs and lays them out for a prefill forward pass.
func Build(id uint64, layout Layout, reqs []Request, tok tokenizer.Tokenizer) (*Batch, error) {
	if len(reqs) == 0 {
		return nil, ErrEmptyBatch
	}
	b := &Batch{
		ID:           id,
		Layout:       layout,
		Requests:     append([]Request(nil), reqs...),
		index:        orderedmap.New[uint64, int](orderedmap.WithCapacity[uint64, int](len(reqs))),
		AllInputIDs:  make([][]int32, len(reqs)),
		InputLengths: make([]int, len(reqs)),
		Cursors:      make([]detok.Cursor, len(reqs)),
		Choosers:     make([]*sampling.Chooser, len(reqs)),
		Stopping:     make([]*stopping.Criteria, len(reqs)),
	}
	eos := tok.EOS()
	for i, r := range reqs {
		if _, dup := b.index.Get(r.ID); dup {
			return nil, errors.Wrapf(ErrDuplicateRequest, "request %d", r.ID)
		}
		b.index.Set(r.ID, i)
		if err := r.Validate(); err != nil {
			return nil, err
		}
		ids, err := tok.Encode(r.Inputs, r.Truncate)
		if err != nil {
			return nil, errors.Wrapf(err, "tokenize request %d", r.ID)
		}
		if len(ids) == 0 {
			return nil, errors.Errorf("request %d: prompt tokenizes to nothing", r.ID)
		}
		b.AllInputIDs[i] = ids
		b.InputLengths[i] = len(ids)
		if b.Choosers[i], err = sampling.NewChooser(r.Parameters); err != nil {
			return nil, errors.Wrapf(err, "request %d", r.ID)
		}
		b.Stopping[i] = stopping.New(r.Stopping, eos)
	}

	if layout == Ragged {
		b.layoutRagged()
	} else {
		b.layoutPadded()
	}
	return b, nil
}

func (b *Batch) layoutPadded() {
	rows := len(b.Requests)
	maxIn, right := 0, 0
	for i := range b.Requests {
		maxIn = max(maxIn, b.InputLengths[i])
		right = max(right, b.Stopping[i].MaxNewTokens())
	}
	width := maxIn + right
	ids := make([]int32, rows*maxIn)
	pos := make([]int32, rows*maxIn)
	mask := make([]int32, rows*width)
	for i, prompt := range b.AllInputIDs {
		pad := maxIn - len(prompt)
		for j := 0; j < maxIn; j++ {
			if j < pad {
				ids[i*maxIn+j] = PadTokenID
				pos[i*maxIn+j] = 1
				continue
			}
			ids[i*maxIn+j] = prompt[j-pad]
			pos[i*maxIn+j] = int32(j - pad)
			mask[i*width+j] = 1
		}
	}
	b.InputIDs = tensor.FromSlice(ids, rows, maxIn)
	b.PositionIDs = tensor.FromSlice(pos, rows, maxIn)
	b.AttentionMask = tensor.FromSlice(mask, rows, width)
	b.MaxInputLength = maxIn
	b.PaddingRightOffset = right
}

func (b *Batch) layoutRagged() {
	var ids, pos []int32
	cu := make([]int32, 1, len(b.Requests)+1)
	maxLen := 0
	for _, prompt := range b.AllInputIDs {
		ids = append(ids, prompt...)
		for j := range prompt {
			pos = append(pos, int32(j))
		}
		cu = append(cu, int32(len(ids)))
		maxLen = max(maxLen, len(prompt))
	}
	b.InputIDs = tensor.FromSlice(ids, len(ids))
	b.PositionIDs = tensor.FromSlice(pos, len(pos))
	b.CuSeqlens = tensor.FromSlice(cu, len(cu))
	b.MaxSeqlen = maxLen
}

// Len is the number of requests.
func (b *Batch) Len() int { return len(b.Requests) }

// Prefilled reports whether a forward pass already produced a cache.
func (b *Batch) Prefilled() bool {
	if b.Layout == Ragged {
		return b.RaggedCache != nil
	}
	return b.PaddedCache != nil
}

// Row returns the row holding request id.
func (b *Batch) Row(id uint64) (int, bool) {
	return b.index.Get(id)
}

// IDs lists request ids in row order.
func (b *Batch) IDs() []uint64 {
	out := make([]uint64, 0, b.index.Len())
	for pair := b.index.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

// MaxTokens estimates the cache slots the batch may occupy before every
// request finishes. The scheduler uses it for admission.
func (b *Batch) MaxTokens() int {
	if b.Layout == Padded {
		return b.Len() * (b.MaxInputLength + b.PaddingRightOffset)
	}
	n := 0
	for i := range b.Requests {
		n += b.InputLengths[i] + b.Stopping[i].Remaining()
	}
	return n
}

// ForwardMask returns the in-use columns of the attention mask.
func (b *Batch) ForwardMask() (*tensor.Dense, error) {
	if b.Layout != Padded {
		return nil, nil
	}
	return tensor.Narrow[int32](b.AttentionMask, 1, 0, b.MaxInputLength)
}

// rebuildIndex maps every request id to its row.
func (b *Batch) rebuildIndex() error {
	b.index = orderedmap.New[uint64, int](orderedmap.WithCapacity[uint64, int](len(b.Requests)))
	for i, r := range b.Requests {
		if _, dup := b.index.Get(r.ID); dup {
			return errors.Wrapf(ErrDuplicateRequest, "request %d", r.ID)
		}
		b.index.Set(r.ID, i)
	}
	return nil
}

// raggedBounds returns cu_seqlens as ints.
func (b *Batch) raggedBounds() []int {
	cu := tensor.Values[int32](b.CuSeqlens)
	out := make([]int, len(cu))
	for i, v := range cu {
		out[i] = int(v)
	}
	return out
}

func arange(n int) *tensor.Dense {
	cu := make([]int32, n+1)
	for i := range cu {
		cu[i] = int32(i)
	}
	return tensor.FromSlice(cu, n+1)
}
