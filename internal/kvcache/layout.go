// Package kvcache stores per-layer attention keys and values for a batch.
//
// Two containers exist. Padded holds one row per request with a shared
// sequence axis; rows are left-padded so that the newest entries of every
// request sit in the same trailing columns. Ragged packs every request's
// entries one after another along a slot axis and addresses them through
// per-request segments.
package kvcache

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/unixsysdev/nano-go-tgi/internal/tensor"
)

// ErrCapacityExceeded is returned when a write does not fit the space
// reserved for a request.
var ErrCapacityExceeded = errors.New("kv cache capacity exceeded")

// KeyLayout selects the axis order of padded key tensors. Values always use
// [batch, heads, seq, head_dim].
type KeyLayout int

const (
	// HeadDimLast stores keys as [batch, heads, seq, head_dim].
	HeadDimLast KeyLayout = iota
	// SeqLast stores keys as [batch, heads, head_dim, seq], the way
	// BLOOM-style models lay them out for the score matmul.
	SeqLast
)

func (k KeyLayout) String() string {
	if k == SeqLast {
		return "seq_last"
	}
	return "head_dim_last"
}

// ParseKeyLayout maps a config string to a KeyLayout.
func ParseKeyLayout(s string) (KeyLayout, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "head_dim_last":
		return HeadDimLast, nil
	case "seq_last":
		return SeqLast, nil
	default:
		return HeadDimLast, errors.Errorf("unknown key layout %q", s)
	}
}

// descriptor says where the sequence axis of a 4-d cache tensor is.
type descriptor struct {
	seqAxis int
}

var valueDesc = descriptor{seqAxis: 2}

func (k KeyLayout) keys() descriptor {
	if k == SeqLast {
		return descriptor{seqAxis: 3}
	}
	return descriptor{seqAxis: 2}
}

// shape returns the tensor shape for b rows, h heads, s entries of width d.
func (d descriptor) shape(b, h, s, dim int) []int {
	if d.seqAxis == 3 {
		return []int{b, h, dim, s}
	}
	return []int{b, h, s, dim}
}

// index flattens (b, h, s, dim) into an offset of a tensor with this layout.
func (d descriptor) index(shape []int, b, h, s, dim int) int {
	if d.seqAxis == 3 {
		return ((b*shape[1]+h)*shape[2]+dim)*shape[3] + s
	}
	return ((b*shape[1]+h)*shape[2]+s)*shape[3] + dim
}

// copySeq copies n sequence entries of row si of src, starting at entry
// sOff, into row di of dst starting at entry dOff. Both tensors share the
// descriptor and agree on every axis other than batch and sequence.
func (d descriptor) copySeq(dst *tensor.Dense, di, dOff int, src *tensor.Dense, si, sOff, n int) {
	if n == 0 {
		return
	}
	dd, sd := dst.Shape(), src.Shape()
	outer := tensor.Volume(dd[1:d.seqAxis])
	inner := tensor.Volume(dd[d.seqAxis+1:])
	dRow, sRow := tensor.RowSize(dst), tensor.RowSize(src)
	dSeq, sSeq := dd[d.seqAxis], sd[d.seqAxis]
	dv, sv := tensor.Values[float32](dst), tensor.Values[float32](src)
	for o := 0; o < outer; o++ {
		dp := di*dRow + (o*dSeq+dOff)*inner
		sp := si*sRow + (o*sSeq+sOff)*inner
		copy(dv[dp:dp+n*inner], sv[sp:sp+n*inner])
	}
}

// Layer is the key and value tensor of one attention layer.
type Layer struct {
	Keys   *tensor.Dense
	Values *tensor.Dense
}
