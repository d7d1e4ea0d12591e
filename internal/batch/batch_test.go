package batch

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unixsysdev/nano-go-tgi/internal/kvcache"
	"github.com/unixsysdev/nano-go-tgi/internal/stopping"
	"github.com/unixsysdev/nano-go-tgi/internal/tensor"
)

// charTokenizer maps every byte to its own id.
type charTokenizer struct{}

func (charTokenizer) Encode(text string, truncate int) ([]int32, error) {
	ids := make([]int32, len(text))
	for i := range text {
		ids[i] = int32(text[i])
	}
	if truncate > 0 && len(ids) > truncate {
		ids = ids[len(ids)-truncate:]
	}
	return ids, nil
}

func (charTokenizer) Decode(ids []int32, _ bool) (string, error) {
	b := make([]byte, len(ids))
	for i, id := range ids {
		b[i] = byte(id)
	}
	return string(b), nil
}

func (c charTokenizer) BatchDecode(seqs [][]int32, skip bool) ([]string, error) {
	out := make([]string, len(seqs))
	for i, s := range seqs {
		out[i], _ = c.Decode(s, skip)
	}
	return out, nil
}

func (charTokenizer) IsSpecial(id int32) bool { return id == 2 }
func (charTokenizer) SpecialIDs() []int32     { return []int32{2} }
func (charTokenizer) EOS() []int32            { return []int32{2} }

func req(id uint64, prompt string, maxNew int) Request {
	return Request{ID: id, Inputs: prompt, Stopping: stopping.Params{MaxNewTokens: maxNew}}
}

func build(t *testing.T, id uint64, layout Layout, reqs ...Request) *Batch {
	t.Helper()
	b, err := Build(id, layout, reqs, charTokenizer{})
	require.NoError(t, err)
	return b
}

// step fakes a forward pass: the cache records the token held in every
// attended position in key element 0 of every head.
func step(t *testing.T, b *Batch, next ...int32) *Batch {
	t.Helper()
	d := Delta{NextIDs: next, Cursors: b.Cursors}
	for i, id := range next {
		b.Stopping[i].Evaluate(id, "")
	}
	ids := tensor.Values[int32](b.InputIDs)
	const heads = 2
	switch b.Layout {
	case Padded:
		var c *kvcache.Padded
		if b.PaddedCache == nil {
			c = kvcache.NewPadded(kvcache.SeqLast, 1, b.Len(), heads, b.MaxInputLength, 2)
			mask := tensor.Values[int32](b.AttentionMask)
			width := b.AttentionMask.Shape()[1]
			for r := 0; r < b.Len(); r++ {
				for s := 0; s < b.MaxInputLength; s++ {
					if mask[r*width+s] == 1 {
						for h := 0; h < heads; h++ {
							c.SetKey(0, r, h, s, 0, float32(ids[r*b.MaxInputLength+s]))
						}
					}
				}
			}
		} else {
			c = b.PaddedCache.Grow(1)
			for r := 0; r < b.Len(); r++ {
				for h := 0; h < heads; h++ {
					c.SetKey(0, r, h, c.SeqLen()-1, 0, float32(ids[r]))
				}
			}
		}
		d.PaddedCache = c
	case Ragged:
		c := b.RaggedCache
		if c == nil {
			c = kvcache.NewRagged(1, heads, 2, b.InputLengths)
		} else {
			ones := make([]int, b.Len())
			for i := range ones {
				ones[i] = 1
			}
			require.NoError(t, c.Reserve(ones))
		}
		cu := b.raggedBounds()
		for r := 0; r < b.Len(); r++ {
			for j := cu[r]; j < cu[r+1]; j++ {
				slot, err := c.Append(r)
				require.NoError(t, err)
				for h := 0; h < heads; h++ {
					c.SetKey(0, slot, h, 0, float32(ids[j]))
				}
			}
		}
		d.RaggedCache = c
	}
	out, err := b.Advance(d)
	require.NoError(t, err)
	return out
}

// cachedTokens returns the tokens a padded row attends to from its cache.
func cachedTokens(b *Batch, row int) []int32 {
	var out []int32
	mask := tensor.Values[int32](b.AttentionMask)
	width := b.AttentionMask.Shape()[1]
	for s := 0; s < b.PaddedCache.SeqLen(); s++ {
		if mask[row*width+s] == 1 {
			out = append(out, int32(b.PaddedCache.Key(0, row, 1, s, 0)))
		}
	}
	return out
}

func raggedCached(b *Batch, row int) []int32 {
	var out []int32
	seg := b.RaggedCache.Segments[row]
	for s := seg.Start; s < seg.Start+seg.Len; s++ {
		out = append(out, int32(b.RaggedCache.Key(0, s, 1, 0)))
	}
	return out
}

func ints(s string) []int32 {
	out := make([]int32, len(s))
	for i := range s {
		out[i] = int32(s[i])
	}
	return out
}

func TestBuildPadded(t *testing.T) {
	b := build(t, 1, Padded, req(10, "ab", 3), req(11, "abcd", 5))

	assert.Equal(t, 4, b.MaxInputLength)
	assert.Equal(t, 5, b.PaddingRightOffset)
	assert.Equal(t, []int{2, 9}, tensor.Dims(b.AttentionMask))
	assert.Equal(t, []int32{
		0, 0, 1, 1, 0, 0, 0, 0, 0,
		1, 1, 1, 1, 0, 0, 0, 0, 0,
	}, tensor.Values[int32](b.AttentionMask))
	assert.Equal(t, []int32{1, 1, 0, 1, 0, 1, 2, 3}, tensor.Values[int32](b.PositionIDs))
	assert.Equal(t, []int32{0, 0, 'a', 'b', 'a', 'b', 'c', 'd'}, tensor.Values[int32](b.InputIDs))
	assert.False(t, b.Prefilled())
	assert.Equal(t, []uint64{10, 11}, b.IDs())
	assert.Equal(t, 2*9, b.MaxTokens())

	mask, err := b.ForwardMask()
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4}, tensor.Dims(mask))
}

func TestBuildRagged(t *testing.T) {
	b := build(t, 1, Ragged, req(10, "ab", 3), req(11, "abcd", 5))

	assert.Equal(t, []int32{0, 2, 6}, tensor.Values[int32](b.CuSeqlens))
	assert.Equal(t, []int32{0, 1, 0, 1, 2, 3}, tensor.Values[int32](b.PositionIDs))
	assert.Equal(t, 4, b.MaxSeqlen)
	assert.Equal(t, 2+3+4+5, b.MaxTokens())
}

func TestBuildRejects(t *testing.T) {
	_, err := Build(1, Padded, nil, charTokenizer{})
	assert.True(t, errors.Is(err, ErrEmptyBatch))

	_, err = Build(1, Padded, []Request{req(1, "a", 1), req(1, "b", 1)}, charTokenizer{})
	assert.True(t, errors.Is(err, ErrDuplicateRequest))

	_, err = Build(1, Padded, []Request{req(1, "", 1)}, charTokenizer{})
	assert.Error(t, err)

	bad := req(1, "a", 1)
	bad.Parameters.Temperature = -1
	_, err = Build(1, Ragged, []Request{bad}, charTokenizer{})
	assert.Error(t, err)
}

func TestBuildTruncates(t *testing.T) {
	r := req(1, "abcdef", 1)
	r.Truncate = 2
	b := build(t, 1, Ragged, r)
	assert.Equal(t, [][]int32{ints("ef")}, b.AllInputIDs)
}

func TestAdvancePadded(t *testing.T) {
	b := build(t, 1, Padded, req(10, "ab", 3), req(11, "abcd", 5))
	b = step(t, b, 'x', 'y')

	assert.True(t, b.Prefilled())
	assert.Equal(t, 5, b.MaxInputLength)
	assert.Equal(t, 4, b.PaddingRightOffset)
	assert.Equal(t, []int{2, 1}, tensor.Dims(b.InputIDs))
	assert.Equal(t, []int32{'x', 'y'}, tensor.Values[int32](b.InputIDs))
	assert.Equal(t, []int32{2, 4}, tensor.Values[int32](b.PositionIDs))
	assert.Equal(t, []int{3, 5}, b.InputLengths)
	assert.Equal(t, []int32{
		0, 0, 1, 1, 1, 0, 0, 0, 0,
		1, 1, 1, 1, 1, 0, 0, 0, 0,
	}, tensor.Values[int32](b.AttentionMask))
	assert.Equal(t, ints("abx"), b.AllInputIDs[0])
	assert.Equal(t, 4, b.PaddedCache.SeqLen())
	assert.Equal(t, ints("ab"), cachedTokens(b, 0))

	b = step(t, b, 'z', 'w')
	assert.Equal(t, 5, b.PaddedCache.SeqLen())
	assert.Equal(t, ints("abx"), cachedTokens(b, 0))
	assert.Equal(t, ints("abcdy"), cachedTokens(b, 1))
}

func TestAdvanceDoesNotAliasHistory(t *testing.T) {
	b := build(t, 1, Ragged, req(10, "ab", 3))
	s1 := step(t, b, 'x')
	assert.Equal(t, ints("ab"), b.AllInputIDs[0])
	assert.Equal(t, ints("abx"), s1.AllInputIDs[0])
}

func TestAdvanceRagged(t *testing.T) {
	b := build(t, 1, Ragged, req(10, "ab", 3), req(11, "abcd", 5))
	b = step(t, b, 'x', 'y')

	assert.Equal(t, []int32{'x', 'y'}, tensor.Values[int32](b.InputIDs))
	assert.Equal(t, []int32{2, 4}, tensor.Values[int32](b.PositionIDs))
	assert.Equal(t, []int32{0, 1, 2}, tensor.Values[int32](b.CuSeqlens))
	assert.Equal(t, 5, b.MaxSeqlen)
	assert.Equal(t, 6, b.RaggedCache.Tokens())

	b = step(t, b, 'z', 'w')
	assert.Equal(t, ints("abx"), raggedCached(b, 0))
	assert.Equal(t, ints("abcdy"), raggedCached(b, 1))
}

func TestAdvanceRejectsWrongCache(t *testing.T) {
	b := build(t, 1, Padded, req(10, "ab", 3))
	_, err := b.Advance(Delta{NextIDs: []int32{1}, Cursors: b.Cursors, PaddedCache: kvcache.NewPadded(kvcache.HeadDimLast, 1, 1, 1, 5, 2)})
	assert.Error(t, err)
	_, err = b.Advance(Delta{NextIDs: []int32{1, 2}, Cursors: b.Cursors})
	assert.Error(t, err)
}

func TestFilterIdentity(t *testing.T) {
	for _, layout := range []Layout{Padded, Ragged} {
		b := build(t, 1, layout, req(10, "ab", 3), req(11, "abcd", 5))
		out, err := b.Filter([]uint64{11, 10})
		require.NoError(t, err)
		assert.Same(t, b, out)
	}
}

func TestFilterErrors(t *testing.T) {
	b := build(t, 1, Padded, req(10, "ab", 3), req(11, "abcd", 5))

	_, err := b.Filter(nil)
	assert.True(t, errors.Is(err, ErrEmptyFilter))

	_, err = b.Filter([]uint64{12})
	assert.True(t, errors.Is(err, ErrUnknownRequest))

	_, err = b.Filter([]uint64{10, 10})
	assert.True(t, errors.Is(err, ErrDuplicateRequest))
}

func TestFilterPaddedTrims(t *testing.T) {
	b := build(t, 1, Padded, req(10, "ab", 2), req(11, "abcdef", 5), req(12, "abc", 3))
	b = step(t, b, 'x', 'y', 'z')
	require.Equal(t, 7, b.MaxInputLength)

	out, err := b.Filter([]uint64{12, 10})
	require.NoError(t, err)

	assert.Equal(t, 2, out.Len())
	assert.Equal(t, []uint64{12, 10}, out.IDs())
	for i, id := range out.IDs() {
		row, ok := out.Row(id)
		require.True(t, ok)
		assert.Equal(t, i, row)
	}
	assert.Equal(t, 4, out.MaxInputLength, "longest kept row is abc+z")
	assert.Equal(t, 2, out.PaddingRightOffset, "request 12 may still generate 2")
	assert.Equal(t, []int32{
		1, 1, 1, 1, 0, 0,
		0, 1, 1, 1, 0, 0,
	}, tensor.Values[int32](out.AttentionMask))
	assert.Equal(t, 3, out.PaddedCache.SeqLen())
	assert.Equal(t, ints("abc"), cachedTokens(out, 0))
	assert.Equal(t, ints("ab"), cachedTokens(out, 1))
	assert.Equal(t, []int32{'z', 'x'}, tensor.Values[int32](out.InputIDs))
	assert.Equal(t, []int32{3, 2}, tensor.Values[int32](out.PositionIDs))
	assert.Same(t, b.Stopping[2], out.Stopping[0])
	assert.Same(t, b.Choosers[0], out.Choosers[1])
	assert.Equal(t, 2*6, out.MaxTokens())

	out = step(t, out, 'p', 'q')
	assert.Equal(t, ints("abcz"), cachedTokens(out, 0))
	assert.Equal(t, ints("abx"), cachedTokens(out, 1))
}

func TestFilterBeforePrefill(t *testing.T) {
	b := build(t, 1, Padded, req(10, "ab", 2), req(11, "abcdef", 5))
	out, err := b.Filter([]uint64{10})
	require.NoError(t, err)
	assert.Equal(t, 2, out.MaxInputLength)
	assert.Equal(t, 2, out.PaddingRightOffset)
	assert.Equal(t, []int32{'a', 'b'}, tensor.Values[int32](out.InputIDs))
	assert.Equal(t, []int32{0, 1}, tensor.Values[int32](out.PositionIDs))
	assert.False(t, out.Prefilled())

	r := build(t, 1, Ragged, req(10, "ab", 2), req(11, "abcdef", 5))
	rout, err := r.Filter([]uint64{11})
	require.NoError(t, err)
	assert.Equal(t, ints("abcdef"), tensor.Values[int32](rout.InputIDs))
	assert.Equal(t, []int32{0, 6}, tensor.Values[int32](rout.CuSeqlens))
}

func TestFilterRagged(t *testing.T) {
	b := build(t, 1, Ragged, req(10, "ab", 2), req(11, "abcdef", 5), req(12, "abc", 3))
	b = step(t, b, 'x', 'y', 'z')

	out, err := b.Filter([]uint64{12, 10})
	require.NoError(t, err)
	assert.Equal(t, []int32{'z', 'x'}, tensor.Values[int32](out.InputIDs))
	assert.Equal(t, []int32{3, 2}, tensor.Values[int32](out.PositionIDs))
	assert.Equal(t, []int32{0, 1, 2}, tensor.Values[int32](out.CuSeqlens))
	assert.Equal(t, 4, out.MaxSeqlen)
	assert.Equal(t, ints("abc"), raggedCached(out, 0))
	assert.Equal(t, ints("ab"), raggedCached(out, 1))
	assert.Equal(t, (4+2)+(3+1), out.MaxTokens())
}

func TestConcatenateSingleIsNoop(t *testing.T) {
	b := step(t, build(t, 1, Padded, req(10, "ab", 3)), 'x')
	out, err := Concatenate([]*Batch{b})
	require.NoError(t, err)
	assert.Same(t, b, out)

	_, err = Concatenate([]*Batch{build(t, 2, Ragged, req(11, "cd", 3))})
	assert.True(t, errors.Is(err, ErrNotPrefilled))
}

func TestConcatenateRejects(t *testing.T) {
	a := step(t, build(t, 1, Padded, req(10, "ab", 3)), 'x')
	fresh := build(t, 2, Padded, req(11, "c", 3))
	_, err := Concatenate([]*Batch{a, fresh})
	assert.True(t, errors.Is(err, ErrNotPrefilled))

	r := step(t, build(t, 3, Ragged, req(12, "c", 3)), 'y')
	_, err = Concatenate([]*Batch{a, r})
	assert.True(t, errors.Is(err, ErrLayoutMismatch))

	dup := step(t, build(t, 4, Padded, req(10, "zz", 3)), 'y')
	_, err = Concatenate([]*Batch{a, dup})
	assert.True(t, errors.Is(err, ErrDuplicateRequest))

	_, err = Concatenate(nil)
	assert.True(t, errors.Is(err, ErrEmptyBatch))
}

func TestConcatenatePaddedRightAligns(t *testing.T) {
	// Lengths 3 and 7 after one step, merged with a stepped one-token prompt.
	first := step(t, build(t, 1, Padded, req(10, "ab", 4), req(11, "abcdef", 6)), 'x', 'y')
	second := step(t, build(t, 2, Padded, req(12, "z", 2)), 'w')
	require.Equal(t, []int{3, 7}, first.InputLengths)

	out, err := Concatenate([]*Batch{first, second})
	require.NoError(t, err)

	assert.Equal(t, 3, out.Len())
	assert.Equal(t, 7, out.MaxInputLength)
	assert.Equal(t, 5, out.PaddingRightOffset)
	assert.Equal(t, []uint64{10, 11, 12}, out.IDs())
	row, ok := out.Row(12)
	require.True(t, ok)
	assert.Equal(t, 2, row)
	assert.Equal(t, uint64(1), out.ID)

	assert.Equal(t, []int32{
		0, 0, 0, 0, 1, 1, 1, 0, 0, 0, 0, 0,
		1, 1, 1, 1, 1, 1, 1, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 0, 1, 1, 0, 0, 0, 0, 0,
	}, tensor.Values[int32](out.AttentionMask))
	assert.Equal(t, []int32{'x', 'y', 'w'}, tensor.Values[int32](out.InputIDs))
	assert.Equal(t, []int32{2, 6, 1}, tensor.Values[int32](out.PositionIDs))

	sources := []struct {
		b   *Batch
		row int
	}{{first, 0}, {first, 1}, {second, 0}}
	for i, src := range sources {
		if diff := cmp.Diff(cachedTokens(src.b, src.row), cachedTokens(out, i)); diff != "" {
			t.Errorf("row %d cache mismatch (-source +merged):\n%s", i, diff)
		}
		assert.Equal(t, src.b.AllInputIDs[src.row], out.AllInputIDs[i])
	}

	out = step(t, out, 'p', 'q', 'r')
	assert.Equal(t, ints("abx"), cachedTokens(out, 0))
	assert.Equal(t, ints("abcdefy"), cachedTokens(out, 1))
	assert.Equal(t, ints("zw"), cachedTokens(out, 2))
}

func TestConcatenateRagged(t *testing.T) {
	first := step(t, build(t, 1, Ragged, req(10, "ab", 4), req(11, "abcdef", 6)), 'x', 'y')
	second := step(t, build(t, 2, Ragged, req(12, "z", 2)), 'w')

	out, err := Concatenate([]*Batch{first, second})
	require.NoError(t, err)
	assert.Equal(t, 3, out.Len())
	assert.Equal(t, 7, out.MaxSeqlen)
	assert.Equal(t, []int32{0, 1, 2, 3}, tensor.Values[int32](out.CuSeqlens))
	assert.Equal(t, first.MaxTokens()+second.MaxTokens(), out.MaxTokens())

	out = step(t, out, 'p', 'q', 'r')
	assert.Equal(t, ints("abx"), raggedCached(out, 0))
	assert.Equal(t, ints("abcdefy"), raggedCached(out, 1))
	assert.Equal(t, ints("zw"), raggedCached(out, 2))
}

func TestAdvanceWithoutReservedColumn(t *testing.T) {
	b := build(t, 1, Padded, req(10, "ab", 0))
	_, err := b.Advance(Delta{
		NextIDs:     []int32{1},
		Cursors:     b.Cursors,
		PaddedCache: kvcache.NewPadded(kvcache.HeadDimLast, 1, 1, 1, 2, 2),
	})
	assert.True(t, errors.Is(err, kvcache.ErrCapacityExceeded))
}

func TestParseLayout(t *testing.T) {
	l, err := ParseLayout("flash")
	require.NoError(t, err)
	assert.Equal(t, Ragged, l)
	_, err = ParseLayout("sparse")
	assert.Error(t, err)
}
