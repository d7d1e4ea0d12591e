package engine

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/unixsysdev/nano-go-tgi/internal/kvcache"
	"github.com/unixsysdev/nano-go-tgi/internal/tensor"
)

// ErrForward marks a failed model forward pass. It is fatal for every request
// of the batch being stepped.
var ErrForward = errors.New("model forward failed")

// ForwardError carries the batch a forward failure belongs to.
// errors.Is(err, ErrForward) holds for every ForwardError.
type ForwardError struct {
	BatchID uint64
	Err     error
}

func (e *ForwardError) Error() string {
	return fmt.Sprintf("batch %d: %s: %v", e.BatchID, ErrForward, e.Err)
}

func (e *ForwardError) Unwrap() error { return e.Err }

func (e *ForwardError) Is(target error) bool { return target == ErrForward }

// ForwardInput is everything a model needs for one pass.
//
// Padded layout: InputIDs and PositionIDs are [rows, seq] and AttentionMask
// is [rows, cached+seq], covering the cache entries followed by the inputs.
// Ragged layout: InputIDs and PositionIDs are [tokens], CuSeqlens holds
// rows+1 boundaries into them and MaxSeqlen is the longest attended span.
//
// The cache is nil on the first pass of a batch.
type ForwardInput struct {
	InputIDs      *tensor.Dense
	PositionIDs   *tensor.Dense
	AttentionMask *tensor.Dense
	CuSeqlens     *tensor.Dense
	MaxSeqlen     int

	PaddedCache *kvcache.Padded
	RaggedCache *kvcache.Ragged

	// Preallocate, when set on a ragged prefill, asks the model to reserve
	// Preallocate[i] spare cache slots after request i's prompt.
	Preallocate []int
}

// ForwardOutput is the result of one pass.
//
// Logits are [rows, seq, vocab] for the padded layout and [tokens, vocab]
// for the ragged one. A padded model returns a new cache with one entry per
// mask column. A ragged model appends to the segments of the cache it was
// given, or allocates one on the first pass.
type ForwardOutput struct {
	Logits      *tensor.Dense
	PaddedCache *kvcache.Padded
	RaggedCache *kvcache.Ragged
}

// Model is the forward contract of a language model.
type Model interface {
	Forward(ctx context.Context, in *ForwardInput) (*ForwardOutput, error)
}

// ModelFunc adapts a function to Model.
type ModelFunc func(ctx context.Context, in *ForwardInput) (*ForwardOutput, error)

func (f ModelFunc) Forward(ctx context.Context, in *ForwardInput) (*ForwardOutput, error) {
	return f(ctx, in)
}
