package engine

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/unixsysdev/nano-go-tgi/internal/kvcache"
	"github.com/unixsysdev/nano-go-tgi/internal/tensor"
)

// TensorParallel runs the same pass on every shard of a model whose heads
// and vocabulary are split across workers. Each shard sees its slice of the
// cache heads and produces its slice of the vocabulary; the wrapper gathers
// the logits and merges the caches so callers see a single model.
type TensorParallel struct {
	shards []Model
}

// NewTensorParallel wraps shards, ordered by rank.
func NewTensorParallel(shards ...Model) (*TensorParallel, error) {
	if len(shards) == 0 {
		return nil, errors.New("tensor parallel: no shards")
	}
	for i, s := range shards {
		if s == nil {
			return nil, errors.Errorf("tensor parallel: shard %d is nil", i)
		}
	}
	return &TensorParallel{shards: shards}, nil
}

// Size is the number of shards.
func (tp *TensorParallel) Size() int { return len(tp.shards) }

// Forward runs every shard concurrently and returns once all of them are
// done. The first failure cancels the others.
func (tp *TensorParallel) Forward(ctx context.Context, in *ForwardInput) (*ForwardOutput, error) {
	n := len(tp.shards)
	if n == 1 {
		return tp.shards[0].Forward(ctx, in)
	}
	inputs := make([]*ForwardInput, n)
	for i := range inputs {
		shard := *in
		inputs[i] = &shard
	}
	if in.PaddedCache != nil {
		parts, err := in.PaddedCache.SplitHeads(n)
		if err != nil {
			return nil, err
		}
		for i := range inputs {
			inputs[i].PaddedCache = parts[i]
		}
	}
	if in.RaggedCache != nil {
		parts, err := in.RaggedCache.SplitHeads(n)
		if err != nil {
			return nil, err
		}
		for i := range inputs {
			inputs[i].RaggedCache = parts[i]
		}
	}

	outs := make([]*ForwardOutput, n)
	g, gctx := errgroup.WithContext(ctx)
	for i, shard := range tp.shards {
		g.Go(func() error {
			out, err := shard.Forward(gctx, inputs[i])
			if err != nil {
				return errors.Wrapf(err, "shard %d", i)
			}
			if out == nil || out.Logits == nil {
				return errors.Errorf("shard %d returned no logits", i)
			}
			outs[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return gather(outs)
}

// gather concatenates the shard logits along the vocabulary axis and the
// shard caches along the head axis.
func gather(outs []*ForwardOutput) (*ForwardOutput, error) {
	logits := make([]*tensor.Dense, len(outs))
	for i, o := range outs {
		logits[i] = o.Logits
	}
	axis := len(logits[0].Shape()) - 1
	merged, err := tensor.Concat[float32](axis, logits...)
	if err != nil {
		return nil, errors.Wrap(err, "gather logits")
	}
	res := &ForwardOutput{Logits: merged}

	switch {
	case outs[0].PaddedCache != nil:
		parts := make([]*kvcache.Padded, len(outs))
		for i, o := range outs {
			if o.PaddedCache == nil {
				return nil, errors.Errorf("shard %d returned no cache", i)
			}
			parts[i] = o.PaddedCache
		}
		if res.PaddedCache, err = kvcache.MergePaddedHeads(parts); err != nil {
			return nil, err
		}
	case outs[0].RaggedCache != nil:
		parts := make([]*kvcache.Ragged, len(outs))
		for i, o := range outs {
			if o.RaggedCache == nil {
				return nil, errors.Errorf("shard %d returned no cache", i)
			}
			parts[i] = o.RaggedCache
		}
		if res.RaggedCache, err = kvcache.MergeRaggedHeads(parts); err != nil {
			return nil, err
		}
	}
	return res, nil
}
