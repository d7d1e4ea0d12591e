package scheduler

import (
	"github.com/pkg/errors"
)

// BlockBudget accounts for cache capacity in fixed-size blocks. Every
// admitted request reserves enough blocks for its prompt plus its whole
// generation budget; the blocks go back when the request leaves.
//
// BlockBudget is not safe for concurrent use.
type BlockBudget struct {
	blockSize int
	total     int
	free      int
	owned     map[uint64]int
}

// NewBlockBudget covers maxTokens cache slots in blocks of blockSize.
func NewBlockBudget(maxTokens, blockSize int) (*BlockBudget, error) {
	if blockSize <= 0 {
		return nil, errors.Errorf("block size must be positive, got %d", blockSize)
	}
	if maxTokens < blockSize {
		return nil, errors.Errorf("token budget %d is smaller than one block of %d", maxTokens, blockSize)
	}
	n := maxTokens / blockSize
	return &BlockBudget{blockSize: blockSize, total: n, free: n, owned: map[uint64]int{}}, nil
}

// Blocks is the number of blocks tokens cache slots occupy.
func (bb *BlockBudget) Blocks(tokens int) int {
	return (tokens + bb.blockSize - 1) / bb.blockSize
}

// Fits reports whether a request of tokens slots could ever be admitted.
func (bb *BlockBudget) Fits(tokens int) bool { return bb.Blocks(tokens) <= bb.total }

// CanReserve reports whether tokens slots are free right now.
func (bb *BlockBudget) CanReserve(tokens int) bool { return bb.Blocks(tokens) <= bb.free }

// Reserve takes the blocks for request id. It fails with ErrCapacityExceeded
// when not enough blocks are free.
func (bb *BlockBudget) Reserve(id uint64, tokens int) error {
	if _, ok := bb.owned[id]; ok {
		return errors.Errorf("request %d already holds blocks", id)
	}
	n := bb.Blocks(tokens)
	if n > bb.free {
		return errors.Wrapf(ErrCapacityExceeded, "request %d needs %d blocks, %d free", id, n, bb.free)
	}
	bb.free -= n
	bb.owned[id] = n
	return nil
}

// Release returns the blocks of request id. Releasing an unknown id is a
// no-op.
func (bb *BlockBudget) Release(id uint64) {
	n, ok := bb.owned[id]
	if !ok {
		return
	}
	delete(bb.owned, id)
	bb.free += n
}

// InUse is the number of reserved blocks.
func (bb *BlockBudget) InUse() int { return bb.total - bb.free }

// Total is the number of blocks.
func (bb *BlockBudget) Total() int { return bb.total }
