package scheduler

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/unixsysdev/nano-go-tgi/internal/batch"
	"github.com/unixsysdev/nano-go-tgi/internal/engine"
)

// entry is a request waiting for, or taking part in, a batch.
type entry struct {
	req    batch.Request
	ctx    context.Context
	events chan engine.Generation
	queued time.Time
	// tokens is the prompt length plus the generation budget.
	tokens int
}

// send delivers g without blocking. The channel is sized for every event
// a request can produce.
func (e *entry) send(g engine.Generation) {
	select {
	case e.events <- g:
	default:
	}
}

// Queue is the FIFO of requests waiting to be batched.
type Queue struct {
	mu      sync.Mutex
	entries *list.List
	notify  chan struct{}
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{entries: list.New(), notify: make(chan struct{}, 1)}
}

// Len is the number of waiting entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.entries.Len()
}

// Notify fires whenever an entry is appended.
func (q *Queue) Notify() <-chan struct{} { return q.notify }

func (q *Queue) append(e *entry) {
	q.mu.Lock()
	q.entries.PushBack(e)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// next pops up to maxSize entries from the front of the queue whose blocks
// fit in budget. Entries whose client went away are removed and returned
// separately. When fewer than minSize entries could be taken nothing is
// popped and no blocks stay reserved.
func (q *Queue) next(minSize, maxSize int, budget *BlockBudget) (chosen, cancelled []*entry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for el := q.entries.Front(); el != nil; {
		e := el.Value.(*entry)
		nextEl := el.Next()
		if e.ctx.Err() != nil {
			q.entries.Remove(el)
			cancelled = append(cancelled, e)
		}
		el = nextEl
	}

	var taken []*list.Element
	for el := q.entries.Front(); el != nil && len(taken) < maxSize; el = el.Next() {
		e := el.Value.(*entry)
		if budget.Reserve(e.req.ID, e.tokens) != nil {
			// Keep FIFO order: a request that does not fit blocks the ones
			// behind it until blocks are released.
			break
		}
		taken = append(taken, el)
	}
	if len(taken) == 0 || len(taken) < minSize {
		for _, el := range taken {
			budget.Release(el.Value.(*entry).req.ID)
		}
		return nil, cancelled
	}
	chosen = make([]*entry, len(taken))
	for i, el := range taken {
		chosen[i] = q.entries.Remove(el).(*entry)
	}
	return chosen, cancelled
}

// drain removes every entry.
func (q *Queue) drain() []*entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*entry
	for el := q.entries.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry))
	}
	q.entries.Init()
	return out
}
