// Package scheduler runs continuous batching: it admits queued requests in
// cohorts, prefills each cohort on its own, merges it into the running
// batch and drops requests from the batch as soon as they finish.
package scheduler

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/unixsysdev/nano-go-tgi/internal/batch"
	"github.com/unixsysdev/nano-go-tgi/internal/config"
	"github.com/unixsysdev/nano-go-tgi/internal/engine"
	"github.com/unixsysdev/nano-go-tgi/internal/metrics"
)

var (
	// ErrCapacityExceeded is returned for a request whose prompt and
	// generation budget can never fit in the cache.
	ErrCapacityExceeded = errors.New("request exceeds the cache budget")
	// ErrClosed is returned once the run loop has stopped.
	ErrClosed = errors.New("scheduler is closed")
)

// Scheduler owns the queue and the single run loop of one model replica.
type Scheduler struct {
	engine *engine.Engine
	layout batch.Layout

	maxBatchSize       int
	maxWaitingTokens   int
	waitingServedRatio float64

	queue  *Queue
	budget *BlockBudget

	log     zerolog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	ids    map[uint64]struct{}
	closed bool

	running atomic.Bool
	batchID atomic.Uint64
	// active is only touched by the run loop.
	active map[uint64]*entry
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// WithMetrics sets the collectors the queue and budget are reported on.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New builds a scheduler stepping batches on eng.
func New(eng *engine.Engine, cfg *config.Config, opts ...Option) (*Scheduler, error) {
	if eng == nil {
		return nil, errors.New("scheduler: nil engine")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	layout, err := batch.ParseLayout(cfg.Layout)
	if err != nil {
		return nil, err
	}
	budget, err := NewBlockBudget(cfg.MaxBatchTotalTokens, cfg.KVCacheBlockSize)
	if err != nil {
		return nil, err
	}
	s := &Scheduler{
		engine:             eng,
		layout:             layout,
		maxBatchSize:       cfg.MaxBatchSize,
		maxWaitingTokens:   cfg.MaxWaitingTokens,
		waitingServedRatio: cfg.WaitingServedRatio,
		queue:              NewQueue(),
		budget:             budget,
		log:                zerolog.Nop(),
		ids:                map[uint64]struct{}{},
		active:             map[uint64]*entry{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Submit queues req and returns the channel its Generations arrive on. The
// channel is closed after the last one. Cancelling ctx removes the request
// before its next step.
func (s *Scheduler) Submit(ctx context.Context, req batch.Request) (<-chan engine.Generation, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	ids, err := s.engine.Tokenizer().Encode(req.Inputs, req.Truncate)
	if err != nil {
		return nil, errors.Wrapf(err, "tokenize request %d", req.ID)
	}
	if len(ids) == 0 {
		return nil, errors.Errorf("request %d: prompt tokenizes to nothing", req.ID)
	}
	tokens := len(ids) + req.Stopping.MaxNewTokens
	if !s.budget.Fits(tokens) {
		return nil, errors.Wrapf(ErrCapacityExceeded, "request %d needs %d tokens", req.ID, tokens)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if _, dup := s.ids[req.ID]; dup {
		s.mu.Unlock()
		return nil, errors.Wrapf(batch.ErrDuplicateRequest, "request %d", req.ID)
	}
	s.ids[req.ID] = struct{}{}
	e := &entry{
		req:    req,
		ctx:    ctx,
		events: make(chan engine.Generation, req.Stopping.MaxNewTokens+2),
		queued: time.Now(),
		tokens: tokens,
	}
	// Appending under mu keeps shutdown from missing the entry.
	s.queue.append(e)
	s.mu.Unlock()

	s.metrics.SetQueueDepth(s.queue.Len())
	return e.events, nil
}

// Run steps batches until ctx is done. Requests still queued or running at
// that point receive a terminal error. Run may only be called once.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("scheduler: already running")
	}
	for {
		if err := ctx.Err(); err != nil {
			s.shutdown(err)
			return err
		}
		cohort := s.take(1, s.maxBatchSize)
		if len(cohort) == 0 {
			select {
			case <-ctx.Done():
			case <-s.queue.Notify():
			}
			continue
		}
		s.serve(ctx, s.prefill(ctx, cohort))
		s.metrics.SetBatchMaxTokens(0)
	}
}

// serve decodes b until every request in it is gone, admitting new cohorts
// along the way.
func (s *Scheduler) serve(ctx context.Context, b *batch.Batch) {
	waiting := 1
	for b != nil {
		if err := ctx.Err(); err != nil {
			s.abortBatch(b, err)
			return
		}
		s.metrics.SetBatchMaxTokens(b.MaxTokens())

		// Admit a cohort when enough requests wait relative to the batch,
		// or whatever is queued once the batch ran long enough without one.
		minSize := 1
		if waiting < s.maxWaitingTokens {
			minSize = max(int(math.Floor(float64(b.Len())*s.waitingServedRatio)), 1)
		}
		if room := s.maxBatchSize - b.Len(); room > 0 {
			if cohort := s.take(minSize, room); len(cohort) > 0 {
				waiting = 1
				if nb := s.prefill(ctx, cohort); nb != nil {
					merged, err := batch.Concatenate([]*batch.Batch{b, nb})
					if err != nil {
						s.fail(b, err)
						s.fail(nb, err)
						return
					}
					s.log.Debug().
						Uint64("batch_id", merged.ID).
						Uint64("cohort_id", nb.ID).
						Int("size", merged.Len()).
						Msg("concatenated cohort")
					b = merged
				}
			}
		}

		b = s.step(ctx, b)
		waiting++
	}
}

// take pops a cohort from the queue and makes its entries active.
func (s *Scheduler) take(minSize, maxSize int) []*entry {
	chosen, cancelled := s.queue.next(minSize, maxSize, s.budget)
	for _, e := range cancelled {
		s.abort(e, e.ctx.Err())
	}
	for _, e := range chosen {
		s.active[e.req.ID] = e
	}
	if len(chosen) > 0 {
		s.log.Debug().
			Int("size", len(chosen)).
			Dur("queued", time.Since(chosen[0].queued)).
			Int("blocks_in_use", s.budget.InUse()).
			Msg("admitted requests")
	}
	s.metrics.SetQueueDepth(s.queue.Len())
	s.metrics.SetBlocksInUse(s.budget.InUse())
	return chosen
}

func (s *Scheduler) prefill(ctx context.Context, cohort []*entry) *batch.Batch {
	reqs := make([]batch.Request, len(cohort))
	for i, e := range cohort {
		reqs[i] = e.req
	}
	b, err := batch.Build(s.batchID.Add(1), s.layout, reqs, s.engine.Tokenizer())
	if err != nil {
		s.log.Error().Err(err).Int("size", len(cohort)).Msg("build batch")
		for _, e := range cohort {
			s.abort(e, err)
		}
		return nil
	}
	return s.step(ctx, b)
}

// step runs one engine step, hands out the Generations and returns the batch
// for the next step with every finished or cancelled request filtered out.
func (s *Scheduler) step(ctx context.Context, b *batch.Batch) *batch.Batch {
	gens, next, err := s.engine.Step(ctx, b)
	for _, g := range gens {
		s.dispatch(g)
	}
	if err != nil {
		s.fail(b, err)
		return nil
	}
	if next == nil {
		return nil
	}

	keep := make([]uint64, 0, next.Len())
	for i, id := range next.IDs() {
		e, ok := s.active[id]
		switch {
		case !ok || next.Stopping[i].Stopped():
		case e.ctx.Err() != nil:
			s.abort(e, e.ctx.Err())
		default:
			keep = append(keep, id)
		}
	}
	if len(keep) == 0 {
		return nil
	}
	if len(keep) < next.Len() {
		s.log.Debug().
			Uint64("batch_id", next.ID).
			Int("from", next.Len()).
			Int("to", len(keep)).
			Msg("filtered batch")
	}
	filtered, err := next.Filter(keep)
	if err != nil {
		s.fail(next, err)
		return nil
	}
	return filtered
}

func (s *Scheduler) dispatch(g engine.Generation) {
	e, ok := s.active[g.RequestID]
	if !ok {
		return
	}
	e.send(g)
	if g.Done() {
		s.finish(e)
	}
}

// fail ends every request still active in b with err.
func (s *Scheduler) fail(b *batch.Batch, err error) {
	s.metrics.BatchFailed()
	s.log.Error().Err(err).Uint64("batch_id", b.ID).Int("size", b.Len()).Msg("batch failed")
	s.abortBatch(b, err)
}

func (s *Scheduler) abortBatch(b *batch.Batch, err error) {
	for _, id := range b.IDs() {
		if e, ok := s.active[id]; ok {
			s.abort(e, err)
		}
	}
}

func (s *Scheduler) abort(e *entry, err error) {
	e.send(engine.Generation{RequestID: e.req.ID, Err: err})
	s.finish(e)
}

func (s *Scheduler) finish(e *entry) {
	close(e.events)
	delete(s.active, e.req.ID)
	s.budget.Release(e.req.ID)
	s.metrics.SetBlocksInUse(s.budget.InUse())

	s.mu.Lock()
	delete(s.ids, e.req.ID)
	s.mu.Unlock()
}

// shutdown refuses new requests and ends the queued ones.
func (s *Scheduler) shutdown(cause error) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	err := errors.Wrap(ErrClosed, cause.Error())
	for _, e := range s.queue.drain() {
		s.abort(e, err)
	}
	s.metrics.SetQueueDepth(0)
}
