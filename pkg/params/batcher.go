package params

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ondemandenv/user-pool/pkg/common"
	"github.com/ondemandenv/user-pool/pkg/logger"

	"golang.org/x/time/rate"
)

type Options struct {
	// BatchSize caps the names per backend call, at most MaxBatchSize.
	BatchSize int
	// CallTimeout bounds a single backend call. Zero means no timeout.
	CallTimeout time.Duration
	// Limiter, if set, paces backend calls.
	Limiter *rate.Limiter
	// OnBatchError is told about names whose batch failed as a whole. Those
	// names are not requeued.
	OnBatchError func(names []string, err error)
}

// Batcher queues names and drains them in batches, one backend call at a
// time. A name queued several times before its batch starts is read once and
// delivered to the handler registered last.
type Batcher struct {
	getter BulkGetter
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	queue    []string
	handlers map[string]Handler
	inflight int
	draining bool
	closed   bool
}

func NewBatcher(getter BulkGetter, opts Options) *Batcher {
	if opts.BatchSize <= 0 || opts.BatchSize > MaxBatchSize {
		opts.BatchSize = MaxBatchSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Batcher{
		getter:   getter,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[string]Handler),
	}
}

// Fetch registers handler for every name and starts draining unless a drain
// is already running. It never blocks on the backend.
//
// A name whose batch is already in flight is queued again, so handler sees a
// value read after this call. The handler registered before the batch started
// still receives the in-flight result.
func (b *Batcher) Fetch(names []string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	for _, name := range names {
		if _, queued := b.handlers[name]; !queued {
			b.queue = append(b.queue, name)
		}
		b.handlers[name] = handler
	}

	if len(b.queue) > 0 && !b.draining {
		b.draining = true
		b.wg.Add(1)
		go b.drain()
	}
}

// Pending returns the number of queued names, including the batch in flight.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue) + b.inflight
}

// Close drops every queued name and waits for the drain loop to stop.
func (b *Batcher) Close() {
	b.mu.Lock()
	b.closed = true
	b.queue = nil
	b.inflight = 0
	clear(b.handlers)
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
}

func (b *Batcher) drain() {
	defer b.wg.Done()

	for {
		b.mu.Lock()
		if b.closed || len(b.queue) == 0 {
			b.draining = false
			b.mu.Unlock()
			return
		}
		n := min(len(b.queue), b.opts.BatchSize)
		batch := slices.Clone(b.queue[:n])
		b.queue = slices.Delete(b.queue, 0, n)
		handlers := make([]Handler, len(batch))
		for i, name := range batch {
			handlers[i] = b.handlers[name]
			delete(b.handlers, name)
		}
		b.inflight = len(batch)
		b.mu.Unlock()

		records, err := b.call(batch)

		b.mu.Lock()
		b.inflight = 0
		if b.closed {
			b.draining = false
			b.mu.Unlock()
			return
		}
		b.mu.Unlock()

		if err != nil {
			logger.Error("[Params] Batch failed", "names", batch, "err", err)
			if b.opts.OnBatchError != nil {
				b.opts.OnBatchError(batch, err)
			}
			continue
		}

		byName := make(map[string]common.Parameter, len(records))
		for _, rec := range records {
			byName[rec.Name] = rec
		}
		for i, name := range batch {
			var res Result = NotFound(name)
			if rec, ok := byName[name]; ok {
				res = Found{Parameter: rec}
			}
			deliver(handlers[i], res)
		}
	}
}

func (b *Batcher) call(batch []string) ([]common.Parameter, error) {
	ctx := b.ctx
	if b.opts.Limiter != nil {
		if err := b.opts.Limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}
	if b.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.opts.CallTimeout)
		defer cancel()
	}
	logger.Debug("[Params] Fetching batch", "size", len(batch))
	return b.getter.GetParameters(ctx, batch)
}

// deliver runs one handler. A panicking handler must not stop the drain loop.
func deliver(h Handler, res Result) {
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("[Params] Handler panicked", "name", res.ParamName(), "panic", r)
		}
	}()
	h(res)
}
