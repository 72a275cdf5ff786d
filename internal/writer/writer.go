// Package writer funnels every durable-store mutation through a single FIFO
// queue. SQLite serializes writers at the engine level anyway; queueing at
// the application level turns lock storms into ordered waits and guarantees
// no two logical writes interleave.
package writer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/courierapp/courier/internal/store"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// ErrClosed is returned by futures whose operation never ran because the
// queue shut down first.
var ErrClosed = errors.New("writer: queue closed")

// Backoff parameters applied to transient store-busy conditions before an
// operation's error is surfaced.
const (
	retryBase     = 50 * time.Millisecond
	retryCap      = 500 * time.Millisecond
	retryMaxTries = 5
)

// Op is a single mutating operation against the store.
type Op func(s *store.Store) error

// Future resolves when its operation has completed.
type Future struct {
	done chan struct{}
	err  error
}

// Wait blocks until the operation completes or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Future) resolve(err error) {
	f.err = err
	close(f.done)
}

// Queue is the single-writer serialization queue.
type Queue struct {
	store *store.Store
	log   *zap.Logger

	ops  chan *item
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

type item struct {
	op  Op
	fut *Future
}

// New creates and starts a write queue over the store.
func New(st *store.Store, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		store: st,
		log:   logger,
		ops:   make(chan *item, 256),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go q.run()
	return q
}

// Enqueue submits op and returns a future resolved when it completes.
// Operations execute strictly in submission order.
func (q *Queue) Enqueue(op Op) *Future {
	fut := &Future{done: make(chan struct{})}
	select {
	case <-q.quit:
		fut.resolve(ErrClosed)
		return fut
	default:
	}
	select {
	case q.ops <- &item{op: op, fut: fut}:
		// The buffered send can win the race against a concurrent Close.
		// If shutdown began, wait for the runner to exit and sweep the
		// queue ourselves so no future is left unresolved.
		select {
		case <-q.quit:
			<-q.done
			q.drain()
		default:
		}
	case <-q.quit:
		fut.resolve(ErrClosed)
	}
	return fut
}

// Do submits op and waits for its completion.
func (q *Queue) Do(ctx context.Context, op Op) error {
	return q.Enqueue(op).Wait(ctx)
}

// Close stops the queue. Operations still queued resolve with ErrClosed; the
// operation in flight, if any, finishes first.
func (q *Queue) Close() {
	q.once.Do(func() { close(q.quit) })
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		// Shutdown wins over queued work once the current op has finished.
		select {
		case <-q.quit:
			q.drain()
			return
		default:
		}
		select {
		case it := <-q.ops:
			it.fut.resolve(q.execute(it.op))
		case <-q.quit:
			q.drain()
			return
		}
	}
}

// drain fails whatever is still queued; nothing runs after shutdown.
func (q *Queue) drain() {
	for {
		select {
		case it := <-q.ops:
			it.fut.resolve(ErrClosed)
		default:
			return
		}
	}
}

// execute runs op, retrying in place on transient lock contention. The queue
// does not advance past a busy operation until its retries exhaust; other
// errors propagate to the caller's future without stalling later items.
func (q *Queue) execute(op Op) error {
	b := retry.WithMaxRetries(retryMaxTries, retry.WithCappedDuration(retryCap, retry.NewExponential(retryBase)))
	err := retry.Do(context.Background(), b, func(_ context.Context) error {
		err := op(q.store)
		if store.IsBusy(err) {
			q.log.Debug("store busy, retrying write", zap.Error(err))
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		q.log.Warn("write operation failed", zap.Error(err))
	}
	return err
}
