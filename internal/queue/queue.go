// Package queue delivers deferred match requests produced after an order's
// placement transaction commits. Delivery is at-least-once: handlers must
// tolerate the same order id arriving more than once.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Handler processes one match request
type Handler func(ctx context.Context, orderID int64) error

var ErrClosed = errors.New("queue closed")

// Options tune retry behaviour shared by the queue implementations
type Options struct {
	Workers     int
	Buffer      int
	MaxAttempts int
	Backoff     time.Duration
	Logger      *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.Buffer <= 0 {
		o.Buffer = 1024
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.Backoff <= 0 {
		o.Backoff = 50 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// deliver runs h until it succeeds, the attempts run out or ctx ends
func deliver(ctx context.Context, opts Options, h Handler, orderID int64) error {
	var err error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if err = h(ctx, orderID); err == nil {
			return nil
		}
		opts.Logger.Warn("match attempt failed",
			"order_id", orderID, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(opts.Backoff * time.Duration(attempt)):
		}
	}
	return err
}

// Memory is an in-process queue served by a pool of worker goroutines
type Memory struct {
	opts   Options
	jobs   chan int64
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewMemory creates an in-process queue; call Start to begin consuming
func NewMemory(opts Options) *Memory {
	opts = opts.withDefaults()
	return &Memory{
		opts: opts,
		jobs: make(chan int64, opts.Buffer),
	}
}

// Schedule enqueues a match request for orderID
func (q *Memory) Schedule(ctx context.Context, orderID int64) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.jobs <- orderID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start launches the workers. They stop when ctx is cancelled or Close is called.
func (q *Memory) Start(ctx context.Context, h Handler) {
	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case orderID, ok := <-q.jobs:
					if !ok {
						return
					}
					if err := deliver(ctx, q.opts, h, orderID); err != nil {
						q.opts.Logger.Error("match request dropped", "order_id", orderID, "error", err)
					}
				}
			}
		}()
	}
}

// Close stops accepting requests and waits for the workers. Buffered requests
// are still handled as long as the context passed to Start is alive; once it
// is cancelled the workers exit and the rest of the buffer is dropped.
func (q *Memory) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	q.wg.Wait()
	return nil
}
