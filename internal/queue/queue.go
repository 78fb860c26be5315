// Package queue provides the bounded queue used between pipeline stages.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"firestige.xyz/capmux/internal/core"
)

// Policy selects what happens when a push finds the queue full.
type Policy string

const (
	// DropOldest evicts the head of the queue to make room.
	DropOldest Policy = "drop_oldest"
	// Block waits for room up to BlockTimeout, then drops the new item.
	Block Policy = "block"
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case DropOldest, Block:
		return p, nil
	case "":
		return DropOldest, nil
	default:
		return "", fmt.Errorf("%w: unknown queue policy %q", core.ErrConfigInvalid, s)
	}
}

// Config configures a Queue.
type Config struct {
	Name     string
	Capacity int
	Policy   Policy
	// BlockTimeout bounds the wait of the Block policy. Zero waits until the
	// context ends or the queue closes.
	BlockTimeout time.Duration
}

// Stats is a snapshot of queue counters.
type Stats struct {
	Len     int
	Pushed  uint64
	Dropped uint64
}

// Queue is a bounded FIFO safe for concurrent producers and consumers.
type Queue[T any] struct {
	cfg Config

	mu      sync.Mutex
	buf     []T
	head    int
	n       int
	closed  bool
	changed chan struct{} // closed and replaced on every state change
	pushed  uint64
	dropped uint64
}

// New creates a queue. Capacity below 1 is raised to 1.
func New[T any](cfg Config) *Queue[T] {
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	if cfg.Policy == "" {
		cfg.Policy = DropOldest
	}
	return &Queue[T]{
		cfg:     cfg,
		buf:     make([]T, cfg.Capacity),
		changed: make(chan struct{}),
	}
}

func (q *Queue[T]) Name() string { return q.cfg.Name }

// notifyLocked wakes every waiter. Caller holds q.mu.
func (q *Queue[T]) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *Queue[T]) overflowLocked() *core.QueueOverflow {
	q.dropped++
	return &core.QueueOverflow{Queue: q.cfg.Name, Policy: string(q.cfg.Policy), Dropped: 1}
}

// Push appends item. A non-nil *core.QueueOverflow means an item was lost
// (the evicted head under DropOldest, item itself under Block); the push
// itself still counts as handled. core.ErrClosed is returned once the queue
// is closed, ctx.Err() when the context ends while blocking.
func (q *Queue[T]) Push(ctx context.Context, item T) error {
	var timeout <-chan time.Time
	if q.cfg.Policy == Block && q.cfg.BlockTimeout > 0 {
		timer := time.NewTimer(q.cfg.BlockTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return core.ErrClosed
		}
		if q.n < len(q.buf) {
			q.putLocked(item)
			q.mu.Unlock()
			return nil
		}
		if q.cfg.Policy == DropOldest {
			var zero T
			q.buf[q.head] = zero
			q.head = (q.head + 1) % len(q.buf)
			q.n--
			q.putLocked(item)
			ov := q.overflowLocked()
			q.mu.Unlock()
			return ov
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-wait:
		case <-timeout:
			q.mu.Lock()
			ov := q.overflowLocked()
			q.mu.Unlock()
			return ov
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (q *Queue[T]) putLocked(item T) {
	q.buf[(q.head+q.n)%len(q.buf)] = item
	q.n++
	q.pushed++
	q.notifyLocked()
}

// Pop removes the head item, waiting while the queue is empty. ok is false
// once the queue is closed and drained, or ctx ends.
func (q *Queue[T]) Pop(ctx context.Context) (item T, ok bool) {
	batch, ok := q.PopBatch(ctx, 1)
	if !ok {
		return item, false
	}
	return batch[0], true
}

// PopBatch waits for at least one item and returns up to limit of them.
func (q *Queue[T]) PopBatch(ctx context.Context, limit int) ([]T, bool) {
	if limit < 1 {
		limit = 1
	}
	for {
		q.mu.Lock()
		if q.n > 0 {
			if limit > q.n {
				limit = q.n
			}
			out := make([]T, limit)
			var zero T
			for i := range out {
				out[i] = q.buf[q.head]
				q.buf[q.head] = zero
				q.head = (q.head + 1) % len(q.buf)
			}
			q.n -= limit
			q.notifyLocked()
			q.mu.Unlock()
			return out, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, false
		}
	}
}

// Close stops accepting pushes. Items already queued can still be popped.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.notifyLocked()
}

// Abort closes the queue and discards whatever is still queued. It returns
// the number of discarded items.
func (q *Queue[T]) Abort() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.n
	var zero T
	for i := 0; i < q.n; i++ {
		q.buf[(q.head+i)%len(q.buf)] = zero
	}
	q.head, q.n = 0, 0
	q.closed = true
	q.notifyLocked()
	return n
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Len: q.n, Pushed: q.pushed, Dropped: q.dropped}
}
