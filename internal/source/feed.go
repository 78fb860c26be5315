package source

import (
	"context"
	"sync"

	"firestige.xyz/capmux/internal/core"
)

// Feed is a lazy stream fed by the process itself: key logs, tracepoints
// or embedders. The merge never waits for an empty feed.
type Feed struct {
	name     string
	priority int
	ch       chan core.Record

	mu       sync.RWMutex
	closed   bool
	done     chan struct{}
	doneOnce sync.Once
}

// NewFeed creates a feed whose stream buffers up to capacity records.
func NewFeed(name string, capacity int) *Feed {
	if capacity < 1 {
		capacity = 1
	}
	return &Feed{
		name:     name,
		priority: -1,
		ch:       make(chan core.Record, capacity),
		done:     make(chan struct{}),
	}
}

func (f *Feed) Name() string { return f.name }

// Stream returns the feed's lazy stream. Auxiliary records sort before
// frames carrying the same timestamp.
func (f *Feed) Stream() core.Stream {
	return core.Stream{Name: f.name, Priority: f.priority, Lazy: true, Records: f.ch}
}

// Push appends r, waiting for room until ctx ends. It returns
// core.ErrClosed once the feed is closed.
func (f *Feed) Push(ctx context.Context, r core.Record) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return core.ErrClosed
	}
	select {
	case f.ch <- r:
		return nil
	case <-f.done:
		return core.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the stream. Pending pushes return core.ErrClosed.
func (f *Feed) Close() {
	f.doneOnce.Do(func() { close(f.done) })

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.ch)
	}
}
