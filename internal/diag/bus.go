// Package diag implements the diagnostics bus every pipeline component
// reports to.
package diag

import (
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/serialx/hashring"

	"firestige.xyz/capmux/internal/core"
)

// Kind classifies an Event.
type Kind string

const (
	KindAttachError       Kind = "attach_error"
	KindOrderingViolation Kind = "ordering_violation"
	KindSinkWriteError    Kind = "sink_write_error"
	KindFilterError       Kind = "filter_evaluation_error"
	KindQueueOverflow     Kind = "queue_overflow"
	KindSourceEnded       Kind = "source_ended"
	KindSinkDetached      Kind = "sink_detached"
	KindError             Kind = "error"

	// All subscribes to every kind.
	All Kind = "*"
)

// Event is a structured diagnostic.
type Event struct {
	Time      time.Time
	Kind      Kind
	Component string
	Err       error
	Count     uint64
}

// Handler consumes events. Handlers run on the partition goroutine of the
// event's component and must not block for long.
type Handler func(Event)

// KindOf maps an error of the core taxonomy to its event kind.
func KindOf(err error) Kind {
	var (
		attach   *core.AttachError
		ordering *core.OrderingViolation
		sinkErr  *core.SinkWriteError
		filter   *core.FilterEvaluationError
		overflow *core.QueueOverflow
	)
	switch {
	case errors.As(err, &attach):
		return KindAttachError
	case errors.As(err, &ordering):
		return KindOrderingViolation
	case errors.As(err, &sinkErr):
		return KindSinkWriteError
	case errors.As(err, &filter):
		return KindFilterError
	case errors.As(err, &overflow):
		return KindQueueOverflow
	default:
		return KindError
	}
}

// Stats is a snapshot of bus counters.
type Stats struct {
	Published  uint64 `json:"published"`
	Processed  uint64 `json:"processed"`
	Dropped    uint64 `json:"dropped"`
	Partitions int    `json:"partitions"`
	Queued     []int  `json:"queued"`
}

type subscription struct {
	id      uint64
	kind    Kind
	handler Handler
}

type partition struct {
	id    int
	queue chan Event
}

// Bus is a partitioned in-memory event bus. Events of one component always
// land on the same partition, so their order is preserved. Publishing never
// blocks; a full partition drops the event. A nil *Bus discards everything.
type Bus struct {
	partitions []*partition
	nodes      []string
	ring       *hashring.HashRing

	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	closed bool
	wg     sync.WaitGroup

	published atomic.Uint64
	processed atomic.Uint64
	dropped   atomic.Uint64
}

// New starts a bus with the given number of partitions, each buffering up
// to queueSize events.
func New(partitions, queueSize int) *Bus {
	if partitions < 1 {
		partitions = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	b := &Bus{
		partitions: make([]*partition, partitions),
		nodes:      make([]string, partitions),
	}
	for i := 0; i < partitions; i++ {
		b.nodes[i] = "partition-" + strconv.Itoa(i)
		b.partitions[i] = &partition{id: i, queue: make(chan Event, queueSize)}
	}
	b.ring = hashring.New(b.nodes)

	for _, p := range b.partitions {
		b.wg.Add(1)
		go b.runPartition(p)
	}
	return b
}

// Publish enqueues e. It returns false when the event was dropped because
// the bus is closed or the partition is full.
func (b *Bus) Publish(e Event) bool {
	if b == nil {
		return false
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	if e.Count == 0 {
		e.Count = 1
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.dropped.Add(1)
		return false
	}

	p := b.partitions[b.partitionID(e.Component)]
	select {
	case p.queue <- e:
		b.published.Add(1)
		return true
	default:
		b.dropped.Add(1)
		return false
	}
}

// Report publishes err under the kind derived from its type.
func (b *Bus) Report(component string, err error) bool {
	if err == nil {
		return false
	}
	e := Event{Kind: KindOf(err), Component: component, Err: err}
	var overflow *core.QueueOverflow
	if errors.As(err, &overflow) {
		e.Count = overflow.Dropped
	}
	return b.Publish(e)
}

// Subscribe registers h for events of kind (or All). The returned function
// removes the subscription.
func (b *Bus) Subscribe(kind Kind, h Handler) (unsubscribe func()) {
	if b == nil {
		return func() {}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, kind: kind, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// SubscribeChan forwards events of kind to ch without blocking; events are
// lost when ch is full.
func (b *Bus) SubscribeChan(kind Kind, ch chan<- Event) (unsubscribe func()) {
	return b.Subscribe(kind, func(e Event) {
		select {
		case ch <- e:
		default:
		}
	})
}

// Close stops accepting events, delivers what is queued and waits for the
// partitions to finish.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, p := range b.partitions {
		close(p.queue)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Bus) Stats() Stats {
	if b == nil {
		return Stats{}
	}
	s := Stats{
		Published:  b.published.Load(),
		Processed:  b.processed.Load(),
		Dropped:    b.dropped.Load(),
		Partitions: len(b.partitions),
		Queued:     make([]int, len(b.partitions)),
	}
	for i, p := range b.partitions {
		s.Queued[i] = len(p.queue)
	}
	return s
}

func (b *Bus) partitionID(key string) int {
	node, ok := b.ring.GetNode(key)
	if !ok {
		return 0
	}
	for i, n := range b.nodes {
		if n == node {
			return i
		}
	}
	return 0
}

func (b *Bus) handlers(kind Kind) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var hs []Handler
	for _, s := range b.subs {
		if s.kind == All || s.kind == kind {
			hs = append(hs, s.handler)
		}
	}
	return hs
}

func (b *Bus) runPartition(p *partition) {
	defer b.wg.Done()
	for e := range p.queue {
		for _, h := range b.handlers(e.Kind) {
			b.dispatch(p.id, h, e)
		}
		b.processed.Add(1)
	}
}

func (b *Bus) dispatch(partition int, h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("diagnostics handler panicked", "partition", partition, "kind", e.Kind, "panic", r)
		}
	}()
	h(e)
}
