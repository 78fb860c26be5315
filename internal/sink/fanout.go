package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/capmux/internal/core"
	"firestige.xyz/capmux/internal/diag"
	"firestige.xyz/capmux/internal/metrics"
	"firestige.xyz/capmux/internal/queue"
)

const (
	defaultQueueCapacity = 4096
	defaultBatchSize     = 64
	defaultBlockTimeout  = 100 * time.Millisecond
)

// AttachOptions configure the queue and worker of one sink. Zero values
// inherit the fan-out defaults.
type AttachOptions struct {
	QueueCapacity int
	Policy        queue.Policy
	BlockTimeout  time.Duration
	BatchSize     int
	// AutoDetach removes the sink after its first failed Append.
	AutoDetach bool
}

// Info describes an attached sink.
type Info struct {
	Name       string `json:"name"`
	Queued     int    `json:"queued"`
	Capacity   int    `json:"capacity"`
	Policy     string `json:"policy"`
	BatchSize  int    `json:"batch_size"`
	AutoDetach bool   `json:"auto_detach"`
	Written    uint64 `json:"written"`
	Dropped    uint64 `json:"dropped"`
	Errors     uint64 `json:"errors"`
}

type worker struct {
	sink  Sink
	opts  AttachOptions
	queue *queue.Queue[core.Record]

	// intake feeds the queue of a block policy sink from its own goroutine,
	// so only that sink waits out the block timeout. Nil for drop_oldest.
	intake   chan core.Record
	stop     chan struct{}
	stopOnce sync.Once

	written       atomic.Uint64
	errors        atomic.Uint64
	intakeDropped atomic.Uint64
}

func (w *worker) stopIntake() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// Fanout delivers every published record to all attached sinks. Each sink
// has its own queue and worker, and Publish never waits on any of them.
type Fanout struct {
	bus      *diag.Bus
	defaults AttachOptions

	mu       sync.RWMutex
	workers  map[string]*worker
	closed   bool
	onDetach func(name string)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewFanout(bus *diag.Bus, defaults AttachOptions) *Fanout {
	if defaults.QueueCapacity <= 0 {
		defaults.QueueCapacity = defaultQueueCapacity
	}
	if defaults.Policy == "" {
		defaults.Policy = queue.DropOldest
	}
	if defaults.BlockTimeout <= 0 {
		defaults.BlockTimeout = defaultBlockTimeout
	}
	if defaults.BatchSize <= 0 {
		defaults.BatchSize = defaultBatchSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Fanout{
		bus:      bus,
		defaults: defaults,
		workers:  make(map[string]*worker),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (f *Fanout) withDefaults(o AttachOptions) AttachOptions {
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = f.defaults.QueueCapacity
	}
	if o.Policy == "" {
		o.Policy = f.defaults.Policy
	}
	if o.BlockTimeout <= 0 {
		o.BlockTimeout = f.defaults.BlockTimeout
	}
	if o.BatchSize <= 0 {
		o.BatchSize = f.defaults.BatchSize
	}
	return o
}

// OnDetach registers fn to be called after a sink leaves the fan-out,
// whether detached on request or after a failed write.
func (f *Fanout) OnDetach(fn func(name string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onDetach = fn
}

// Attach starts delivering to s. Only records published afterwards reach it.
func (f *Fanout) Attach(s Sink, opts AttachOptions) error {
	opts = f.withDefaults(opts)
	name := s.Name()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return core.ErrClosed
	}
	if _, dup := f.workers[name]; dup {
		return fmt.Errorf("%w: %s", core.ErrSinkExists, name)
	}

	w := &worker{
		sink: s,
		opts: opts,
		queue: queue.New[core.Record](queue.Config{
			Name:         "sink:" + name,
			Capacity:     opts.QueueCapacity,
			Policy:       opts.Policy,
			BlockTimeout: opts.BlockTimeout,
		}),
	}
	if opts.Policy == queue.Block {
		w.intake = make(chan core.Record, opts.QueueCapacity)
		w.stop = make(chan struct{})
		f.wg.Add(1)
		go f.feed(w)
	}
	f.workers[name] = w
	f.wg.Add(1)
	go f.run(w)

	slog.Info("sink attached", "sink", name, "queue_capacity", opts.QueueCapacity,
		"policy", opts.Policy, "batch_size", opts.BatchSize, "auto_detach", opts.AutoDetach)
	return nil
}

// Detach removes a sink and discards whatever it still had queued. It does
// not wait: the worker finishes its current Append, then closes the sink.
func (f *Fanout) Detach(name string) error {
	f.mu.Lock()
	w, ok := f.workers[name]
	if ok {
		delete(f.workers, name)
	}
	onDetach := f.onDetach
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrSinkNotFound, name)
	}
	f.finishDetach(w, name, "requested", onDetach)
	return nil
}

// detachWorker removes w only while it is still the worker registered under
// its name; a sink re-attached under the same name is left alone.
func (f *Fanout) detachWorker(w *worker, reason string) bool {
	name := w.sink.Name()
	f.mu.Lock()
	cur, ok := f.workers[name]
	if ok && cur == w {
		delete(f.workers, name)
	}
	onDetach := f.onDetach
	f.mu.Unlock()
	if !ok || cur != w {
		return false
	}
	f.finishDetach(w, name, reason, onDetach)
	return true
}

func (f *Fanout) finishDetach(w *worker, name, reason string, onDetach func(string)) {
	if w.intake != nil {
		w.stopIntake()
	}
	discarded := w.queue.Abort()
	metrics.SinkQueueDepth.DeleteLabelValues(name)
	slog.Info("sink detached", "sink", name, "reason", reason, "discarded", discarded)
	f.bus.Publish(diag.Event{
		Kind:      diag.KindSinkDetached,
		Component: "sink:" + name,
		Err:       fmt.Errorf("sink %s detached: %s", name, reason),
	})
	if onDetach != nil {
		onDetach(name)
	}
}

// Publish offers r to every attached sink.
func (f *Fanout) Publish(r core.Record) {
	f.mu.RLock()
	workers := make(map[string]*worker, len(f.workers))
	for name, w := range f.workers {
		workers[name] = w
	}
	f.mu.RUnlock()

	for name, w := range workers {
		if w.intake != nil {
			select {
			case w.intake <- r:
			default:
				w.intakeDropped.Add(1)
				f.overflow(w, &core.QueueOverflow{Queue: w.queue.Name(), Policy: string(queue.Block), Dropped: 1})
			}
			continue
		}
		f.push(w, name, r)
	}
}

func (f *Fanout) push(w *worker, name string, r core.Record) bool {
	err := w.queue.Push(f.ctx, r)
	if err == nil {
		return true
	}
	var ov *core.QueueOverflow
	if errors.As(err, &ov) {
		f.overflow(w, ov)
		return true
	}
	// Closed queues belong to sinks being detached.
	slog.Debug("sink queue rejected record", "sink", name, "error", err)
	return false
}

func (f *Fanout) overflow(w *worker, ov *core.QueueOverflow) {
	metrics.QueueOverflowTotal.WithLabelValues(w.queue.Name()).Add(float64(ov.Dropped))
	f.bus.Report(w.queue.Name(), ov)
}

// feed moves records from the intake of a block policy sink into its queue.
// On stop it flushes what the intake still holds, then closes the queue.
func (f *Fanout) feed(w *worker) {
	defer f.wg.Done()
	name := w.sink.Name()
	for {
		select {
		case r := <-w.intake:
			if !f.push(w, name, r) {
				return
			}
		case <-w.stop:
			for {
				select {
				case r := <-w.intake:
					if !f.push(w, name, r) {
						return
					}
				default:
					w.queue.Close()
					return
				}
			}
		}
	}
}

// Run publishes everything read from in until it closes or ctx ends.
func (f *Fanout) Run(ctx context.Context, in <-chan core.Record) error {
	for {
		select {
		case r, ok := <-in:
			if !ok {
				return nil
			}
			f.Publish(r)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Sinks lists attached sinks sorted by name.
func (f *Fanout) Sinks() []Info {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Info, 0, len(f.workers))
	for name, w := range f.workers {
		qs := w.queue.Stats()
		out = append(out, Info{
			Name:       name,
			Queued:     qs.Len,
			Capacity:   w.opts.QueueCapacity,
			Policy:     string(w.opts.Policy),
			BatchSize:  w.opts.BatchSize,
			AutoDetach: w.opts.AutoDetach,
			Written:    w.written.Load(),
			Dropped:    qs.Dropped + w.intakeDropped.Load(),
			Errors:     w.errors.Load(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close stops accepting records and lets every sink drain its queue. When
// ctx ends first, pending appends are cancelled and ctx.Err() is returned.
func (f *Fanout) Close(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	workers := make([]*worker, 0, len(f.workers))
	for _, w := range f.workers {
		workers = append(workers, w)
	}
	f.workers = map[string]*worker{}
	f.mu.Unlock()

	for _, w := range workers {
		if w.intake != nil {
			w.stopIntake()
			continue
		}
		w.queue.Close()
	}

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		f.cancel()
		return nil
	case <-ctx.Done():
		f.cancel()
		for _, w := range workers {
			w.queue.Abort()
		}
		return ctx.Err()
	}
}

func (f *Fanout) run(w *worker) {
	name := w.sink.Name()
	defer f.wg.Done()
	defer func() {
		if err := w.sink.Close(); err != nil {
			slog.Warn("sink close failed", "sink", name, "error", err)
		}
	}()

	records := metrics.SinkRecordsTotal.WithLabelValues(name)
	failures := metrics.SinkErrorsTotal.WithLabelValues(name)
	batchSize := metrics.SinkBatchSize.WithLabelValues(name)

	for {
		batch, ok := w.queue.PopBatch(f.ctx, w.opts.BatchSize)
		if !ok {
			return
		}
		metrics.SinkQueueDepth.WithLabelValues(name).Set(float64(w.queue.Len()))
		batchSize.Observe(float64(len(batch)))

		if err := w.sink.Append(f.ctx, batch); err != nil {
			w.errors.Add(1)
			failures.Inc()
			werr := &core.SinkWriteError{Sink: name, Err: err}
			if !f.bus.Report("sink:"+name, werr) {
				slog.Warn("sink write failed", "sink", name, "error", err)
			}
			if w.opts.AutoDetach {
				if !f.detachWorker(w, err.Error()) {
					slog.Debug("sink already detached", "sink", name)
				}
				return
			}
			continue
		}
		w.written.Add(uint64(len(batch)))
		records.Add(float64(len(batch)))
	}
}
