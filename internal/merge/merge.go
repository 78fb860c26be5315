// Package merge combines per-source streams into one time-ordered stream.
//
// Every input has a pump goroutine that holds at most one record ahead of
// the merge. A record is emitted once every live, non-lazy input has a
// pending record, so the output is globally ordered for individually
// ordered inputs. Ties are broken by stream priority, then by
// registration order.
package merge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/capmux/internal/core"
	"firestige.xyz/capmux/internal/diag"
	"firestige.xyz/capmux/internal/metrics"
)

const defaultOutputBuffer = 1024

// Config configures a Merger. OrderingPolicy has no default.
type Config struct {
	OrderingPolicy core.OrderingPolicy
	// MaxWait bounds how long an empty input holds back the merge while
	// others have records. Zero waits forever.
	MaxWait      time.Duration
	OutputBuffer int
	Bus          *diag.Bus
}

// Stats are merge counters.
type Stats struct {
	Inputs     int    `json:"inputs"`
	Stalled    int    `json:"stalled"`
	Emitted    uint64 `json:"emitted"`
	Violations uint64 `json:"violations"`
	Dropped    uint64 `json:"dropped"`
}

type input struct {
	stream     core.Stream
	seq        int
	refill     chan struct{}
	pending    core.Record
	emptySince time.Time
	stalled    bool
}

type delivery struct {
	in  *input
	rec core.Record
	ok  bool
}

// Merger is a k-way streaming merge. Add may be called before and while
// Run executes; Seal declares the set of inputs complete.
type Merger struct {
	cfg Config
	out chan core.Record

	mu      sync.Mutex
	added   []*input
	nextSeq int
	sealed  bool
	running bool
	done    bool
	wake    chan struct{}

	deliveries chan delivery

	inputs       []*input
	watermark    time.Time
	blockedSince time.Time

	numInputs  atomic.Int64
	numStalled atomic.Int64
	emitted    atomic.Uint64
	violations atomic.Uint64
	dropped    atomic.Uint64
}

func New(cfg Config) (*Merger, error) {
	policy, err := core.ParseOrderingPolicy(string(cfg.OrderingPolicy))
	if err != nil {
		return nil, err
	}
	cfg.OrderingPolicy = policy
	if cfg.MaxWait < 0 {
		cfg.MaxWait = 0
	}
	if cfg.OutputBuffer <= 0 {
		cfg.OutputBuffer = defaultOutputBuffer
	}
	return &Merger{
		cfg:        cfg,
		out:        make(chan core.Record, cfg.OutputBuffer),
		wake:       make(chan struct{}, 1),
		deliveries: make(chan delivery, 64),
	}, nil
}

// Output is the merged stream. It is closed when Run returns.
func (m *Merger) Output() <-chan core.Record { return m.out }

// Add registers a stream. Registration order breaks ties between equal
// timestamps and priorities.
func (m *Merger) Add(s core.Stream) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sealed || m.done {
		return core.ErrClosed
	}
	m.added = append(m.added, &input{stream: s, seq: m.nextSeq, refill: make(chan struct{}, 1)})
	m.nextSeq++
	m.numInputs.Add(1)
	m.notify()
	return nil
}

// Seal declares that no more streams will be added. Run returns once all
// inputs have ended.
func (m *Merger) Seal() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sealed = true
	m.notify()
}

func (m *Merger) notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Merger) Stats() Stats {
	return Stats{
		Inputs:     int(m.numInputs.Load()),
		Stalled:    int(m.numStalled.Load()),
		Emitted:    m.emitted.Load(),
		Violations: m.violations.Load(),
		Dropped:    m.dropped.Load(),
	}
}

// Run merges until the merger is sealed and drained, or ctx ends. It
// closes the output on return and may be called once.
func (m *Merger) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.running || m.done {
		m.mu.Unlock()
		return errors.New("merge: already running")
	}
	m.running = true
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		m.mu.Lock()
		m.done = true
		m.mu.Unlock()
		m.numStalled.Store(0)
		metrics.MergeStalledSources.Set(0)
		close(m.out)
	}()

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		sealed := m.absorb(ctx)

		for {
			in, ok := m.ready(time.Now())
			if !ok {
				break
			}
			if err := m.emit(ctx, in); err != nil {
				return err
			}
		}

		if sealed && len(m.inputs) == 0 {
			slog.Debug("merge drained", "emitted", m.emitted.Load())
			return nil
		}

		var timeout <-chan time.Time
		if deadline, ok := m.stallDeadline(); ok {
			d := time.Until(deadline)
			if d < 0 {
				d = 0
			}
			if timer == nil {
				timer = time.NewTimer(d)
			} else {
				timer.Reset(d)
			}
			timeout = timer.C
		}

		select {
		case d := <-m.deliveries:
			m.deliver(d)
		case <-m.wake:
		case <-timeout:
		case <-ctx.Done():
			return ctx.Err()
		}
		if timer != nil && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}

// absorb starts pumps for streams added since the last call.
func (m *Merger) absorb(ctx context.Context) (sealed bool) {
	m.mu.Lock()
	added := m.added
	m.added = nil
	sealed = m.sealed
	m.mu.Unlock()

	now := time.Now()
	for _, in := range added {
		in.emptySince = now
		m.inputs = append(m.inputs, in)
		go m.pump(ctx, in)
		in.refill <- struct{}{}
		slog.Debug("merge input added", "stream", in.stream.Name, "priority", in.stream.Priority, "lazy", in.stream.Lazy)
	}
	return sealed
}

// pump reads one record per refill request.
func (m *Merger) pump(ctx context.Context, in *input) {
	for {
		select {
		case <-in.refill:
		case <-ctx.Done():
			return
		}
		var d delivery
		select {
		case r, ok := <-in.stream.Records:
			d = delivery{in: in, rec: r, ok: ok}
		case <-ctx.Done():
			return
		}
		select {
		case m.deliveries <- d:
		case <-ctx.Done():
			return
		}
		if !d.ok {
			return
		}
	}
}

func (m *Merger) deliver(d delivery) {
	in := d.in
	if !d.ok {
		m.setInputStalled(in, false)
		m.remove(in)
		return
	}
	in.pending = d.rec
	m.setInputStalled(in, false)
}

func (m *Merger) remove(in *input) {
	for i, cur := range m.inputs {
		if cur == in {
			m.inputs = append(m.inputs[:i], m.inputs[i+1:]...)
			m.numInputs.Add(-1)
			return
		}
	}
}

// ready returns the input holding the next record to emit, if the merge
// may emit now. Empty inputs that have waited MaxWait are marked stalled.
func (m *Merger) ready(now time.Time) (*input, bool) {
	var best *input
	for _, in := range m.inputs {
		if in.pending != nil && (best == nil || less(in, best)) {
			best = in
		}
	}
	if best == nil {
		m.blockedSince = time.Time{}
		return nil, false
	}

	blocked := false
	for _, in := range m.inputs {
		if in.pending != nil || in.stream.Lazy || in.stalled {
			continue
		}
		if m.cfg.MaxWait > 0 && !m.blockedSince.IsZero() && !now.Before(m.waitDeadline(in)) {
			m.setInputStalled(in, true)
			slog.Warn("merge input stalled", "stream", in.stream.Name, "max_wait", m.cfg.MaxWait)
			continue
		}
		blocked = true
	}
	if blocked {
		if m.blockedSince.IsZero() {
			m.blockedSince = now
		}
		return nil, false
	}
	m.blockedSince = time.Time{}
	return best, true
}

func (m *Merger) waitDeadline(in *input) time.Time {
	since := in.emptySince
	if m.blockedSince.After(since) {
		since = m.blockedSince
	}
	return since.Add(m.cfg.MaxWait)
}

// stallDeadline is the earliest time a blocking input would be stalled.
func (m *Merger) stallDeadline() (time.Time, bool) {
	if m.cfg.MaxWait <= 0 || m.blockedSince.IsZero() {
		return time.Time{}, false
	}
	var (
		earliest time.Time
		found    bool
	)
	for _, in := range m.inputs {
		if in.pending != nil || in.stream.Lazy || in.stalled {
			continue
		}
		if dl := m.waitDeadline(in); !found || dl.Before(earliest) {
			earliest, found = dl, true
		}
	}
	return earliest, found
}

func (m *Merger) emit(ctx context.Context, in *input) error {
	r := in.pending
	in.pending = nil
	in.emptySince = time.Now()
	in.refill <- struct{}{}

	ts := r.Time()
	if ts.Before(m.watermark) {
		m.violations.Add(1)
		metrics.OrderingViolationsTotal.WithLabelValues(in.stream.Name, string(m.cfg.OrderingPolicy)).Inc()
		m.cfg.Bus.Report("merge:"+in.stream.Name, &core.OrderingViolation{
			Source:    in.stream.Name,
			Timestamp: ts,
			Watermark: m.watermark,
			Policy:    m.cfg.OrderingPolicy,
		})
		if m.cfg.OrderingPolicy == core.OrderingDrop {
			m.dropped.Add(1)
			return nil
		}
	} else {
		m.watermark = ts
	}

	select {
	case m.out <- r:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.emitted.Add(1)
	metrics.MergeRecordsTotal.WithLabelValues(r.Kind().String()).Inc()
	return nil
}

func (m *Merger) setInputStalled(in *input, stalled bool) {
	if in.stalled == stalled {
		return
	}
	in.stalled = stalled
	delta := int64(-1)
	if stalled {
		delta = 1
	}
	metrics.MergeStalledSources.Set(float64(m.numStalled.Add(delta)))
}

// less orders pending records by time, priority, then registration.
func less(a, b *input) bool {
	ta, tb := a.pending.Time(), b.pending.Time()
	if !ta.Equal(tb) {
		return ta.Before(tb)
	}
	if a.stream.Priority != b.stream.Priority {
		return a.stream.Priority < b.stream.Priority
	}
	return a.seq < b.seq
}
