// Package source turns capture handles into time-ordered record streams.
//
// Drivers live in sub-packages and register themselves by name from their
// init functions; importing a driver package makes it available to Open.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/net/bpf"

	"firestige.xyz/capmux/internal/core"
	"firestige.xyz/capmux/internal/diag"
	"firestige.xyz/capmux/internal/log"
	"firestige.xyz/capmux/internal/metrics"
)

// ErrTimeout is returned by a Handle whose read timed out without data.
// The adapter uses it to observe cancellation between packets.
var ErrTimeout = errors.New("capmux: capture read timeout")

// ErrUnsupported is returned by drivers not available in this build.
var ErrUnsupported = errors.New("capmux: driver not supported on this platform")

const defaultBuffer = 4096

// Ref names a capture source and how to open it.
type Ref struct {
	Name        string
	Interface   string // interface name, or file path for the file driver
	Driver      string
	Priority    int
	SnapLen     int
	Promiscuous bool
	Filter      string               // pcap-filter expression, needs libpcap
	Program     []bpf.RawInstruction // classic BPF installed in the kernel
	Options     map[string]any
}

// Handle is an open capture handle owned by exactly one adapter.
type Handle interface {
	// ReadPacketData returns the next frame. The returned slice may be
	// reused by the next call.
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
	Close()
}

// KernelStatser is implemented by handles that expose kernel drop counters.
type KernelStatser interface {
	KernelDropped() (uint64, error)
}

// Replayer is implemented by handles that replay recorded data. The
// adapter blocks on a full stream instead of dropping.
type Replayer interface {
	Replay() bool
}

// Opener opens a handle for ref. Errors are reported as attach failures.
type Opener func(ctx context.Context, ref Ref) (Handle, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Opener{}
)

// Register makes a driver available by name. It panics on duplicates, as
// registration happens from init functions.
func Register(driver string, open Opener) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[driver]; dup {
		panic("source: driver registered twice: " + driver)
	}
	registry[driver] = open
}

// Drivers lists registered driver names.
func Drivers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats are adapter counters.
type Stats struct {
	Received      uint64 `json:"received"`
	Dropped       uint64 `json:"dropped"`
	KernelDropped uint64 `json:"kernel_dropped"`
}

type options struct {
	bus    *diag.Bus
	buffer int
	block  *bool
}

// Option customizes Open.
type Option func(*options)

// WithBus reports overflow and read errors to bus.
func WithBus(bus *diag.Bus) Option { return func(o *options) { o.bus = bus } }

// WithBuffer sets the stream channel capacity.
func WithBuffer(n int) Option { return func(o *options) { o.buffer = n } }

// WithBlocking overrides whether a full stream blocks the reader (true) or
// drops the newest frame (false). Replay handles block by default.
func WithBlocking(block bool) Option { return func(o *options) { o.block = &block } }

// Adapter owns one capture handle and exposes it as a Stream.
type Adapter struct {
	ref    Ref
	handle Handle
	opts   options
	block  bool

	out    chan core.Record
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	closed bool

	received atomic.Uint64
	dropped  atomic.Uint64
	logger   *slog.Logger
}

// Open attaches to ref and starts reading. Any failure is an
// *core.AttachError; the caller reports it and carries on without the
// source.
func Open(ctx context.Context, ref Ref, opts ...Option) (*Adapter, error) {
	if ref.Name == "" {
		ref.Name = ref.Interface
	}
	o := options{buffer: defaultBuffer}
	for _, opt := range opts {
		opt(&o)
	}
	if o.buffer < 1 {
		o.buffer = 1
	}

	registryMu.RLock()
	open, ok := registry[ref.Driver]
	registryMu.RUnlock()
	if !ok {
		return nil, &core.AttachError{Source: ref.Name, Driver: ref.Driver, Err: fmt.Errorf("unknown driver %q", ref.Driver)}
	}

	h, err := open(ctx, ref)
	if err != nil {
		var ae *core.AttachError
		if errors.As(err, &ae) {
			return nil, err
		}
		return nil, &core.AttachError{Source: ref.Name, Driver: ref.Driver, Err: err}
	}

	block := false
	if r, ok := h.(Replayer); ok {
		block = r.Replay()
	}
	if o.block != nil {
		block = *o.block
	}

	a := &Adapter{
		ref:    ref,
		handle: h,
		opts:   o,
		block:  block,
		out:    make(chan core.Record, o.buffer),
		done:   make(chan struct{}),
		logger: log.For("source", ref.Name).With("driver", ref.Driver),
	}
	// The adapter outlives the ctx of the attach call; only Close stops it.
	a.ctx, a.cancel = context.WithCancel(context.Background())

	a.logger.Info("source attached", "interface", ref.Interface, "link_type", h.LinkType().String())
	go a.readLoop()
	return a, nil
}

func (a *Adapter) Name() string { return a.ref.Name }
func (a *Adapter) Ref() Ref      { return a.ref }

// Stream returns the adapter's stream. It is not restartable: once the
// records channel is closed the adapter is finished.
func (a *Adapter) Stream() core.Stream {
	return core.Stream{
		Name:     a.ref.Name,
		Priority: a.ref.Priority,
		Records:  a.out,
	}
}

// Done is closed after the reader has released the handle.
func (a *Adapter) Done() <-chan struct{} { return a.done }

// Close stops the adapter cooperatively and closes the stream. The reader
// releases the handle when it next returns from a read.
func (a *Adapter) Close() {
	a.cancel()
	a.closeStream()
}

func (a *Adapter) closeStream() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.closed {
		a.closed = true
		close(a.out)
	}
}

func (a *Adapter) Stats() Stats {
	s := Stats{Received: a.received.Load(), Dropped: a.dropped.Load()}
	if ks, ok := a.handle.(KernelStatser); ok {
		if n, err := ks.KernelDropped(); err == nil {
			s.KernelDropped = n
		}
	}
	return s
}

func (a *Adapter) readLoop() {
	defer close(a.done)
	defer a.handle.Close()
	defer a.closeStream()

	lt := a.handle.LinkType()
	frames := metrics.SourceFramesTotal.WithLabelValues(a.ref.Name)
	drops := metrics.SourceDropsTotal.WithLabelValues(a.ref.Name, "queue")

	for {
		select {
		case <-a.ctx.Done():
			a.logger.Info("source stopped")
			return
		default:
		}

		data, ci, err := a.handle.ReadPacketData()
		if err != nil {
			if a.ctx.Err() != nil {
				a.logger.Info("source stopped")
				return
			}
			if errors.Is(err, ErrTimeout) {
				continue
			}
			if errors.Is(err, io.EOF) {
				a.logger.Info("source ended")
				a.opts.bus.Publish(diag.Event{Kind: diag.KindSourceEnded, Component: "source:" + a.ref.Name})
				return
			}
			a.logger.Error("source read failed", "error", err)
			a.opts.bus.Publish(diag.Event{Kind: diag.KindSourceEnded, Component: "source:" + a.ref.Name, Err: err})
			return
		}

		a.received.Add(1)
		frames.Inc()
		f := core.NewFrame(a.ref.Name, ci.Timestamp, data, ci.Length, frameLinkType(ci, lt))
		if !a.send(f) {
			if a.ctx.Err() != nil {
				return
			}
			a.dropped.Add(1)
			drops.Inc()
			a.opts.bus.Report("source:"+a.ref.Name, &core.QueueOverflow{Queue: "source:" + a.ref.Name, Policy: "drop_newest", Dropped: 1})
		}
	}
}

// send delivers f unless the stream is closed. Live captures never wait;
// replays wait for room or cancellation.
func (a *Adapter) send(f *core.Frame) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	if !a.block {
		select {
		case a.out <- f:
			return true
		default:
			return false
		}
	}
	select {
	case a.out <- f:
		return true
	case <-a.ctx.Done():
		return false
	}
}

// frameLinkType honours a per-packet link type carried in the ancillary
// data, as mixed-link-type readers report it.
func frameLinkType(ci gopacket.CaptureInfo, def layers.LinkType) layers.LinkType {
	if len(ci.AncillaryData) > 0 {
		if lt, ok := ci.AncillaryData[0].(layers.LinkType); ok {
			return lt
		}
	}
	return def
}
