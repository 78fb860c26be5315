// Package pipeline wires capture sources through the merge, filter and
// fan-out stages.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"firestige.xyz/capmux/internal/core"
	"firestige.xyz/capmux/internal/diag"
	"firestige.xyz/capmux/internal/filter"
	"firestige.xyz/capmux/internal/merge"
	"firestige.xyz/capmux/internal/sink"
	"firestige.xyz/capmux/internal/source"
)

const (
	defaultSourceBuffer = 4096
	defaultFeedBuffer   = 1024

	injectFeed = "inject"
)

// Config contains pipeline configuration.
type Config struct {
	Merge  merge.Config
	Filter filter.StageConfig
	Fanout sink.AttachOptions
	// SourceBuffer is the stream capacity of every capture adapter.
	SourceBuffer int
	// FeedBuffer is the stream capacity of auxiliary feeds.
	FeedBuffer int
}

type state int

const (
	stateCreated state = iota
	stateRunning
	stateStopped
)

func (s state) String() string {
	switch s {
	case stateCreated:
		return "created"
	case stateRunning:
		return "running"
	default:
		return "stopped"
	}
}

// Pipeline is the capture multiplexer: sources feed the merge, the merged
// stream is filtered and published to every attached sink.
type Pipeline struct {
	cfg    Config
	reg    *Registry
	bus    *diag.Bus
	merger *merge.Merger
	stage  *filter.Stage
	fanout *sink.Fanout
	inject *source.Feed

	mu    sync.Mutex
	state state

	// ctx bounds the stages; auxCtx bounds helper goroutines, which stop
	// first so their feeds close before the merge drains.
	ctx       context.Context
	cancel    context.CancelFunc
	auxCtx    context.Context
	auxCancel context.CancelFunc
	aux       sync.WaitGroup
	drained   chan struct{}
}

// New creates a pipeline. A nil registry is replaced by a fresh one.
func New(cfg Config, reg *Registry, bus *diag.Bus) (*Pipeline, error) {
	if reg == nil {
		reg = NewRegistry()
	}
	if cfg.SourceBuffer <= 0 {
		cfg.SourceBuffer = defaultSourceBuffer
	}
	if cfg.FeedBuffer <= 0 {
		cfg.FeedBuffer = defaultFeedBuffer
	}
	cfg.Merge.Bus = bus
	cfg.Filter.Bus = bus

	m, err := merge.New(cfg.Merge)
	if err != nil {
		return nil, err
	}
	p := &Pipeline{
		cfg:     cfg,
		reg:     reg,
		bus:     bus,
		merger:  m,
		stage:   filter.NewStage(cfg.Filter),
		fanout:  sink.NewFanout(bus, cfg.Fanout),
		drained: make(chan struct{}),
	}
	p.fanout.OnDetach(reg.removeSink)
	p.auxCtx, p.auxCancel = context.WithCancel(context.Background())

	p.inject, err = p.AddFeed(injectFeed)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Registry returns the registry the pipeline maintains.
func (p *Pipeline) Registry() *Registry { return p.reg }

// Start runs the stages until Stop or until ctx ends.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case stateRunning:
		return errors.New("pipeline: already running")
	case stateStopped:
		return core.ErrPipelineStopped
	}
	p.state = stateRunning
	p.ctx, p.cancel = context.WithCancel(ctx)

	go func() {
		if err := p.merger.Run(p.ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("merge stopped", "error", err)
		}
	}()
	filtered := p.stage.Run(p.ctx, p.merger.Output())
	go func() {
		defer close(p.drained)
		if err := p.fanout.Run(p.ctx, filtered); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("fan-out stopped", "error", err)
		}
	}()

	slog.Info("pipeline started", "sources", len(p.reg.Sources()), "sinks", len(p.reg.Sinks()))
	return nil
}

// Stop closes every source and feed, lets the records already captured
// drain into the sinks and closes them. When ctx ends first the remaining
// work is abandoned and ctx.Err() is returned.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	prev := p.state
	p.state = stateStopped
	p.mu.Unlock()
	if prev == stateStopped {
		return nil
	}
	slog.Info("pipeline stopping")
	start := time.Now()

	p.merger.Seal()
	p.auxCancel()
	p.aux.Wait()

	adapters, feeds := p.reg.drain()
	for _, a := range adapters {
		a.Close()
	}
	for _, f := range feeds {
		f.Close()
	}

	var err error
	if prev == stateRunning {
		select {
		case <-p.drained:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	if cerr := p.fanout.Close(ctx); err == nil {
		err = cerr
	}
	if p.cancel != nil {
		p.cancel()
	}

	slog.Info("pipeline stopped", "duration", time.Since(start), "emitted", p.merger.Stats().Emitted, "error", err)
	return err
}

func (p *Pipeline) checkOpen() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == stateStopped {
		return core.ErrPipelineStopped
	}
	return nil
}

// AddSource opens ref and adds its stream to the merge. An attach failure
// is reported on the bus and returned; the pipeline keeps running.
func (p *Pipeline) AddSource(ctx context.Context, ref source.Ref) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	if ref.Name == "" {
		ref.Name = ref.Interface
	}
	if err := p.reg.reserveSource(ref.Name); err != nil {
		return err
	}

	a, err := source.Open(ctx, ref, source.WithBus(p.bus), source.WithBuffer(p.cfg.SourceBuffer))
	if err != nil {
		if !p.bus.Report("source:"+ref.Name, err) {
			slog.Warn("source attach failed", "source", ref.Name, "error", err)
		}
		return err
	}
	if err := p.reg.addSource(a); err != nil {
		a.Close()
		return err
	}
	if err := p.merger.Add(a.Stream()); err != nil {
		p.reg.removeSource(a.Name(), a)
		a.Close()
		return fmt.Errorf("%w: %v", core.ErrPipelineStopped, err)
	}

	go func() {
		<-a.Done()
		if p.reg.removeSource(a.Name(), a) {
			slog.Debug("source removed from registry", "source", a.Name())
		}
	}()
	return nil
}

// RemoveSource stops a source. Frames it already captured still drain.
func (p *Pipeline) RemoveSource(name string) error {
	a, ok := p.reg.Source(name)
	if !ok || !p.reg.removeSource(name, a) {
		return fmt.Errorf("%w: %s", core.ErrSourceNotFound, name)
	}
	a.Close()
	return nil
}

// AttachSink starts publishing to s. Only records published afterwards
// reach it.
func (p *Pipeline) AttachSink(s sink.Sink, opts sink.AttachOptions) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	if err := p.fanout.Attach(s, opts); err != nil {
		return err
	}
	p.reg.addSink(s)
	return nil
}

// DetachSink detaches a sink without waiting for it.
func (p *Pipeline) DetachSink(name string) error {
	return p.fanout.Detach(name)
}

// AddFeed creates a lazy auxiliary stream and adds it to the merge.
func (p *Pipeline) AddFeed(name string) (*source.Feed, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	f := source.NewFeed(name, p.cfg.FeedBuffer)
	if err := p.reg.addFeed(f); err != nil {
		return nil, err
	}
	if err := p.merger.Add(f.Stream()); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", core.ErrPipelineStopped, err)
	}
	return f, nil
}

// Go runs fn until Stop. Helpers feeding the pipeline (key-log readers,
// tracepoint listeners) run this way so they end before the merge drains.
func (p *Pipeline) Go(name string, fn func(ctx context.Context) error) {
	p.aux.Add(1)
	go func() {
		defer p.aux.Done()
		if err := fn(p.auxCtx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("pipeline helper failed", "helper", name, "error", err)
			p.bus.Report("aux:"+name, err)
		}
	}()
}

// InjectSessionKey feeds key material into the merged stream.
func (p *Pipeline) InjectSessionKey(ctx context.Context, k *core.SessionKey) error {
	if k.Timestamp.IsZero() {
		k.Timestamp = time.Now()
	}
	if k.Feed == "" {
		k.Feed = injectFeed
	}
	return p.inject.Push(ctx, k)
}

// InjectTracepoint feeds an event into the merged stream.
func (p *Pipeline) InjectTracepoint(ctx context.Context, t *core.Tracepoint) error {
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}
	return p.inject.Push(ctx, t)
}

// SourceStatus describes one attached capture source.
type SourceStatus struct {
	Name      string       `json:"name"`
	Interface string       `json:"interface"`
	Driver    string       `json:"driver"`
	Priority  int          `json:"priority"`
	Stats     source.Stats `json:"stats"`
}

// Status is a snapshot of the pipeline.
type Status struct {
	State   string         `json:"state"`
	Sources []SourceStatus `json:"sources"`
	Feeds   []string       `json:"feeds"`
	Sinks   []sink.Info    `json:"sinks"`
	Merge   merge.Stats    `json:"merge"`
	Filter  filter.Stats   `json:"filter"`
	Diag    diag.Stats     `json:"diag"`
}

func (p *Pipeline) Status() Status {
	p.mu.Lock()
	st := p.state
	p.mu.Unlock()

	out := Status{
		State:  st.String(),
		Feeds:  p.reg.Feeds(),
		Sinks:  p.fanout.Sinks(),
		Merge:  p.merger.Stats(),
		Filter: p.stage.Stats(),
		Diag:   p.bus.Stats(),
	}
	for _, name := range p.reg.Sources() {
		a, ok := p.reg.Source(name)
		if !ok {
			continue
		}
		ref := a.Ref()
		out.Sources = append(out.Sources, SourceStatus{
			Name:      name,
			Interface: ref.Interface,
			Driver:    ref.Driver,
			Priority:  ref.Priority,
			Stats:     a.Stats(),
		})
	}
	return out
}
