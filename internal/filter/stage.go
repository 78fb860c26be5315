package filter

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"firestige.xyz/capmux/internal/core"
	"firestige.xyz/capmux/internal/diag"
	"firestige.xyz/capmux/internal/metrics"
	"firestige.xyz/capmux/internal/queue"
)

const (
	defaultQueueCapacity = 8192
	defaultOutputBuffer  = 1024
	defaultBlockTimeout  = 100 * time.Millisecond
	evalBatch            = 64
)

// StageConfig configures a Stage. A nil Rule passes every frame.
type StageConfig struct {
	Rule         Rule
	Queue        queue.Config
	OutputBuffer int
	Bus          *diag.Bus
}

// Stats are filter stage counters.
type Stats struct {
	Matched  uint64 `json:"matched"`
	Rejected uint64 `json:"rejected"`
	Errors   uint64 `json:"errors"`
	Overflow uint64 `json:"overflow"`
	Queued   int    `json:"queued"`
}

// Stage decouples intake from rule evaluation with a bounded queue, so a
// slow rule never backs up into the merge.
type Stage struct {
	cfg   StageConfig
	queue *queue.Queue[core.Record]

	matched  atomic.Uint64
	rejected atomic.Uint64
	errors   atomic.Uint64
	overflow atomic.Uint64
}

func NewStage(cfg StageConfig) *Stage {
	if cfg.Queue.Name == "" {
		cfg.Queue.Name = "filter"
	}
	if cfg.Queue.Capacity <= 0 {
		cfg.Queue.Capacity = defaultQueueCapacity
	}
	if cfg.Queue.Policy == "" {
		cfg.Queue.Policy = queue.DropOldest
	}
	if cfg.Queue.BlockTimeout <= 0 {
		cfg.Queue.BlockTimeout = defaultBlockTimeout
	}
	if cfg.OutputBuffer <= 0 {
		cfg.OutputBuffer = defaultOutputBuffer
	}
	return &Stage{cfg: cfg, queue: queue.New[core.Record](cfg.Queue)}
}

func (s *Stage) Stats() Stats {
	return Stats{
		Matched:  s.matched.Load(),
		Rejected: s.rejected.Load(),
		Errors:   s.errors.Load(),
		Overflow: s.overflow.Load(),
		Queued:   s.queue.Len(),
	}
}

// Run filters in until it closes or ctx ends. The returned channel closes
// after the last accepted record. Non-frame records always pass.
func (s *Stage) Run(ctx context.Context, in <-chan core.Record) <-chan core.Record {
	out := make(chan core.Record, s.cfg.OutputBuffer)
	go s.intake(ctx, in)
	go s.evaluate(ctx, out)
	return out
}

func (s *Stage) intake(ctx context.Context, in <-chan core.Record) {
	defer s.queue.Close()
	drops := metrics.QueueOverflowTotal.WithLabelValues(s.cfg.Queue.Name)
	for {
		select {
		case r, ok := <-in:
			if !ok {
				return
			}
			err := s.queue.Push(ctx, r)
			if err == nil {
				continue
			}
			var ov *core.QueueOverflow
			if errors.As(err, &ov) {
				s.overflow.Add(ov.Dropped)
				drops.Add(float64(ov.Dropped))
				s.cfg.Bus.Report(s.cfg.Queue.Name, err)
				continue
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Stage) evaluate(ctx context.Context, out chan<- core.Record) {
	defer close(out)
	for {
		batch, ok := s.queue.PopBatch(ctx, evalBatch)
		if !ok {
			return
		}
		for _, r := range batch {
			if !s.accept(r) {
				continue
			}
			select {
			case out <- r:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Stage) accept(r core.Record) bool {
	f, ok := r.(*core.Frame)
	if !ok || s.cfg.Rule == nil {
		return true
	}

	start := time.Now()
	match, err := Evaluate(s.cfg.Rule, f)
	metrics.FilterLatencySeconds.Observe(time.Since(start).Seconds())

	switch {
	case err != nil:
		s.errors.Add(1)
		metrics.FilterResultsTotal.WithLabelValues("error").Inc()
		var fe *core.FilterEvaluationError
		component := "filter"
		if errors.As(err, &fe) {
			component = "filter:" + fe.Rule
		}
		if !s.cfg.Bus.Report(component, err) {
			slog.Debug("filter evaluation failed", "error", err)
		}
		return false
	case match:
		s.matched.Add(1)
		metrics.FilterResultsTotal.WithLabelValues("match").Inc()
		return true
	default:
		s.rejected.Add(1)
		metrics.FilterResultsTotal.WithLabelValues("nomatch").Inc()
		return false
	}
}
