package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"firestige.xyz/capmux/internal/config"
	"firestige.xyz/capmux/internal/core"
	"firestige.xyz/capmux/internal/diag"
	"firestige.xyz/capmux/internal/filter"
	"firestige.xyz/capmux/internal/merge"
	"firestige.xyz/capmux/internal/queue"
	"firestige.xyz/capmux/internal/sink"
	"firestige.xyz/capmux/internal/source"
)

const defaultSnapLen = 65535

// Build constructs a pipeline from configuration: sources, filter rules,
// sinks and the auxiliary feeds. The pipeline is returned unstarted. A
// source that fails to attach is reported and skipped; any other error
// aborts the build.
func Build(ctx context.Context, cfg *config.GlobalConfig, bus *diag.Bus) (*Pipeline, error) {
	pcfg, err := StageConfig(cfg)
	if err != nil {
		return nil, err
	}
	p, err := New(pcfg, NewRegistry(), bus)
	if err != nil {
		return nil, err
	}

	fail := func(err error) (*Pipeline, error) {
		p.Stop(context.Background())
		return nil, err
	}

	for _, sk := range cfg.Sinks {
		if err := p.AttachSinkConfig(sk); err != nil {
			return fail(err)
		}
	}

	for _, sc := range cfg.Sources {
		if err := p.AddSource(ctx, SourceRef(sc)); err != nil {
			var ae *core.AttachError
			if errors.As(err, &ae) {
				continue
			}
			return fail(err)
		}
	}

	if kl := cfg.Aux.KeyLog; kl.Enabled {
		secretsType, err := config.SecretsType(kl.SecretsType)
		if err != nil {
			return fail(err)
		}
		feed, err := p.AddFeed("keylog")
		if err != nil {
			return fail(err)
		}
		p.Go("keylog", func(ctx context.Context) error {
			defer feed.Close()
			return source.OpenKeyLog(ctx, feed, kl.Path, secretsType, kl.DedupTTL)
		})
	}

	if tp := cfg.Aux.Tracepoints; tp.Enabled {
		network, address, err := config.ListenAddress(tp.Listen)
		if err != nil {
			return fail(err)
		}
		ln, err := net.Listen(network, address)
		if err != nil {
			return fail(fmt.Errorf("tracepoint listener: %w", err))
		}
		feed, err := p.AddFeed("tracepoints")
		if err != nil {
			ln.Close()
			return fail(err)
		}
		slog.Info("accepting tracepoints", "addr", ln.Addr().String())
		p.Go("tracepoints", func(ctx context.Context) error {
			defer feed.Close()
			return source.ServeTracepoints(ctx, feed, ln)
		})
	}

	return p, nil
}

// StageConfig derives the stage configuration from the global settings.
func StageConfig(cfg *config.GlobalConfig) (Config, error) {
	policy, err := core.ParseOrderingPolicy(cfg.Merge.OrderingPolicy)
	if err != nil {
		return Config{}, err
	}
	rule, err := filter.FromConfig(cfg.Filter, maxSnapLen(cfg.Sources))
	if err != nil {
		return Config{}, err
	}
	qc, err := filter.QueueConfig("filter", cfg.Filter.Queue)
	if err != nil {
		return Config{}, err
	}
	fanoutPolicy, err := queue.ParsePolicy(cfg.Fanout.Policy)
	if err != nil {
		return Config{}, err
	}

	return Config{
		Merge: merge.Config{
			OrderingPolicy: policy,
			MaxWait:        cfg.Merge.MaxWait,
			OutputBuffer:   cfg.Merge.OutputBuffer,
		},
		Filter: filter.StageConfig{
			Rule:  rule,
			Queue: qc,
		},
		Fanout: sink.AttachOptions{
			QueueCapacity: cfg.Fanout.QueueCapacity,
			Policy:        fanoutPolicy,
			BlockTimeout:  cfg.Fanout.BlockTimeout,
			BatchSize:     cfg.Fanout.BatchSize,
			AutoDetach:    cfg.Fanout.AutoDetach,
		},
		SourceBuffer: cfg.Merge.SourceBuffer,
	}, nil
}

// AttachSinkConfig builds a sink of the configured type and attaches it.
func (p *Pipeline) AttachSinkConfig(sc config.SinkConfig) error {
	s, err := sink.New(sc.Type, sc.Name, sc.Options)
	if err != nil {
		return err
	}
	opts := sink.AttachOptions{
		QueueCapacity: sc.QueueCapacity,
		BatchSize:     sc.BatchSize,
	}
	if sc.AutoDetach != nil {
		opts.AutoDetach = *sc.AutoDetach
	} else {
		opts.AutoDetach = p.cfg.Fanout.AutoDetach
	}
	if err := p.AttachSink(s, opts); err != nil {
		s.Close()
		return err
	}
	return nil
}

// SourceRef converts a configured source into an adapter reference.
func SourceRef(sc config.SourceConfig) source.Ref {
	return source.Ref{
		Name:        sc.Name,
		Interface:   sc.Interface,
		Driver:      sc.Driver,
		Priority:    sc.Priority,
		SnapLen:     sc.SnapLen,
		Promiscuous: sc.Promiscuous,
		Filter:      sc.Filter,
		Program:     filter.RawInstructions(sc.Program),
		Options:     sc.Options,
	}
}

func maxSnapLen(sources []config.SourceConfig) int {
	n := 0
	for _, s := range sources {
		if s.SnapLen > n {
			n = s.SnapLen
		}
	}
	if n == 0 {
		n = defaultSnapLen
	}
	return n
}
