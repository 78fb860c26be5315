package filter

import (
	"golang.org/x/net/bpf"

	"firestige.xyz/capmux/internal/config"
	"firestige.xyz/capmux/internal/queue"
)

// FromConfig builds the configured rule chain. It returns nil when no rule
// is configured.
func FromConfig(cfg config.FilterConfig, snapLen int) (Rule, error) {
	var rules []Rule
	if len(cfg.Interfaces) > 0 {
		rules = append(rules, NewInterfaces(cfg.Interfaces...))
	}
	if len(cfg.Protocols) > 0 {
		r, err := NewProtocols(cfg.Protocols...)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	if len(cfg.Program) > 0 {
		r, err := NewRawProgram("program", RawInstructions(cfg.Program))
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	if cfg.Expression != "" {
		r, err := NewExpression(cfg.Expression, snapLen)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}

	switch len(rules) {
	case 0:
		return nil, nil
	case 1:
		return rules[0], nil
	default:
		return And(rules...), nil
	}
}

// QueueConfig converts a configured queue section.
func QueueConfig(name string, cfg config.QueueConfig) (queue.Config, error) {
	policy, err := queue.ParsePolicy(cfg.Policy)
	if err != nil {
		return queue.Config{}, err
	}
	return queue.Config{Name: name, Capacity: cfg.Capacity, Policy: policy, BlockTimeout: cfg.BlockTimeout}, nil
}

// RawInstructions converts configured BPF instructions.
func RawInstructions(in []config.BPFInstruction) []bpf.RawInstruction {
	out := make([]bpf.RawInstruction, len(in))
	for i, ins := range in {
		out[i] = bpf.RawInstruction{Op: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	return out
}
