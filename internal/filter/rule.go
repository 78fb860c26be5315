// Package filter drops frames that do not satisfy a chain of rules.
package filter

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/net/bpf"

	"firestige.xyz/capmux/internal/core"
)

// Rule is a frame predicate. The set of rule kinds is closed; user code
// plugs in through Func.
type Rule interface {
	Name() string
	Evaluate(f *core.Frame) (bool, error)
	rule()
}

// Evaluate runs r on f. Errors and panics become a
// *core.FilterEvaluationError and the frame does not match.
func Evaluate(r Rule, f *core.Frame) (match bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			match = false
			err = &core.FilterEvaluationError{Rule: r.Name(), Err: fmt.Errorf("panic: %v", p)}
		}
	}()
	match, err = r.Evaluate(f)
	if err != nil {
		var fe *core.FilterEvaluationError
		if !errors.As(err, &fe) {
			err = &core.FilterEvaluationError{Rule: r.Name(), Err: err}
		}
		return false, err
	}
	return match, nil
}

// Program runs classic BPF bytecode over the frame bytes in user space. A
// non-zero return value is a match.
type Program struct {
	name string
	vm   *bpf.VM
}

func NewProgram(name string, insns []bpf.Instruction) (*Program, error) {
	vm, err := bpf.NewVM(insns)
	if err != nil {
		return nil, fmt.Errorf("%w: bpf program %s: %v", core.ErrConfigInvalid, name, err)
	}
	return &Program{name: name, vm: vm}, nil
}

// NewRawProgram builds a Program from encoded instructions, as produced by
// tcpdump -dd or a kernel filter configuration.
func NewRawProgram(name string, raw []bpf.RawInstruction) (*Program, error) {
	insns, ok := bpf.Disassemble(raw)
	if !ok {
		return nil, fmt.Errorf("%w: bpf program %s: undecodable instruction", core.ErrConfigInvalid, name)
	}
	return NewProgram(name, insns)
}

func (p *Program) Name() string { return p.name }

func (p *Program) Evaluate(f *core.Frame) (bool, error) {
	n, err := p.vm.Run(f.Data)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *Program) rule() {}

// Func wraps a user predicate. It may be slow; the stage queue absorbs it.
type Func struct {
	name string
	fn   func(*core.Frame) (bool, error)
}

func NewFunc(name string, fn func(*core.Frame) (bool, error)) *Func {
	return &Func{name: name, fn: fn}
}

func (r *Func) Name() string                         { return r.name }
func (r *Func) Evaluate(f *core.Frame) (bool, error) { return r.fn(f) }
func (r *Func) rule()                                {}

// Interfaces matches frames captured on one of the named sources.
type Interfaces struct {
	names map[string]struct{}
	list  []string
}

func NewInterfaces(names ...string) *Interfaces {
	r := &Interfaces{names: make(map[string]struct{}, len(names)), list: names}
	for _, n := range names {
		r.names[n] = struct{}{}
	}
	return r
}

func (r *Interfaces) Name() string { return "interfaces(" + strings.Join(r.list, ",") + ")" }

func (r *Interfaces) Evaluate(f *core.Frame) (bool, error) {
	_, ok := r.names[f.Interface]
	return ok, nil
}

func (r *Interfaces) rule() {}

var protocolLayers = map[string]gopacket.LayerType{
	"ipv4":   layers.LayerTypeIPv4,
	"ipv6":   layers.LayerTypeIPv6,
	"arp":    layers.LayerTypeARP,
	"tcp":    layers.LayerTypeTCP,
	"udp":    layers.LayerTypeUDP,
	"sctp":   layers.LayerTypeSCTP,
	"icmpv4": layers.LayerTypeICMPv4,
	"icmpv6": layers.LayerTypeICMPv6,
	"dns":    layers.LayerTypeDNS,
}

// Protocols decodes the frame and matches when any named layer is present.
type Protocols struct {
	list   []string
	layers []gopacket.LayerType
}

func NewProtocols(names ...string) (*Protocols, error) {
	r := &Protocols{list: names}
	for _, n := range names {
		lt, ok := protocolLayers[strings.ToLower(n)]
		if !ok {
			return nil, fmt.Errorf("%w: unknown protocol %q", core.ErrConfigInvalid, n)
		}
		r.layers = append(r.layers, lt)
	}
	return r, nil
}

func (r *Protocols) Name() string { return "protocols(" + strings.Join(r.list, ",") + ")" }

func (r *Protocols) Evaluate(f *core.Frame) (bool, error) {
	pkt := gopacket.NewPacket(f.Data, f.LinkType, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	for _, lt := range r.layers {
		if pkt.Layer(lt) != nil {
			return true, nil
		}
	}
	return false, nil
}

func (r *Protocols) rule() {}

// Chain is the logical AND of its rules, evaluated in order.
type Chain struct {
	rules []Rule
}

// And chains rules. Nested chains are flattened.
func And(rules ...Rule) *Chain {
	c := &Chain{}
	for _, r := range rules {
		if sub, ok := r.(*Chain); ok {
			c.rules = append(c.rules, sub.rules...)
			continue
		}
		c.rules = append(c.rules, r)
	}
	return c
}

func (c *Chain) Rules() []Rule { return c.rules }

func (c *Chain) Name() string {
	names := make([]string, len(c.rules))
	for i, r := range c.rules {
		names[i] = r.Name()
	}
	return "and(" + strings.Join(names, ",") + ")"
}

// Evaluate stops at the first rule that fails or does not match.
func (c *Chain) Evaluate(f *core.Frame) (bool, error) {
	for _, r := range c.rules {
		ok, err := Evaluate(r, f)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (c *Chain) rule() {}
