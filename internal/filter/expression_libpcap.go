//go:build libpcap

package filter

import (
	"fmt"
	"sync"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"golang.org/x/net/bpf"

	"firestige.xyz/capmux/internal/core"
)

// Expression is a pcap-filter expression. It is compiled by libpcap once
// per link type and run as a Program.
type Expression struct {
	expr    string
	snapLen int

	mu       sync.Mutex
	programs map[layers.LinkType]*Program
}

func NewExpression(expr string, snapLen int) (*Expression, error) {
	if snapLen <= 0 {
		snapLen = 65535
	}
	e := &Expression{expr: expr, snapLen: snapLen, programs: map[layers.LinkType]*Program{}}
	if _, err := e.program(layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}
	return e, nil
}

func (e *Expression) Name() string { return "expression(" + e.expr + ")" }

func (e *Expression) Evaluate(f *core.Frame) (bool, error) {
	p, err := e.program(f.LinkType)
	if err != nil {
		return false, err
	}
	return p.Evaluate(f)
}

func (e *Expression) program(lt layers.LinkType) (*Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.programs[lt]; ok {
		return p, nil
	}
	insns, err := pcap.CompileBPFFilter(lt, e.snapLen, e.expr)
	if err != nil {
		return nil, fmt.Errorf("compile %q for %s: %w", e.expr, lt, err)
	}
	raw := make([]bpf.RawInstruction, len(insns))
	for i, in := range insns {
		raw[i] = bpf.RawInstruction{Op: in.Code, Jt: in.Jt, Jf: in.Jf, K: in.K}
	}
	p, err := NewRawProgram(e.Name(), raw)
	if err != nil {
		return nil, err
	}
	e.programs[lt] = p
	return p, nil
}

func (e *Expression) rule() {}
