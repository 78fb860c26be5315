//go:build !libpcap

package filter

import (
	"fmt"

	"firestige.xyz/capmux/internal/core"
)

// Expression is a pcap-filter expression. Compiling one needs libpcap;
// this build has none.
type Expression struct {
	expr string
}

func NewExpression(expr string, _ int) (*Expression, error) {
	return nil, fmt.Errorf("%w: filter expression %q needs a build with the libpcap tag", core.ErrConfigInvalid, expr)
}

func (e *Expression) Name() string { return "expression(" + e.expr + ")" }

func (e *Expression) Evaluate(*core.Frame) (bool, error) {
	return false, fmt.Errorf("libpcap not available")
}

func (e *Expression) rule() {}
