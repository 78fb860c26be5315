//go:build !linux

// Package ethernet captures from a Linux interface through a plain
// AF_PACKET socket. Other platforms register a stub.
package ethernet

import (
	"context"

	"firestige.xyz/capmux/internal/source"
)

const Driver = "ethernet"

func init() {
	source.Register(Driver, Open)
}

func Open(context.Context, source.Ref) (source.Handle, error) {
	return nil, source.ErrUnsupported
}
