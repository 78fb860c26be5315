//go:build !linux || !cgo

// Package afpacket captures through a TPACKET_V3 memory-mapped ring. It
// needs linux and cgo; other builds register a stub.
package afpacket

import (
	"context"

	"firestige.xyz/capmux/internal/source"
)

const Driver = "afpacket"

func init() {
	source.Register(Driver, Open)
}

func Open(context.Context, source.Ref) (source.Handle, error) {
	return nil, source.ErrUnsupported
}
