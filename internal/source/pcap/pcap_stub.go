//go:build !libpcap

// Package pcap captures through libpcap. Without the libpcap build tag the
// driver is registered but refuses to open.
package pcap

import (
	"context"

	"firestige.xyz/capmux/internal/source"
)

const Driver = "pcap"

func init() {
	source.Register(Driver, Open)
}

func Open(context.Context, source.Ref) (source.Handle, error) {
	return nil, source.ErrUnsupported
}
