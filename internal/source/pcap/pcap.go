//go:build libpcap

// Package pcap captures through libpcap. Build with -tags libpcap.
package pcap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"firestige.xyz/capmux/internal/config"
	"firestige.xyz/capmux/internal/source"
)

const (
	Driver = "pcap"

	defaultSnapLen = 65535
	defaultTimeout = 100 * time.Millisecond
)

// Options are read from the source's options map.
type Options struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	BufferSizeMB  int           `mapstructure:"buffer_size_mb"`
	ImmediateMode bool          `mapstructure:"immediate_mode"`
}

func init() {
	source.Register(Driver, Open)
}

type Handle struct {
	h *pcap.Handle

	mu     sync.Mutex
	closed bool
}

func Open(_ context.Context, ref source.Ref) (source.Handle, error) {
	opts := Options{Timeout: defaultTimeout}
	if err := config.Decode(ref.Options, &opts); err != nil {
		return nil, err
	}
	snapLen := ref.SnapLen
	if snapLen <= 0 {
		snapLen = defaultSnapLen
	}

	inactive, err := pcap.NewInactiveHandle(ref.Interface)
	if err != nil {
		return nil, err
	}
	defer inactive.CleanUp()

	if err := inactive.SetSnapLen(snapLen); err != nil {
		return nil, fmt.Errorf("set snaplen: %w", err)
	}
	if err := inactive.SetPromisc(ref.Promiscuous); err != nil {
		return nil, fmt.Errorf("set promiscuous: %w", err)
	}
	if err := inactive.SetTimeout(opts.Timeout); err != nil {
		return nil, fmt.Errorf("set timeout: %w", err)
	}
	if opts.BufferSizeMB > 0 {
		if err := inactive.SetBufferSize(opts.BufferSizeMB * 1024 * 1024); err != nil {
			return nil, fmt.Errorf("set buffer size: %w", err)
		}
	}
	if opts.ImmediateMode {
		if err := inactive.SetImmediateMode(true); err != nil {
			return nil, fmt.Errorf("set immediate mode: %w", err)
		}
	}

	h, err := inactive.Activate()
	if err != nil {
		return nil, err
	}

	switch {
	case ref.Filter != "":
		err = h.SetBPFFilter(ref.Filter)
	case len(ref.Program) > 0:
		insns := make([]pcap.BPFInstruction, len(ref.Program))
		for i, ri := range ref.Program {
			insns[i] = pcap.BPFInstruction{Code: ri.Op, Jt: ri.Jt, Jf: ri.Jf, K: ri.K}
		}
		err = h.SetBPFInstructionFilter(insns)
	}
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("set bpf: %w", err)
	}
	return &Handle{h: h}, nil
}

func (h *Handle) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	data, ci, err := h.h.ZeroCopyReadPacketData()
	if errors.Is(err, pcap.NextErrorTimeoutExpired) {
		return nil, ci, source.ErrTimeout
	}
	return data, ci, err
}

func (h *Handle) LinkType() layers.LinkType { return h.h.LinkType() }

func (h *Handle) KernelDropped() (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, source.ErrUnsupported
	}
	st, err := h.h.Stats()
	if err != nil {
		return 0, err
	}
	return uint64(st.PacketsDropped + st.PacketsIfDropped), nil
}

func (h *Handle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.h.Close()
}
