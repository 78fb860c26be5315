//go:build linux && cgo

// Package afpacket captures through a TPACKET_V3 memory-mapped ring.
package afpacket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/afpacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/capmux/internal/config"
	"firestige.xyz/capmux/internal/source"
)

const (
	Driver = "afpacket"

	defaultSnapLen      = 65535
	defaultBufferSizeMB = 64
	defaultPollTimeout  = 100 * time.Millisecond
)

// Options are read from the source's options map.
type Options struct {
	BufferSizeMB int           `mapstructure:"buffer_size_mb"`
	PollTimeout  time.Duration `mapstructure:"poll_timeout"`
	FanoutID     uint16        `mapstructure:"fanout_id"`
	FanoutType   string        `mapstructure:"fanout_type"` // hash | hash_defrag | lb | cpu | rollover | random
}

func init() {
	source.Register(Driver, Open)
}

// Handle owns one TPacket ring. It is read and closed by the adapter's
// reader goroutine only; closing it from elsewhere would unmap the ring
// under a running read.
type Handle struct {
	tp      *afpacket.TPacket
	iface   string
	restore func() error

	mu     sync.Mutex
	closed bool
}

func Open(_ context.Context, ref source.Ref) (source.Handle, error) {
	if ref.Filter != "" {
		return nil, fmt.Errorf("filter expression %q needs libpcap; use program or the pcap driver", ref.Filter)
	}

	opts := Options{BufferSizeMB: defaultBufferSizeMB, PollTimeout: defaultPollTimeout}
	if err := config.Decode(ref.Options, &opts); err != nil {
		return nil, err
	}
	snapLen := ref.SnapLen
	if snapLen <= 0 {
		snapLen = defaultSnapLen
	}
	frameSize, blockSize, numBlocks, err := recomputeSize(opts.BufferSizeMB, snapLen, os.Getpagesize())
	if err != nil {
		return nil, err
	}

	tp, err := afpacket.NewTPacket(
		afpacket.OptInterface(ref.Interface),
		afpacket.OptFrameSize(frameSize),
		afpacket.OptBlockSize(blockSize),
		afpacket.OptNumBlocks(numBlocks),
		afpacket.OptPollTimeout(opts.PollTimeout),
		afpacket.SocketRaw,
		afpacket.TPacketVersion3,
	)
	if err != nil {
		return nil, fmt.Errorf("create TPacket handle: %w", err)
	}
	h := &Handle{tp: tp, iface: ref.Interface}

	if opts.FanoutType != "" {
		ft, err := parseFanoutType(opts.FanoutType)
		if err != nil {
			h.Close()
			return nil, err
		}
		if err := tp.SetFanout(ft, opts.FanoutID); err != nil {
			h.Close()
			return nil, fmt.Errorf("set fanout: %w", err)
		}
		slog.Info("afpacket fanout configured", "interface", ref.Interface, "fanout_id", opts.FanoutID, "fanout_type", opts.FanoutType)
	}
	if len(ref.Program) > 0 {
		if err := tp.SetBPF(ref.Program); err != nil {
			h.Close()
			return nil, fmt.Errorf("set bpf: %w", err)
		}
	}
	if ref.Promiscuous {
		restore, err := setPromiscuous(ref.Interface)
		if err != nil {
			h.Close()
			return nil, fmt.Errorf("set promiscuous: %w", err)
		}
		h.restore = restore
	}
	if err := tp.InitSocketStats(); err != nil {
		slog.Warn("failed to init socket stats", "interface", ref.Interface, "error", err)
	}

	slog.Debug("afpacket ring ready", "interface", ref.Interface,
		"frame_size", frameSize, "block_size", blockSize, "num_blocks", numBlocks)
	return h, nil
}

// ReadPacketData returns a view into the ring, valid until the next read.
// A poll timeout surfaces as source.ErrTimeout so the reader can observe
// cancellation.
func (h *Handle) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	data, ci, err := h.tp.ZeroCopyReadPacketData()
	if errors.Is(err, afpacket.ErrTimeout) {
		return nil, ci, source.ErrTimeout
	}
	return data, ci, err
}

func (h *Handle) LinkType() layers.LinkType { return layers.LinkTypeEthernet }

func (h *Handle) KernelDropped() (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, source.ErrUnsupported
	}
	_, v3, err := h.tp.SocketStats()
	if err != nil {
		return 0, err
	}
	return uint64(v3.Drops()), nil
}

func (h *Handle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	if h.restore != nil {
		if err := h.restore(); err != nil {
			slog.Warn("failed to restore interface flags", "interface", h.iface, "error", err)
		}
	}
	h.tp.Close()
}

func parseFanoutType(ft string) (afpacket.FanoutType, error) {
	switch ft {
	case "hash":
		return afpacket.FanoutHash, nil
	case "hash_defrag":
		return afpacket.FanoutHashWithDefrag, nil
	case "lb":
		return afpacket.FanoutLoadBalance, nil
	case "cpu":
		return afpacket.FanoutCPU, nil
	case "rollover":
		return afpacket.FanoutRollover, nil
	case "random":
		return afpacket.FanoutRandom, nil
	default:
		return 0, fmt.Errorf("unknown fanout type %q", ft)
	}
}
