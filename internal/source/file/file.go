// Package file replays pcap and pcapng capture files as a source.
package file

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/capmux/internal/pcapng"
	"firestige.xyz/capmux/internal/source"
)

const Driver = "file"

const ngSectionHeader = 0x0A0D0D0A

func init() {
	source.Register(Driver, Open)
}

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
}

// Handle reads one capture file. The stream blocks instead of dropping, so
// a replay is lossless.
type Handle struct {
	f        *os.File
	r        packetReader
	linkType layers.LinkType
	ng       bool
}

// Open opens the file named by ref.Interface. The format is chosen from
// the leading magic number.
func Open(_ context.Context, ref source.Ref) (source.Handle, error) {
	f, err := os.Open(ref.Interface)
	if err != nil {
		return nil, err
	}
	br := bufio.NewReader(f)
	magic, err := br.Peek(4)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read magic: %w", err)
	}

	h := &Handle{f: f}
	if binary.LittleEndian.Uint32(magic) == ngSectionHeader {
		opts := pcapgo.DefaultNgReaderOptions
		opts.WantMixedLinkType = true
		ng, err := pcapgo.NewNgReader(br, opts)
		if err != nil {
			f.Close()
			return nil, err
		}
		h.r, h.linkType, h.ng = ng, ng.LinkType(), true
	} else {
		pr, err := pcapgo.NewReader(br)
		if err != nil {
			f.Close()
			return nil, err
		}
		h.r, h.linkType = pr, pr.LinkType()
	}
	return h, nil
}

// ReadPacketData returns the next frame. Tracepoints recorded in a pcapng
// file are not frames and are skipped.
func (h *Handle) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	for {
		data, ci, err := h.r.ReadPacketData()
		if err != nil {
			return nil, ci, err
		}
		if h.ng && len(ci.AncillaryData) > 0 && ci.AncillaryData[0] == pcapng.LinkTypeTracepoint {
			continue
		}
		return data, ci, nil
	}
}

func (h *Handle) LinkType() layers.LinkType { return h.linkType }
func (h *Handle) Replay() bool               { return true }
func (h *Handle) Close()                     { h.f.Close() }
