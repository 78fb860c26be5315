package pcapng

import (
	"fmt"
	"io"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/capmux/internal/core"
)

// Reader decodes files written by Writer back into records. Frames keep
// the name and link type of the interface they were recorded on; packets
// on the tracer interface become tracepoints. Decryption Secrets Blocks
// are skipped.
type Reader struct {
	ng *pcapgo.NgReader
}

func NewReader(r io.Reader) (*Reader, error) {
	opts := pcapgo.DefaultNgReaderOptions
	opts.WantMixedLinkType = true
	ng, err := pcapgo.NewNgReader(r, opts)
	if err != nil {
		return nil, fmt.Errorf("pcapng: %w", err)
	}
	return &Reader{ng: ng}, nil
}

// Next returns the next record, or io.EOF at the end of input.
func (r *Reader) Next() (core.Record, error) {
	data, ci, err := r.ng.ReadPacketData()
	if err != nil {
		return nil, err
	}
	intf, err := r.ng.Interface(ci.InterfaceIndex)
	if err != nil {
		return nil, fmt.Errorf("pcapng: %w", err)
	}
	lt := intf.LinkType
	if len(ci.AncillaryData) > 0 {
		if v, ok := ci.AncillaryData[0].(layers.LinkType); ok {
			lt = v
		}
	}

	if lt == LinkTypeTracepoint && intf.Name == TracerInterface {
		tp := &core.Tracepoint{}
		if err := tp.UnmarshalBinary(data); err != nil {
			return nil, fmt.Errorf("pcapng: decode tracepoint: %w", err)
		}
		return tp, nil
	}

	return &core.Frame{
		Interface:     intf.Name,
		Timestamp:     ci.Timestamp,
		Data:          data,
		CaptureLength: ci.CaptureLength,
		Length:        ci.Length,
		LinkType:      lt,
	}, nil
}

// ReadAll drains r.
func (r *Reader) ReadAll() ([]core.Record, error) {
	var out []core.Record
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}
