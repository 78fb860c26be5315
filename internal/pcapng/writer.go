// Package pcapng reads and writes the capture container used by every
// byte-oriented sink: pcapng sections carrying frames, decryption secrets
// and tracepoints.
package pcapng

import (
	"encoding/binary"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/capmux/internal/core"
)

const (
	// TracerInterface names the interface tracepoints are recorded on.
	TracerInterface = "tracer"
	// LinkTypeTracepoint is DLT_USER0; packets carry one CBOR tracepoint.
	LinkTypeTracepoint = layers.LinkType(147)

	blockTypeDecryptionSecrets uint32 = 0x0000000A
)

// Options describe the section written by a Writer.
type Options struct {
	Application string
	Hardware    string
	OS          string
	Comment     string
	SnapLen     uint32 // 0 = unlimited
}

type ifaceKey struct {
	name     string
	linkType layers.LinkType
}

type ifaceStats struct {
	packets     uint64
	first, last time.Time
}

// Writer encodes records as one pcapng section. The section header and the
// tracer interface are written on creation, so the output is a valid
// capture from its first byte; other interfaces are described the first
// time a frame from them is written.
type Writer struct {
	out    io.Writer
	ng     *pcapgo.NgWriter
	opts   Options
	ifaces map[ifaceKey]int
	stats  []ifaceStats
	closed bool
}

// NewWriter starts a new section on w. Callers must Flush (or Close) before
// the bytes are guaranteed to reach w.
func NewWriter(w io.Writer, opts Options) (*Writer, error) {
	if opts.Application == "" {
		opts.Application = "capmux"
	}
	if opts.OS == "" {
		opts.OS = runtime.GOOS
	}
	if opts.Hardware == "" {
		opts.Hardware = runtime.GOARCH
	}

	tracer := pcapgo.NgInterface{
		Name:                TracerInterface,
		Description:         "tracepoint events (CBOR)",
		OS:                  opts.OS,
		LinkType:            LinkTypeTracepoint,
		TimestampResolution: 9,
	}
	ng, err := pcapgo.NewNgWriterInterface(w, tracer, pcapgo.NgWriterOptions{
		SectionInfo: pcapgo.NgSectionInfo{
			Application: opts.Application,
			Hardware:    opts.Hardware,
			OS:          opts.OS,
			Comment:     opts.Comment,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("pcapng: write section header: %w", err)
	}

	return &Writer{
		out:    w,
		ng:     ng,
		opts:   opts,
		ifaces: map[ifaceKey]int{{TracerInterface, LinkTypeTracepoint}: 0},
		stats:  make([]ifaceStats, 1),
	}, nil
}

// WriteRecord appends one record of any kind.
func (w *Writer) WriteRecord(r core.Record) error {
	if w.closed {
		return core.ErrClosed
	}
	switch rec := r.(type) {
	case *core.Frame:
		return w.writeFrame(rec)
	case *core.SessionKey:
		return w.writeSecrets(rec)
	case *core.Tracepoint:
		return w.writeTracepoint(rec)
	default:
		return fmt.Errorf("pcapng: unsupported record %T", r)
	}
}

// WriteRecords appends a batch in order.
func (w *Writer) WriteRecords(records []core.Record) error {
	for _, r := range records {
		if err := w.WriteRecord(r); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) writeFrame(f *core.Frame) error {
	id, err := w.interfaceID(f.Interface, f.LinkType)
	if err != nil {
		return err
	}
	length := f.Length
	if length < len(f.Data) {
		length = len(f.Data)
	}
	return w.writePacket(id, f.Timestamp, f.Data, length)
}

func (w *Writer) writeTracepoint(tp *core.Tracepoint) error {
	payload, err := tp.MarshalBinary()
	if err != nil {
		return fmt.Errorf("pcapng: encode tracepoint: %w", err)
	}
	return w.writePacket(0, tp.Timestamp, payload, len(payload))
}

func (w *Writer) writePacket(id int, ts time.Time, data []byte, length int) error {
	ci := gopacket.CaptureInfo{
		Timestamp:      ts,
		CaptureLength:  len(data),
		Length:         length,
		InterfaceIndex: id,
	}
	if err := w.ng.WritePacket(ci, data); err != nil {
		return err
	}
	st := &w.stats[id]
	if st.packets == 0 {
		st.first = ts
	}
	st.packets++
	st.last = ts
	return nil
}

func (w *Writer) interfaceID(name string, lt layers.LinkType) (int, error) {
	key := ifaceKey{name, lt}
	if id, ok := w.ifaces[key]; ok {
		return id, nil
	}
	id, err := w.ng.AddInterface(pcapgo.NgInterface{
		Name:                name,
		OS:                  w.opts.OS,
		LinkType:            lt,
		SnapLength:          w.opts.SnapLen,
		TimestampResolution: 9,
	})
	if err != nil {
		return 0, fmt.Errorf("pcapng: describe interface %s: %w", name, err)
	}
	w.ifaces[key] = id
	w.stats = append(w.stats, ifaceStats{})
	return id, nil
}

// writeSecrets emits a Decryption Secrets Block. pcapgo has no encoder for
// it, so the buffered writer is flushed first and the block goes straight
// to the underlying writer.
func (w *Writer) writeSecrets(k *core.SessionKey) error {
	if err := w.ng.Flush(); err != nil {
		return err
	}
	_, err := w.out.Write(EncodeSecretsBlock(k.SecretsType, k.Data))
	return err
}

// EncodeSecretsBlock returns a little-endian Decryption Secrets Block.
func EncodeSecretsBlock(secretsType uint32, data []byte) []byte {
	padded := (len(data) + 3) &^ 3
	total := 20 + padded
	b := make([]byte, total)
	binary.LittleEndian.PutUint32(b[0:4], blockTypeDecryptionSecrets)
	binary.LittleEndian.PutUint32(b[4:8], uint32(total))
	binary.LittleEndian.PutUint32(b[8:12], secretsType)
	binary.LittleEndian.PutUint32(b[12:16], uint32(len(data)))
	copy(b[16:], data)
	binary.LittleEndian.PutUint32(b[total-4:], uint32(total))
	return b
}

// Flush pushes buffered blocks to the underlying writer.
func (w *Writer) Flush() error {
	return w.ng.Flush()
}

// Close writes interface statistics for every interface that carried
// packets and flushes. The underlying writer is not closed.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	now := time.Now()
	for id, st := range w.stats {
		if st.packets == 0 {
			continue
		}
		err := w.ng.WriteInterfaceStats(id, pcapgo.NgInterfaceStatistics{
			LastUpdate:      now,
			StartTime:       st.first,
			EndTime:         st.last,
			PacketsReceived: st.packets,
			PacketsDropped:  pcapgo.NgNoValue64,
		})
		if err != nil {
			return err
		}
	}
	return w.ng.Flush()
}
