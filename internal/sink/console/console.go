// Package console implements the debug sink that prints one line per
// record in human-readable or JSON form.
package console

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync/atomic"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/capmux/internal/config"
	"firestige.xyz/capmux/internal/core"
	"firestige.xyz/capmux/internal/sink"
)

const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

func init() {
	sink.Register("console", func(name string, options map[string]any) (sink.Sink, error) {
		var opts Options
		if err := config.Decode(options, &opts); err != nil {
			return nil, err
		}
		var out io.Writer = os.Stdout
		switch opts.Output {
		case "", "stdout":
		case "stderr":
			out = os.Stderr
		default:
			return nil, fmt.Errorf("%w: invalid output %q, must be stdout or stderr", core.ErrConfigInvalid, opts.Output)
		}
		return New(name, out, opts.Format)
	})
}

// Options configure the console sink.
type Options struct {
	Format string `mapstructure:"format"` // "json" or "text", default "text"
	Output string `mapstructure:"output"` // "stdout" or "stderr"
}

// Sink prints records for debugging.
type Sink struct {
	name     string
	format   string
	out      *bufio.Writer
	reported atomic.Uint64
}

func New(name string, w io.Writer, format string) (*Sink, error) {
	switch format {
	case "":
		format = "text"
	case "json", "text":
	default:
		return nil, fmt.Errorf("%w: invalid format %q, must be json or text", core.ErrConfigInvalid, format)
	}
	return &Sink{name: name, format: format, out: bufio.NewWriter(w)}, nil
}

func (s *Sink) Name() string { return s.name }

// Reported is the number of records printed so far.
func (s *Sink) Reported() uint64 { return s.reported.Load() }

func (s *Sink) Append(_ context.Context, records []core.Record) error {
	for _, r := range records {
		var err error
		if s.format == "json" {
			err = s.writeJSON(r)
		} else {
			err = s.writeText(r)
		}
		if err != nil {
			return err
		}
		s.reported.Add(1)
	}
	return s.out.Flush()
}

func (s *Sink) Close() error { return s.out.Flush() }

// summary is what the console knows about a frame after decoding.
type summary struct {
	Protocol string `json:"protocol,omitempty"`
	Src      string `json:"src,omitempty"`
	Dst      string `json:"dst,omitempty"`
	Layers   string `json:"layers,omitempty"`
}

func summarize(f *core.Frame) summary {
	pkt := gopacket.NewPacket(f.Data, f.LinkType, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	var (
		sm    summary
		names []string
	)
	for _, l := range pkt.Layers() {
		names = append(names, l.LayerType().String())
	}
	sm.Layers = strings.Join(names, "/")

	if nl := pkt.NetworkLayer(); nl != nil {
		src, dst := nl.NetworkFlow().Endpoints()
		sm.Src, sm.Dst = src.String(), dst.String()
		sm.Protocol = nl.LayerType().String()
	}
	if tl := pkt.TransportLayer(); tl != nil {
		src, dst := tl.TransportFlow().Endpoints()
		sm.Src += ":" + src.String()
		sm.Dst += ":" + dst.String()
		sm.Protocol = tl.LayerType().String()
	}
	if sm.Protocol == "" {
		if arp, ok := pkt.Layer(layers.LayerTypeARP).(*layers.ARP); ok {
			sm.Protocol = "ARP"
			sm.Src = net.IP(arp.SourceProtAddress).String()
			sm.Dst = net.IP(arp.DstProtAddress).String()
		}
	}
	return sm
}

func (s *Sink) writeText(r core.Record) error {
	var err error
	switch rec := r.(type) {
	case *core.Frame:
		sm := summarize(rec)
		_, err = fmt.Fprintf(s.out, "[%s] %s len=%d caplen=%d %s %s -> %s (%s)\n",
			rec.Timestamp.Format(timeLayout), rec.Interface, rec.Length, rec.CaptureLength,
			sm.Protocol, sm.Src, sm.Dst, sm.Layers)
	case *core.SessionKey:
		_, err = fmt.Fprintf(s.out, "[%s] %s secrets type=0x%08x len=%d\n",
			rec.Timestamp.Format(timeLayout), rec.Feed, rec.SecretsType, len(rec.Data))
	case *core.Tracepoint:
		_, err = fmt.Fprintf(s.out, "[%s] %s tracepoint type=%s level=%d %s\n",
			rec.Timestamp.Format(timeLayout), rec.Source, rec.Type, rec.Level, rec.Message)
	}
	return err
}

func (s *Sink) writeJSON(r core.Record) error {
	out := map[string]any{
		"kind":   r.Kind().String(),
		"time":   r.Time().Format(timeLayout),
		"origin": r.Origin(),
	}
	switch rec := r.(type) {
	case *core.Frame:
		sm := summarize(rec)
		out["length"] = rec.Length
		out["caplen"] = rec.CaptureLength
		out["link_type"] = rec.LinkType.String()
		out["protocol"] = sm.Protocol
		out["src"] = sm.Src
		out["dst"] = sm.Dst
		out["layers"] = sm.Layers
	case *core.SessionKey:
		out["secrets_type"] = rec.SecretsType
		out["length"] = len(rec.Data)
	case *core.Tracepoint:
		out["tracepoint"] = rec
	}

	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("json marshal failed: %w", err)
	}
	if _, err := s.out.Write(data); err != nil {
		return err
	}
	return s.out.WriteByte('\n')
}
