// Package file implements the pcapng file sink.
package file

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"firestige.xyz/capmux/internal/config"
	"firestige.xyz/capmux/internal/core"
	"firestige.xyz/capmux/internal/pcapng"
	"firestige.xyz/capmux/internal/sink"
)

func init() {
	sink.Register("file", func(name string, options map[string]any) (sink.Sink, error) {
		var opts Options
		if err := config.Decode(options, &opts); err != nil {
			return nil, err
		}
		return New(name, opts)
	})
}

// Options configure the file sink.
type Options struct {
	Path    string `mapstructure:"path"`
	Comment string `mapstructure:"comment"`
	SnapLen uint32 `mapstructure:"snaplen"`
}

// Sink writes one pcapng section to a file that is truncated on open.
// Every batch is flushed, so readers tailing the file see whole blocks.
type Sink struct {
	name string
	path string
	f    *os.File
	w    *pcapng.Writer
}

func New(name string, opts Options) (*Sink, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("%w: file sink requires path", core.ErrConfigInvalid)
	}
	f, err := os.Create(opts.Path)
	if err != nil {
		return nil, err
	}
	w, err := pcapng.NewWriter(f, pcapng.Options{Comment: opts.Comment, SnapLen: opts.SnapLen})
	if err == nil {
		err = w.Flush()
	}
	if err != nil {
		f.Close()
		return nil, err
	}
	slog.Debug("file sink opened", "sink", name, "path", opts.Path)
	return &Sink{name: name, path: opts.Path, f: f, w: w}, nil
}

func (s *Sink) Name() string { return s.name }

func (s *Sink) Append(_ context.Context, records []core.Record) error {
	if err := s.w.WriteRecords(records); err != nil {
		return err
	}
	return s.w.Flush()
}

func (s *Sink) Close() error {
	err := s.w.Close()
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	return err
}
