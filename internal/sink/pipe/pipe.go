// Package pipe implements the named pipe sink used for live viewing, e.g.
// `wireshark -k -i /run/capmux.pipe`.
package pipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"firestige.xyz/capmux/internal/config"
	"firestige.xyz/capmux/internal/core"
	"firestige.xyz/capmux/internal/pcapng"
	"firestige.xyz/capmux/internal/sink"
)

const defaultWriteTimeout = 5 * time.Second

// ErrNoReader is returned by Append while nobody has the pipe open.
var ErrNoReader = errors.New("pipe: no reader")

func init() {
	sink.Register("pipe", func(name string, options map[string]any) (sink.Sink, error) {
		var opts Options
		if err := config.Decode(options, &opts); err != nil {
			return nil, err
		}
		return New(name, opts)
	})
}

type Options struct {
	Path string `mapstructure:"path"`
	// Remove deletes the pipe on Close when this sink created it.
	Remove       bool          `mapstructure:"remove"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Sink writes a pcapng stream into a FIFO. The FIFO is opened on the first
// Append, never at attach, and reopened with a fresh section header after
// the reader goes away.
type Sink struct {
	name    string
	path    string
	created bool
	remove  bool
	timeout time.Duration

	mu sync.Mutex
	f  *os.File
	w  *pcapng.Writer
}

func New(name string, opts Options) (*Sink, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("%w: pipe sink requires path", core.ErrConfigInvalid)
	}
	created, err := ensureFIFO(opts.Path)
	if err != nil {
		return nil, err
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	return &Sink{name: name, path: opts.Path, created: created, remove: opts.Remove, timeout: opts.WriteTimeout}, nil
}

func ensureFIFO(path string) (created bool, err error) {
	fi, err := os.Stat(path)
	switch {
	case err == nil:
		if fi.Mode()&os.ModeNamedPipe == 0 {
			return false, fmt.Errorf("%w: %s exists and is not a named pipe", core.ErrConfigInvalid, path)
		}
		return false, nil
	case errors.Is(err, os.ErrNotExist):
		if err := unix.Mkfifo(path, 0o600); err != nil {
			return false, fmt.Errorf("mkfifo %s: %w", path, err)
		}
		return true, nil
	default:
		return false, err
	}
}

func (s *Sink) Name() string { return s.name }

func (s *Sink) Append(_ context.Context, records []core.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.w == nil {
		if err := s.open(); err != nil {
			return err
		}
	}
	// A reader that stops reading fills the pipe; give up on it.
	s.f.SetWriteDeadline(time.Now().Add(s.timeout))
	err := s.w.WriteRecords(records)
	if err == nil {
		err = s.w.Flush()
	}
	if err != nil {
		if errors.Is(err, syscall.EPIPE) {
			slog.Info("pipe reader went away", "sink", s.name, "path", s.path)
		}
		s.reset()
		return err
	}
	return nil
}

// open connects to a waiting reader without blocking.
func (s *Sink) open() error {
	f, err := os.OpenFile(s.path, os.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		if errors.Is(err, syscall.ENXIO) {
			return ErrNoReader
		}
		return err
	}
	w, err := pcapng.NewWriter(f, pcapng.Options{})
	if err != nil {
		f.Close()
		return err
	}
	s.f, s.w = f, w
	slog.Info("pipe reader connected", "sink", s.name, "path", s.path)
	return nil
}

func (s *Sink) reset() {
	if s.f != nil {
		s.f.Close()
	}
	s.f, s.w = nil, nil
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.w != nil {
		s.f.SetWriteDeadline(time.Now().Add(s.timeout))
		err = s.w.Close()
	}
	s.reset()
	if s.created && s.remove {
		if rerr := os.Remove(s.path); err == nil && !errors.Is(rerr, os.ErrNotExist) {
			err = rerr
		}
	}
	return err
}
