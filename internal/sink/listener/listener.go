// Package listener implements the socket sink: every accepted connection
// receives its own pcapng section followed by the live stream.
package listener

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"firestige.xyz/capmux/internal/config"
	"firestige.xyz/capmux/internal/core"
	"firestige.xyz/capmux/internal/pcapng"
	"firestige.xyz/capmux/internal/sink"
)

const defaultWriteTimeout = 5 * time.Second

func init() {
	sink.Register("listener", func(name string, options map[string]any) (sink.Sink, error) {
		var opts Options
		if err := config.Decode(options, &opts); err != nil {
			return nil, err
		}
		return New(name, opts)
	})
}

type Options struct {
	Listen       string        `mapstructure:"listen"` // tcp:host:port | unix:/path
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type client struct {
	conn net.Conn
	w    *pcapng.Writer
}

// Sink accepts readers on a TCP or unix socket. A reader that cannot keep up
// within the write timeout is disconnected; it never fails the sink.
type Sink struct {
	name    string
	ln      net.Listener
	timeout time.Duration

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
	wg      sync.WaitGroup
}

func New(name string, opts Options) (*Sink, error) {
	network, address, err := config.ListenAddress(opts.Listen)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	s := &Sink{
		name:    name,
		ln:      ln,
		timeout: opts.WriteTimeout,
		clients: make(map[*client]struct{}),
	}
	s.wg.Add(1)
	go s.accept()
	slog.Info("listener sink ready", "sink", name, "addr", ln.Addr().String())
	return s, nil
}

// Addr is the bound listen address.
func (s *Sink) Addr() net.Addr { return s.ln.Addr() }

// Clients is the number of connected readers.
func (s *Sink) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Sink) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		if err := s.add(conn); err != nil {
			slog.Warn("listener sink rejected reader", "sink", s.name, "remote", conn.RemoteAddr().String(), "error", err)
			conn.Close()
		}
	}
}

func (s *Sink) add(conn net.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrClosed
	}
	conn.SetWriteDeadline(time.Now().Add(s.timeout))
	w, err := pcapng.NewWriter(conn, pcapng.Options{})
	if err == nil {
		err = w.Flush()
	}
	if err != nil {
		return err
	}
	s.clients[&client{conn: conn, w: w}] = struct{}{}
	slog.Info("listener sink reader connected", "sink", s.name, "remote", conn.RemoteAddr().String())
	return nil
}

func (s *Sink) Name() string { return s.name }

// Append writes the batch to every connected reader.
func (s *Sink) Append(_ context.Context, records []core.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrClosed
	}
	for c := range s.clients {
		c.conn.SetWriteDeadline(time.Now().Add(s.timeout))
		err := c.w.WriteRecords(records)
		if err == nil {
			err = c.w.Flush()
		}
		if err != nil {
			slog.Info("listener sink reader dropped", "sink", s.name, "remote", c.conn.RemoteAddr().String(), "error", err)
			c.conn.Close()
			delete(s.clients, c)
		}
	}
	return nil
}

func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for c := range s.clients {
		c.conn.SetWriteDeadline(time.Now().Add(s.timeout))
		c.w.Close()
		c.conn.Close()
		delete(s.clients, c)
	}
	s.mu.Unlock()

	err := s.ln.Close()
	s.wg.Wait()
	if err != nil {
		return fmt.Errorf("close listener: %w", err)
	}
	return nil
}
