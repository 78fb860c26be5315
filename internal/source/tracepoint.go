package source

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"firestige.xyz/capmux/internal/core"
	"firestige.xyz/capmux/internal/log"
)

// ServeTracepoints accepts connections on l and pushes every CBOR
// tracepoint they carry into feed. It returns when ctx ends or the
// listener fails; open connections are closed on the way out.
func ServeTracepoints(ctx context.Context, feed *Feed, l net.Listener) error {
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		conns = map[net.Conn]struct{}{}
	)

	stop := context.AfterFunc(ctx, func() {
		l.Close()
		mu.Lock()
		for c := range conns {
			c.Close()
		}
		mu.Unlock()
	})
	defer stop()

	logger := log.For("feed", feed.Name()).With("listen", l.Addr().String())
	logger.Info("tracepoint listener started")

	var err error
	for {
		var conn net.Conn
		conn, err = l.Accept()
		if err != nil {
			break
		}
		mu.Lock()
		if ctx.Err() != nil {
			mu.Unlock()
			conn.Close()
			break
		}
		conns[conn] = struct{}{}
		mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				mu.Lock()
				delete(conns, conn)
				mu.Unlock()
				conn.Close()
			}()
			n, err := readTracepoints(ctx, feed, conn)
			if err != nil && ctx.Err() == nil && !errors.Is(err, core.ErrClosed) {
				logger.Warn("tracepoint connection failed", "remote", conn.RemoteAddr().String(), "received", n, "error", err)
				return
			}
			logger.Debug("tracepoint connection closed", "remote", conn.RemoteAddr().String(), "received", n)
		}()
	}

	l.Close()
	mu.Lock()
	for c := range conns {
		c.Close()
	}
	mu.Unlock()
	wg.Wait()

	logger.Info("tracepoint listener stopped")
	if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func readTracepoints(ctx context.Context, feed *Feed, r io.Reader) (int, error) {
	dec := core.NewTracepointDecoder(r)
	n := 0
	for {
		tp, err := dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return n, nil
			}
			return n, err
		}
		if tp.Timestamp.IsZero() {
			tp.Timestamp = time.Now()
		}
		if err := feed.Push(ctx, tp); err != nil {
			return n, err
		}
		n++
	}
}
