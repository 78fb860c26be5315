package sink

import (
	"context"
	"fmt"

	"firestige.xyz/capmux/internal/core"
)

// Channel delivers records to an in-process channel. The sink owns the
// channel once attached and closes it on Close.
type Channel struct {
	name string
	ch   chan<- core.Record
}

func NewChannel(name string, ch chan<- core.Record) *Channel {
	return &Channel{name: name, ch: ch}
}

func (c *Channel) Name() string { return c.name }

// Append waits for the receiver, so a slow receiver backs up the sink's
// own queue only.
func (c *Channel) Append(ctx context.Context, records []core.Record) error {
	for _, r := range records {
		select {
		case c.ch <- r:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *Channel) Close() error {
	close(c.ch)
	return nil
}

// Callback hands every record to fn. A panic in fn is returned as a write
// error.
type Callback struct {
	name string
	fn   func(core.Record)
}

func NewCallback(name string, fn func(core.Record)) *Callback {
	return &Callback{name: name, fn: fn}
}

func (c *Callback) Name() string { return c.name }

func (c *Callback) Append(_ context.Context, records []core.Record) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("callback panic: %v", p)
		}
	}()
	for _, r := range records {
		c.fn(r)
	}
	return nil
}

func (c *Callback) Close() error { return nil }
