// Package sink publishes the filtered stream to any number of outputs.
//
// Every attached sink is serviced by its own worker and bounded queue, so
// a slow or failing sink never holds back the others.
package sink

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"firestige.xyz/capmux/internal/core"
)

// Sink consumes batches of records. Append is only ever called by the
// sink's worker; Close is called once, after the last Append returned.
type Sink interface {
	Name() string
	Append(ctx context.Context, records []core.Record) error
	Close() error
}

// Factory builds a sink from its configured options.
type Factory func(name string, options map[string]any) (Sink, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a sink type available to New. It panics on duplicates, as
// registration happens from init functions.
func Register(typ string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[typ]; dup {
		panic("sink: type registered twice: " + typ)
	}
	registry[typ] = f
}

// New builds a sink of a registered type.
func New(typ, name string, options map[string]any) (Sink, error) {
	registryMu.RLock()
	f, ok := registry[typ]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown sink type %q", core.ErrConfigInvalid, typ)
	}
	s, err := f(name, options)
	if err != nil {
		return nil, fmt.Errorf("sink %s (%s): %w", name, typ, err)
	}
	return s, nil
}

// Types lists registered sink types.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
