package pipeline

import (
	"fmt"
	"sort"
	"sync"

	"firestige.xyz/capmux/internal/core"
	"firestige.xyz/capmux/internal/sink"
	"firestige.xyz/capmux/internal/source"
)

// Registry records what is attached to a pipeline. Callers own it and may
// read it at any time; only the pipeline's attach and detach operations
// change it.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]*source.Adapter
	feeds   map[string]*source.Feed
	sinks   map[string]sink.Sink
}

func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[string]*source.Adapter),
		feeds:   make(map[string]*source.Feed),
		sinks:   make(map[string]sink.Sink),
	}
}

// Sources lists attached capture sources by name.
func (r *Registry) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.sources)
}

// Source returns the adapter attached under name.
func (r *Registry) Source(name string) (*source.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.sources[name]
	return a, ok
}

// Feeds lists auxiliary feeds by name.
func (r *Registry) Feeds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.feeds)
}

// Sinks lists attached sinks by name.
func (r *Registry) Sinks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.sinks)
}

// reserveSource checks that name is free among sources and feeds, which
// share the merge namespace.
func (r *Registry) reserveSource(name string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.freeLocked(name)
}

func (r *Registry) freeLocked(name string) error {
	if _, ok := r.sources[name]; ok {
		return fmt.Errorf("%w: %s", core.ErrSourceExists, name)
	}
	if _, ok := r.feeds[name]; ok {
		return fmt.Errorf("%w: %s", core.ErrSourceExists, name)
	}
	return nil
}

func (r *Registry) addSource(a *source.Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.freeLocked(a.Name()); err != nil {
		return err
	}
	r.sources[a.Name()] = a
	return nil
}

// removeSource drops name only while it still maps to a.
func (r *Registry) removeSource(name string, a *source.Adapter) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.sources[name]
	if !ok || (a != nil && cur != a) {
		return false
	}
	delete(r.sources, name)
	return true
}

func (r *Registry) addFeed(f *source.Feed) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.freeLocked(f.Name()); err != nil {
		return err
	}
	r.feeds[f.Name()] = f
	return nil
}

func (r *Registry) addSink(s sink.Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[s.Name()] = s
}

func (r *Registry) removeSink(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sinks, name)
}

// drain empties the registry and returns what was attached.
func (r *Registry) drain() ([]*source.Adapter, []*source.Feed) {
	r.mu.Lock()
	defer r.mu.Unlock()
	adapters := make([]*source.Adapter, 0, len(r.sources))
	for _, a := range r.sources {
		adapters = append(adapters, a)
	}
	feeds := make([]*source.Feed, 0, len(r.feeds))
	for _, f := range r.feeds {
		feeds = append(feeds, f)
	}
	r.sources = make(map[string]*source.Adapter)
	r.feeds = make(map[string]*source.Feed)
	r.sinks = make(map[string]sink.Sink)
	return adapters, feeds
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
