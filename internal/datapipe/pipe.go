// Package datapipe implements the publish/filter/subscribe primitive the
// display core uses to share cached inputs (system state, call state,
// proximity, renderer state, ...) between independently-changing
// producers and the DSM/BlankingTimers/Policy consumers.
//
// A Pipe[T] holds one cached value. Set runs every registered filter in
// order (each may rewrite the incoming value) and, if the final
// value differs from the cached one, stores it and runs every subscriber
// synchronously before returning. There is no asynchronous delivery: the
// caller of Set is the caller of every subscriber, matching the source
// design's "filters and triggers run synchronously during publish".
package datapipe

import "sync"

// Filter inspects (and may rewrite) a value before it is committed.
type Filter[T comparable] func(T) T

// Subscriber is notified after a committed change, with the old and new
// value.
type Subscriber[T comparable] func(old, new T)

// Pipe is a generic cached-value observable over a comparable type.
type Pipe[T comparable] struct {
	mu          sync.RWMutex
	value       T
	filters     []Filter[T]
	subscribers []Subscriber[T]
}

// New creates a Pipe seeded with initial.
func New[T comparable](initial T) *Pipe[T] {
	return &Pipe[T]{value: initial}
}

// Get returns the current cached value.
func (p *Pipe[T]) Get() T {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.value
}

// AddFilter registers a filter run (in registration order) on every Set.
func (p *Pipe[T]) AddFilter(f Filter[T]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filters = append(p.filters, f)
}

// Subscribe registers a callback invoked after every committed change.
// It does not fire for the pipe's initial value.
func (p *Pipe[T]) Subscribe(s Subscriber[T]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers = append(p.subscribers, s)
}

// Set runs filters, and if the resulting value differs from the cached
// one, commits it and synchronously notifies subscribers. Returns the
// value actually committed (post-filter) and whether a change occurred.
func (p *Pipe[T]) Set(v T) (committed T, changed bool) {
	p.mu.Lock()
	for _, f := range p.filters {
		v = f(v)
	}
	old := p.value
	changed = old != v
	if changed {
		p.value = v
	}
	subs := p.subscribers
	p.mu.Unlock()

	if changed {
		for _, s := range subs {
			s(old, v)
		}
	}
	return v, changed
}

// Force commits v unconditionally and notifies subscribers, regardless of
// equality with the previous value. Used where repeated identical
// publishes must still re-trigger (e.g. a forced rethink, or the
// redundant renderer "true" call after a lipstick respawn).
func (p *Pipe[T]) Force(v T) (old T) {
	p.mu.Lock()
	for _, f := range p.filters {
		v = f(v)
	}
	old = p.value
	p.value = v
	subs := p.subscribers
	p.mu.Unlock()

	for _, s := range subs {
		s(old, v)
	}
	return old
}
