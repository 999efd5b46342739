// Package cache holds the last known value for each logical query key and
// mediates reads and writes so the UI never observes a half-updated or
// duplicated collection.
package cache

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Key identifies a logical query, e.g. "tasks:user-1".
type Key string

// FetchFunc loads the authoritative value for a key.
type FetchFunc[T any] func(ctx context.Context, key Key) (T, error)

type entry[T any] struct {
	value    T
	hasValue bool
	stale    bool
	inflight bool
	// pending counts mutations whose network call has not resolved. A
	// background fetch that completes while pending > 0 discards its
	// result so it cannot clobber the optimistic edit.
	pending int
}

// Store caches one value per key. Values are replaced wholesale via Set;
// Invalidate marks an entry stale without clearing it, so readers keep
// seeing the last known value until the refetch lands.
type Store[T any] struct {
	mu      sync.Mutex
	fetch   FetchFunc[T]
	logger  *log.Logger
	entries map[Key]*entry[T]
	subs    map[int]func(Key, T)
	nextSub int
	bg      context.Context
}

// New creates a Store backed by the given fetch function.
func New[T any](fetch FetchFunc[T], logger *log.Logger) *Store[T] {
	if fetch == nil {
		panic("cache.New: fetch func is nil")
	}
	if logger == nil {
		logger = log.New()
	}
	return &Store[T]{
		fetch:   fetch,
		logger:  logger,
		entries: map[Key]*entry[T]{},
		subs:    map[int]func(Key, T){},
		bg:      context.Background(),
	}
}

// Get returns the cached value for key, which may be stale, and reports
// whether any value is present. When the entry is stale or absent and no
// fetch is already in flight, one asynchronous fetch is started; its
// result reaches callers through Subscribe.
func (s *Store[T]) Get(ctx context.Context, key Key) (T, bool) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry[T]{stale: true}
		s.entries[key] = e
	}
	value, hasValue := e.value, e.hasValue
	needFetch := (e.stale || !e.hasValue) && !e.inflight
	if needFetch {
		e.inflight = true
	}
	s.mu.Unlock()

	if needFetch {
		go s.runFetch(key)
	}
	return value, hasValue
}

// Set unconditionally replaces the cached value and clears staleness.
// Used by optimistic updates, rollback, and post-mutation reconcile.
func (s *Store[T]) Set(key Key, value T) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry[T]{}
		s.entries[key] = e
	}
	e.value = value
	e.hasValue = true
	e.stale = false
	subs := s.snapshotSubs()
	s.mu.Unlock()

	for _, fn := range subs {
		fn(key, value)
	}
}

// Invalidate marks the entry stale so the next Get refetches. The value
// is kept to avoid flickering the UI to empty. Invalidating a key that
// was never fetched is a no-op.
func (s *Store[T]) Invalidate(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		e.stale = true
	}
}

// Forget drops the entry entirely, restoring the never-fetched state so
// the next Get triggers an initial fetch. Rollback uses this when the
// mutation ran before the collection was ever loaded; a plain Set would
// mark a fabricated empty value fresh and suppress the initial fetch.
func (s *Store[T]) Forget(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// Value returns the cached value without triggering a fetch.
func (s *Store[T]) Value(key Key) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && e.hasValue {
		return e.value, true
	}
	var zero T
	return zero, false
}

// BeginMutation marks a mutation in flight for key. While any mutation is
// pending, background fetch results for the key are discarded.
func (s *Store[T]) BeginMutation(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry[T]{stale: true}
		s.entries[key] = e
	}
	e.pending++
}

// EndMutation releases a BeginMutation mark.
func (s *Store[T]) EndMutation(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && e.pending > 0 {
		e.pending--
	}
}

// MutationPending reports whether any mutation is unresolved for key.
func (s *Store[T]) MutationPending(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return ok && e.pending > 0
}

// Subscribe registers fn to run after every replace. It returns an
// unsubscribe func.
func (s *Store[T]) Subscribe(fn func(Key, T)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Store[T]) snapshotSubs() []func(Key, T) {
	out := make([]func(Key, T), 0, len(s.subs))
	for _, fn := range s.subs {
		out = append(out, fn)
	}
	return out
}

func (s *Store[T]) runFetch(key Key) {
	value, err := s.fetch(s.bg, key)

	s.mu.Lock()
	e := s.entries[key]
	e.inflight = false
	if err != nil {
		// Keep the last known value; the entry stays stale so a later
		// Get retries.
		s.mu.Unlock()
		s.logger.WithFields(log.Fields{"key": string(key), "error": err.Error()}).Warn("cache refetch failed")
		return
	}
	if e.pending > 0 {
		// A mutation's optimistic edit is live; drop the fetched value
		// and leave the entry stale for a later reconcile.
		s.mu.Unlock()
		return
	}
	e.value = value
	e.hasValue = true
	e.stale = false
	subs := s.snapshotSubs()
	s.mu.Unlock()

	for _, fn := range subs {
		fn(key, value)
	}
}
