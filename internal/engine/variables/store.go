// Package variables implements the session-scoped variable store. Action
// outputs are bound under their declared output_key exactly once and are
// consumed by later actions and response text through $name references.
package variables

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Entry is one bound variable.
type Entry struct {
	Value     any       `json:"value"`
	Producer  string    `json:"producer"`
	WrittenAt time.Time `json:"written_at"`
}

// Resolution is delivered to waiters when a key settles. Err is non-nil when
// the producing action failed instead of binding a value.
type Resolution struct {
	Key   string
	Value any
	Err   error
}

// Store is a write-once key/value store with one-shot waiter notification.
// Values persist for the session; failure marks last until cleared at the
// next iteration boundary.
type Store struct {
	mu       sync.Mutex
	entries  map[string]Entry
	failures map[string]error
	waiters  map[string][]chan Resolution
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		entries:  make(map[string]Entry),
		failures: make(map[string]error),
		waiters:  make(map[string][]chan Resolution),
	}
}

// Put binds key to value. The first write wins: a second write returns an
// error and leaves the existing entry untouched. Waiters are released with
// the bound value.
func (s *Store) Put(key string, value any, producer string) error {
	s.mu.Lock()
	if prev, ok := s.entries[key]; ok {
		s.mu.Unlock()
		return fmt.Errorf("variable %q already written by action %s", key, prev.Producer)
	}
	s.entries[key] = Entry{Value: value, Producer: producer, WrittenAt: time.Now()}
	delete(s.failures, key)
	waiters := s.waiters[key]
	delete(s.waiters, key)
	s.mu.Unlock()

	for _, w := range waiters {
		w <- Resolution{Key: key, Value: value}
	}
	return nil
}

// Fail records that the producer of key failed, releasing current waiters
// with an error. The key stays unbound so a later action may still produce
// it.
func (s *Store) Fail(key, producer, msg string) {
	err := fmt.Errorf("producer %s of %q failed: %s", producer, key, msg)
	s.mu.Lock()
	if _, ok := s.entries[key]; ok {
		s.mu.Unlock()
		return
	}
	s.failures[key] = err
	waiters := s.waiters[key]
	delete(s.waiters, key)
	s.mu.Unlock()

	for _, w := range waiters {
		w <- Resolution{Key: key, Err: err}
	}
}

// Get returns the entry bound to key.
func (s *Store) Get(key string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return e, ok
}

// Lookup adapts Get to the substitution callback shape.
func (s *Store) Lookup(key string) (any, bool) {
	e, ok := s.Get(key)
	return e.Value, ok
}

// Contains reports whether key is bound.
func (s *Store) Contains(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// Failure returns the recorded producer failure for key, if any.
func (s *Store) Failure(key string) (error, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	err, ok := s.failures[key]
	return err, ok
}

// Delete unbinds key, allowing a later rebind. It also clears any failure
// mark. Reports whether a bound entry was removed.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	delete(s.entries, key)
	delete(s.failures, key)
	return ok
}

// ClearFailures drops all failure marks. Called at each iteration boundary:
// a failed producer from a previous iteration should not poison a key
// forever.
func (s *Store) ClearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = make(map[string]error)
}

// Subscribe registers a one-shot waiter for key. If the key is already bound
// or failed, the resolution is delivered immediately. The returned channel
// has capacity 1 so producers never block on delivery.
func (s *Store) Subscribe(key string) <-chan Resolution {
	ch := make(chan Resolution, 1)
	s.mu.Lock()
	if e, ok := s.entries[key]; ok {
		s.mu.Unlock()
		ch <- Resolution{Key: key, Value: e.Value}
		return ch
	}
	if err, ok := s.failures[key]; ok {
		s.mu.Unlock()
		ch <- Resolution{Key: key, Err: err}
		return ch
	}
	s.waiters[key] = append(s.waiters[key], ch)
	s.mu.Unlock()
	return ch
}

// Await blocks until key settles or ctx expires.
func (s *Store) Await(ctx context.Context, key string) (any, error) {
	select {
	case r := <-s.Subscribe(key):
		return r.Value, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Keys returns the bound keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of bound keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Snapshot returns a copy of all bound entries.
func (s *Store) Snapshot() map[string]Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Entry, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}
