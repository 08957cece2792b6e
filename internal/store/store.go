// Package store holds the single artifact served to dashboard clients.
package store

import (
	"sync"
	"sync/atomic"

	"github.com/genricoloni/coverd/internal/domain"
)

// Store holds exactly one CurrentArtifact. Readers load it without locking;
// writers are serialized and publish a fresh value on every Replace.
type Store struct {
	mu      sync.Mutex // serializes writers
	current atomic.Pointer[domain.CurrentArtifact]
	changes chan struct{}
}

// New creates a store initialized to "no artifact"
func New() *Store {
	s := &Store{
		changes: make(chan struct{}, 1),
	}
	s.current.Store(&domain.CurrentArtifact{})
	return s
}

// Replace publishes a as the new current artifact and returns it with its
// version stamped. The previous value is never modified.
func (s *Store) Replace(a domain.CurrentArtifact) domain.CurrentArtifact {
	return s.Update(func(domain.CurrentArtifact) domain.CurrentArtifact { return a })
}

// Update applies fn to the current value and publishes the result as one
// replace, so concurrent writers cannot interleave a read-modify-write.
// fn must not block.
func (s *Store) Update(fn func(domain.CurrentArtifact) domain.CurrentArtifact) domain.CurrentArtifact {
	s.mu.Lock()
	prev := *s.current.Load()
	next := fn(prev)
	next.Version = prev.Version + 1
	s.current.Store(&next)
	s.mu.Unlock()

	// Coalescing notification: one pending signal is enough for the watcher
	select {
	case s.changes <- struct{}{}:
	default:
	}
	return next
}

// Snapshot returns a consistent copy of the current artifact.
// Image bytes are shared and must be treated as read-only.
func (s *Store) Snapshot() domain.CurrentArtifact {
	return *s.current.Load()
}

// Changes signals after one or more replaces. Only a single consumer is supported.
func (s *Store) Changes() <-chan struct{} {
	return s.changes
}
