package registry

import (
	"errors"
	"hash/fnv"
	"sync"
)

var (
	// ErrHandleClosed is returned by Deliver once the connection has shut down.
	// Callers treat it like a missing registration.
	ErrHandleClosed = errors.New("connection handle closed")

	// ErrBackpressure is returned by Deliver when the connection's send queue is
	// full. The connection is alive; only this message is lost.
	ErrBackpressure = errors.New("connection send queue full")
)

// Handle delivers outbound text to one live connection.
// Deliver must not block on network I/O.
type Handle interface {
	Deliver(msg string) error
}

const shardCount = 32

// Registry maps connection ids to their handles for this process.
// Sharded to keep lock contention low under many concurrent pushes.
type Registry struct {
	shards [shardCount]*shard
}

type shard struct {
	mu      sync.RWMutex
	handles map[string]Handle
}

// New creates an empty registry
func New() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{handles: make(map[string]Handle)}
	}
	return r
}

func (r *Registry) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return r.shards[h.Sum32()%shardCount]
}

// Register adds or replaces the handle for id
func (r *Registry) Register(id string, h Handle) {
	s := r.shardFor(id)
	s.mu.Lock()
	s.handles[id] = h
	s.mu.Unlock()
}

// Unregister removes id; removing an unknown id is a no-op
func (r *Registry) Unregister(id string) {
	s := r.shardFor(id)
	s.mu.Lock()
	delete(s.handles, id)
	s.mu.Unlock()
}

// Lookup returns the handle registered for id
func (r *Registry) Lookup(id string) (Handle, bool) {
	s := r.shardFor(id)
	s.mu.RLock()
	h, ok := s.handles[id]
	s.mu.RUnlock()
	return h, ok
}

// Exists reports whether id is registered
func (r *Registry) Exists(id string) bool {
	_, ok := r.Lookup(id)
	return ok
}

// Count returns the number of registered connections
func (r *Registry) Count() int {
	total := 0
	for _, s := range r.shards {
		s.mu.RLock()
		total += len(s.handles)
		s.mu.RUnlock()
	}
	return total
}

// Deliver looks up id and hands msg to its handle outside any lock.
// It reports false when the connection is gone: not registered, or its
// handle has already shut down. Backpressure is not a dead connection.
func (r *Registry) Deliver(id, msg string) (bool, error) {
	h, ok := r.Lookup(id)
	if !ok {
		return false, nil
	}
	err := h.Deliver(msg)
	if errors.Is(err, ErrHandleClosed) {
		return false, nil
	}
	return true, err
}
