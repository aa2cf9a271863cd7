package client

import (
	"encoding/json"
	"log"
	"runtime/debug"
	"sync"

	"github.com/louisbranch/findingsync/internal/services/collab/protocol"
)

// FindingUpdate is a confirmed field change on a finding.
type FindingUpdate struct {
	FindingID string
	Field     string
	Value     json.RawMessage
}

type listener[T any] struct {
	id uint64
	fn func(T)
}

// registry is a typed listener list. Emission copies the list first so a
// listener may add or remove listeners, including itself, while running.
type registry[T any] struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners []listener[T]
}

// add registers fn and returns a func that removes it. Removing twice is a
// no-op.
func (r *registry[T]) add(fn func(T)) func() {
	if fn == nil {
		return func() {}
	}
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.listeners = append(r.listeners, listener[T]{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(id) })
	}
}

func (r *registry[T]) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, l := range r.listeners {
		if l.id == id {
			r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
			return
		}
	}
}

func (r *registry[T]) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}

// emit calls every listener in registration order.
func (r *registry[T]) emit(value T) {
	r.mu.RLock()
	listeners := make([]listener[T], len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.RUnlock()

	for _, l := range listeners {
		safeCall(l.fn, value)
	}
}

// safeCall keeps a panicking listener from taking down the reader goroutine.
func safeCall[T any](fn func(T), value T) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("collab: listener panicked: %v\n%s", r, debug.Stack())
		}
	}()
	fn(value)
}

// listeners groups the host-facing event registries.
type listeners struct {
	userJoin      registry[protocol.User]
	userLeave     registry[string]
	findingUpdate registry[FindingUpdate]
	commentAdd    registry[protocol.Comment]
}
