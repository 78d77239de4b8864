// Package fanout provides an ordered, concurrency-safe list of observer
// callbacks. Callbacks run synchronously on the notifying goroutine, in
// subscription order, and a panicking callback is logged and skipped
// without affecting the others.
package fanout

import (
	"sync"

	"github.com/google/uuid"

	"github.com/banshee-data/supervision/internal/monitoring"
)

// SubscriptionID identifies a registered callback.
type SubscriptionID string

type entry[T any] struct {
	id SubscriptionID
	fn func(T)
}

// List holds the callbacks for one event type.
type List[T any] struct {
	name string

	mu      sync.RWMutex
	entries []entry[T]

	// OnPanic, if set, is called after a callback panic has been recovered.
	OnPanic func(id SubscriptionID, recovered any)
}

// New creates an empty list. name is used in log messages.
func New[T any](name string) *List[T] {
	return &List[T]{name: name}
}

// Subscribe registers fn and returns the handle used to remove it.
func (l *List[T]) Subscribe(fn func(T)) SubscriptionID {
	id := SubscriptionID(uuid.NewString())
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry[T]{id: id, fn: fn})
	return id
}

// Unsubscribe removes the callback registered under id. Unknown ids are
// ignored. It reports whether a callback was removed.
func (l *List[T]) Unsubscribe(id SubscriptionID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e.id == id {
			l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of registered callbacks.
func (l *List[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Notify invokes every callback registered at the time of the call with v.
// Callbacks may subscribe or unsubscribe from within Notify.
func (l *List[T]) Notify(v T) {
	l.mu.RLock()
	snapshot := l.entries
	l.mu.RUnlock()

	for _, e := range snapshot {
		l.invoke(e, v)
	}
}

func (l *List[T]) invoke(e entry[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			monitoring.Logf("%s observer %s panicked: %v", l.name, e.id, r)
			if l.OnPanic != nil {
				l.OnPanic(e.id, r)
			}
		}
	}()
	e.fn(v)
}
