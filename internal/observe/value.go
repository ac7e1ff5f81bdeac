// Package observe provides the change-notification primitive used to expose
// billing state to the rest of the process.
package observe

import "sync"

// Value holds a single comparable value and notifies subscribers when it
// changes. Listeners run synchronously on the goroutine calling Set, so they
// inherit the caller's ordering guarantees.
type Value[T comparable] struct {
	mu        sync.Mutex
	current   T
	nextID    int
	listeners map[int]func(T)
}

// NewValue returns a Value initialized to initial. No notification is emitted
// for the initial value.
func NewValue[T comparable](initial T) *Value[T] {
	return &Value[T]{
		current:   initial,
		listeners: make(map[int]func(T)),
	}
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current
}

// Set updates the value and notifies subscribers. It reports whether a
// notification was emitted: setting the current value again is a no-op.
func (v *Value[T]) Set(next T) bool {
	v.mu.Lock()
	if next == v.current {
		v.mu.Unlock()
		return false
	}
	v.current = next
	fns := make([]func(T), 0, len(v.listeners))
	for _, fn := range v.listeners {
		fns = append(fns, fn)
	}
	v.mu.Unlock()

	for _, fn := range fns {
		fn(next)
	}
	return true
}

// Subscribe registers fn to run on every subsequent change and returns a
// cancel function. Cancel is safe to call more than once.
func (v *Value[T]) Subscribe(fn func(T)) func() {
	v.mu.Lock()
	id := v.nextID
	v.nextID++
	v.listeners[id] = fn
	v.mu.Unlock()

	return func() {
		v.mu.Lock()
		delete(v.listeners, id)
		v.mu.Unlock()
	}
}
