// Package bus is an explicit publish/subscribe hub owned by whoever
// composes the system.
package bus

import "sync"

// Bus fans values out to subscribers in subscription order
type Bus[T any] struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers []handler[T]
}

type handler[T any] struct {
	id uint64
	fn func(T)
}

// New creates an empty bus
func New[T any]() *Bus[T] {
	return &Bus[T]{}
}

// Subscribe registers fn and returns its disposer. Calling the disposer
// more than once is harmless.
func (b *Bus[T]) Subscribe(fn func(T)) (dispose func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers = append(b.handlers, handler[T]{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus[T]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, h := range b.handlers {
		if h.id == id {
			// copy so an in-progress Publish keeps its snapshot intact
			next := make([]handler[T], 0, len(b.handlers)-1)
			next = append(next, b.handlers[:i]...)
			b.handlers = append(next, b.handlers[i+1:]...)
			return
		}
	}
}

// Publish calls every current subscriber with v. Handlers may subscribe or
// dispose from inside the call; changes apply to the next Publish.
func (b *Bus[T]) Publish(v T) {
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()
	for _, h := range handlers {
		h.fn(v)
	}
}

// Len returns the number of subscribers
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}
