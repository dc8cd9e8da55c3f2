// Package events provides a small typed publish/subscribe bus. Subscribers
// get an explicit handle and must cancel it on teardown so no callback keeps
// referencing destroyed state.
package events

import "sync"

type Handler[T any] func(T)

type Bus[T any] struct {
	mu       sync.Mutex
	nextID   uint64
	handlers map[uint64]Handler[T]
}

func NewBus[T any]() *Bus[T] {
	return &Bus[T]{handlers: make(map[uint64]Handler[T])}
}

type Subscription struct {
	cancel func()
	once   sync.Once
}

// Cancel detaches the handler. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

func (b *Bus[T]) Subscribe(h Handler[T]) *Subscription {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = h
	b.mu.Unlock()
	return &Subscription{cancel: func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}}
}

// Publish calls every live handler with v. Handlers run on the publishing
// goroutine, outside the bus lock, so they may subscribe or cancel freely.
func (b *Bus[T]) Publish(v T) {
	b.mu.Lock()
	hs := make([]Handler[T], 0, len(b.handlers))
	for _, h := range b.handlers {
		hs = append(hs, h)
	}
	b.mu.Unlock()
	for _, h := range hs {
		h(v)
	}
}

func (b *Bus[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers)
}
