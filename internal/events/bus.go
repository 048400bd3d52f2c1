package events

import (
	"sync"
)

// Handler receives the payload passed to Publish.
type Handler func(payload any)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a synchronous publish/subscribe registry keyed by event name.
// Handlers run on the publisher's goroutine in subscription order.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]subscription
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string][]subscription)}
}

// Subscribe registers handler for name and returns a function that removes it.
// Calling the returned function more than once is a no-op.
func (b *Bus) Subscribe(name string, handler Handler) (cancel func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[name] = append(b.subs[name], subscription{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(name, id) })
	}
}

func (b *Bus) unsubscribe(name string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[name]
	for i, s := range subs {
		if s.id == id {
			b.subs[name] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[name]) == 0 {
		delete(b.subs, name)
	}
}

// Publish delivers payload to every handler subscribed to name.
func (b *Bus) Publish(name string, payload any) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs[name]))
	copy(subs, b.subs[name])
	b.mu.RUnlock()

	for _, s := range subs {
		s.handler(payload)
	}
}

// Count returns the number of handlers subscribed to name.
func (b *Bus) Count(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[name])
}
