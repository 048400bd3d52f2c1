package mesh

import (
	"context"
	"sync"
)

// Mailbox is an unbounded FIFO queue with a single consumer. Put never blocks,
// so callbacks and the coordinator can hand events to a negotiator without
// waiting on it.
type Mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{}
	closed bool
}

func NewMailbox[T any]() *Mailbox[T] {
	return &Mailbox[T]{notify: make(chan struct{}, 1)}
}

// Put enqueues v. It returns false once the mailbox is closed.
func (m *Mailbox[T]) Put(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, v)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

// Receive blocks until an item is available, the mailbox is closed and
// drained, or ctx is done.
func (m *Mailbox[T]) Receive(ctx context.Context) (T, bool) {
	var zero T
	for {
		m.mu.Lock()
		if len(m.items) > 0 {
			v := m.items[0]
			m.items[0] = zero
			m.items = m.items[1:]
			m.mu.Unlock()
			return v, true
		}
		if m.closed {
			m.mu.Unlock()
			return zero, false
		}
		m.mu.Unlock()

		select {
		case <-m.notify:
		case <-ctx.Done():
			return zero, false
		}
	}
}

// Close stops accepting new items. Items already queued can still be received.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
