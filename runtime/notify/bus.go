// Package notify provides the payload-less change notification bus used by the
// registries. Subscribers are told that state changed and re-query the
// registry for whatever they display.
package notify

import (
	"sync"
)

type (
	// Listener is invoked after every state change. It receives no payload.
	Listener func()

	// Subscription represents an active registration on a Bus. Close removes
	// the listener and is safe to call multiple times.
	Subscription interface {
		Close() error
	}

	// Bus fans change notifications out to registered listeners. It is safe
	// for concurrent use.
	//
	// Listeners run synchronously in the publisher's goroutine, in
	// registration order. A panicking listener is recovered so the remaining
	// listeners still observe the change.
	Bus struct {
		mu        sync.RWMutex
		next      uint64
		listeners map[uint64]Listener
		order     []uint64
		closed    bool
	}

	subscription struct {
		bus  *Bus
		id   uint64
		once sync.Once
	}

	nopSubscription struct{}
)

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{listeners: make(map[uint64]Listener)}
}

// Register adds a listener. Registering on a closed bus or registering a nil
// listener returns a subscription whose Close is a no-op.
func (b *Bus) Register(l Listener) Subscription {
	if l == nil {
		return nopSubscription{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nopSubscription{}
	}
	b.next++
	id := b.next
	b.listeners[id] = l
	b.order = append(b.order, id)
	return &subscription{bus: b, id: id}
}

// Publish notifies every currently registered listener. The listener set is
// snapshotted before delivery so registrations made by a listener only see
// later publishes.
func (b *Bus) Publish() {
	b.mu.RLock()
	if b.closed || len(b.order) == 0 {
		b.mu.RUnlock()
		return
	}
	snapshot := make([]Listener, 0, len(b.order))
	for _, id := range b.order {
		snapshot = append(snapshot, b.listeners[id])
	}
	b.mu.RUnlock()
	for _, l := range snapshot {
		deliver(l)
	}
}

// Len returns the number of registered listeners.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.order)
}

// Close drops every listener. Subsequent publishes are no-ops. Close is
// idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.listeners = make(map[uint64]Listener)
	b.order = nil
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.listeners[id]; !ok {
		return
	}
	delete(b.listeners, id)
	for i, v := range b.order {
		if v == id {
			b.order = append(b.order[:i:i], b.order[i+1:]...)
			break
		}
	}
}

func deliver(l Listener) {
	defer func() { _ = recover() }()
	l()
}

func (s *subscription) Close() error {
	s.once.Do(func() { s.bus.remove(s.id) })
	return nil
}

func (nopSubscription) Close() error { return nil }
