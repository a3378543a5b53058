// Package bus fans session snapshots out to in-process viewers.
//
// Delivery is synchronous, at-most-once and last-value-wins: Publish hands
// the snapshot to every subscriber registered at call time, in subscription
// order, and nothing is buffered for subscribers that join later. New
// viewers read the store first and then subscribe.
package bus

import (
	"sync"

	"github.com/vango-go/vai-evidence/pkg/core/types"
)

// Handler receives a snapshot. It runs on the publisher's goroutine and must
// not block; use a Mailbox to hand work to another goroutine.
type Handler func(s *types.Session)

type subscriber struct {
	id uint64
	fn Handler
}

// Bus is an explicit registry of session id -> ordered subscribers.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[string][]subscriber
}

func New() *Bus {
	return &Bus{subs: make(map[string][]subscriber)}
}

// Publish delivers a clone of s to each current subscriber of sessionID.
func (b *Bus) Publish(sessionID string, s *types.Session) {
	if b == nil || s == nil {
		return
	}
	b.mu.Lock()
	targets := append([]subscriber(nil), b.subs[sessionID]...)
	b.mu.Unlock()

	for _, sub := range targets {
		sub.fn(s.Clone())
	}
}

// Subscribe registers fn for sessionID. The returned func removes it and is
// safe to call more than once.
func (b *Bus) Subscribe(sessionID string, fn Handler) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[sessionID] = append(b.subs[sessionID], subscriber{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(sessionID, id) })
	}
}

func (b *Bus) remove(sessionID string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[sessionID]
	for i, sub := range list {
		if sub.id != id {
			continue
		}
		next := make([]subscriber, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(b.subs, sessionID)
		} else {
			b.subs[sessionID] = next
		}
		return
	}
}

// SubscriberCount reports the live subscriptions for sessionID.
func (b *Bus) SubscriberCount(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[sessionID])
}

// Sessions reports how many session ids currently hold registrations.
func (b *Bus) Sessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
