// Package eventbus provides the Bus interface and an in-memory implementation
// for pushing enrollment events to live subscribers.
package eventbus

import (
	"sync"

	"github.com/jxucoder/livelabs/pkg/model"
)

// Bus provides pub/sub for enrollment events.
type Bus interface {
	Subscribe(enrollmentID string) chan *model.Event
	Unsubscribe(enrollmentID string, ch chan *model.Event)
	Publish(enrollmentID string, event *model.Event)
}

// subscriberBuffer is the per-subscriber channel capacity. Events beyond it
// are dropped for that subscriber.
const subscriberBuffer = 64

// InMemoryBus is the default in-memory Bus implementation.
type InMemoryBus struct {
	mu   sync.RWMutex
	subs map[string][]chan *model.Event
}

// NewInMemoryBus creates a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{
		subs: make(map[string][]chan *model.Event),
	}
}

// Subscribe creates a channel that receives events for an enrollment.
func (b *InMemoryBus) Subscribe(enrollmentID string) chan *model.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *model.Event, subscriberBuffer)
	b.subs[enrollmentID] = append(b.subs[enrollmentID], ch)
	return ch
}

// Unsubscribe removes a channel from the enrollment's subscribers and closes it.
func (b *InMemoryBus) Unsubscribe(enrollmentID string, ch chan *model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[enrollmentID]
	for i, s := range subs {
		if s == ch {
			subs = append(subs[:i], subs[i+1:]...)
			if len(subs) == 0 {
				delete(b.subs, enrollmentID)
			} else {
				b.subs[enrollmentID] = subs
			}
			close(ch)
			return
		}
	}
}

// Publish sends an event to all subscribers for an enrollment.
func (b *InMemoryBus) Publish(enrollmentID string, event *model.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[enrollmentID] {
		select {
		case ch <- event:
		default:
			// Drop event if subscriber is too slow.
		}
	}
}

// Subscribers returns the number of live subscribers for an enrollment.
func (b *InMemoryBus) Subscribers(enrollmentID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[enrollmentID])
}
