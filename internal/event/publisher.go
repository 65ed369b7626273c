// Package event fans task lifecycle notifications out to observers.
package event

import (
	"sync"

	"mdm/internal/task"
)

// Kind discriminates the two published event types.
type Kind int

const (
	// TaskUpdated signals a status or progress change on one task.
	TaskUpdated Kind = iota
	// ListChanged signals an addition or removal on the task lists.
	ListChanged
)

// Event is one published notification. Task carries a snapshot for
// TaskUpdated events and is nil for ListChanged.
type Event struct {
	Kind Kind
	Task *task.Task
}

// Publisher broadcasts events to registered subscribers. Delivery is
// fire-and-forget: a subscriber whose channel is full misses the event, and
// zero subscribers is fine.
type Publisher struct {
	mu          sync.RWMutex
	subscribers map[string]chan<- Event
	closed      bool
}

func NewPublisher() *Publisher {
	return &Publisher{
		subscribers: make(map[string]chan<- Event),
	}
}

// Subscribe registers ch under id, replacing any previous registration.
func (p *Publisher) Subscribe(id string, ch chan<- Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.subscribers[id] = ch
}

// Unsubscribe removes the registration for id.
func (p *Publisher) Unsubscribe(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.subscribers, id)
}

// Publish delivers e to every subscriber without blocking.
func (p *Publisher) Publish(e Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return
	}

	for _, ch := range p.subscribers {
		select {
		case ch <- e:
		default:
		}
	}
}

// Close drops all subscribers; later publishes are no-ops.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	p.subscribers = make(map[string]chan<- Event)
}
