// Package events is the in-process publish/subscribe bus that carries
// verification progress from the orchestrator and the identity widget
// integration to the socket and HTTP surfaces.
package events

import (
	"sync"
	"time"
)

type Type string

const (
	IdentityStarted   Type = "identity.started"
	IdentitySucceeded Type = "identity.succeeded"
	IdentityFailed    Type = "identity.failed"
	StepCompleted     Type = "step.completed"
	StepFailed        Type = "step.failed"
	FlowCompleted     Type = "flow.completed"
	RecordAdded       Type = "record.added"
)

type Event struct {
	Type    Type      `json:"type"`
	Pool    string    `json:"pool,omitempty"`
	User    string    `json:"user,omitempty"`
	Step    string    `json:"step,omitempty"`
	Message string    `json:"message,omitempty"`
	Time    time.Time `json:"time"`
}

// Bus fans events out to subscribers. A subscriber that is not keeping up
// loses events rather than blocking the publisher.
type Bus struct {
	mutex       sync.Mutex
	nextID      int
	subscribers map[int]chan Event
}

func NewBus() *Bus {
	return &Bus{subscribers: make(map[int]chan Event)}
}

// Subscribe returns a channel of future events and a function that ends the
// subscription and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.nextID++
	id := b.nextID
	ch := make(chan Event, buffer)
	b.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mutex.Lock()
			defer b.mutex.Unlock()
			delete(b.subscribers, id)
			close(ch)
		})
	}
}

func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- e:
		default:
		}
	}
}
