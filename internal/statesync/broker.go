package statesync

import (
	"sync"

	"github.com/workmesh/workmesh/internal/model"
)

// subscriberBufferSize is the channel buffer for each delta subscriber.
// Deltas are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Broker manages per-work delta streaming to subscribers.
// It is safe for concurrent use.
//
// Closed topics are retained as markers so that late subscribers (those
// subscribing after a work is removed) receive a closed channel instead of
// blocking forever.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*deltaTopic
}

type deltaTopic struct {
	subs   map[int]chan *model.Delta
	nextID int
	closed bool
}

// NewBroker creates a new delta broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]*deltaTopic),
	}
}

// Subscribe returns a channel that receives applied deltas for the given
// work and an unsubscribe function. If the work has already been removed
// (Close was called), the returned channel is immediately closed.
func (b *Broker) Subscribe(workName string) (<-chan *model.Delta, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[workName]
	if !ok {
		t = &deltaTopic{subs: make(map[int]chan *model.Delta)}
		b.topics[workName] = t
	}

	ch := make(chan *model.Delta, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends an applied delta to all subscribers of the given work.
// Deltas are dropped for subscribers whose buffers are full.
func (b *Broker) Publish(workName string, d *model.Delta) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[workName]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- d:
		default:
			// Drop for slow subscribers to avoid blocking the apply path.
		}
	}
}

// Close signals that no more deltas will be published for the given work.
// All subscriber channels are closed and future Subscribe calls return a
// closed channel.
func (b *Broker) Close(workName string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[workName]
	if !ok {
		// Create a closed marker so late subscribers get a closed channel.
		b.topics[workName] = &deltaTopic{subs: make(map[int]chan *model.Delta), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// Reopen clears a closed-topic marker so a re-registered work can stream
// deltas again. A topic that was never closed is left untouched.
func (b *Broker) Reopen(workName string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[workName]
	if !ok || !t.closed {
		return
	}
	delete(b.topics, workName)
}
