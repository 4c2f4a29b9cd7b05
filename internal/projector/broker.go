package projector

import "sync"

// subscriberBufferSize is the channel buffer for each state subscriber.
const subscriberBufferSize = 16

// Broker fans published states out to subscribers. It is safe for
// concurrent use.
type Broker struct {
	mu     sync.Mutex
	subs   map[int]chan State
	nextID int
	closed bool
}

// NewBroker creates a new state broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[int]chan State)}
}

// Subscribe returns a channel of states and an unsubscribe function. If the
// broker is closed, the returned channel is already closed.
func (b *Broker) Subscribe() (<-chan State, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan State, subscriberBufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
}

// Publish sends s to all subscribers. A subscriber whose buffer is full
// loses its oldest pending state so that the newest one always arrives.
func (b *Broker) Publish(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- s:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
}

// Close closes all subscriber channels. Later Subscribe calls return a
// closed channel.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
