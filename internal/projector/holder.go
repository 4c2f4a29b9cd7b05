package projector

import "sync"

// Holder owns the current State. Every fold goes through Apply, which
// serializes writers and publishes each new state in fold order.
type Holder struct {
	mu     sync.Mutex
	state  State
	broker *Broker
}

// NewHolder creates a holder starting at initial. broker may be nil.
func NewHolder(initial State, broker *Broker) *Holder {
	return &Holder{state: initial, broker: broker}
}

// Apply folds ev into the current state and returns the new state.
func (h *Holder) Apply(ev Event) State {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.state = Project(h.state, ev)
	if h.broker != nil {
		h.broker.Publish(h.state)
	}
	return h.state
}

// Update folds the event fn derives from the current state, holding the lock
// across both steps. A nil event leaves the state untouched and unpublished.
func (h *Holder) Update(fn func(State) (Event, error)) (State, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ev, err := fn(h.state)
	if err != nil {
		return h.state, err
	}
	if ev == nil {
		return h.state, nil
	}
	h.state = Project(h.state, ev)
	if h.broker != nil {
		h.broker.Publish(h.state)
	}
	return h.state, nil
}

// Current returns the latest state.
func (h *Holder) Current() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}
