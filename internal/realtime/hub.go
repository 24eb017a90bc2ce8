package realtime

import (
	"log"
	"sync"
)

const subscriberBuffer = 16

type subscriber struct {
	ch chan Event
}

// Hub is the in-process subscriber registry for both scopes. Sends never
// block: a subscriber whose buffer is full has the event dropped, per the
// best-effort delivery contract.
type Hub struct {
	mu       sync.Mutex
	machines map[string]map[*subscriber]struct{}
	operator map[*subscriber]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		machines: make(map[string]map[*subscriber]struct{}),
		operator: make(map[*subscriber]struct{}),
	}
}

// SubscribeMachine registers a client on one machine's scope. The returned
// cancel function must be called when the client disconnects.
func (h *Hub) SubscribeMachine(machineCode string) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}

	h.mu.Lock()
	subs, ok := h.machines[machineCode]
	if !ok {
		subs = make(map[*subscriber]struct{})
		h.machines[machineCode] = subs
	}
	subs[sub] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if subs, ok := h.machines[machineCode]; ok {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(h.machines, machineCode)
			}
		}
	}
	return sub.ch, cancel
}

// SubscribeOperator registers a monitoring client on the global scope.
func (h *Hub) SubscribeOperator() (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}

	h.mu.Lock()
	h.operator[sub] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.operator, sub)
	}
	return sub.ch, cancel
}

// PublishMachine delivers an event to every subscriber of one machine.
func (h *Hub) PublishMachine(machineCode string, evt Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.machines[machineCode] {
		h.send(sub, evt)
	}
}

// PublishOperator delivers an event to every monitoring client.
func (h *Hub) PublishOperator(evt Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.operator {
		h.send(sub, evt)
	}
}

func (h *Hub) send(sub *subscriber, evt Event) {
	select {
	case sub.ch <- evt:
	default:
		log.Printf("realtime: dropping %s event for slow subscriber", evt.Type)
	}
}
