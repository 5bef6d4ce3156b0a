package dispatch

import "sync"

// Event kinds pushed to bridge subscribers.
const (
	EventIncident  = "incident"
	EventResponder = "responder"
	EventOffer     = "offer"
)

// Event notifies subscribers that some piece of dispatch state changed.
// Subscribers re-read the snapshot; events carry identity, not payloads.
type Event struct {
	Kind       string `json:"kind"`
	IncidentID string `json:"incidentId,omitempty"`
	DeviceID   string `json:"deviceId,omitempty"`
	AtMs       int64  `json:"atMs"`
}

// eventHub fans events out to subscribers. A slow subscriber drops events
// rather than blocking the protocol path.
type eventHub struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[int]chan Event)}
}

func (h *eventHub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *eventHub) subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	ch := make(chan Event, 32)
	h.subs[id] = ch
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
}

// Subscribe registers for state-change events. The returned cancel func
// must be called to release the subscription.
func (s *Service) Subscribe() (<-chan Event, func()) {
	return s.events.subscribe()
}
