// Package bus is the in-process fan-out stage between the change emitter and
// the transport layer. Delivery is best effort: subscribers that fall behind
// drop events and catch up from the backing store.
package bus

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types carried in envelopes. The set is closed; consumers switch on it.
const (
	TypeLog               = "log"
	TypeStatusUpdate      = "status_update"
	TypeTestUpdate        = "test_update"
	TypeProgressUpdate    = "progress_update"
	TypeHeartbeat         = "heartbeat"
	TypeHeartbeatResponse = "heartbeat-response"
)

// Envelope is the wire format for every event on the bus. Timestamp is
// fractional epoch seconds. Channel is filled in by the transport layer when
// it multiplexes several subscriptions over one socket.
type Envelope struct {
	Channel   string          `json:"channel,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp float64         `json:"timestamp"`
}

// NewEnvelope marshals payload and stamps the envelope with the current time.
func NewEnvelope(eventType string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Type:      eventType,
		Payload:   raw,
		Timestamp: Stamp(time.Now()),
	}, nil
}

// Stamp converts a point in time to the envelope timestamp representation.
func Stamp(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// Hub fan-outs envelopes to per-channel subscribers using buffered channels.
// Slow subscribers drop events so publishers never block.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[uint64]chan Envelope
	nextID      uint64
	bufferSize  int
}

func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]map[uint64]chan Envelope),
		bufferSize:  32,
	}
}

// Publish delivers the envelope to every subscriber of the named channel.
// Returns the number of subscribers that received the event.
func (h *Hub) Publish(channelName string, evt Envelope) int {
	if evt.Timestamp == 0 {
		evt.Timestamp = Stamp(time.Now())
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, ch := range h.subscribers[channelName] {
		select {
		case ch <- evt:
			delivered++
		default:
			// Drop event for this subscriber to avoid backpressure.
		}
	}
	return delivered
}

// Subscribe registers a listener on the named channel and returns the event
// stream plus a cleanup function. The cleanup function is idempotent.
func (h *Hub) Subscribe(channelName string) (<-chan Envelope, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan Envelope, h.bufferSize)
	if h.subscribers[channelName] == nil {
		h.subscribers[channelName] = make(map[uint64]chan Envelope)
	}
	h.subscribers[channelName][id] = ch

	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		subs := h.subscribers[channelName]
		if sub, ok := subs[id]; ok {
			delete(subs, id)
			close(sub)
		}
		if len(subs) == 0 {
			delete(h.subscribers, channelName)
		}
	}

	return ch, unsubscribe
}

// SubscriberCount returns the number of active subscribers on a channel.
func (h *Hub) SubscriberCount(channelName string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[channelName])
}

// Channels returns the names of all channels with at least one subscriber.
func (h *Hub) Channels() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.subscribers))
	for name := range h.subscribers {
		names = append(names, name)
	}
	return names
}
