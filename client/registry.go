package client

import (
	"fmt"
	"log/slog"
	"sync"
)

// EventHandler consumes one envelope delivered on a subscribed channel.
type EventHandler func(evt Envelope)

// ErrorHandler receives subscription-level failures (denied access, ack
// timeouts, transport subscribe errors).
type ErrorHandler func(err error)

// Handlers is the consumer contract for one channel: event handlers keyed by
// event type, invoked in registration order, plus an optional error handler.
type Handlers struct {
	Events map[string][]EventHandler
	Error  ErrorHandler
}

// Subscription is the active handle for one channel. Events are queued and
// drained by a single dispatcher goroutine so a panicking handler never takes
// the transport read loop down with it.
type Subscription struct {
	channel  string
	handlers Handlers

	mu         sync.Mutex
	subscribed bool
	inHandler  bool
	queue      chan Envelope
	done       chan struct{}
}

func newSubscription(channelName string, handlers Handlers) *Subscription {
	s := &Subscription{
		channel:    channelName,
		handlers:   handlers,
		subscribed: true,
		queue:      make(chan Envelope, 32),
		done:       make(chan struct{}),
	}
	go s.dispatchLoop()
	return s
}

// Channel returns the channel name this subscription is bound to.
func (s *Subscription) Channel() string { return s.channel }

// deliver queues an envelope for dispatch. Events arriving after teardown, or
// beyond the queue capacity, are dropped.
func (s *Subscription) deliver(evt Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.subscribed {
		return
	}
	select {
	case s.queue <- evt:
	default:
	}
}

// teardown detaches the handlers and stops the dispatcher. Queued events that
// have not been dispatched yet are discarded: no handler starts after teardown
// returns. If a handler is running when teardown is called, the wait for the
// dispatcher is skipped; a handler unsubscribing its own channel would
// otherwise block on itself. Safe to call more than once.
func (s *Subscription) teardown() {
	s.mu.Lock()
	if !s.subscribed {
		s.mu.Unlock()
		return
	}
	s.subscribed = false
	close(s.queue)
	inHandler := s.inHandler
	s.mu.Unlock()
	if !inHandler {
		<-s.done
	}
}

func (s *Subscription) dispatchLoop() {
	defer close(s.done)
	for evt := range s.queue {
		// Re-check under the flag: teardown may have raced the queue.
		s.mu.Lock()
		live := s.subscribed
		s.inHandler = live
		s.mu.Unlock()
		if !live {
			continue
		}
		for _, h := range s.handlers.Events[evt.Type] {
			invoke(s.channel, h, evt)
		}
		s.mu.Lock()
		s.inHandler = false
		s.mu.Unlock()
	}
}

// invoke isolates one handler call: a panic is logged and the remaining
// handlers for the same event still run.
func invoke(channelName string, h EventHandler, evt Envelope) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked",
				slog.String("channel", channelName),
				slog.String("eventType", evt.Type),
				slog.Any("panic", r))
		}
	}()
	h(evt)
}

func (s *Subscription) fail(err error) {
	if s.handlers.Error != nil {
		s.handlers.Error(err)
	}
}

// registry maps channel names to active subscriptions. At most one
// subscription exists per channel name.
type registry struct {
	mu   sync.Mutex
	subs map[string]*Subscription
}

func newRegistry() *registry {
	return &registry{subs: make(map[string]*Subscription)}
}

// replace installs a new subscription for the channel, tearing down any
// existing one first, and returns the new handle.
func (r *registry) replace(channelName string, handlers Handlers) *Subscription {
	r.mu.Lock()
	old := r.subs[channelName]
	sub := newSubscription(channelName, handlers)
	r.subs[channelName] = sub
	r.mu.Unlock()
	if old != nil {
		old.teardown()
	}
	return sub
}

// remove detaches and tears down the channel's subscription if sub still owns
// the slot. Passing nil removes whatever is registered.
func (r *registry) remove(channelName string, sub *Subscription) bool {
	r.mu.Lock()
	current, ok := r.subs[channelName]
	if !ok || (sub != nil && current != sub) {
		r.mu.Unlock()
		return false
	}
	delete(r.subs, channelName)
	r.mu.Unlock()
	current.teardown()
	return true
}

func (r *registry) get(channelName string) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subs[channelName]
}

// clear tears down every subscription. Safe on an empty registry and safe to
// call repeatedly.
func (r *registry) clear() {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[string]*Subscription)
	r.mu.Unlock()
	for _, sub := range subs {
		sub.teardown()
	}
}

// list returns the subscribed channel names.
func (r *registry) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.subs))
	for name := range r.subs {
		names = append(names, name)
	}
	return names
}

// ErrChannel wraps a channel-scoped subscription failure. Reason carries the
// server's denial text; Err carries a transport failure (ack timeout, write
// error) and is reachable through errors.Is/As.
type ErrChannel struct {
	Channel string
	Reason  string
	Err     error
}

func (e *ErrChannel) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("channel %s: %v", e.Channel, e.Err)
	}
	return fmt.Sprintf("channel %s: %s", e.Channel, e.Reason)
}

func (e *ErrChannel) Unwrap() error { return e.Err }
