package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/clock"
)

// State is the connection lifecycle phase.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrNotConnected is returned by operations that require an
	// established connection.
	ErrNotConnected = errors.New("not connected")
	// ErrRetriesExhausted is reported to the error handler when the
	// reconnect budget runs out.
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
	// ErrStaleConnection is reported when no heartbeat reply has arrived
	// within the staleness threshold.
	ErrStaleConnection = errors.New("connection stale")

	errSuperseded = errors.New("connect superseded")
)

// Options configures a Conn. Zero durations take the documented defaults.
type Options struct {
	// URL is the realtime socket endpoint, e.g. ws://host:8787/realtime.
	URL string
	// Identity is sent as the X-Agentbox-User header on dial.
	Identity string

	HeartbeatInterval  time.Duration // default 30s
	StaleCheckInterval time.Duration // default 60s
	StaleThreshold     time.Duration // default 120s
	AckTimeout         time.Duration // default 10s
	BackoffBase        time.Duration // default 1s
	BackoffCap         time.Duration // default 30s
	MaxRetries         int           // default 5

	// OnError receives connection-level failures: staleness, exhausted
	// retries, write errors. Optional.
	OnError ErrorHandler

	// Clock drives heartbeats, staleness checks and backoff waits.
	// Defaults to the wall clock.
	Clock clock.Clock

	Logger *slog.Logger
}

func (o *Options) fill() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.StaleCheckInterval <= 0 {
		o.StaleCheckInterval = 60 * time.Second
	}
	if o.StaleThreshold <= 0 {
		o.StaleThreshold = 120 * time.Second
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = 10 * time.Second
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 30 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

const latencyWindow = 10

// Stats is a point-in-time snapshot of connection health. Reading it has no
// side effects.
type Stats struct {
	State             State
	Uptime            time.Duration
	EventsSent        uint64
	EventsReceived    uint64
	AverageLatency    time.Duration
	Channels          []string
	ReconnectAttempts int
}

// Conn manages one realtime socket: connect, subscribe, heartbeat, staleness
// detection and reconnection with exponential backoff. All methods are safe
// for concurrent use.
type Conn struct {
	opts  Options
	clock clock.Clock
	log   *slog.Logger

	registry *registry

	mu              sync.Mutex
	state           State
	generation      uint64
	ws              *websocket.Conn
	reconn          *reconnector
	cancelLoops     context.CancelFunc
	cancelRetry     context.CancelFunc
	connectedAt     time.Time
	lastHeartbeatAt time.Time
	sent            uint64
	received        uint64
	latencies       [latencyWindow]time.Duration
	latencyIdx      int
	latencyN        int
	waiters         map[string]chan ackPayload

	writeMu sync.Mutex
}

// New returns an unconnected Conn. Call Connect to dial.
func New(opts Options) *Conn {
	opts.fill()
	return &Conn{
		opts:     opts,
		clock:    opts.Clock,
		log:      opts.Logger.With(slog.String("component", "realtime-client")),
		registry: newRegistry(),
		reconn:   newReconnector(opts.BackoffBase, opts.BackoffCap, opts.MaxRetries),
		waiters:  make(map[string]chan ackPayload),
	}
}

// Connect dials the socket and waits for the server's connected
// acknowledgement. A Connect issued while a previous connect or reconnect is
// in flight supersedes it. On failure the automatic reconnect cycle starts
// and the dial error is returned.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	gen := c.supersedeLocked()
	c.state = StateConnecting
	c.reconn.reset()
	c.mu.Unlock()

	if err := c.connectOnce(ctx, gen); err != nil {
		if errors.Is(err, errSuperseded) {
			return err
		}
		c.scheduleReconnect(gen)
		return err
	}
	return nil
}

// Disconnect tears the connection down, cancels any pending reconnect and
// removes every subscription. Idempotent.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	c.supersedeLocked()
	c.state = StateDisconnected
	c.mu.Unlock()
	c.registry.clear()
}

// supersedeLocked invalidates the current generation: running loops stop,
// pending backoff waits abort, a dial still in flight is discarded on return.
// Returns the new generation. Caller holds c.mu.
func (c *Conn) supersedeLocked() uint64 {
	c.generation++
	if c.cancelLoops != nil {
		c.cancelLoops()
		c.cancelLoops = nil
	}
	if c.cancelRetry != nil {
		c.cancelRetry()
		c.cancelRetry = nil
	}
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
	for key, ch := range c.waiters {
		close(ch)
		delete(c.waiters, key)
	}
	return c.generation
}

func (c *Conn) connectOnce(ctx context.Context, gen uint64) error {
	header := http.Header{}
	if c.opts.Identity != "" {
		header.Set("X-Agentbox-User", c.opts.Identity)
	}
	dialer := websocket.Dialer{HandshakeTimeout: c.opts.AckTimeout}
	ws, _, err := dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}

	// The server's first frame is the connected acknowledgement.
	ws.SetReadDeadline(time.Now().Add(c.opts.AckTimeout))
	var evt Envelope
	if err := ws.ReadJSON(&evt); err != nil {
		ws.Close()
		return fmt.Errorf("await connected ack: %w", err)
	}
	ws.SetReadDeadline(time.Time{})
	var ack ackPayload
	if evt.Type != TypeStatusUpdate || unmarshalPayload(evt.Payload, &ack) != nil || ack.Status != ackConnected {
		ws.Close()
		return fmt.Errorf("unexpected first frame %q", evt.Type)
	}

	now := c.clock.Now()
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		ws.Close()
		return errSuperseded
	}
	c.ws = ws
	c.state = StateConnected
	c.reconn.reset()
	c.connectedAt = now
	c.lastHeartbeatAt = now
	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancelLoops = cancel
	c.mu.Unlock()

	go c.readLoop(gen, ws)
	go c.heartbeatLoop(loopCtx)
	go c.staleLoop(loopCtx, gen)
	c.log.Info("connected", slog.String("url", c.opts.URL))
	return nil
}

// Subscribe registers handlers for the channel and asks the server to start
// delivering its events. Subscribing to an already-subscribed channel
// replaces the previous handlers rather than stacking a second delivery.
func (c *Conn) Subscribe(ctx context.Context, channelName string, handlers Handlers) (*Subscription, error) {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.mu.Unlock()

	sub := c.registry.replace(channelName, handlers)
	ack, err := c.roundTrip(ctx, channelName, command{
		Type:    "subscribe",
		Payload: channelPayload{Channel: channelName},
	})
	if err != nil {
		c.registry.remove(channelName, sub)
		chErr := &ErrChannel{Channel: channelName, Err: err}
		sub.fail(chErr)
		return nil, chErr
	}
	if ack.Status != ackSubscribed {
		c.registry.remove(channelName, sub)
		err := &ErrChannel{Channel: channelName, Reason: ack.Reason}
		sub.fail(err)
		return nil, err
	}
	return sub, nil
}

// Unsubscribe stops delivery for the channel and detaches its handlers. A
// channel that is not subscribed is a no-op.
func (c *Conn) Unsubscribe(ctx context.Context, channelName string) error {
	sub := c.registry.get(channelName)
	if sub == nil {
		return nil
	}
	c.registry.remove(channelName, sub)

	c.mu.Lock()
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected {
		return nil
	}
	ack, err := c.roundTrip(ctx, channelName, command{
		Type:    "unsubscribe",
		Payload: channelPayload{Channel: channelName},
	})
	if err != nil {
		return err
	}
	if ack.Status != ackUnsubscribed {
		return &ErrChannel{Channel: channelName, Reason: ack.Reason}
	}
	return nil
}

// Subscriptions returns the channels with an active subscription.
func (c *Conn) Subscriptions() []string {
	return c.registry.list()
}

// UnsubscribeAll detaches every subscription, notifying the server per
// channel while the connection is up.
func (c *Conn) UnsubscribeAll(ctx context.Context) {
	for _, name := range c.registry.list() {
		_ = c.Unsubscribe(ctx, name)
	}
}

// SendHeartbeat sends one heartbeat frame. Returns false, with no side
// effects, when the connection is not established.
func (c *Conn) SendHeartbeat() bool {
	c.mu.Lock()
	if c.state != StateConnected || c.ws == nil {
		c.mu.Unlock()
		return false
	}
	ws := c.ws
	c.mu.Unlock()

	err := c.write(ws, command{
		Type:    TypeHeartbeat,
		Payload: heartbeatPayload{SentAt: stamp(c.clock.Now())},
	})
	if err != nil {
		c.report(fmt.Errorf("send heartbeat: %w", err))
		return false
	}
	return true
}

// Stats returns a snapshot of connection health. It never mutates state.
func (c *Conn) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		State:             c.state,
		EventsSent:        c.sent,
		EventsReceived:    c.received,
		ReconnectAttempts: c.reconn.attempts,
	}
	if c.state == StateConnected {
		s.Uptime = c.clock.Now().Sub(c.connectedAt)
	}
	if c.latencyN > 0 {
		var total time.Duration
		for i := 0; i < c.latencyN; i++ {
			total += c.latencies[i]
		}
		s.AverageLatency = total / time.Duration(c.latencyN)
	}
	s.Channels = c.registry.list()
	return s
}

func (c *Conn) write(ws *websocket.Conn, cmd command) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ws.WriteJSON(cmd); err != nil {
		return err
	}
	c.mu.Lock()
	c.sent++
	c.mu.Unlock()
	return nil
}

// roundTrip sends a command and waits for the channel-keyed status_update
// acknowledgement, bounded by the ack timeout.
func (c *Conn) roundTrip(ctx context.Context, channelName string, cmd command) (ackPayload, error) {
	c.mu.Lock()
	if c.state != StateConnected || c.ws == nil {
		c.mu.Unlock()
		return ackPayload{}, ErrNotConnected
	}
	ws := c.ws
	ch := make(chan ackPayload, 1)
	c.waiters[channelName] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.waiters[channelName] == ch {
			delete(c.waiters, channelName)
		}
		c.mu.Unlock()
	}()

	if err := c.write(ws, cmd); err != nil {
		return ackPayload{}, fmt.Errorf("send %s: %w", cmd.Type, err)
	}

	timeout := c.clock.NewTimer(c.opts.AckTimeout)
	defer timeout.Stop()
	select {
	case ack, ok := <-ch:
		if !ok {
			return ackPayload{}, ErrNotConnected
		}
		return ack, nil
	case <-timeout.Chan():
		return ackPayload{}, fmt.Errorf("%s %s: ack timeout", cmd.Type, channelName)
	case <-ctx.Done():
		return ackPayload{}, ctx.Err()
	}
}

func (c *Conn) readLoop(gen uint64, ws *websocket.Conn) {
	for {
		var evt Envelope
		if err := ws.ReadJSON(&evt); err != nil {
			c.lost(gen, err)
			return
		}
		now := c.clock.Now()
		c.mu.Lock()
		if c.generation != gen {
			c.mu.Unlock()
			return
		}
		c.received++
		if evt.Type == TypeHeartbeatResponse {
			c.lastHeartbeatAt = now
		}
		c.mu.Unlock()

		switch evt.Type {
		case TypeHeartbeatResponse:
			c.recordLatency(now, evt.Payload)
		case TypeStatusUpdate:
			var ack ackPayload
			if unmarshalPayload(evt.Payload, &ack) == nil && c.resolveAck(ack) {
				continue
			}
			c.route(evt)
		default:
			c.route(evt)
		}
	}
}

func (c *Conn) route(evt Envelope) {
	if sub := c.registry.get(evt.Channel); sub != nil {
		sub.deliver(evt)
	}
}

// resolveAck hands a status_update to a pending round trip. Returns false
// when no waiter is registered for the ack's channel, in which case the
// envelope flows to the subscription handlers instead.
func (c *Conn) resolveAck(ack ackPayload) bool {
	c.mu.Lock()
	ch, ok := c.waiters[ack.Channel]
	if ok {
		delete(c.waiters, ack.Channel)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- ack
	return true
}

func (c *Conn) recordLatency(now time.Time, payload []byte) {
	var hb heartbeatPayload
	if err := unmarshalPayload(payload, &hb); err != nil || hb.SentAt == 0 {
		return
	}
	rtt := now.Sub(fromStamp(hb.SentAt))
	if rtt < 0 {
		return
	}
	c.mu.Lock()
	c.latencies[c.latencyIdx] = rtt
	c.latencyIdx = (c.latencyIdx + 1) % latencyWindow
	if c.latencyN < latencyWindow {
		c.latencyN++
	}
	c.mu.Unlock()
}

func (c *Conn) heartbeatLoop(ctx context.Context) {
	ticker := c.clock.NewTimer(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			c.SendHeartbeat()
			ticker.Reset(c.opts.HeartbeatInterval)
		}
	}
}

// staleLoop forces a reconnect when no heartbeat reply has arrived within
// the staleness threshold. Other traffic does not reset the clock.
func (c *Conn) staleLoop(ctx context.Context, gen uint64) {
	ticker := c.clock.NewTimer(c.opts.StaleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			c.mu.Lock()
			stale := c.generation == gen &&
				c.state == StateConnected &&
				c.clock.Now().Sub(c.lastHeartbeatAt) > c.opts.StaleThreshold
			c.mu.Unlock()
			if stale {
				c.report(ErrStaleConnection)
				c.lost(gen, ErrStaleConnection)
				return
			}
			ticker.Reset(c.opts.StaleCheckInterval)
		}
	}
}

// lost handles the loss of an established connection: the generation is
// retired so a stale read loop and the staleness check cannot both trigger a
// reconnect cycle for the same failure.
func (c *Conn) lost(gen uint64, cause error) {
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return
	}
	next := c.supersedeLocked()
	c.state = StateError
	c.mu.Unlock()

	c.log.Warn("connection lost", slog.Any("error", cause))
	c.scheduleReconnect(next)
}

// scheduleReconnect runs the backoff cycle for the given generation. The
// attempt counter lives on the reconnector and is read fresh under the mutex
// on every iteration.
func (c *Conn) scheduleReconnect(gen uint64) {
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return
	}
	c.state = StateError
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelRetry = cancel
	c.mu.Unlock()

	go c.reconnectLoop(ctx, gen)
}

func (c *Conn) reconnectLoop(ctx context.Context, gen uint64) {
	for {
		c.mu.Lock()
		if c.generation != gen {
			c.mu.Unlock()
			return
		}
		if !c.reconn.shouldRetry() {
			c.state = StateDisconnected
			c.mu.Unlock()
			c.report(ErrRetriesExhausted)
			return
		}
		attempt := c.reconn.attempts + 1
		delay := c.reconn.nextDelay()
		c.mu.Unlock()

		c.log.Info("reconnecting",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay))

		timer := c.clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
		}

		if err := c.connectOnce(ctx, gen); err != nil {
			if errors.Is(err, errSuperseded) || ctx.Err() != nil {
				return
			}
			c.log.Warn("reconnect failed", slog.Any("error", err))
			continue
		}
		c.resubscribe(ctx)
		return
	}
}

// resubscribe replays the registry's channels on a recovered connection so
// consumers keep receiving events without re-registering handlers.
func (c *Conn) resubscribe(ctx context.Context) {
	for _, channelName := range c.registry.list() {
		sub := c.registry.get(channelName)
		if sub == nil {
			continue
		}
		ack, err := c.roundTrip(ctx, channelName, command{
			Type:    "subscribe",
			Payload: channelPayload{Channel: channelName},
		})
		if err != nil {
			sub.fail(&ErrChannel{Channel: channelName, Err: err})
			continue
		}
		if ack.Status != ackSubscribed {
			c.registry.remove(channelName, sub)
			sub.fail(&ErrChannel{Channel: channelName, Reason: ack.Reason})
		}
	}
}

func (c *Conn) report(err error) {
	if c.opts.OnError != nil {
		c.opts.OnError(err)
	}
}
