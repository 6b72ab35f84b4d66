package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/agentbox/agentbox/internal/bus"
	"github.com/agentbox/agentbox/internal/pkg/logctx"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Cross-origin policy is the fronting proxy's concern.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Command is the client-to-server message on the realtime socket.
type Command struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type channelCommand struct {
	Channel string `json:"channel"`
}

type heartbeatPayload struct {
	SentAt float64 `json:"sent_at"`
}

// AckPayload is the status_update body used for subscribe acknowledgements.
type AckPayload struct {
	Channel string `json:"channel,omitempty"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

const (
	AckConnected    = "connected"
	AckSubscribed   = "subscribed"
	AckUnsubscribed = "unsubscribed"
	AckError        = "error"
)

func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	identity, err := s.identity(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.WarnContext(r.Context(), "websocket upgrade failed", slog.Any("err", err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	ctx = logctx.WithField(ctx, "identity", identity)

	c := &conn{
		server:   s,
		ws:       ws,
		identity: identity,
		limiter:  rate.NewLimiter(rate.Limit(s.cfg.EventsPerSecond), int(s.cfg.EventsPerSecond)+1),
		egress:   make(chan bus.Envelope, 64),
		subs:     make(map[string]func()),
		cancel:   cancel,
	}

	go c.writePump(ctx)
	c.enqueue(statusEnvelope(AckPayload{Status: AckConnected}))
	c.readLoop(ctx)
}

// conn is one websocket session. The egress channel is drained by a single
// writer goroutine, which keeps delivery ordered per channel.
type conn struct {
	server   *Server
	ws       *websocket.Conn
	identity string
	limiter  *rate.Limiter

	egress chan bus.Envelope

	mu     sync.Mutex
	subs   map[string]func()
	cancel context.CancelFunc

	dropped atomic.Int64
}

func (c *conn) readLoop(ctx context.Context) {
	defer c.close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			slog.DebugContext(ctx, "malformed realtime command dropped", slog.Any("err", err))
			continue
		}
		switch cmd.Type {
		case "subscribe":
			c.handleSubscribe(ctx, cmd.Payload)
		case "unsubscribe":
			c.handleUnsubscribe(cmd.Payload)
		case bus.TypeHeartbeat:
			c.handleHeartbeat(cmd.Payload)
		default:
			slog.DebugContext(ctx, "unknown realtime command", slog.String("type", cmd.Type))
		}
	}
}

func (c *conn) handleSubscribe(ctx context.Context, payload json.RawMessage) {
	var p channelCommand
	if err := json.Unmarshal(payload, &p); err != nil || p.Channel == "" {
		c.enqueue(statusEnvelope(AckPayload{Status: AckError, Reason: "missing channel"}))
		return
	}
	if !c.server.policy.CanAccess(ctx, p.Channel, c.identity) {
		c.enqueue(statusEnvelope(AckPayload{Channel: p.Channel, Status: AckError, Reason: "access denied"}))
		return
	}

	c.mu.Lock()
	// Replace rather than stack: an existing subscription for the same
	// channel is torn down first.
	if stop, ok := c.subs[p.Channel]; ok {
		stop()
		delete(c.subs, p.Channel)
	}
	events, unsubscribe := c.server.hub.Subscribe(p.Channel)
	forwardCtx, stopForward := context.WithCancel(ctx)
	c.subs[p.Channel] = func() {
		stopForward()
		unsubscribe()
	}
	c.mu.Unlock()

	go c.forward(forwardCtx, p.Channel, events)
	c.enqueue(statusEnvelope(AckPayload{Channel: p.Channel, Status: AckSubscribed}))
}

func (c *conn) handleUnsubscribe(payload json.RawMessage) {
	var p channelCommand
	if err := json.Unmarshal(payload, &p); err != nil || p.Channel == "" {
		return
	}
	c.mu.Lock()
	stop, ok := c.subs[p.Channel]
	if ok {
		delete(c.subs, p.Channel)
	}
	c.mu.Unlock()
	if ok {
		stop()
		c.enqueue(statusEnvelope(AckPayload{Channel: p.Channel, Status: AckUnsubscribed}))
	}
}

// handleHeartbeat echoes the probe's send timestamp so the client can measure
// round-trip latency.
func (c *conn) handleHeartbeat(payload json.RawMessage) {
	var p heartbeatPayload
	_ = json.Unmarshal(payload, &p)
	reply, err := bus.NewEnvelope(bus.TypeHeartbeatResponse, heartbeatPayload{SentAt: p.SentAt})
	if err != nil {
		return
	}
	c.enqueue(reply)
}

// forward moves hub events onto the egress queue, applying the per-connection
// rate limit. Events beyond the limit or the queue capacity are dropped; the
// client backfills from the store using sequence numbers.
func (c *conn) forward(ctx context.Context, channelName string, events <-chan bus.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if !c.limiter.Allow() {
				c.dropped.Add(1)
				continue
			}
			evt.Channel = channelName
			c.enqueue(evt)
		}
	}
}

func (c *conn) enqueue(evt bus.Envelope) {
	select {
	case c.egress <- evt:
	default:
		c.dropped.Add(1)
	}
}

func (c *conn) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-c.egress:
			if err := c.ws.WriteJSON(evt); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *conn) close() {
	c.mu.Lock()
	subs := c.subs
	c.subs = map[string]func(){}
	c.mu.Unlock()
	for _, stop := range subs {
		stop()
	}
	c.cancel()
	_ = c.ws.Close()
	if n := c.dropped.Load(); n > 0 {
		slog.Debug("realtime session closed with dropped events",
			slog.String("identity", c.identity), slog.Int64("dropped", n))
	}
}

func statusEnvelope(p AckPayload) bus.Envelope {
	evt, err := bus.NewEnvelope(bus.TypeStatusUpdate, p)
	if err != nil {
		return bus.Envelope{Type: bus.TypeStatusUpdate}
	}
	return evt
}
