// Package realtime exposes the bus over the wire: a websocket endpoint for
// subscribe/heartbeat traffic and a small JSON-RPC control surface.
package realtime

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/agentbox/agentbox/internal/access"
	"github.com/agentbox/agentbox/internal/bus"
	"github.com/agentbox/agentbox/internal/config"
	"github.com/agentbox/agentbox/internal/emitter"
	"github.com/agentbox/agentbox/internal/ingest"
)

// IdentityFunc resolves the authenticated identity for a request.
// Authentication mechanics live with the collaborator that fronts this
// service; the default trusts the X-Agentbox-User header.
type IdentityFunc func(r *http.Request) (string, error)

func HeaderIdentity(r *http.Request) (string, error) {
	id := r.Header.Get("X-Agentbox-User")
	if id == "" {
		return "", fmt.Errorf("missing X-Agentbox-User header")
	}
	return id, nil
}

// Sweep is the control-surface hook for triggering a retention sweep.
type Sweep func(ctx context.Context) error

// Server owns the realtime listeners.
type Server struct {
	hub      *bus.Hub
	policy   *access.Policy
	emitter  *emitter.Emitter
	ingest   *ingest.Service
	identity IdentityFunc
	sweep    Sweep
	cfg      config.RealtimeConfig

	httpServer *http.Server
	listener   net.Listener
	socketPath string
}

// Options carries the collaborators a Server fans events between.
type Options struct {
	Hub      *bus.Hub
	Policy   *access.Policy
	Emitter  *emitter.Emitter
	Ingest   *ingest.Service
	Identity IdentityFunc
	Sweep    Sweep
	Realtime config.RealtimeConfig
}

func newServer(opts Options) *Server {
	if opts.Identity == nil {
		opts.Identity = HeaderIdentity
	}
	return &Server{
		hub:      opts.Hub,
		policy:   opts.Policy,
		emitter:  opts.Emitter,
		ingest:   opts.Ingest,
		identity: opts.Identity,
		sweep:    opts.Sweep,
		cfg:      opts.Realtime,
	}
}

// NewServer starts a TCP listener on the given port.
func NewServer(ctx context.Context, opts Options, port int) (*Server, error) {
	s := newServer(opts)
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf(":%d", port),
		Handler:     s.buildMux(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	if err := s.start(func() error { return s.httpServer.ListenAndServe() }); err != nil {
		return nil, err
	}
	return s, nil
}

// NewUnixServer starts a listener on a unix domain socket.
func NewUnixServer(ctx context.Context, opts Options, socketPath string) (*Server, error) {
	s := newServer(opts)
	s.socketPath = socketPath
	_ = os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on unix socket %s: %w", socketPath, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:     s.buildMux(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	if err := s.start(func() error { return s.httpServer.Serve(ln) }); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /realtime", s.handleRealtime)
	mux.HandleFunc("POST /rpc", s.handleRPC)
	return mux
}

func (s *Server) start(serve func() error) error {
	errCh := make(chan error, 1)
	go func() {
		if err := serve(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return fmt.Errorf("failed to start server: %w", err)
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Shutdown stops accepting connections and closes the listener.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.httpServer.Shutdown(ctx)
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.socketPath != "" {
		_ = os.Remove(s.socketPath)
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
