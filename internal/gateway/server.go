package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/avaproxy/internal/observability"
)

// State represents the server state.
type State int32

const (
	// StateStopped indicates the server is stopped.
	StateStopped State = iota
	// StateStarting indicates the server is starting.
	StateStarting
	// StateRunning indicates the server is running.
	StateRunning
	// StateStopping indicates the server is stopping.
	StateStopping
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// ErrNotStopped is returned by Start when the server is already active.
var ErrNotStopped = errors.New("server is not in stopped state")

// Server accepts inbound connections and hands every request, whatever
// its method or path, to a single handler.
type Server struct {
	address           string
	handler           http.Handler
	logger            observability.Logger
	readHeaderTimeout time.Duration
	idleTimeout       time.Duration
	shutdownTimeout   time.Duration

	state     atomic.Int32
	mu        sync.RWMutex
	server    *http.Server
	boundAddr string
	startTime time.Time
	done      chan struct{}
}

// Option is a functional option for configuring the server.
type Option func(*Server)

// WithLogger sets the logger for the server.
func WithLogger(logger observability.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithShutdownTimeout caps how long Stop drains in-flight requests. A
// context deadline that comes sooner still wins.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		s.shutdownTimeout = timeout
	}
}

// NewServer creates a server for address ("host:port"). Port 0 binds an
// ephemeral port; see Addr.
func NewServer(address string, handler http.Handler, opts ...Option) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}

	s := &Server{
		address:           address,
		handler:           handler,
		logger:            observability.NopLogger(),
		readHeaderTimeout: 10 * time.Second,
		idleTimeout:       120 * time.Second,
		shutdownTimeout:   30 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.state.Store(int32(StateStopped))

	return s, nil
}

// Start binds the listening socket and begins serving in the background.
func (s *Server) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return ErrNotStopped
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.address)
	if err != nil {
		s.state.Store(int32(StateStopped))
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.readHeaderTimeout,
		IdleTimeout:       s.idleTimeout,
		MaxHeaderBytes:    1 << 20, // 1MB
	}

	s.mu.Lock()
	s.server = srv
	s.boundAddr = ln.Addr().String()
	s.startTime = time.Now()
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	s.state.Store(int32(StateRunning))

	s.logger.Info("listener started",
		observability.String("address", s.boundAddr),
	)

	go s.serve(srv, ln, done)

	return nil
}

// serve runs until the server is shut down.
func (s *Server) serve(srv *http.Server, ln net.Listener, done chan struct{}) {
	defer close(done)

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("listener error",
			observability.String("address", ln.Addr().String()),
			observability.Error(err),
		)
		s.state.Store(int32(StateStopped))
	}
}

// Stop stops accepting connections and waits for in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return nil
	}

	s.mu.RLock()
	srv, done, addr := s.server, s.done, s.boundAddr
	s.mu.RUnlock()

	s.logger.Info("stopping listener", observability.String("address", addr))

	ctx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
	defer cancel()

	err := srv.Shutdown(ctx)
	if err != nil {
		if closeErr := srv.Close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
		err = fmt.Errorf("failed to shutdown listener gracefully: %w", err)
	}
	<-done

	s.state.Store(int32(StateStopped))

	s.logger.Info("listener stopped", observability.String("address", addr))

	return err
}

// State returns the current server state.
func (s *Server) State() State {
	return State(s.state.Load())
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.State() == StateRunning
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.boundAddr != "" {
		return s.boundAddr
	}
	return s.address
}

// Uptime returns how long the server has been running.
func (s *Server) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.startTime.IsZero() || !s.IsRunning() {
		return 0
	}
	return time.Since(s.startTime)
}
