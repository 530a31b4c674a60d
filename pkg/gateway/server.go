// Package gateway exposes the runtime over HTTP: tool listing, invocation,
// confirmation issuance, Prometheus metrics, and a websocket event stream.
// The surface is deliberately narrow; richer transports belong in drivers
// built on pkg/runtime directly.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/quelabs/quecore/pkg/runtime"
)

// Config holds gateway configuration.
type Config struct {
	// Addr is the listen address, e.g. "127.0.0.1:8787". A ":0" port picks
	// a free one; see Server.Addr.
	Addr    string
	Runtime *runtime.Runtime
	Logger  zerolog.Logger
}

// Server is the HTTP gateway.
type Server struct {
	rt       *runtime.Runtime
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

// NewServer creates a gateway server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Runtime == nil {
		return nil, errors.New("runtime is required")
	}
	if cfg.Addr == "" {
		return nil, errors.New("listen address is required")
	}

	s := &Server{
		rt:     cfg.Runtime,
		logger: cfg.Logger.With().Str("component", "gateway").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websocket connections outlive any sane write timeout
	}
	return s, nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/tools", s.handleTools)
	mux.HandleFunc("POST /v1/invoke", s.handleInvoke)
	mux.HandleFunc("POST /v1/confirmations", s.handleConfirmations)
	mux.Handle("GET /metrics", s.rt.Metrics().Handler())
	mux.HandleFunc("GET /ws/events", s.handleEvents)
	return mux
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return errors.New("gateway already started")
	}

	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	s.logger.Info().Str("addr", listener.Addr().String()).Msg("Gateway listening")
	return nil
}

// Addr returns the bound address, empty before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down, waiting for in-flight requests up to the
// context deadline.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.listener = nil
	s.mu.Unlock()
	return server.Shutdown(ctx)
}
