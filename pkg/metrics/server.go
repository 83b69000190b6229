// HTTP server for the diagnostics endpoints
//
// Serves /metrics for Prometheus scraping plus /health and /ready. Other
// packages mount their handlers on the same listener with Handle.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"ecu-core/pkg/log"
)

// Gatherer renders metrics in the text exposition format.
type Gatherer interface {
	Gather() string
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Address string
	// ReadHeaderTimeout bounds request headers only; websocket
	// connections mounted on the server stay open.
	ReadHeaderTimeout time.Duration
	// ExposeMetrics mounts /metrics.
	ExposeMetrics bool
}

// DefaultServerConfig returns the configuration used by the engine unit.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{Address: ":7130", ReadHeaderTimeout: 5 * time.Second, ExposeMetrics: true}
}

// Server is the diagnostics HTTP server.
type Server struct {
	g      Gatherer
	addr   string
	mux    *http.ServeMux
	server *http.Server
	log    *log.Logger

	mu      sync.RWMutex
	running bool
	started time.Time
	ready   func() bool
}

// NewServer returns a server rendering g.
func NewServer(g Gatherer, cfg ServerConfig) *Server {
	s := &Server{
		g:    g,
		addr: cfg.Address,
		mux:  http.NewServeMux(),
		log:  log.GetLogger("http"),
	}
	if cfg.ExposeMetrics && g != nil {
		s.mux.HandleFunc("/metrics", s.handleMetrics)
	}
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/ready", s.handleReady)
	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.mux,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	return s
}

// Handle mounts h at pattern. Call before Start.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// SetReadiness installs the check behind /ready. Without one the server
// is ready while it runs.
func (s *Server) SetReadiness(fn func() bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = fn
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("diagnostics server: %w", err)
	}
	return s.Serve(l)
}

// Serve serves on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	s.running = true
	s.started = time.Now()
	s.addr = l.Addr().String()
	s.mu.Unlock()
	s.log.WithField("addr", l.Addr().String()).Info("diagnostics server listening")

	err := s.server.Serve(l)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("diagnostics server: %w", err)
	}
	return nil
}

// StartAsync runs Start in a goroutine. The channel yields at most one
// error and is closed when the server stops.
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.Start(); err != nil {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return s.server.Shutdown(ctx)
}

// Running reports whether the server is serving.
func (s *Server) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Addr returns the listen address, resolved once serving.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// Uptime is the time since Serve was called, or zero.
func (s *Server) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return 0
	}
	return time.Since(s.started)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	out := s.g.Gather()
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(out)))
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write([]byte(out))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("OK\n"))
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	ok := s.running
	if ok && s.ready != nil {
		ok = s.ready()
	}
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "text/plain")
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("Not Ready\n"))
		return
	}
	_, _ = w.Write([]byte("Ready\n"))
}
