// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package observability provides Prometheus metrics and the HTTP endpoints
// that expose them alongside health probes.
package observability

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/oops"
)

// Error codes returned by Server.
const (
	CodeAlreadyStarted = "ALREADY_STARTED"
	CodeListenFailed   = "LISTEN_FAILED"
)

// ReadinessChecker reports whether the plugins directory is being watched.
// A nil checker is always ready.
type ReadinessChecker func() bool

// Server serves /metrics, /healthz/liveness and /healthz/readiness.
type Server struct {
	addr     string
	ready    ReadinessChecker
	registry *prometheus.Registry
	metrics  *Metrics
	handler  http.Handler

	mu       sync.Mutex
	listener net.Listener
	srv      *http.Server
}

// NewServer creates a server for addr ("127.0.0.1:9100", ":0", ...) with its
// own Prometheus registry holding the plugdir, Go and process collectors.
func NewServer(addr string, ready ReadinessChecker) *Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s := &Server{
		addr:     addr,
		ready:    ready,
		registry: registry,
		metrics:  NewMetrics(registry),
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.HandleFunc("GET /healthz/liveness", s.handleLiveness)
	mux.HandleFunc("GET /healthz/readiness", s.handleReadiness)
	s.handler = mux
	return s
}

// Metrics returns the plugdir metrics registered on this server.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler { return s.handler }

// Start listens and serves in the background. The returned channel receives
// a serve error, if any, and is closed when serving ends.
func (s *Server) Start() (<-chan error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv != nil {
		return nil, oops.Code(CodeAlreadyStarted).With("addr", s.addr).Errorf("observability server already running")
	}
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, oops.Code(CodeListenFailed).With("addr", s.addr).Wrap(err)
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.listener, s.srv = listener, srv

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("observability server error", "addr", listener.Addr().String(), "error", err)
			errCh <- err
		}
	}()
	return errCh, nil
}

// Stop shuts the server down. Stopping a server that is not running is a
// no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return oops.With("addr", s.addr).Wrapf(err, "shutdown observability server")
	}
	return nil
}

// Addr returns the bound address once started, or "" before.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, http.StatusOK, "ok")
}

func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	if s.ready == nil || s.ready() {
		writeStatus(w, http.StatusOK, "watching")
		return
	}
	writeStatus(w, http.StatusServiceUnavailable, "not watching")
}

func writeStatus(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body + "\n"))
}
