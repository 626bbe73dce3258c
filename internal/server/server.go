// Package server hosts the gateway's HTTP surface: a chi router with the
// request middleware chain, bound synchronously so that a failed bind is
// reported to the caller instead of a background goroutine.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ErrNotBound is returned by Shutdown on a server that never bound.
var ErrNotBound = errors.New("server not bound")

type Server struct {
	Router *chi.Mux
	logger *slog.Logger

	mu       sync.Mutex
	http     *http.Server
	listener net.Listener
	served   chan struct{}
}

// New builds a router carrying request IDs, structured request logs, a
// per-request deadline, panic recovery and tracing.
func New(logger *slog.Logger, requestTimeout time.Duration) *Server {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(TimeoutMiddleware(requestTimeout))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "federation-gateway")
	})

	return &Server{
		Router: r,
		logger: logger,
	}
}

// Bind listens on addr and starts serving in the background. It returns
// only after the socket is bound, so an in-use port is an error here.
func (s *Server) Bind(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return fmt.Errorf("server already bound to %s", s.listener.Addr())
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	s.listener = ln
	s.http = &http.Server{
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.served = make(chan struct{})

	go func() {
		defer close(s.served)
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", slog.String("error", err.Error()))
		}
	}()

	s.logger.Info("listening", slog.String("addr", ln.Addr().String()))
	return nil
}

// Addr is the bound address, or nil before Bind.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, served := s.http, s.served
	s.mu.Unlock()

	if srv == nil {
		return ErrNotBound
	}
	if err := srv.Shutdown(ctx); err != nil {
		return err
	}
	<-served
	return nil
}
