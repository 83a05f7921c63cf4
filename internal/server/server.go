// Package server runs sentineld's network listeners: the HTTP API and
// the TCP live stream.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/xtxerr/sentinel/config"
	"github.com/xtxerr/sentinel/internal/logging"
)

var log = logging.Component("server")

// =============================================================================
// HTTP Server
// =============================================================================

// HTTPConfig holds HTTP listener settings.
type HTTPConfig struct {
	// Listen is the address to listen on (e.g., "0.0.0.0:8080").
	Listen string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// HTTPServer serves the REST API.
type HTTPServer struct {
	cfg      HTTPConfig
	srv      *http.Server
	listener net.Listener
	done     chan error
}

// NewHTTP creates an HTTP server for handler.
func NewHTTP(cfg HTTPConfig, handler http.Handler) *HTTPServer {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = config.DefaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = config.DefaultWriteTimeout
	}

	return &HTTPServer{
		cfg: cfg,
		srv: &http.Server{
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		done: make(chan error, 1),
	}
}

// Start binds the listener and serves in the background. Bind errors are
// returned directly.
func (s *HTTPServer) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("http listen %s: %w", s.cfg.Listen, err)
	}
	s.listener = ln
	log.Info("http listening", "address", ln.Addr().String())

	go func() {
		err := s.srv.Serve(ln)
		if err == http.ErrServerClosed {
			err = nil
		}
		s.done <- err
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *HTTPServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Done delivers the serve loop's terminal error (nil on clean shutdown).
func (s *HTTPServer) Done() <-chan error {
	return s.done
}

// OnShutdown registers fn to run when Shutdown begins, concurrently with
// the wait for in-flight requests. Long-lived handlers such as SSE
// streams must be ended from here, or Shutdown waits until ctx expires.
func (s *HTTPServer) OnShutdown(fn func()) {
	s.srv.RegisterOnShutdown(fn)
}

// Shutdown stops accepting requests and waits for in-flight ones until
// ctx expires, then closes what is left.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	log.Info("http shutting down")
	err := s.srv.Shutdown(ctx)
	if err != nil {
		log.Warn("graceful http shutdown incomplete, closing", "error", err)
		s.srv.Close()
	}
	return err
}
