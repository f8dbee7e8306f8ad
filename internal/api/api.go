// Package api provides the agent-facing HTTP server.
package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/good-yellow-bee/mailwatch/internal/api/health"
	"github.com/good-yellow-bee/mailwatch/internal/security"
)

// Config contains HTTP API server configuration.
type Config struct {
	Address         string
	TLSEnabled      bool
	TLSCertFile     string
	TLSKeyFile      string
	MaxBodyBytes    int64
	MaxBatchSize    int
	HeartbeatPerMin int // per client IP, 0 disables
	ShutdownTimeout time.Duration
	Verbose         bool
}

// SetDefaults applies default values for missing configuration.
func (c *Config) SetDefaults() {
	if c.Address == "" {
		c.Address = ":8080"
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = 5 << 20
	}
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = 1000
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

// Server is the HTTP API server.
type Server struct {
	config        *Config
	gateway       Ingestor
	server        *http.Server
	healthHandler *health.Handler
}

// New creates a new API server in front of the gateway.
func New(cfg *Config, gateway Ingestor) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}

	cfg.SetDefaults()

	s := &Server{
		config:        cfg,
		gateway:       gateway,
		healthHandler: health.NewHandler(),
	}

	// Agents send small bodies on a fixed cadence, so slow clients are cut
	// off early rather than holding connections.
	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.setupRouter(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
		ErrorLog:          log.New(log.Writer(), "[api] ", log.LstdFlags),
	}
	if cfg.TLSEnabled {
		tlsConfig, err := security.ServerTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, err
		}
		s.server.TLSConfig = tlsConfig
	}

	return s, nil
}

// Handler returns the root handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Run listens on the configured address and serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is canceled, then drains
// in-flight requests within the shutdown timeout. With TLS enabled ln is
// wrapped, so the caller passes a plain TCP listener either way.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	scheme := "http"
	if s.server.TLSConfig != nil {
		ln = tls.NewListener(ln, s.server.TLSConfig)
		scheme = "https"
	}
	log.Printf("[api] listening on %s://%s", scheme, ln.Addr())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Printf("[api] shutting down, draining for up to %v", s.config.ShutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

// Address returns the configured listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// RegisterHealthChecker adds a health checker to the server.
func (s *Server) RegisterHealthChecker(c health.Checker) {
	if s.healthHandler != nil {
		s.healthHandler.RegisterChecker(c)
	}
}
