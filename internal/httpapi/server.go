// Package httpapi serves the current artwork and a status report to dashboards.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/genricoloni/coverd/internal/artwork"
	"github.com/genricoloni/coverd/internal/config"
	"github.com/genricoloni/coverd/internal/domain"
	"go.uber.org/zap"
)

const (
	_readHeaderTimeout = 5 * time.Second
	_writeTimeout      = 30 * time.Second
	_idleTimeout       = 120 * time.Second
)

// Info is the static part of the status report
type Info struct {
	Topic        string
	Source       string
	AlbumArtPath string
}

// Server exposes GET /albumart.jpg and GET /status.
// Handlers only read store snapshots and never block on resolution.
type Server struct {
	logger      *zap.Logger
	cfg         config.HTTPConfig
	reader      domain.ArtifactReader
	placeholder *artwork.Placeholder
	info        Info

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	done     chan struct{}
}

// NewServer creates the HTTP surface. Nothing listens until Start.
func NewServer(
	logger *zap.Logger,
	cfg config.HTTPConfig,
	reader domain.ArtifactReader,
	placeholder *artwork.Placeholder,
	info Info,
) *Server {
	return &Server{
		logger:      logger,
		cfg:         cfg,
		reader:      reader,
		placeholder: placeholder,
		info:        info,
	}
}

// Handler returns the routed handler, wrapped with CORS
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /albumart.jpg", s.handleArtwork)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /{$}", s.handleStatus)
	return s.withCORS(mux)
}

// Start binds the listener and serves in the background.
// Binding happens here so a taken port fails startup instead of a goroutine.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv != nil {
		return fmt.Errorf("http server already started")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr(), err)
	}

	s.listener = ln
	s.done = make(chan struct{})
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: _readHeaderTimeout,
		WriteTimeout:      _writeTimeout,
		IdleTimeout:       _idleTimeout,
		ErrorLog:          zap.NewStdLog(s.logger),
	}

	go func(srv *http.Server, done chan struct{}) {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", zap.Error(err))
		}
	}(s.srv, s.done)

	s.logger.Info("HTTP server listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or "" before Start
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop drains in-flight requests within ctx
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.srv, s.done
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	<-done
	s.logger.Info("HTTP server stopped")
	return nil
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AllowOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", s.cfg.AllowOrigin)
		}
		next.ServeHTTP(w, r)
	})
}
