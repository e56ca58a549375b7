// Package api exposes the engine's operator HTTP surface: sequence and step
// authoring, status transitions, manual enrollment, and enrollment listing.
// The UI and the wider platform consume these endpoints; subscriber-facing
// traffic never reaches this server.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/outrevo/planemail-engine/internal/auth"
	"github.com/outrevo/planemail-engine/internal/config"
	"github.com/outrevo/planemail-engine/internal/dispatch"
	"github.com/outrevo/planemail-engine/internal/service/enrollment"
	"github.com/outrevo/planemail-engine/internal/service/sequence"
)

// Server is the engine's API server.
type Server struct {
	cfg         config.ServerConfig
	handler     http.Handler
	server      *http.Server
	sequences   *sequence.Service
	enrollments *enrollment.Service
	gateway     *dispatch.RedisGateway
	keys        *auth.Service
}

// NewServer wires the services into a routed server. keys may be nil to
// disable API-key auth (local development).
func NewServer(cfg config.ServerConfig, sequences *sequence.Service, enrollments *enrollment.Service, gateway *dispatch.RedisGateway, keys *auth.Service) *Server {
	s := &Server{
		cfg:         cfg,
		sequences:   sequences,
		enrollments: enrollments,
		gateway:     gateway,
		keys:        keys,
	}
	s.handler = s.routes()
	return s
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.handler
}
