// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/protocol"

	"github.com/go-chi/chi/v5"
)

// Server is the REST + WebSocket API server.
type Server struct {
	httpServer  *http.Server
	broadcaster *EventBroadcaster
}

// New creates and wires up the API server. syncHandler, when non-nil, is
// mounted at /sync and carries the CRDT coordinator's WebSocket protocol.
// New does NOT start listening — call Run() for that.
func New(
	cfg *config.ServerConfig,
	eventChan <-chan protocol.Event,
	workflows WorkflowService,
	syncHandler http.HandlerFunc,
) *Server {
	registry := NewClientRegistry()
	broadcaster := NewEventBroadcaster(eventChan, registry)
	handlers := NewHandlers(workflows)

	r := chi.NewRouter()

	// Global middleware
	r.Use(Recovery)
	r.Use(RequestID)
	r.Use(Logger)
	r.Use(CORS(cfg.AllowedOrigins))
	r.Use(MaxBodySize(1 << 20)) // 1 MB default

	// REST routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/workflows", handlers.ListWorkflows)
		r.Post("/workflows", handlers.CreateWorkflow)

		r.Route("/workflows/{id}", func(r chi.Router) {
			r.Get("/", handlers.GetWorkflow)
			r.Post("/start", handlers.StartWorkflow)
			r.Post("/pause", handlers.PauseWorkflow)
			r.Post("/resume", handlers.ResumeWorkflow)
			r.Post("/cancel", handlers.CancelWorkflow)

			r.Get("/steps/ready", handlers.GetReadySteps)
			r.Post("/steps/{stepId}/retry", handlers.RetryStep)
			r.Post("/steps/{stepId}/skip", handlers.SkipStep)
		})
	})

	// WebSocket event stream
	r.Get("/ws", HandleWebSocket(registry, cfg.AllowedOrigins))

	// CRDT state sync
	if syncHandler != nil {
		r.Get("/sync", syncHandler)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		broadcaster: broadcaster,
	}
}

// Run starts the event broadcaster goroutine and the HTTP server.
// Blocks until the server is shut down or the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		const maxRetries = 3
		for attempt := 1; attempt <= maxRetries; attempt++ {
			func() {
				defer func() {
					if r := recover(); r != nil {
						getLog().Error().Interface("panic", r).Int("attempt", attempt).Msg("Event broadcaster panic")
					}
				}()
				s.broadcaster.Run(ctx)
			}()

			// Normal return (context cancelled) — exit without retry.
			if ctx.Err() != nil {
				return
			}

			if attempt < maxRetries {
				getLog().Warn().Int("attempt", attempt).Msg("Restarting event broadcaster after panic")
				time.Sleep(1 * time.Second)
			}
		}
		getLog().Error().Msg("Event broadcaster exhausted retries - events will no longer be dispatched")
	}()

	getLog().Info().Str("addr", s.httpServer.Addr).Msg("API server listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
