// Package api is the admin surface: scheduler and broker lifecycle
// controls, status, manual position sync, and the WebSocket upgrade
// endpoint. It is an operator API, not a public one; CORS origins come
// from config.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"equities-bot/internal/broker"
	"equities-bot/internal/config"
	"equities-bot/internal/positions"
	"equities-bot/internal/scheduler"
	"equities-bot/internal/stream"
)

const shutdownGrace = 10 * time.Second

// SchedulerControl is the slice of the scheduler the API drives.
type SchedulerControl interface {
	Start() error
	Stop() error
	Pause() error
	Resume() error
	State() string
	Stats(ctx context.Context) scheduler.Stats
}

// Server owns the HTTP listener.
type Server struct {
	cfg    config.APIConfig
	server *http.Server
	logger *slog.Logger
}

// NewServer wires the router and the underlying http.Server.
func NewServer(
	cfg config.APIConfig,
	sched SchedulerControl,
	b broker.Broker,
	syncer *positions.Syncer,
	hub *stream.Hub,
	logger *slog.Logger,
) *Server {
	log := logger.With("component", "api")
	h := &handlers{
		scheduler: sched,
		broker:    b,
		syncer:    syncer,
		hub:       hub,
		origins:   cfg.AllowedOrigins,
		logger:    log,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.health)
	r.Get("/ws", h.websocket)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.status)

		r.Route("/scheduler", func(r chi.Router) {
			r.Get("/status", h.schedulerStatus)
			r.Post("/start", h.schedulerOp("start", sched.Start))
			r.Post("/stop", h.schedulerOp("stop", sched.Stop))
			r.Post("/pause", h.schedulerOp("pause", sched.Pause))
			r.Post("/resume", h.schedulerOp("resume", sched.Resume))
		})

		r.Route("/broker", func(r chi.Router) {
			r.Get("/status", h.brokerStatus)
			r.Post("/connect", h.brokerConnect)
			r.Post("/disconnect", h.brokerDisconnect)
		})

		r.Post("/positions/sync", h.positionsSync)
	})

	return &Server{
		cfg:    cfg,
		logger: log,
		server: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      r,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start runs the listener until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("api listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests, bounded by the grace period.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// requestLogger records every request through slog.
func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}
