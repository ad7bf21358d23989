package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/shohag/statusmirror/internal/config"
	"github.com/shohag/statusmirror/internal/selfcheck"
	"github.com/shohag/statusmirror/internal/storage"
)

// Queue hands accepted events to the worker pool.
type Queue interface {
	Submit(eventID string) error
	QueueDepth() int
}

type SelfCheckFunc func(ctx context.Context) *selfcheck.Result

type Server struct {
	cfg       *config.Config
	store     storage.Storage
	queue     Queue
	selfcheck SelfCheckFunc
	router    *chi.Mux
	log       zerolog.Logger
	http      *http.Server
}

func NewServer(cfg *config.Config, store storage.Storage, queue Queue, check SelfCheckFunc, log zerolog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		store:     store,
		queue:     queue,
		selfcheck: check,
		log:       log,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(s.log))

	hookHandler := NewWebhookHandler(s.cfg.Webhook, s.cfg.Server.MaxBodyBytes, retryAfter(s.cfg.Delivery.SweepInterval), s.store, s.queue, s.log)
	eventHandler := NewEventHandler(s.store)
	statsHandler := NewStatsHandler(s.store, s.queue, s.selfcheck)

	// Health check, no auth
	r.Get("/health", statsHandler.Health)

	// Provider webhooks authenticate per provider inside the handler.
	r.Post("/webhook/{provider}", hookHandler.Receive)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AdminAuthMiddleware(s.cfg.Admin.Token))

		r.Get("/events", eventHandler.List)
		r.Get("/events/{id}", eventHandler.Get)
		r.Get("/events/{id}/attempts", eventHandler.ListAttempts)
		r.Get("/events/{id}/artifacts", eventHandler.ListArtifacts)

		r.Get("/stats", statsHandler.Stats)
		r.Post("/selfcheck", statsHandler.SelfCheck)
	})

	return r
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	s.log.Info().Str("addr", addr).Msg("starting HTTP server")
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(timeout time.Duration) error {
	if s.http == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}

// retryAfter is the Retry-After hint sent when the queue is saturated: by then
// the sweep has had a chance to drain it.
func retryAfter(sweep time.Duration) int {
	secs := int(sweep / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
