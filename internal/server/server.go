// Package server exposes syncs over a websocket and stored statistics over
// a JSON API.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/livinlefevreloca/ghastats/internal/collector"
	"github.com/livinlefevreloca/ghastats/internal/db"
	"github.com/livinlefevreloca/ghastats/internal/dispatch"
	"github.com/livinlefevreloca/ghastats/internal/stats"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Streamer runs a sync and streams it to a sink.
type Streamer interface {
	Run(ctx context.Context, repo, token string, sink dispatch.Sink, opts dispatch.RunOptions) (*collector.Summary, error)
}

// StatsQuerier answers aggregation queries.
type StatsQuerier interface {
	Query(ctx context.Context, q stats.Query) ([]stats.AggregationResult, error)
}

// SessionLister lists the sync ledger of a repository.
type SessionLister interface {
	ListSyncSessions(ctx context.Context, repo string, limit int) ([]db.SyncSession, error)
}

// Server is the HTTP front end.
type Server struct {
	config     Config
	streamer   Streamer
	querier    StatsQuerier
	sessions   SessionLister
	gatherer   prometheus.Gatherer
	token      string
	logger     *slog.Logger
	httpServer *http.Server
}

type Option func(*Server)

// WithGatherer serves the registry's metrics at /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithDefaultToken sets the token used when a request carries none.
func WithDefaultToken(token string) Option {
	return func(s *Server) { s.token = token }
}

func New(config Config, streamer Streamer, querier StatsQuerier, sessions SessionLister, logger *slog.Logger, opts ...Option) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		config:   config,
		streamer: streamer,
		querier:  querier,
		sessions: sessions,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return mux
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("GET /ws/sync/{owner}/{repo}", s.handleSync)
	mux.HandleFunc("GET /api/repos/{owner}/{repo}/stats", s.handleStats)
	mux.HandleFunc("GET /api/repos/{owner}/{repo}/sessions", s.handleSessions)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

// Run starts the HTTP server and blocks until the context is cancelled.
// It performs a graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:        s.config.ListenAddr,
		Handler:     s.Handler(),
		ReadTimeout: s.config.ReadTimeout,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "addr", s.config.ListenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ShutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}
