package api

import (
	"context"
	"net/http"
	"time"

	"githarvest/internal/platform/config"
	"githarvest/internal/platform/logger"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is a thin wrapper over chi + stdlib http.Server
type Server struct {
	addr string
	mux  *chi.Mux
	srv  *http.Server
}

// NewServer builds the status listener.
// cfg is read with the API_ prefix already applied by the caller
func NewServer(cfg config.Conf, d Deps) *Server {
	addr := cfg.MayString("ADDR", ":4500")
	m := chi.NewRouter()

	m.Use(RequestID)
	m.Use(Recover)
	m.Use(AccessLog(cfg.MayDuration("SLOW", 2*time.Second)))
	m.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.MayCSV("CORS_ORIGINS", []string{"*"}),
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	mount(m, d)

	return &Server{
		addr: addr,
		mux:  m,
		srv: &http.Server{
			Addr:              addr,
			Handler:           m,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

func mount(m *chi.Mux, d Deps) {
	h := &handlers{deps: d}

	m.Get("/healthz", h.health)
	m.Get("/readyz", h.ready)
	m.Get("/governor", h.governor)
	m.Get("/runs/{run_id}/checkpoints", h.runCheckpoints)
	m.Handle("/metrics", promhttp.Handler())
}

// Handler exposes the mux, mainly for tests
func (s *Server) Handler() http.Handler { return s.mux }

// Addr returns the listening address
func (s *Server) Addr() string { return s.addr }

// Run starts the server and blocks until the listener stops
func (s *Server) Run(ctx context.Context) error {
	log := logger.Named("http")
	log.Info().Str("addr", s.addr).Msg("status listener up")

	done := make(chan error, 1)
	go func() { done <- s.srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-done:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
