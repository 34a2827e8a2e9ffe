// Package server exposes a tenx session over HTTP: read-only session views,
// reset, and a server-sent event stream of session activity.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/serp256/tenx/internal/logging"
	"github.com/serp256/tenx/internal/tenx"
)

// Config holds server configuration.
type Config struct {
	Port         int
	EnableCORS   bool
	Watch        bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Port:        8080,
		EnableCORS:  true,
		Watch:       true,
		ReadTimeout: 30 * time.Second,
		// SSE responses are unbounded.
		WriteTimeout: 0,
	}
}

// Server is the HTTP server.
type Server struct {
	config  *Config
	router  *chi.Mux
	httpSrv *http.Server
	tx      *tenx.Tenx
}

// New creates a server for tx.
func New(cfg *Config, tx *tenx.Tenx) *Server {
	s := &Server{
		config: cfg,
		router: chi.NewRouter(),
		tx:     tx,
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))
	}
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Route("/session", func(r chi.Router) {
		r.Get("/", s.getSession)
		r.Post("/reset", s.resetSession)
		r.Get("/steps", s.listSteps)
		r.Get("/steps/{n}/diff", s.getStepDiff)
	})

	r.Get("/event", s.events)
}

// requestLogger logs each request through the tenx logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			logging.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(start)).
				Str("requestID", middleware.GetReqID(r.Context())).
				Msg("http request")
		}()
		next.ServeHTTP(ww, r)
	})
}

// Start serves until ctx is done or the listener fails. When watching is
// enabled, editable directories are watched for the lifetime of the server.
func (s *Server) Start(ctx context.Context) error {
	if s.config.Watch {
		w, err := NewWatcher(s.tx)
		if err != nil {
			logging.Warn().Err(err).Msg("file watcher disabled")
		} else {
			go w.Run(ctx)
		}
	}

	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	logging.Info().Int("port", s.config.Port).Str("root", s.tx.Config().Root).Msg("server listening")

	errc := make(chan error, 1)
	go func() { errc <- s.httpSrv.ListenAndServe() }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

// Router returns the chi router, for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}
