// Package api exposes the aggregator over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"listing-aggregator/utils"
)

// Options configures the HTTP server.
type Options struct {
	Addr        string
	CORSOrigins []string
	RateRules   []RateRule
}

// Server is the public HTTP API.
type Server struct {
	httpServer *http.Server
	logger     *utils.Logger
}

// NewRouter wires the API routes.
func NewRouter(opts Options, listings *ListingsHandler, thumbnails *ThumbnailHandler, logger *utils.Logger) http.Handler {
	if logger == nil {
		logger = utils.NewDiscardLogger()
	}
	rules := opts.RateRules
	if rules == nil {
		rules = DefaultRateRules
	}
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP, LoggerMiddleware(logger), middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         300,
	}))

	limiter := NewRateLimiter(rules, logger)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(limiter.Middleware)
		r.Get("/listings", listings.GetListings)
		r.Get("/thumbnails", thumbnails.GetThumbnail)
		r.Get("/thumbnails/{id}", thumbnails.GetThumbnail)
	})
	return r
}

// NewServer creates a Server listening on opts.Addr.
func NewServer(opts Options, listings *ListingsHandler, thumbnails *ThumbnailHandler, logger *utils.Logger) *Server {
	if logger == nil {
		logger = utils.NewDiscardLogger()
	}
	return &Server{
		httpServer: &http.Server{
			Addr:              opts.Addr,
			Handler:           NewRouter(opts, listings, thumbnails, logger),
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Start serves until Stop is called. It returns nil after a clean stop.
func (s *Server) Start() error {
	s.logger.Info("[api] listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop waits for in-flight requests until ctx is done.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("[api] shutting down")
	return s.httpServer.Shutdown(ctx)
}

// LoggerMiddleware logs each request with a trace id taken from X-Trace-ID
// or generated.
func LoggerMiddleware(logger *utils.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			traceID := r.Header.Get("X-Trace-ID")
			if _, err := uuid.Parse(traceID); err != nil {
				traceID = uuid.New().String()
			}
			reqLogger := logger.With("trace_id", traceID, "method", r.Method, "path", r.URL.Path)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			reqLogger.Info("[api] %s %s -> %d (%d bytes, %s)", r.Method, r.URL.Path, ww.Status(), ww.BytesWritten(), time.Since(start).Round(time.Millisecond))
		})
	}
}
