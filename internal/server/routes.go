// Package server wires HTTP handlers into a chi router for the nexushub
// application via routing helpers.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// SetupRoutes configures and returns the router with all application routes:
// health check, metrics, identity API and one WebSocket endpoint per namespace.
func (s *Server) SetupRoutes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	if s.cfg.TrustProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(requestLogger(s.logger))
	r.Use(chimw.Recoverer)

	r.Get("/", HealthHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.origins.corsOrigins(),
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
		r.Get("/identity", s.getIdentity)
		r.Post("/identity", s.claimIdentity)
	})

	for _, ns := range []string{NamespaceChat, NamespaceServerStats, NamespaceHubStats} {
		r.HandleFunc(ns, s.webSocketHandler(ns))
	}
	return r
}

// requestLogger logs one line per request once the handler returns.
func requestLogger(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				logger.Info().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Dur("latency", time.Since(start)).
					Str("request_id", chimw.GetReqID(r.Context())).
					Str("remote_addr", r.RemoteAddr).
					Msg("request completed")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
