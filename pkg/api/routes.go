package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	rl := s.cfg.Server.RateLimit

	// Public endpoints. Webhooks and file URLs carry their own signatures.
	r.Group(func(r chi.Router) {
		if rl.Enabled {
			r.Use(s.rateLimitMiddleware(rl.Public, clientIP))
		}

		r.Get("/health", s.handleHealth)
		r.Post("/webhook", s.handleWebhook)
		r.Get("/files/*", s.handleFile)
		r.Head("/files/*", s.handleFile)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireAPIKey)

		if rl.Enabled {
			r.Use(s.rateLimitMiddleware(rl.Authenticated, apiKeyClient))
		}

		r.Post("/trigger-tests", s.handleTriggerTests)
		r.Get("/results/{runId}", s.handleGetResults)
		r.Get("/runs", s.handleListRuns)
		r.Post("/runs/{runId}/status", s.handleUpdateStatus)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, &Error{Kind: KindNotFound, Message: "route not found"})
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the server config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods: []string{"GET", "HEAD", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", APIKeyHeader},
		MaxAge:         300,
	}

	origins := s.cfg.Server.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		opts.AllowedOrigins = []string{"*"}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
