package api

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// requestLogger logs incoming HTTP requests.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("remote", r.RemoteAddr).
			WithField("status", ww.Status()).
			WithField("duration", time.Since(start)).
			Debug("Request handled")
	})
}

// requireAPIKey rejects requests without a valid X-Api-Key header before
// they reach any handler.
func (s *server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(APIKeyHeader)
		if key == "" {
			s.writeError(w, r, &Error{Kind: KindAuth, Message: "missing api key"})

			return
		}

		if !s.keys.Valid(key) {
			s.writeError(w, r, &Error{Kind: KindAuth, Message: "invalid api key"})

			return
		}

		next.ServeHTTP(w, r)
	})
}
