package api

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mwebcode/hgc-frontend-tests-api/pkg/config"
)

const (
	limiterSweepInterval = 5 * time.Minute
	limiterIdleTTL       = 10 * time.Minute
)

// clientKeyFunc names the caller a request is counted against.
type clientKeyFunc func(r *http.Request) string

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiters holds one token bucket per caller of a tier.
type clientLimiters struct {
	mu      sync.Mutex
	buckets map[string]*clientBucket
	rps     rate.Limit
	burst   int
	now     func() time.Time
}

func newClientLimiters(tier config.RateLimitTier, now func() time.Time) *clientLimiters {
	return &clientLimiters{
		buckets: make(map[string]*clientBucket, 64),
		rps:     rate.Limit(float64(tier.RequestsPerMinute) / 60.0),
		burst:   tier.RequestsPerMinute,
		now:     now,
	}
}

// allow takes a token from the caller's bucket, creating it on first use.
func (cl *clientLimiters) allow(client string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	now := cl.now()

	b, ok := cl.buckets[client]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(cl.rps, cl.burst)}
		cl.buckets[client] = b
	}

	b.lastSeen = now

	return b.limiter.AllowN(now, 1)
}

// sweep drops buckets idle for longer than limiterIdleTTL.
func (cl *clientLimiters) sweep() {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	cutoff := cl.now().Add(-limiterIdleTTL)

	for client, b := range cl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(cl.buckets, client)
		}
	}
}

func (cl *clientLimiters) sweepUntil(done <-chan struct{}) {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cl.sweep()
		case <-done:
			return
		}
	}
}

// rateLimitMiddleware limits each caller of a tier, as named by clientKey,
// to the tier's requests per minute.
func (s *server) rateLimitMiddleware(tier config.RateLimitTier, clientKey clientKeyFunc) func(http.Handler) http.Handler {
	limiters := newClientLimiters(tier, time.Now)

	go limiters.sweepUntil(s.done)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiters.allow(clientKey(r)) {
				s.log.WithField("path", r.URL.Path).Debug("Rate limit exceeded")

				writeJSON(w, http.StatusTooManyRequests, errorResponse{
					Error: "rate limit exceeded",
					Type:  "RateLimitError",
				})

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP names a public caller by its address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")

		return "ip:" + strings.TrimSpace(first)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}

	return "ip:" + ip
}

// apiKeyClient names an authenticated caller by a digest of its API key.
// Requests without a key fall back to the client address.
func apiKeyClient(r *http.Request) string {
	key := r.Header.Get(APIKeyHeader)
	if key == "" {
		return clientIP(r)
	}

	sum := sha256.Sum256([]byte(key))

	return "key:" + hex.EncodeToString(sum[:8])
}
