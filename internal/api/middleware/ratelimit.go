package middleware

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig bounds request rate per API client.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	// IdleTTL evicts limiters of clients that have gone quiet
	IdleTTL time.Duration
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type limiterSet struct {
	mu      sync.Mutex
	config  RateLimitConfig
	clients map[string]*clientLimiter
	now     func() time.Time
}

// RateLimit rejects requests beyond the configured rate with 429. Clients are
// told apart by the authenticated client id, falling back to the remote
// address, so it must run after APIKeyAuth. A non-positive rate disables it.
func RateLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	return rateLimit(cfg, time.Now)
}

func rateLimit(cfg RateLimitConfig, now func() time.Time) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if cfg.RequestsPerSecond <= 0 {
			return next
		}
		if cfg.Burst <= 0 {
			cfg.Burst = 1
		}
		if cfg.IdleTTL <= 0 {
			cfg.IdleTTL = 10 * time.Minute
		}
		set := &limiterSet{config: cfg, clients: make(map[string]*clientLimiter), now: now}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := GetClientID(r.Context())
			if client == "" {
				client = r.RemoteAddr
			}
			if !set.allow(client) {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate_limited")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *limiterSet) allow(client string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, c := range s.clients {
		if now.Sub(c.lastSeen) > s.config.IdleTTL {
			delete(s.clients, id)
		}
	}

	c, ok := s.clients[client]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(s.config.RequestsPerSecond), s.config.Burst)}
		s.clients[client] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}
