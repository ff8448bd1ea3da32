package olympus

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// requireKey enforces API-key authentication on every request. The key
// may arrive as "Authorization: Bearer <key>", as an "X-API-Key" header,
// or as an "apiKey" query parameter; the query form exists for the
// EventSource and WebSocket clients, which cannot set headers.
//
// If no key is configured the middleware logs a warning and allows all
// requests (INSECURE mode).
func (s *Server) requireKey(next http.Handler) http.Handler {
	if s.APIKey == "" {
		s.Logger.Warn(context.Background(), "Running in INSECURE mode: no API key is configured. All requests are allowed.", nil)
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := requestKey(r)
		if key == "" {
			s.writeMessage(w, http.StatusUnauthorized, "Unauthorized: missing API key")
			return
		}

		// ConstantTimeCompare returns 1 if the two slices are equal, 0 otherwise.
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.APIKey)) != 1 {
			s.writeMessage(w, http.StatusUnauthorized, "Unauthorized: invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requestKey extracts the client's API key from the request.
func requestKey(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		// Expect "Bearer <token>"
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
		return ""
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("apiKey")
}

// throttle rejects clients that exceed the per-IP request budget.
func (s *Server) throttle(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(clientIP(r)) {
			s.writeMessage(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP strips the port from the remote address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// IPLimiter applies a token bucket per client address.
type IPLimiter struct {
	rps   int
	burst int

	mu      sync.Mutex
	entries map[string]*limiterEntry

	cleanupInterval time.Duration
	cleanupStop     chan struct{}
	cleanupDone     chan struct{}
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPLimiter creates a per-client token bucket limiter and starts its
// cleanup goroutine. Call Close to stop it.
func NewIPLimiter(rps, burst int) *IPLimiter {
	if burst < rps {
		burst = rps
	}
	l := &IPLimiter{
		rps:             rps,
		burst:           burst,
		entries:         make(map[string]*limiterEntry),
		cleanupInterval: 5 * time.Minute,
		cleanupStop:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// Allow reports whether the client may proceed.
func (l *IPLimiter) Allow(key string) bool {
	if key == "" {
		key = "default"
	}

	l.mu.Lock()
	entry, ok := l.entries[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(l.rps), l.burst)}
		l.entries[key] = entry
	}
	entry.lastSeen = time.Now()
	l.mu.Unlock()

	return entry.limiter.Allow()
}

// cleanup periodically drops limiters for clients that went quiet, so
// the map does not grow without bound.
func (l *IPLimiter) cleanup() {
	defer close(l.cleanupDone)

	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			idleBefore := time.Now().Add(-2 * l.cleanupInterval)
			l.mu.Lock()
			for key, entry := range l.entries {
				if entry.lastSeen.Before(idleBefore) {
					delete(l.entries, key)
				}
			}
			l.mu.Unlock()

		case <-l.cleanupStop:
			return
		}
	}
}

// Close stops the cleanup goroutine.
func (l *IPLimiter) Close() {
	close(l.cleanupStop)
	<-l.cleanupDone
}
