package middleware

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/careerlink/backend/pkg/response"
)

type caller struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// CallerRateLimiter tracks request rates per authenticated caller with
// expiration of idle entries.
type CallerRateLimiter struct {
	mu      sync.Mutex
	callers map[string]*caller
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	now     func() time.Time
}

// NewCallerRateLimiter allows up to `requests` events per `window` per caller
// with the given burst capacity. Idle entries expire after ttl.
func NewCallerRateLimiter(requests int, window time.Duration, burst int, ttl time.Duration) *CallerRateLimiter {
	if requests <= 0 {
		requests = 1
	}
	if window <= 0 {
		window = time.Second
	}
	if burst <= 0 {
		burst = 1
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &CallerRateLimiter{
		callers: make(map[string]*caller),
		limit:   rate.Every(window / time.Duration(requests)),
		burst:   burst,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Allow reports whether the keyed caller may proceed.
func (l *CallerRateLimiter) Allow(key string) bool {
	if key == "" {
		key = "anonymous"
	}

	now := l.now()

	l.mu.Lock()
	c, ok := l.callers[key]
	if !ok {
		c = &caller{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.callers[key] = c
	}
	c.lastSeen = now
	l.gcLocked(now)
	l.mu.Unlock()

	return c.limiter.Allow()
}

func (l *CallerRateLimiter) gcLocked(now time.Time) {
	for key, c := range l.callers {
		if now.Sub(c.lastSeen) > l.ttl {
			delete(l.callers, key)
		}
	}
}

// RateLimitMiddleware rejects callers exceeding the limiter with 429. Keyed
// on the authenticated user when available, the remote address otherwise.
func RateLimitMiddleware(limiter *CallerRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.RemoteAddr
			if userID, ok := GetUserID(r.Context()); ok {
				key = userID.String()
			}
			if !limiter.Allow(key) {
				response.TooManyRequests(w, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
