package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/xhaka/xhaka/internal/metrics"
)

// idleTTL is how long a submitter's bucket survives without requests.
const idleTTL = 5 * time.Minute

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// submitLimiter keeps one token bucket per submitter. Idle buckets are
// dropped lazily, at most once per idleTTL, by whichever call comes next.
type submitLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	rps       rate.Limit
	burst     int
	now       func() time.Time
	lastEvict time.Time
}

func newSubmitLimiter(rps int, now func() time.Time) *submitLimiter {
	return &submitLimiter{
		buckets:   make(map[string]*bucket),
		rps:       rate.Limit(rps),
		burst:     rps,
		now:       now,
		lastEvict: now(),
	}
}

func (l *submitLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastEvict) >= idleTTL {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) >= idleTTL {
				delete(l.buckets, k)
			}
		}
		l.lastEvict = now
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

func (l *submitLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// RateLimit limits POST /api/v1/jobs to rps submissions per second for each
// user, or for each client IP when the request names no user. rps 0 disables
// it.
func RateLimit(rps int) Middleware {
	return rateLimit(rps, time.Now)
}

func rateLimit(rps int, now func() time.Time) Middleware {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	l := newSubmitLimiter(rps, now)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost && r.URL.Path == "/api/v1/jobs" {
				key, by := submitterKey(r)
				if !l.allow(key) {
					metrics.SubmitsThrottled.WithLabelValues(by).Inc()
					w.Header().Set("Retry-After", "1")
					writeError(w, http.StatusTooManyRequests, "rate limit exceeded, slow down")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// submitterKey returns the bucket key for r and what it was derived from.
func submitterKey(r *http.Request) (key, by string) {
	if uid := strings.TrimSpace(r.Header.Get("X-User-ID")); uid != "" {
		return "user:" + uid, "user"
	}
	return "ip:" + clientIP(r), "ip"
}

// clientIP extracts the real client IP, respecting X-Forwarded-For when behind a proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		// "client, proxy1, proxy2": the first hop is the client
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
