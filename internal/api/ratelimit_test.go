package api

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/xhaka/xhaka/internal/metrics"
)

func TestRateLimit_Disabled(t *testing.T) {
	t.Parallel()
	handler := RateLimit(0)(okHandler)
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want 200", i+1, rr.Code)
		}
	}
}

func TestRateLimit_BlocksOverLimit(t *testing.T) {
	t.Parallel()
	// rps=1, burst=1: the second request from the same IP is blocked
	handler := RateLimit(1)(okHandler)

	send := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", nil)
		req.RemoteAddr = addr
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	if rr := send("5.6.7.8:1234"); rr.Code != http.StatusOK {
		t.Errorf("first request: status = %d, want 200", rr.Code)
	}
	rr := send("5.6.7.8:4321")
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("second request: status = %d, want 429", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("429 without Retry-After")
	}
	// another client has its own bucket
	if rr := send("1.1.1.1:1"); rr.Code != http.StatusOK {
		t.Errorf("other IP: status = %d, want 200", rr.Code)
	}
}

func TestRateLimit_OnlyAppliesTo_PostJobs(t *testing.T) {
	t.Parallel()
	handler := RateLimit(1)(okHandler)

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
		req.RemoteAddr = "9.9.9.9:9999"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Errorf("GET request %d: status = %d, want 200", i+1, rr.Code)
		}
	}
}

func TestRateLimit_KeyedByUser(t *testing.T) {
	t.Parallel()
	handler := RateLimit(1)(okHandler)

	send := func(user, addr string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", nil)
		req.RemoteAddr = addr
		if user != "" {
			req.Header.Set("X-User-ID", user)
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr.Code
	}

	before := testutil.ToFloat64(metrics.SubmitsThrottled.WithLabelValues("user"))
	if code := send("alice", "7.7.7.7:1"); code != http.StatusOK {
		t.Fatalf("alice first: status = %d, want 200", code)
	}
	// same user from another address shares the bucket
	if code := send("alice", "8.8.8.8:1"); code != http.StatusTooManyRequests {
		t.Errorf("alice second: status = %d, want 429", code)
	}
	// another user behind the same address has their own
	if code := send("bob", "7.7.7.7:2"); code != http.StatusOK {
		t.Errorf("bob: status = %d, want 200", code)
	}
	if got := testutil.ToFloat64(metrics.SubmitsThrottled.WithLabelValues("user")); got < before+1 {
		t.Errorf("submits_throttled_total{by=user} = %v, want at least %v", got, before+1)
	}
}

func TestSubmitLimiter_EvictsIdleBuckets(t *testing.T) {
	var mu sync.Mutex
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	l := newSubmitLimiter(1, clock)
	if !l.allow("user:a") || !l.allow("user:b") {
		t.Fatal("fresh buckets must allow")
	}
	if l.allow("user:a") {
		t.Error("second call within the second must be refused")
	}

	advance(idleTTL / 2)
	l.allow("user:b")
	advance(idleTTL / 2)
	l.allow("user:c")

	if got := l.size(); got != 2 {
		t.Errorf("buckets = %d, want 2 (idle user:a evicted)", got)
	}
}

func TestSubmitterKey(t *testing.T) {
	tests := []struct {
		name   string
		user   string
		want   string
		wantBy string
	}{
		{"user header", "alice", "user:alice", "user"},
		{"blank user falls back to ip", "  ", "ip:10.0.0.1", "ip"},
		{"no user", "", "ip:10.0.0.1", "ip"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", nil)
			req.RemoteAddr = "10.0.0.1:5555"
			if tt.user != "" {
				req.Header.Set("X-User-ID", tt.user)
			}
			key, by := submitterKey(req)
			if key != tt.want || by != tt.wantBy {
				t.Errorf("submitterKey = (%q, %q), want (%q, %q)", key, by, tt.want, tt.wantBy)
			}
		})
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		want       string
	}{
		{"remote addr", "10.0.0.1:5555", "", "10.0.0.1"},
		{"ipv6", "[::1]:5555", "", "::1"},
		{"no port", "10.0.0.1", "", "10.0.0.1"},
		{"forwarded single", "10.0.0.1:1", "203.0.113.7", "203.0.113.7"},
		{"forwarded chain", "10.0.0.1:1", "203.0.113.7, 10.0.0.2, 10.0.0.3", "203.0.113.7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if got := clientIP(req); got != tt.want {
				t.Errorf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}
