package handlers

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vanhh59/vpack-ecomerce/internal/platform/httpx"
)

// windowLimiter admits at most limit calls per key within each fixed window.
type windowLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time

	mu      sync.Mutex
	windows map[string]limitWindow
}

type limitWindow struct {
	count int
	reset time.Time
}

func newWindowLimiter(limit int, window time.Duration, clock func() time.Time) *windowLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &windowLimiter{
		limit:   limit,
		window:  window,
		clock:   clock,
		windows: make(map[string]limitWindow),
	}
}

// allow records a call for key and reports whether it fits the current window
// together with the time at which the window resets.
func (l *windowLimiter) allow(key string) (bool, time.Time) {
	if l == nil {
		return true, time.Time{}
	}
	if key = strings.TrimSpace(key); key == "" {
		key = "unknown"
	}
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok := l.windows[key]
	if !ok || !now.Before(current.reset) {
		l.pruneLocked(now)
		current = limitWindow{count: 1, reset: now.Add(l.window)}
		l.windows[key] = current
		return true, current.reset
	}
	if current.count >= l.limit {
		return false, current.reset
	}
	current.count++
	l.windows[key] = current
	return true, current.reset
}

func (l *windowLimiter) pruneLocked(now time.Time) {
	for key, w := range l.windows {
		if !now.Before(w.reset) {
			delete(l.windows, key)
		}
	}
}

// RateLimitByIP rejects callers that exceed limit requests per window with 429.
// A non-positive limit or window disables the middleware.
func RateLimitByIP(limit int, window time.Duration, clock func() time.Time) func(http.Handler) http.Handler {
	limiter := newWindowLimiter(limit, window, clock)
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, reset := limiter.allow(clientIP(r))
			if !ok {
				retry := int(reset.Sub(limiter.clock()).Seconds())
				if retry < 1 {
					retry = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				httpx.WriteError(r.Context(), w, httpx.NewError("rate_limited", "too many requests", http.StatusTooManyRequests))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP relies on middleware.RealIP having rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
