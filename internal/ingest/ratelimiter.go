package ingest

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"refinery-siem/internal/config"
)

// RateLimiter is a fixed-window per-IP limiter. The window resets as a
// whole rather than sliding, which keeps the bookkeeping to one counter
// and one deadline per client.
type RateLimiter struct {
	cfg    config.RateLimitConfig
	limit  int64
	exempt map[string]bool

	mu      sync.Mutex
	windows map[string]*ipWindow

	done chan struct{}

	allowed atomic.Uint64
	limited atomic.Uint64
}

// ipWindow is one client's counter for the current window.
type ipWindow struct {
	count int64
	reset time.Time
}

// NewRateLimiter builds a limiter from cfg and starts its background
// sweep of stale windows.
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = time.Minute
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 5 * time.Minute
	}

	exempt := make(map[string]bool, len(cfg.ExemptPaths))
	for _, path := range cfg.ExemptPaths {
		exempt[path] = true
	}

	rl := &RateLimiter{
		cfg:     cfg,
		limit:   int64(cfg.RequestsPerIP + cfg.BurstSize),
		exempt:  exempt,
		windows: make(map[string]*ipWindow),
		done:    make(chan struct{}),
	}

	go rl.janitor()

	return rl
}

// Allow counts a request against ip's window. It reports whether the
// request fits, how many requests remain, and when the window resets.
func (rl *RateLimiter) Allow(ip string) (bool, int, time.Time) {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	win := rl.windows[ip]
	if win == nil || now.After(win.reset) {
		win = &ipWindow{reset: now.Add(rl.cfg.WindowSize)}
		rl.windows[ip] = win
	}

	if win.count >= rl.limit {
		return false, 0, win.reset
	}
	win.count++

	return true, int(rl.limit - win.count), win.reset
}

func (rl *RateLimiter) janitor() {
	ticker := time.NewTicker(rl.cfg.CleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.sweep()
		case <-rl.done:
			return
		}
	}
}

// sweep drops windows that expired at least one full window ago, so a
// returning client inside the grace period reuses its entry.
func (rl *RateLimiter) sweep() {
	cutoff := time.Now().Add(-rl.cfg.WindowSize)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	evicted := 0
	for ip, win := range rl.windows {
		if win.reset.Before(cutoff) {
			delete(rl.windows, ip)
			evicted++
		}
	}

	if evicted > 0 {
		slog.Debug("rate limiter sweep", "evicted", evicted, "tracked", len(rl.windows))
	}
}

// Stop ends the background sweep.
func (rl *RateLimiter) Stop() {
	close(rl.done)
}

// IsExempt reports whether a path bypasses limiting.
func (rl *RateLimiter) IsExempt(path string) bool {
	return rl.exempt[path]
}

// Stats reports tracked clients and the allow/limit counters.
func (rl *RateLimiter) Stats() RateLimiterStats {
	rl.mu.Lock()
	tracked := len(rl.windows)
	rl.mu.Unlock()

	return RateLimiterStats{
		TrackedIPs: tracked,
		Allowed:    rl.allowed.Load(),
		Limited:    rl.limited.Load(),
	}
}

// RateLimiterStats summarizes limiter activity for the stats endpoint.
type RateLimiterStats struct {
	TrackedIPs int    `json:"tracked_ips"`
	Allowed    uint64 `json:"allowed"`
	Limited    uint64 `json:"limited"`
}

// Middleware applies per-IP rate limiting to an HTTP handler. Exempt
// paths pass through without counting against the client's window.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	limitHeader := strconv.FormatInt(rl.limit, 10)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.exempt[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		ip := clientIP(r, rl.cfg.TrustProxy)
		ok, remaining, reset := rl.Allow(ip)

		h := w.Header()
		h.Set("X-RateLimit-Limit", limitHeader)
		h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))

		if !ok {
			rl.limited.Add(1)
			slog.Warn("client over rate limit", "ip", ip, "path", r.URL.Path, "method", r.Method)

			retryAfter := int(time.Until(reset).Seconds()) + 1
			h.Set("Retry-After", strconv.Itoa(retryAfter))
			h.Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprintf(w, `{"success":false,"error":"too many requests","retry_after":%d}`, retryAfter)
			return
		}

		rl.allowed.Add(1)
		next.ServeHTTP(w, r)
	})
}

// clientIP extracts the client IP for rate limiting. Proxy headers are
// only honored when the deployment says its proxy sets them; otherwise
// any client could pick its own bucket. Header values that do not parse
// as addresses fall through to the socket address.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if addr, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
				return addr.String()
			}
		}
		if real := r.Header.Get("X-Real-IP"); real != "" {
			if addr, err := netip.ParseAddr(strings.TrimSpace(real)); err == nil {
				return addr.String()
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
