package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var rateLimitExceeded = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "spacegate",
		Name:      "ratelimit_exceeded_total",
		Help:      "Total rate limit rejections",
	},
	[]string{"limit_type", "surface"},
)

// Config holds rate limiting configuration.
type Config struct {
	// Global limits across all clients.
	GlobalRate  rate.Limit
	GlobalBurst int

	// Per-IP limits.
	PerIPRate  rate.Limit
	PerIPBurst int

	// Per-surface limits ("scan" is the hot kiosk path, "admin" the
	// operator surface, "read" the query endpoints).
	SurfaceRates map[string]rate.Limit
	SurfaceBurst map[string]int

	// Cleanup interval for per-IP limiters.
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		GlobalRate:  200,
		GlobalBurst: 400,

		PerIPRate:  20,
		PerIPBurst: 40,

		SurfaceRates: map[string]rate.Limit{
			"scan":  50, // a kiosk produces at most a few scans per second
			"admin": 10,
			"read":  100,
		},
		SurfaceBurst: map[string]int{
			"scan":  100,
			"admin": 20,
			"read":  200,
		},

		CleanupInterval: 5 * time.Minute,
	}
}

// Limiter enforces global, per-surface and per-IP request limits.
type Limiter struct {
	config Config

	global     *rate.Limiter
	perIP      map[string]*rate.Limiter
	perSurface map[string]*rate.Limiter
	mu         sync.RWMutex

	lastCleanup time.Time
}

// New creates a rate limiter with the given config.
func New(config Config) *Limiter {
	l := &Limiter{
		config:      config,
		global:      rate.NewLimiter(config.GlobalRate, config.GlobalBurst),
		perIP:       make(map[string]*rate.Limiter),
		perSurface:  make(map[string]*rate.Limiter),
		lastCleanup: time.Now(),
	}
	for surface, r := range config.SurfaceRates {
		l.perSurface[surface] = rate.NewLimiter(r, config.SurfaceBurst[surface])
	}
	return l
}

// Allow checks whether a request from clientIP against the given surface is
// allowed.
func (l *Limiter) Allow(clientIP, surface string) bool {
	if !l.global.Allow() {
		rateLimitExceeded.WithLabelValues("global", surface).Inc()
		return false
	}

	l.mu.RLock()
	surfaceLimiter, exists := l.perSurface[surface]
	l.mu.RUnlock()
	if exists && !surfaceLimiter.Allow() {
		rateLimitExceeded.WithLabelValues("per_surface", surface).Inc()
		return false
	}

	if !l.getIPLimiter(clientIP).Allow() {
		rateLimitExceeded.WithLabelValues("per_ip", surface).Inc()
		return false
	}

	l.maybeCleanup()
	return true
}

// Middleware rejects requests over the limit with 429.
func (l *Limiter) Middleware(surface string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(GetClientIP(r), surface) {
				w.Header().Set("Retry-After", "1")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (l *Limiter) getIPLimiter(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.perIP[ip]
	if !exists {
		limiter = rate.NewLimiter(l.config.PerIPRate, l.config.PerIPBurst)
		l.perIP[ip] = limiter
	}
	return limiter
}

// maybeCleanup drops all per-IP limiters once the cleanup interval passed.
func (l *Limiter) maybeCleanup() {
	if time.Since(l.lastCleanup) < l.config.CleanupInterval {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.perIP = make(map[string]*rate.Limiter)
	l.lastCleanup = time.Now()
}

// GetClientIP extracts the real client IP from the request, honouring
// X-Forwarded-For and X-Real-IP set by reverse proxies.
func GetClientIP(r *http.Request) string {
	xff := r.Header.Get("X-Forwarded-For")
	if xff != "" {
		// May contain "client, proxy1, proxy2"; take the original client.
		if idx := strings.IndexByte(xff, ','); idx > 0 {
			xff = xff[:idx]
		}
		xff = strings.TrimSpace(xff)
		if xff != "" {
			return xff
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
