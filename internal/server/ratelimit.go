package server

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	textileerrors "github.com/ik-labs/textile/pkg/errors"
	"github.com/ik-labs/textile/pkg/observability"
)

// RateLimitConfig holds the per-client rate limit
type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
	CleanupInterval   time.Duration
}

// DefaultRateLimitConfig returns default rate limiting configuration
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 600,
		Burst:             20,
		CleanupInterval:   5 * time.Minute,
	}
}

type clientLimiter struct {
	limiter    *rate.Limiter
	mu         sync.Mutex
	lastAccess time.Time
}

func (c *clientLimiter) touch(now time.Time) {
	c.mu.Lock()
	c.lastAccess = now
	c.mu.Unlock()
}

func (c *clientLimiter) idleSince(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastAccess)
}

// RateLimiter applies a token bucket per client IP
type RateLimiter struct {
	config   RateLimitConfig
	limiters sync.Map // client -> *clientLimiter
	logger   *zap.Logger
	sf       singleflight.Group

	cleanupCancel context.CancelFunc
	cleanupDone   chan struct{}
	closeOnce     sync.Once
}

// NewRateLimiter creates a rate limiter and starts its cleanup goroutine.
func NewRateLimiter(config RateLimitConfig, logger *zap.Logger) *RateLimiter {
	defaults := DefaultRateLimitConfig()
	if config.RequestsPerMinute <= 0 {
		config.RequestsPerMinute = defaults.RequestsPerMinute
	}
	if config.Burst <= 0 {
		config.Burst = defaults.Burst
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = defaults.CleanupInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	rl := &RateLimiter{
		config:        config,
		logger:        logger,
		cleanupCancel: cancel,
		cleanupDone:   make(chan struct{}),
	}
	go rl.startCleanup(ctx)
	return rl
}

// Allow reports whether client may make a request now. When it may not, the
// returned duration is how long until a token is available.
func (rl *RateLimiter) Allow(client string) (bool, time.Duration) {
	cl := rl.getLimiter(client)
	now := time.Now()
	cl.touch(now)

	reservation := cl.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, time.Minute
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// getLimiter collapses concurrent first requests from one client into a
// single limiter.
func (rl *RateLimiter) getLimiter(client string) *clientLimiter {
	if existing, ok := rl.limiters.Load(client); ok {
		return existing.(*clientLimiter)
	}

	v, _, _ := rl.sf.Do(client, func() (any, error) {
		if existing, ok := rl.limiters.Load(client); ok {
			return existing, nil
		}
		cl := &clientLimiter{
			limiter:    rate.NewLimiter(rate.Limit(float64(rl.config.RequestsPerMinute)/60.0), rl.config.Burst),
			lastAccess: time.Now(),
		}
		rl.limiters.Store(client, cl)
		rl.logger.Debug("Created rate limiter", zap.String("client", client))
		return cl, nil
	})
	return v.(*clientLimiter)
}

func (rl *RateLimiter) startCleanup(ctx context.Context) {
	defer close(rl.cleanupDone)

	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

// cleanup drops limiters unused for two cleanup intervals.
func (rl *RateLimiter) cleanup(now time.Time) int {
	threshold := rl.config.CleanupInterval * 2
	removed := 0

	rl.limiters.Range(func(key, value any) bool {
		if value.(*clientLimiter).idleSince(now) > threshold {
			rl.limiters.Delete(key)
			removed++
		}
		return true
	})

	if removed > 0 {
		rl.logger.Debug("Cleaned up idle rate limiters", zap.Int("removed_count", removed))
	}
	return removed
}

// Close stops the cleanup goroutine. It is safe to call more than once.
func (rl *RateLimiter) Close() error {
	rl.closeOnce.Do(func() {
		rl.cleanupCancel()
		select {
		case <-rl.cleanupDone:
		case <-time.After(5 * time.Second):
			rl.logger.Warn("Timeout waiting for rate limiter cleanup goroutine to stop")
		}
	})
	return nil
}

// Stats returns statistics about the rate limiter
func (rl *RateLimiter) Stats() map[string]any {
	clients := 0
	rl.limiters.Range(func(any, any) bool {
		clients++
		return true
	})
	return map[string]any{
		"clients":             clients,
		"requests_per_minute": rl.config.RequestsPerMinute,
		"burst":               rl.config.Burst,
	}
}

// Middleware rejects requests over the limit with a 429 and Retry-After.
// Health probes are never limited.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/readyz" {
			next.ServeHTTP(w, r)
			return
		}

		client := clientIP(r)
		allowed, retryAfter := rl.Allow(client)
		if allowed {
			next.ServeHTTP(w, r)
			return
		}

		requestID := observability.GetRequestID(r.Context())
		rl.logger.Warn("Request rate limited",
			zap.String("request_id", requestID),
			zap.String("client_ip", client),
			zap.String("path", r.URL.Path),
			zap.Duration("retry_after", retryAfter),
		)

		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		if err := textileerrors.NewRateLimitError(retryAfter, requestID).WriteHTTPResponse(w); err != nil {
			rl.logger.Error("Failed to write rate limit response", zap.Error(err))
		}
	})
}

// clientIP extracts the client IP address from the request
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
