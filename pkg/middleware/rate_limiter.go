package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/tallyops/tally/pkg/models"
	"golang.org/x/time/rate"
)

// RateLimiterConfig holds the per-client token bucket parameters
type RateLimiterConfig struct {
	RequestsPerSecond float64
	Burst             int
	// CleanupInterval controls how often idle client buckets are evicted
	CleanupInterval time.Duration
}

// DefaultRateLimiterConfig is sized for webhook delivery bursts: providers
// retry with backoff, so sustained rate stays low but bursts are real.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: 10,
		Burst:             30,
		CleanupInterval:   10 * time.Minute,
	}
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter limits requests per client IP using token buckets. Buckets are
// per-IP, not global, so one noisy sender cannot starve the rest.
type RateLimiter struct {
	config  RateLimiterConfig
	mu      sync.Mutex
	clients map[string]*clientLimiter
}

// NewRateLimiter creates a rate limiter and starts its idle-bucket janitor
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.RequestsPerSecond <= 0 {
		config = DefaultRateLimiterConfig()
	}
	rl := &RateLimiter{
		config:  config,
		clients: make(map[string]*clientLimiter),
	}
	go rl.cleanup()
	return rl
}

func (rl *RateLimiter) limiterFor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cl, ok := rl.clients[ip]
	if !ok {
		cl = &clientLimiter{
			limiter: rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.Burst),
		}
		rl.clients[ip] = cl
	}
	cl.lastSeen = time.Now()
	return cl.limiter
}

func (rl *RateLimiter) cleanup() {
	interval := rl.config.CleanupInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	for range time.Tick(interval) {
		rl.mu.Lock()
		for ip, cl := range rl.clients {
			if time.Since(cl.lastSeen) > interval {
				delete(rl.clients, ip)
			}
		}
		rl.mu.Unlock()
	}
}

// Middleware returns the echo middleware enforcing the limit
func (rl *RateLimiter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !rl.limiterFor(c.RealIP()).Allow() {
				return c.JSON(http.StatusTooManyRequests, models.ErrorResponse{
					Error:   "rate_limited",
					Message: "Too many requests. Please retry later.",
				})
			}
			return next(c)
		}
	}
}
