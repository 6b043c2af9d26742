package server

import (
	"net/http"
	"sync"

	"github.com/MarcoPoloResearchLab/docmirror/internal/metrics"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultRateLimitRPS   = 5
	defaultRateLimitBurst = 20
)

// RateLimitConfig sizes the per-user token bucket guarding mutating routes.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

type rateLimiter struct {
	limit    rate.Limit
	burst    int
	limiters sync.Map
	metrics  *metrics.Collectors
	logger   *zap.Logger
}

func newRateLimiter(cfg RateLimitConfig, collectors *metrics.Collectors, logger *zap.Logger) *rateLimiter {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRateLimitRPS
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultRateLimitBurst
	}
	return &rateLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		metrics: collectors,
		logger:  logger,
	}
}

func (l *rateLimiter) limiterFor(key string) *rate.Limiter {
	if existing, ok := l.limiters.Load(key); ok {
		return existing.(*rate.Limiter)
	}
	actual, _ := l.limiters.LoadOrStore(key, rate.NewLimiter(l.limit, l.burst))
	return actual.(*rate.Limiter)
}

// middleware keys buckets by the authenticated user, falling back to the client address.
func (l *rateLimiter) middleware(c *gin.Context) {
	key := c.GetString(userIDContextKey)
	if key == "" {
		key = "ip:" + c.ClientIP()
	}
	if !l.limiterFor(key).Allow() {
		l.metrics.ObserveRateLimited(c.FullPath())
		l.logger.Warn("rate limit exceeded",
			zap.String("user_id", c.GetString(userIDContextKey)),
			zap.String("route", c.FullPath()))
		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
		return
	}
	c.Next()
}
