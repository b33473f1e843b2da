package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/StudioEly/koomy-saas2-sub001/internal/metrics"
)

// CounterStore is a shared fixed-window counter backend
type CounterStore interface {
	IncrementWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

// RateLimitConfig holds configuration for claim endpoint rate limiting
type RateLimitConfig struct {
	Limit  int           // Attempts per client per window (default: 20)
	Window time.Duration // Window length (default: 1 minute)
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed       bool          `json:"allowed"`
	Remaining     int           `json:"remaining"`
	ResetAfter    time.Duration `json:"reset_after"`
	RetryAfterSec int           `json:"retry_after_sec"`
}

// rateLimitState tracks a local fallback counter
type rateLimitState struct {
	Count     int64
	ExpiresAt time.Time
}

// RateLimiter throttles unauthenticated claim code lookups per client.
// It counts in Redis when available and falls back to process memory otherwise.
type RateLimiter struct {
	config  RateLimitConfig
	store   CounterStore
	metrics *metrics.Metrics
	logger  *logrus.Entry
	now     func() time.Time

	localRateLimits map[string]*rateLimitState
	localMu         sync.Mutex
}

// NewRateLimiter creates a new rate limiter. store may be nil.
func NewRateLimiter(store CounterStore, cfg RateLimitConfig, m *metrics.Metrics, logger *logrus.Logger) *RateLimiter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 20
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &RateLimiter{
		config:          cfg,
		store:           store,
		metrics:         m,
		logger:          logger.WithField("component", "claim_rate_limiter"),
		now:             time.Now,
		localRateLimits: make(map[string]*rateLimitState),
	}
}

// Allow records one attempt for key and reports whether it is within the limit
func (r *RateLimiter) Allow(ctx context.Context, key string) *RateLimitResult {
	count, ttl := r.increment(ctx, key)

	remaining := int64(r.config.Limit) - count
	if remaining < 0 {
		secs := int(ttl.Seconds())
		if secs < 1 {
			secs = 1
		}
		return &RateLimitResult{
			Allowed:       false,
			ResetAfter:    ttl,
			RetryAfterSec: secs,
		}
	}
	return &RateLimitResult{
		Allowed:    true,
		Remaining:  int(remaining),
		ResetAfter: ttl,
	}
}

// Middleware throttles requests by client IP under the given action name
func (r *RateLimiter) Middleware(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := fmt.Sprintf("%s:%s", action, c.ClientIP())
		result := r.Allow(c.Request.Context(), key)

		c.Header("X-RateLimit-Limit", strconv.Itoa(r.config.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))

		if !result.Allowed {
			r.metrics.RecordRateLimited(action)
			r.logger.WithFields(logrus.Fields{
				"action":    action,
				"client_ip": c.ClientIP(),
			}).Warn("Rate limit exceeded")

			c.Header("Retry-After", strconv.Itoa(result.RetryAfterSec))
			requestID, _ := c.Get(RequestIDKey)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success":    false,
				"code":       "rate_limited",
				"message":    "Too many attempts, please retry later",
				"request_id": requestID,
				"timestamp":  time.Now().UTC().Format(time.RFC3339),
			})
			return
		}

		c.Next()
	}
}

func (r *RateLimiter) increment(ctx context.Context, key string) (int64, time.Duration) {
	if r.store != nil {
		count, ttl, err := r.store.IncrementWindow(ctx, key, r.config.Window)
		if err == nil {
			return count, ttl
		}
		r.logger.WithError(err).Warn("Redis increment failed, using local fallback")
	}

	// Fallback to local storage
	r.localMu.Lock()
	defer r.localMu.Unlock()

	now := r.now()
	state, exists := r.localRateLimits[key]
	if !exists || now.After(state.ExpiresAt) {
		state = &rateLimitState{Count: 1, ExpiresAt: now.Add(r.config.Window)}
		r.localRateLimits[key] = state
	} else {
		state.Count++
	}

	if len(r.localRateLimits) > 10000 {
		for k, s := range r.localRateLimits {
			if now.After(s.ExpiresAt) {
				delete(r.localRateLimits, k)
			}
		}
	}

	return state.Count, state.ExpiresAt.Sub(now)
}
