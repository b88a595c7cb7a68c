// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/AleutianAI/ShopRAG/services/orchestrator/observability"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimitConfig configures per-client token buckets.
type RateLimitConfig struct {
	// RPS is the sustained request rate per client. Zero disables limiting.
	RPS float64

	// Burst is the bucket size. Default: max(1, ceil(RPS)).
	Burst int

	// IdleTTL is how long an unused client bucket is kept. Default: 10m.
	IdleTTL time.Duration
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter holds one token bucket per client.
//
// # Description
//
// Clients are keyed by authenticated UserID and client IP. Idle buckets
// are swept while new clients arrive so the map stays bounded by the
// active client count.
//
// # Thread Safety
//
// Safe for concurrent use.
type RateLimiter struct {
	cfg     RateLimitConfig
	metrics *observability.Metrics
	now     func() time.Time

	mu        sync.Mutex
	clients   map[string]*clientLimiter
	lastSweep time.Time
}

// NewRateLimiter creates a limiter. metrics may be nil.
func NewRateLimiter(cfg RateLimitConfig, metrics *observability.Metrics) *RateLimiter {
	if cfg.Burst <= 0 {
		cfg.Burst = int(math.Max(1, math.Ceil(cfg.RPS)))
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	return &RateLimiter{
		cfg:     cfg,
		metrics: metrics,
		now:     time.Now,
		clients: make(map[string]*clientLimiter),
	}
}

// Middleware returns the Gin handler. Rejected requests get 429 with a
// Retry-After header in whole seconds.
func (l *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if l.cfg.RPS <= 0 {
			c.Next()
			return
		}

		key := clientKey(c)
		ok, wait := l.allow(key)
		if !ok {
			retryAfter := int(math.Ceil(wait.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			l.metrics.RecordRateLimited()
			slog.Warn("Rate limit exceeded", "client", key, "retry_after_s", retryAfter)
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": retryAfter,
			})
			return
		}
		c.Next()
	}
}

// allow takes a token for key, or reports how long until one is available.
func (l *RateLimiter) allow(key string) (bool, time.Duration) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	cl, ok := l.clients[key]
	if !ok {
		l.sweepLocked(now)
		cl = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(l.cfg.RPS), l.cfg.Burst)}
		l.clients[key] = cl
	}
	cl.lastSeen = now

	r := cl.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// sweepLocked drops idle buckets at most once per IdleTTL.
func (l *RateLimiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < l.cfg.IdleTTL {
		return
	}
	l.lastSweep = now
	for key, cl := range l.clients {
		if now.Sub(cl.lastSeen) > l.cfg.IdleTTL {
			delete(l.clients, key)
		}
	}
}

// clientCount is used by tests.
func (l *RateLimiter) clientCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// clientKey combines the caller identity with its IP, so callers sharing
// the NopAuthProvider identity still get separate buckets.
func clientKey(c *gin.Context) string {
	key := "ip:" + c.ClientIP()
	if info := GetAuthInfo(c); info != nil && info.UserID != "" {
		key = "user:" + info.UserID + "|" + key
	}
	return key
}
