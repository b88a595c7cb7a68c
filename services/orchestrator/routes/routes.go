// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"net/http"

	"github.com/AleutianAI/ShopRAG/pkg/extensions"
	"github.com/AleutianAI/ShopRAG/services/orchestrator/handlers"
	"github.com/AleutianAI/ShopRAG/services/orchestrator/middleware"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dependencies are the collaborators the routes are built from. Nil
// Sessions, Products or Cache make those routes answer 503.
type Dependencies struct {
	Asker    handlers.Asker
	Sessions handlers.SessionStore
	Products handlers.ProductGetter
	Cache    handlers.CacheAdmin

	// Probes back GET /health, keyed by dependency name.
	Probes map[string]handlers.HealthProbe

	// PolicyHash is reported by GET /health when set.
	PolicyHash string

	// Metrics serves GET /metrics. Default: promhttp.Handler().
	Metrics http.Handler

	// RateLimiter guards /v1. Nil disables rate limiting.
	RateLimiter *middleware.RateLimiter

	Options extensions.ServiceOptions
}

// SetupRoutes registers every ShopRAG route on router.
//
// # Description
//
// /health and /metrics are unauthenticated. Everything under /v1 runs
// AuthMiddleware and then the rate limiter; cache administration also
// requires the admin role.
func SetupRoutes(router *gin.Engine, deps Dependencies) {
	opts := deps.Options
	if opts.AuthProvider == nil {
		opts.AuthProvider = &extensions.NopAuthProvider{}
	}
	if opts.AuditLogger == nil {
		opts.AuditLogger = &extensions.NopAuditLogger{}
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}

	router.GET("/health", handlers.HandleHealth(deps.Probes, deps.PolicyHash))
	router.GET("/metrics", gin.WrapH(metrics))

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(opts.AuthProvider))
	if deps.RateLimiter != nil {
		v1.Use(deps.RateLimiter.Middleware())
	}
	{
		v1.POST("/ask", askHandler(deps.Asker))

		sessions := v1.Group("/sessions")
		if deps.Sessions != nil {
			sessions.GET("", handlers.HandleListSessions(deps.Sessions))
			sessions.GET("/:sessionId/history", handlers.HandleSessionHistory(deps.Sessions))
			sessions.GET("/:sessionId/memory", handlers.HandleSessionMemory(deps.Sessions))
			sessions.DELETE("/:sessionId", handlers.HandleDeleteSession(deps.Sessions, opts.AuditLogger))
		} else {
			unavailable := notConfigured("conversation store")
			sessions.GET("", unavailable)
			sessions.GET("/:sessionId/history", unavailable)
			sessions.GET("/:sessionId/memory", unavailable)
			sessions.DELETE("/:sessionId", unavailable)
		}

		v1.GET("/products/:sku", handlers.HandleGetProduct(deps.Products))

		admin := v1.Group("/cache", middleware.RequireRole(extensions.RoleAdmin))
		admin.DELETE("", handlers.HandlePurgeCache(deps.Cache, opts.AuditLogger))
		admin.DELETE("/:key", handlers.HandleDeleteCacheEntry(deps.Cache, opts.AuditLogger))
	}
}

func askHandler(asker handlers.Asker) gin.HandlerFunc {
	if asker == nil {
		return notConfigured("ask pipeline")
	}
	return handlers.HandleAsk(asker)
}

func notConfigured(what string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, handlers.ErrorResponse{
			Error: what + " is not configured",
		})
	}
}
