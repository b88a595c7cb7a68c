// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/AleutianAI/ShopRAG/pkg/extensions"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/codes"
)

// CacheAdmin is the administrative side of the response cache.
// cache.BadgerCache implements it.
type CacheAdmin interface {
	Delete(ctx context.Context, key string) error
	Purge(ctx context.Context) (int, error)
}

// PurgeResponse is the body of DELETE /v1/cache.
type PurgeResponse struct {
	Purged int `json:"purged"`
}

func logAudit(ctx context.Context, audit extensions.AuditLogger, event extensions.AuditEvent) {
	if err := audit.Log(ctx, event); err != nil {
		slog.Warn("Failed to write audit event", "event_type", event.EventType, "error", err)
	}
}

// HandlePurgeCache serves DELETE /v1/cache. Routes guard it with the
// admin role.
func HandlePurgeCache(responses CacheAdmin, audit extensions.AuditLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "HandlePurgeCache")
		defer span.End()

		if responses == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, ErrorResponse{Error: "response cache is not configured"})
			return
		}

		purged, err := responses.Purge(ctx)
		event := extensions.AuditEvent{
			EventType:    "cache.purge",
			UserID:       callerID(c),
			ResourceType: "response_cache",
			Outcome:      "success",
			Metadata:     extensions.NewMetadata().Set("purged", purged),
		}
		if err != nil {
			event.Outcome = "failure"
		}
		logAudit(ctx, audit, event)

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "purge failed")
			writeError(c, err)
			return
		}
		slog.Info("Response cache purged", "entries", purged)
		c.JSON(http.StatusOK, PurgeResponse{Purged: purged})
	}
}

// HandleDeleteCacheEntry serves DELETE /v1/cache/:key. Deleting a key
// that is not cached succeeds.
func HandleDeleteCacheEntry(responses CacheAdmin, audit extensions.AuditLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "HandleDeleteCacheEntry")
		defer span.End()

		if responses == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, ErrorResponse{Error: "response cache is not configured"})
			return
		}
		key := strings.TrimSpace(c.Param("key"))
		if key == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: "cache key is required"})
			return
		}

		err := responses.Delete(ctx, key)
		event := extensions.AuditEvent{
			EventType:    "cache.delete",
			UserID:       callerID(c),
			ResourceType: "response_cache",
			ResourceID:   key,
			Outcome:      "success",
		}
		if err != nil {
			event.Outcome = "failure"
		}
		logAudit(ctx, audit, event)

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "delete cache entry failed")
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": key})
	}
}
