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
	"strconv"
	"strings"

	"github.com/AleutianAI/ShopRAG/pkg/extensions"
	"github.com/AleutianAI/ShopRAG/services/orchestrator/datatypes"
	"github.com/AleutianAI/ShopRAG/services/orchestrator/middleware"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxSessionIDLen  = 128
)

// SessionStore is the part of the conversation store the session
// handlers use. conversation.WeaviateStore implements it.
type SessionStore interface {
	ListSessions(ctx context.Context, limit int) ([]datatypes.SessionInfo, error)
	RecentTurns(ctx context.Context, sessionID string, limit int) ([]datatypes.Turn, error)
	GetMemory(ctx context.Context, sessionID string) (*datatypes.MemorySummary, error)
	DeleteSession(ctx context.Context, sessionID string) (int, error)
}

// SessionListResponse is the body of GET /v1/sessions.
type SessionListResponse struct {
	Sessions []datatypes.SessionInfo `json:"sessions"`
	Count    int                     `json:"count"`
}

// HistoryResponse is the body of GET /v1/sessions/:sessionId/history.
type HistoryResponse struct {
	SessionID string           `json:"session_id"`
	Turns     []datatypes.Turn `json:"turns"`
}

// DeleteSessionResponse is the body of DELETE /v1/sessions/:sessionId.
type DeleteSessionResponse struct {
	SessionID    string `json:"session_id"`
	DeletedTurns int    `json:"deleted_turns"`
}

// parseLimit reads the "limit" query parameter, clamped to [1, max].
func parseLimit(c *gin.Context, def, max int) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, false
	}
	if n > max {
		n = max
	}
	return n, true
}

// sessionParam returns the trimmed :sessionId path parameter, or aborts
// with 400 when it is empty or too long.
func sessionParam(c *gin.Context) (string, bool) {
	sid := strings.TrimSpace(c.Param("sessionId"))
	if sid == "" || len(sid) > maxSessionIDLen {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: "invalid session id"})
		return "", false
	}
	return sid, true
}

func callerID(c *gin.Context) string {
	if info := middleware.GetAuthInfo(c); info != nil {
		return info.UserID
	}
	return ""
}

// HandleListSessions serves GET /v1/sessions, most recent first.
func HandleListSessions(store SessionStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "HandleListSessions")
		defer span.End()

		limit, ok := parseLimit(c, defaultListLimit, maxListLimit)
		if !ok {
			c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: "limit must be a positive integer"})
			return
		}

		sessions, err := store.ListSessions(ctx, limit)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "list sessions failed")
			writeError(c, err)
			return
		}
		if sessions == nil {
			sessions = []datatypes.SessionInfo{}
		}
		c.JSON(http.StatusOK, SessionListResponse{Sessions: sessions, Count: len(sessions)})
	}
}

// HandleSessionHistory serves GET /v1/sessions/:sessionId/history.
//
// Returns the most recent turns, oldest first. An unknown session yields
// an empty list rather than 404.
func HandleSessionHistory(store SessionStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "HandleSessionHistory")
		defer span.End()

		sid, ok := sessionParam(c)
		if !ok {
			return
		}
		limit, ok := parseLimit(c, defaultListLimit, maxListLimit)
		if !ok {
			c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: "limit must be a positive integer"})
			return
		}

		turns, err := store.RecentTurns(ctx, sid, limit)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "history failed")
			writeError(c, err)
			return
		}
		if turns == nil {
			turns = []datatypes.Turn{}
		}
		span.SetAttributes(attribute.Int("history.turns", len(turns)))
		c.JSON(http.StatusOK, HistoryResponse{SessionID: sid, Turns: turns})
	}
}

// HandleSessionMemory serves GET /v1/sessions/:sessionId/memory.
func HandleSessionMemory(store SessionStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "HandleSessionMemory")
		defer span.End()

		sid, ok := sessionParam(c)
		if !ok {
			return
		}

		mem, err := store.GetMemory(ctx, sid)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "memory failed")
			writeError(c, err)
			return
		}
		if mem == nil {
			c.AbortWithStatusJSON(http.StatusNotFound, ErrorResponse{Error: "no memory summary for session"})
			return
		}
		c.JSON(http.StatusOK, mem)
	}
}

// HandleDeleteSession serves DELETE /v1/sessions/:sessionId.
//
// # Description
//
// Deletes every turn of the session and then the session itself. The
// outcome is written to the audit log whether or not the delete worked.
func HandleDeleteSession(store SessionStore, audit extensions.AuditLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "HandleDeleteSession")
		defer span.End()

		sid, ok := sessionParam(c)
		if !ok {
			return
		}

		deleted, err := store.DeleteSession(ctx, sid)
		event := extensions.AuditEvent{
			EventType:    "session.delete",
			UserID:       callerID(c),
			ResourceType: "session",
			ResourceID:   sid,
			Outcome:      "success",
			Metadata:     extensions.NewMetadata().Set("deleted_turns", deleted),
		}
		if err != nil {
			event.Outcome = "failure"
		}
		logAudit(ctx, audit, event)

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "delete session failed")
			writeError(c, err)
			return
		}
		slog.Info("Session deleted", "session_id", sid, "deleted_turns", deleted)
		c.JSON(http.StatusOK, DeleteSessionResponse{SessionID: sid, DeletedTurns: deleted})
	}
}
