// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/AleutianAI/ShopRAG/services/orchestrator/datatypes"
	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("shoprag.orchestrator.conversation")

// DefaultSessionTTL is how long a session is retained after its last turn.
const DefaultSessionTTL = 7 * 24 * time.Hour

var (
	sessionNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://shoprag/session"))
	turnNamespace    = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://shoprag/turn"))
)

var turnFields = []graphql.Field{
	{Name: "session_id"},
	{Name: "question"},
	{Name: "answer"},
	{Name: "skus"},
	{Name: "timestamp"},
	{Name: "turn_number"},
}

var sessionFields = []graphql.Field{
	{Name: "_additional { id }"},
	{Name: "session_id"},
	{Name: "summary"},
	{Name: "covered_turns"},
	{Name: "timestamp"},
	{Name: "ttl_expires_at"},
}

// SessionObjectID returns the Weaviate ID of the Session object for sessionID.
func SessionObjectID(sessionID string) strfmt.UUID {
	return strfmt.UUID(uuid.NewSHA1(sessionNamespace, []byte(sessionID)).String())
}

// TurnObjectID returns the Weaviate ID of a Conversation object.
func TurnObjectID(sessionID string, turnNumber int) strfmt.UUID {
	name := sessionID + "#" + strconv.Itoa(turnNumber)
	return strfmt.UUID(uuid.NewSHA1(turnNamespace, []byte(name)).String())
}

// WeaviateStore implements Store on the Conversation and Session classes.
type WeaviateStore struct {
	backend    Backend
	sessionTTL time.Duration
	now        func() time.Time
}

var _ Store = (*WeaviateStore)(nil)

// NewWeaviateStore creates a store over backend. A non-positive sessionTTL
// uses DefaultSessionTTL.
//
// # Examples
//
//	store := conversation.NewWeaviateStore(conversation.NewWeaviateBackend(client), 72*time.Hour)
func NewWeaviateStore(backend Backend, sessionTTL time.Duration) *WeaviateStore {
	if sessionTTL <= 0 {
		sessionTTL = DefaultSessionTTL
	}
	return &WeaviateStore{backend: backend, sessionTTL: sessionTTL, now: time.Now}
}

func sessionWhere(sessionID string) *filters.WhereBuilder {
	return filters.Where().
		WithPath([]string{"session_id"}).
		WithOperator(filters.Equal).
		WithValueText(sessionID)
}

// =============================================================================
// Turns
// =============================================================================

// AppendTurn persists turn and refreshes the session's retention deadline.
//
// # Description
//
// Creates the Conversation object under a deterministic ID, so storing the
// same turn number twice fails instead of duplicating it. On the first
// turn the Session object is created; afterwards only its ttl_expires_at
// moves forward.
//
// # Inputs
//
//   - turn: SessionID is required. TurnNumber <= 0 is assigned as
//     TurnCount + 1. Timestamp 0 is set to now.
//
// # Outputs
//
//   - error: Non-nil if either object could not be written.
func (s *WeaviateStore) AppendTurn(ctx context.Context, turn datatypes.Turn) error {
	ctx, span := tracer.Start(ctx, "WeaviateStore.AppendTurn")
	defer span.End()

	if turn.SessionID == "" {
		return errors.New("turn has no session_id")
	}
	if turn.TurnNumber <= 0 {
		count, err := s.TurnCount(ctx, turn.SessionID)
		if err != nil {
			span.RecordError(err)
			return err
		}
		turn.TurnNumber = count + 1
	}
	now := s.now()
	if turn.Timestamp == 0 {
		turn.Timestamp = now.UnixMilli()
	}
	span.SetAttributes(
		attribute.String("session.id", turn.SessionID),
		attribute.Int("turn.number", turn.TurnNumber),
	)

	id := TurnObjectID(turn.SessionID, turn.TurnNumber)
	if err := s.backend.Create(ctx, datatypes.ConversationClass, id.String(), turn.ToMap()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create conversation object failed")
		return fmt.Errorf("store turn %d: %w", turn.TurnNumber, err)
	}

	if err := s.upsertSession(ctx, turn.SessionID, now, nil); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "session refresh failed")
		return err
	}

	slog.Debug("Stored conversation turn",
		"session_id", turn.SessionID,
		"turn", turn.TurnNumber,
		"skus", len(turn.SKUs),
	)
	return nil
}

// RecentTurns returns up to limit of the newest turns, oldest first.
func (s *WeaviateStore) RecentTurns(ctx context.Context, sessionID string, limit int) ([]datatypes.Turn, error) {
	ctx, span := tracer.Start(ctx, "WeaviateStore.RecentTurns")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID), attribute.Int("limit", limit))

	if limit <= 0 {
		return []datatypes.Turn{}, nil
	}

	result, err := s.backend.Get(ctx, GetQuery{
		ClassName: datatypes.ConversationClass,
		Fields:    turnFields,
		Where:     sessionWhere(sessionID),
		Sort:      &graphql.Sort{Path: []string{"turn_number"}, Order: graphql.Desc},
		Limit:     limit,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "history query failed")
		return nil, fmt.Errorf("query session history: %w", err)
	}
	parsed, err := datatypes.ParseGraphQLResponse[datatypes.ConversationQueryResponse](result)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("parse session history: %w", err)
	}

	rows := parsed.Get.Conversation
	turns := make([]datatypes.Turn, len(rows))
	for i, row := range rows {
		turns[len(rows)-1-i] = row.ToTurn()
	}
	return turns, nil
}

// TurnCount returns the number of stored turns for the session.
func (s *WeaviateStore) TurnCount(ctx context.Context, sessionID string) (int, error) {
	ctx, span := tracer.Start(ctx, "WeaviateStore.TurnCount")
	defer span.End()

	result, err := s.backend.Count(ctx, datatypes.ConversationClass, sessionWhere(sessionID))
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("aggregate query failed: %w", err)
	}
	parsed, err := datatypes.ParseGraphQLResponse[datatypes.AggregateCountResponse](result)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("parse turn count: %w", err)
	}
	return parsed.Count(datatypes.ConversationClass), nil
}

// =============================================================================
// Memory
// =============================================================================

// sessionProperties mirrors the Session class properties.
type sessionProperties struct {
	SessionID    string  `json:"session_id"`
	Summary      string  `json:"summary"`
	CoveredTurns float64 `json:"covered_turns"`
	Timestamp    float64 `json:"timestamp"`
	TTLExpiresAt float64 `json:"ttl_expires_at"`
}

// GetMemory returns the session's summary, or (nil, nil) if the session does
// not exist or has not been summarized yet.
func (s *WeaviateStore) GetMemory(ctx context.Context, sessionID string) (*datatypes.MemorySummary, error) {
	ctx, span := tracer.Start(ctx, "WeaviateStore.GetMemory")
	defer span.End()

	obj, err := s.backend.GetObject(ctx, datatypes.SessionClass, SessionObjectID(sessionID).String())
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	if obj == nil || obj.Properties == nil {
		return nil, nil
	}

	raw, err := json.Marshal(obj.Properties)
	if err != nil {
		return nil, fmt.Errorf("marshal session properties: %w", err)
	}
	var props sessionProperties
	if err := json.Unmarshal(raw, &props); err != nil {
		return nil, fmt.Errorf("decode session properties: %w", err)
	}
	if props.Summary == "" {
		return nil, nil
	}

	updated := obj.LastUpdateTimeUnix
	if updated == 0 {
		updated = int64(props.Timestamp)
	}
	return &datatypes.MemorySummary{
		SessionID:    sessionID,
		Summary:      props.Summary,
		CoveredTurns: int(props.CoveredTurns),
		UpdatedAt:    updated,
	}, nil
}

// SaveMemory replaces the session's summary, creating the session if needed.
func (s *WeaviateStore) SaveMemory(ctx context.Context, summary datatypes.MemorySummary) error {
	ctx, span := tracer.Start(ctx, "WeaviateStore.SaveMemory")
	defer span.End()

	if summary.SessionID == "" {
		return errors.New("memory summary has no session_id")
	}
	err := s.upsertSession(ctx, summary.SessionID, s.now(), map[string]interface{}{
		"summary":       summary.Summary,
		"covered_turns": summary.CoveredTurns,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "save memory failed")
		return err
	}
	slog.Info("Saved session memory",
		"session_id", summary.SessionID,
		"covered_turns", summary.CoveredTurns,
		"summary_bytes", len(summary.Summary),
	)
	return nil
}

// upsertSession creates the Session object or merges extra into it. Either
// way ttl_expires_at is moved to now + sessionTTL.
func (s *WeaviateStore) upsertSession(ctx context.Context, sessionID string, now time.Time, extra map[string]interface{}) error {
	id := SessionObjectID(sessionID).String()
	props := map[string]interface{}{
		"ttl_expires_at": now.Add(s.sessionTTL).UnixMilli(),
	}
	for k, v := range extra {
		props[k] = v
	}

	exists, err := s.backend.Exists(ctx, datatypes.SessionClass, id)
	if err != nil {
		return fmt.Errorf("check session %s: %w", sessionID, err)
	}
	if exists {
		if err := s.backend.Merge(ctx, datatypes.SessionClass, id, props); err != nil {
			return fmt.Errorf("update session %s: %w", sessionID, err)
		}
		return nil
	}

	props["session_id"] = sessionID
	props["timestamp"] = now.UnixMilli()
	if _, ok := props["summary"]; !ok {
		props["summary"] = ""
		props["covered_turns"] = 0
	}
	if err := s.backend.Create(ctx, datatypes.SessionClass, id, props); err != nil {
		// Another request may have created it between Exists and Create.
		if mergeErr := s.backend.Merge(ctx, datatypes.SessionClass, id, props); mergeErr != nil {
			return fmt.Errorf("create session %s: %w", sessionID, err)
		}
	}
	return nil
}

// =============================================================================
// Sessions
// =============================================================================

// ListSessions returns up to limit sessions, most recent first.
func (s *WeaviateStore) ListSessions(ctx context.Context, limit int) ([]datatypes.SessionInfo, error) {
	ctx, span := tracer.Start(ctx, "WeaviateStore.ListSessions")
	defer span.End()

	result, err := s.backend.Get(ctx, GetQuery{
		ClassName: datatypes.SessionClass,
		Fields:    sessionFields,
		Sort:      &graphql.Sort{Path: []string{"timestamp"}, Order: graphql.Desc},
		Limit:     limit,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "session list failed")
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	parsed, err := datatypes.ParseGraphQLResponse[datatypes.SessionQueryResponse](result)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("parse sessions: %w", err)
	}

	sessions := make([]datatypes.SessionInfo, 0, len(parsed.Get.Session))
	for _, row := range parsed.Get.Session {
		sessions = append(sessions, datatypes.SessionInfo{
			SessionID:    row.SessionID,
			Summary:      row.Summary,
			Timestamp:    int64(row.Timestamp),
			TTLExpiresAt: int64(row.TTLExpiresAt),
		})
	}
	return sessions, nil
}

// DeleteSession removes the session's turns, then the Session object.
//
// # Outputs
//
//   - int: Turns deleted.
//   - error: Non-nil if the turns could not be deleted. The Session object
//     is kept in that case so the TTL scheduler can retry.
func (s *WeaviateStore) DeleteSession(ctx context.Context, sessionID string) (int, error) {
	ctx, span := tracer.Start(ctx, "WeaviateStore.DeleteSession")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	deleted, err := s.backend.BatchDelete(ctx, datatypes.ConversationClass, sessionWhere(sessionID))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delete turns failed")
		return deleted, fmt.Errorf("delete turns of %s: %w", sessionID, err)
	}
	if err := s.backend.Delete(ctx, datatypes.SessionClass, SessionObjectID(sessionID).String()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delete session failed")
		return deleted, fmt.Errorf("delete session %s: %w", sessionID, err)
	}

	slog.Info("Deleted session", "session_id", sessionID, "turns_deleted", deleted)
	return deleted, nil
}

// DeleteExpiredSessions deletes up to batch sessions whose ttl_expires_at
// is set and before now.
//
// # Description
//
// Sessions with ttl_expires_at = 0 never expire. A session that fails to
// delete is logged and skipped; the joined error is returned with the
// count of sessions that were removed.
func (s *WeaviateStore) DeleteExpiredSessions(ctx context.Context, now time.Time, batch int) (int, error) {
	ctx, span := tracer.Start(ctx, "WeaviateStore.DeleteExpiredSessions")
	defer span.End()

	where := filters.Where().
		WithOperator(filters.And).
		WithOperands([]*filters.WhereBuilder{
			filters.Where().
				WithPath([]string{"ttl_expires_at"}).
				WithOperator(filters.GreaterThan).
				WithValueNumber(0),
			filters.Where().
				WithPath([]string{"ttl_expires_at"}).
				WithOperator(filters.LessThan).
				WithValueNumber(float64(now.UnixMilli())),
		})

	result, err := s.backend.Get(ctx, GetQuery{
		ClassName: datatypes.SessionClass,
		Fields:    sessionFields,
		Where:     where,
		Limit:     batch,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "expired session query failed")
		return 0, fmt.Errorf("failed to query expired sessions: %w", err)
	}
	parsed, err := datatypes.ParseGraphQLResponse[datatypes.SessionQueryResponse](result)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("parse expired sessions: %w", err)
	}

	var errs []error
	deleted := 0
	for _, row := range parsed.Get.Session {
		if _, err := s.DeleteSession(ctx, row.SessionID); err != nil {
			slog.Warn("Failed to delete expired session", "session_id", row.SessionID, "error", err)
			errs = append(errs, err)
			continue
		}
		deleted++
	}
	span.SetAttributes(
		attribute.Int("sessions.found", len(parsed.Get.Session)),
		attribute.Int("sessions.deleted", deleted),
	)
	return deleted, errors.Join(errs...)
}
