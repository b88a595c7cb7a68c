// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conversation persists shopping sessions, their turns and their
// long-term memory summaries.
//
// # Description
//
// Two Weaviate classes are used:
//   - Conversation: one object per turn, ordered by turn_number.
//   - Session: one object per session_id holding the rolling summary and
//     the ttl_expires_at retention deadline.
//
// The Session object ID is derived from the session_id, so lookups by
// session never need a query.
//
// # Thread Safety
//
// All implementations are safe for concurrent use.
package conversation

import (
	"context"
	"time"

	"github.com/AleutianAI/ShopRAG/services/orchestrator/datatypes"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// Store is the conversation and memory store.
type Store interface {
	// AppendTurn persists turn and refreshes the session's retention
	// deadline. A turn with TurnNumber <= 0 is numbered after the
	// session's existing turns.
	AppendTurn(ctx context.Context, turn datatypes.Turn) error

	// RecentTurns returns up to limit of the newest turns, oldest first.
	RecentTurns(ctx context.Context, sessionID string, limit int) ([]datatypes.Turn, error)

	// TurnCount returns the number of stored turns for the session.
	TurnCount(ctx context.Context, sessionID string) (int, error)

	// GetMemory returns the session's summary, or (nil, nil) if there is none.
	GetMemory(ctx context.Context, sessionID string) (*datatypes.MemorySummary, error)

	// SaveMemory replaces the session's summary.
	SaveMemory(ctx context.Context, summary datatypes.MemorySummary) error

	// ListSessions returns up to limit sessions, most recent first.
	ListSessions(ctx context.Context, limit int) ([]datatypes.SessionInfo, error)

	// DeleteSession removes every turn of the session and the session
	// itself, returning the number of turns deleted.
	DeleteSession(ctx context.Context, sessionID string) (int, error)

	// DeleteExpiredSessions deletes up to batch sessions whose retention
	// deadline is before now and returns how many were deleted.
	DeleteExpiredSessions(ctx context.Context, now time.Time, batch int) (int, error)
}

// GetQuery describes a GraphQL Get against one class.
type GetQuery struct {
	ClassName string
	Fields    []graphql.Field
	Where     *filters.WhereBuilder
	Sort      *graphql.Sort
	Limit     int
}

// Backend is the subset of Weaviate operations the store runs.
//
// # Description
//
// The production implementation wraps *weaviate.Client. Tests substitute
// an in-memory fake.
type Backend interface {
	// Get runs a GraphQL Get query.
	Get(ctx context.Context, q GetQuery) (*models.GraphQLResponse, error)

	// Count runs a meta.count Aggregate on className, filtered by where.
	Count(ctx context.Context, className string, where *filters.WhereBuilder) (*models.GraphQLResponse, error)

	// GetObject returns the object with id, or (nil, nil) if it does not exist.
	GetObject(ctx context.Context, className, id string) (*models.Object, error)

	// Exists reports whether the object with id exists.
	Exists(ctx context.Context, className, id string) (bool, error)

	// Create creates a new object with id.
	Create(ctx context.Context, className, id string, props map[string]interface{}) error

	// Merge updates the given properties of an existing object.
	Merge(ctx context.Context, className, id string, props map[string]interface{}) error

	// BatchDelete deletes every object of className matching where and
	// returns the number deleted.
	BatchDelete(ctx context.Context, className string, where *filters.WhereBuilder) (int, error)

	// Delete deletes one object. Deleting a missing object is not an error.
	Delete(ctx context.Context, className, id string) error
}
