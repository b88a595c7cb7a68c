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
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/ShopRAG/services/orchestrator/datatypes"
	"github.com/go-openapi/strfmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate/entities/models"
)

// =============================================================================
// In-memory Backend
// =============================================================================

type fakeBackend struct {
	mu       sync.Mutex
	objects  map[string]map[string]map[string]interface{}
	updated  map[string]int64
	getErr   error
	batchErr map[string]error
	clock    int64
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		objects:  map[string]map[string]map[string]interface{}{},
		updated:  map[string]int64{},
		batchErr: map[string]error{},
	}
}

func (f *fakeBackend) class(name string) map[string]map[string]interface{} {
	if f.objects[name] == nil {
		f.objects[name] = map[string]map[string]interface{}{}
	}
	return f.objects[name]
}

func (f *fakeBackend) tick(id string) {
	f.clock++
	f.updated[id] = f.clock
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func matches(w *models.WhereFilter, props map[string]interface{}) bool {
	if w == nil {
		return true
	}
	if w.Operator == "And" {
		for _, op := range w.Operands {
			if !matches(op, props) {
				return false
			}
		}
		return true
	}
	value := props[w.Path[0]]
	if w.ValueText != nil {
		return w.Operator == "Equal" && value == *w.ValueText
	}
	got, ok := toFloat(value)
	if !ok || w.ValueNumber == nil {
		return false
	}
	switch w.Operator {
	case "GreaterThan":
		return got > *w.ValueNumber
	case "LessThan":
		return got < *w.ValueNumber
	case "Equal":
		return got == *w.ValueNumber
	}
	return false
}

func build(where *filters.WhereBuilder) *models.WhereFilter {
	if where == nil {
		return nil
	}
	return where.Build()
}

func (f *fakeBackend) Get(ctx context.Context, q GetQuery) (*models.GraphQLResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	w := build(q.Where)
	var rows []map[string]interface{}
	for id, props := range f.class(q.ClassName) {
		if !matches(w, props) {
			continue
		}
		row := map[string]interface{}{"_additional": map[string]interface{}{"id": id}}
		for k, v := range props {
			row[k] = v
		}
		rows = append(rows, row)
	}
	if q.Sort != nil {
		key := q.Sort.Path[0]
		desc := q.Sort.Order == "desc"
		sort.Slice(rows, func(i, j int) bool {
			a, _ := toFloat(rows[i][key])
			b, _ := toFloat(rows[j][key])
			if desc {
				return a > b
			}
			return a < b
		})
	}
	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	items := make([]interface{}, 0, len(rows))
	for _, r := range rows {
		items = append(items, r)
	}
	return &models.GraphQLResponse{Data: map[string]models.JSONObject{
		"Get": map[string]interface{}{q.ClassName: items},
	}}, nil
}

func (f *fakeBackend) Count(ctx context.Context, className string, where *filters.WhereBuilder) (*models.GraphQLResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := build(where)
	n := 0
	for _, props := range f.class(className) {
		if matches(w, props) {
			n++
		}
	}
	return &models.GraphQLResponse{Data: map[string]models.JSONObject{
		"Aggregate": map[string]interface{}{
			className: []interface{}{map[string]interface{}{"meta": map[string]interface{}{"count": n}}},
		},
	}}, nil
}

func (f *fakeBackend) GetObject(ctx context.Context, className, id string) (*models.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	props, ok := f.class(className)[id]
	if !ok {
		return nil, nil
	}
	cp := map[string]interface{}{}
	for k, v := range props {
		cp[k] = v
	}
	return &models.Object{Class: className, ID: strfmt.UUID(id), Properties: cp, LastUpdateTimeUnix: f.updated[id]}, nil
}

func (f *fakeBackend) Exists(ctx context.Context, className, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.class(className)[id]
	return ok, nil
}

func (f *fakeBackend) Create(ctx context.Context, className, id string, props map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	objs := f.class(className)
	if _, ok := objs[id]; ok {
		return fmt.Errorf("id '%s' already exists", id)
	}
	cp := map[string]interface{}{}
	for k, v := range props {
		cp[k] = v
	}
	objs[id] = cp
	f.tick(id)
	return nil
}

func (f *fakeBackend) Merge(ctx context.Context, className, id string, props map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.class(className)[id]
	if !ok {
		return errors.New("404 not found")
	}
	for k, v := range props {
		obj[k] = v
	}
	f.tick(id)
	return nil
}

func (f *fakeBackend) BatchDelete(ctx context.Context, className string, where *filters.WhereBuilder) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := build(where)
	if w.ValueText != nil {
		if err := f.batchErr[*w.ValueText]; err != nil {
			return 0, err
		}
	}
	n := 0
	for id, props := range f.class(className) {
		if matches(w, props) {
			delete(f.objects[className], id)
			n++
		}
	}
	return n, nil
}

func (f *fakeBackend) Delete(ctx context.Context, className, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.class(className), id)
	return nil
}

func (f *fakeBackend) session(sessionID string) map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.class(datatypes.SessionClass)[SessionObjectID(sessionID).String()]
}

func (f *fakeBackend) count(className string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.class(className))
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*WeaviateStore, *fakeBackend) {
	t.Helper()
	backend := newFakeBackend()
	store := NewWeaviateStore(backend, time.Hour)
	store.now = func() time.Time { return fixedNow }
	return store, backend
}

func appendTurns(t *testing.T, s *WeaviateStore, sessionID string, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		require.NoError(t, s.AppendTurn(context.Background(), datatypes.Turn{
			SessionID: sessionID,
			Question:  fmt.Sprintf("q%d", i),
			Answer:    fmt.Sprintf("a%d", i),
			SKUs:      []string{fmt.Sprintf("SKU-%d", i)},
		}))
	}
}

// =============================================================================
// Tests
// =============================================================================

func TestObjectIDs(t *testing.T) {
	assert.Equal(t, SessionObjectID("s1"), SessionObjectID("s1"))
	assert.NotEqual(t, SessionObjectID("s1"), SessionObjectID("s2"))
	assert.True(t, strfmt.IsUUID(SessionObjectID("s1").String()))
	assert.NotEqual(t, TurnObjectID("s1", 1), TurnObjectID("s1", 2))
	assert.NotEqual(t, TurnObjectID("s1", 12), TurnObjectID("s11", 2))
}

func TestNewWeaviateStore_DefaultTTL(t *testing.T) {
	s := NewWeaviateStore(newFakeBackend(), 0)
	assert.Equal(t, DefaultSessionTTL, s.sessionTTL)
}

func TestAppendTurn_NumbersAndCreatesSession(t *testing.T) {
	s, backend := newTestStore(t)
	appendTurns(t, s, "sess-1", 2)

	count, err := s.TurnCount(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	sess := backend.session("sess-1")
	require.NotNil(t, sess)
	assert.Equal(t, "sess-1", sess["session_id"])
	assert.Equal(t, fixedNow.UnixMilli(), sess["timestamp"])
	assert.Equal(t, fixedNow.Add(time.Hour).UnixMilli(), sess["ttl_expires_at"])
	assert.Equal(t, 1, backend.count(datatypes.SessionClass))
}

func TestAppendTurn_RefreshesTTL(t *testing.T) {
	s, backend := newTestStore(t)
	appendTurns(t, s, "sess-1", 1)

	later := fixedNow.Add(30 * time.Minute)
	s.now = func() time.Time { return later }
	appendTurns(t, s, "sess-1", 1)

	sess := backend.session("sess-1")
	assert.Equal(t, fixedNow.UnixMilli(), sess["timestamp"], "creation time is kept")
	assert.Equal(t, later.Add(time.Hour).UnixMilli(), sess["ttl_expires_at"])
}

func TestAppendTurn_KeepsGivenNumberAndRejectsDuplicate(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	turn := datatypes.Turn{SessionID: "s", TurnNumber: 4, Question: "q", Answer: "a", Timestamp: 99}
	require.NoError(t, s.AppendTurn(ctx, turn))

	turns, err := s.RecentTurns(ctx, "s", 10)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, 4, turns[0].TurnNumber)
	assert.Equal(t, int64(99), turns[0].Timestamp)

	assert.Error(t, s.AppendTurn(ctx, turn))
}

func TestAppendTurn_RequiresSession(t *testing.T) {
	s, _ := newTestStore(t)
	assert.Error(t, s.AppendTurn(context.Background(), datatypes.Turn{Question: "q"}))
}

func TestRecentTurns_NewestWindowOldestFirst(t *testing.T) {
	s, _ := newTestStore(t)
	appendTurns(t, s, "sess-1", 5)
	appendTurns(t, s, "other", 2)

	turns, err := s.RecentTurns(context.Background(), "sess-1", 3)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, []int{3, 4, 5}, []int{turns[0].TurnNumber, turns[1].TurnNumber, turns[2].TurnNumber})
	assert.Equal(t, "q3", turns[0].Question)
	assert.Equal(t, []string{"SKU-5"}, turns[2].SKUs)
	assert.Equal(t, fixedNow.UnixMilli(), turns[2].Timestamp)

	none, err := s.RecentTurns(context.Background(), "sess-1", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRecentTurns_QueryError(t *testing.T) {
	s, backend := newTestStore(t)
	backend.getErr = errors.New("connection refused")

	_, err := s.RecentTurns(context.Background(), "s", 3)
	assert.ErrorContains(t, err, "connection refused")
}

func TestTurnCount_UnknownSession(t *testing.T) {
	s, _ := newTestStore(t)
	count, err := s.TurnCount(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestMemory_RoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	mem, err := s.GetMemory(ctx, "sess-1")
	require.NoError(t, err)
	assert.Nil(t, mem, "unknown session has no memory")

	appendTurns(t, s, "sess-1", 1)
	mem, err = s.GetMemory(ctx, "sess-1")
	require.NoError(t, err)
	assert.Nil(t, mem, "session without summary has no memory")

	require.NoError(t, s.SaveMemory(ctx, datatypes.MemorySummary{
		SessionID: "sess-1", Summary: "Shopper wants a crib.", CoveredTurns: 5,
	}))
	mem, err = s.GetMemory(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, mem)
	assert.Equal(t, "Shopper wants a crib.", mem.Summary)
	assert.Equal(t, 5, mem.CoveredTurns)
	assert.Equal(t, "sess-1", mem.SessionID)
	assert.NotZero(t, mem.UpdatedAt)
}

func TestSaveMemory_CreatesMissingSession(t *testing.T) {
	s, backend := newTestStore(t)
	require.NoError(t, s.SaveMemory(context.Background(), datatypes.MemorySummary{
		SessionID: "fresh", Summary: "x", CoveredTurns: 1,
	}))

	sess := backend.session("fresh")
	require.NotNil(t, sess)
	assert.Equal(t, "x", sess["summary"])
	assert.Equal(t, "fresh", sess["session_id"])

	assert.Error(t, s.SaveMemory(context.Background(), datatypes.MemorySummary{Summary: "x"}))
}

func TestListSessions_MostRecentFirst(t *testing.T) {
	s, _ := newTestStore(t)
	for i, id := range []string{"old", "mid", "new"} {
		at := fixedNow.Add(time.Duration(i) * time.Minute)
		s.now = func() time.Time { return at }
		appendTurns(t, s, id, 1)
	}

	sessions, err := s.ListSessions(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "new", sessions[0].SessionID)
	assert.Equal(t, "mid", sessions[1].SessionID)
	assert.NotZero(t, sessions[0].TTLExpiresAt)
}

func TestDeleteSession(t *testing.T) {
	s, backend := newTestStore(t)
	appendTurns(t, s, "gone", 3)
	appendTurns(t, s, "kept", 2)

	deleted, err := s.DeleteSession(context.Background(), "gone")
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)
	assert.Nil(t, backend.session("gone"))
	assert.NotNil(t, backend.session("kept"))
	assert.Equal(t, 2, backend.count(datatypes.ConversationClass))
}

func TestDeleteSession_TurnFailureKeepsSession(t *testing.T) {
	s, backend := newTestStore(t)
	appendTurns(t, s, "stuck", 1)
	backend.batchErr["stuck"] = errors.New("timeout")

	_, err := s.DeleteSession(context.Background(), "stuck")
	assert.ErrorContains(t, err, "timeout")
	assert.NotNil(t, backend.session("stuck"))
}

func TestDeleteExpiredSessions(t *testing.T) {
	s, backend := newTestStore(t)
	ctx := context.Background()
	appendTurns(t, s, "expired-a", 2)
	appendTurns(t, s, "expired-b", 1)

	s.now = func() time.Time { return fixedNow.Add(2 * time.Hour) }
	appendTurns(t, s, "active", 1)
	require.NoError(t, backend.Merge(ctx, datatypes.SessionClass, SessionObjectID("expired-b").String(),
		map[string]interface{}{"ttl_expires_at": int64(0)}))

	deleted, err := s.DeleteExpiredSessions(ctx, fixedNow.Add(90*time.Minute), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	assert.Nil(t, backend.session("expired-a"))
	assert.NotNil(t, backend.session("expired-b"), "ttl 0 never expires")
	assert.NotNil(t, backend.session("active"))
	assert.Equal(t, 2, backend.count(datatypes.ConversationClass))
}

func TestDeleteExpiredSessions_PartialFailure(t *testing.T) {
	s, backend := newTestStore(t)
	appendTurns(t, s, "a", 1)
	appendTurns(t, s, "b", 1)
	backend.batchErr["b"] = errors.New("shard unavailable")

	deleted, err := s.DeleteExpiredSessions(context.Background(), fixedNow.Add(2*time.Hour), 10)
	assert.Equal(t, 1, deleted)
	assert.ErrorContains(t, err, "shard unavailable")
	assert.NotNil(t, backend.session("b"))
}

func TestIsNotFoundError(t *testing.T) {
	assert.False(t, isNotFoundError(nil))
	assert.True(t, isNotFoundError(errors.New("status code: 404")))
	assert.True(t, isNotFoundError(errors.New("object does not exist")))
	assert.False(t, isNotFoundError(errors.New("connection refused")))
}
