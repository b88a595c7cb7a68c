// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/ShopRAG/services/llm"
	"github.com/AleutianAI/ShopRAG/services/orchestrator/datatypes"
)

// =============================================================================
// Mock LLM Client
// =============================================================================

// MockLLMClient implements llm.LLMClient for testing purposes.
// It allows configuring responses and tracking calls for verification.
type MockLLMClient struct {
	mu sync.Mutex

	// ChatResponse is returned by Chat method
	ChatResponse string
	// ChatError is returned as error by Chat method
	ChatError error
	// ChatDelay blocks each Chat call before returning
	ChatDelay time.Duration
	// Gate, when non-nil, blocks each Chat call until it is closed
	Gate chan struct{}
	// ChatCallCount tracks how many times Chat was called
	ChatCallCount int
	// LastMessages stores the last messages passed to Chat
	LastMessages []datatypes.Message
	// LastParams stores the last params passed to Chat
	LastParams llm.GenerationParams
}

// Chat implements the llm.LLMClient interface for testing.
func (m *MockLLMClient) Chat(ctx context.Context, messages []datatypes.Message, params llm.GenerationParams) (string, error) {
	m.mu.Lock()
	m.ChatCallCount++
	m.LastMessages = messages
	m.LastParams = params
	resp, err, delay, gate := m.ChatResponse, m.ChatError, m.ChatDelay, m.Gate
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	return resp, err
}

// Generate implements the llm.LLMClient interface for testing.
func (m *MockLLMClient) Generate(ctx context.Context, prompt string, params llm.GenerationParams) (string, error) {
	return "", nil
}

func (m *MockLLMClient) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ChatCallCount
}

func (m *MockLLMClient) lastUserMessage() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.LastMessages) - 1; i >= 0; i-- {
		if m.LastMessages[i].Role == "user" {
			return m.LastMessages[i].Content
		}
	}
	return ""
}

// =============================================================================
// Mock Retrieval
// =============================================================================

type mockEmbedder struct {
	vector []float32
	err    error
	calls  int
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	m.calls++
	return m.vector, m.err
}

type mockSearcher struct {
	mu         sync.Mutex
	hits       []datatypes.ProductHit
	err        error
	lastTopK   int
	lastFilter datatypes.SearchFilter
}

func (m *mockSearcher) Search(ctx context.Context, vector []float32, topK int, filter datatypes.SearchFilter) ([]datatypes.ProductHit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastTopK = topK
	m.lastFilter = filter
	return m.hits, m.err
}

// =============================================================================
// Mock Conversation Store
// =============================================================================

type mockStore struct {
	mu       sync.Mutex
	turns    map[string][]datatypes.Turn
	memories map[string]datatypes.MemorySummary

	loadErr   error
	appendErr error
	saved     chan datatypes.MemorySummary
}

func newMockStore() *mockStore {
	return &mockStore{
		turns:    map[string][]datatypes.Turn{},
		memories: map[string]datatypes.MemorySummary{},
		saved:    make(chan datatypes.MemorySummary, 8),
	}
}

func (m *mockStore) seed(sessionID string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 1; i <= n; i++ {
		m.turns[sessionID] = append(m.turns[sessionID], datatypes.Turn{
			SessionID:  sessionID,
			TurnNumber: i,
			Question:   "question " + string(rune('0'+i)),
			Answer:     "answer",
		})
	}
}

func (m *mockStore) AppendTurn(ctx context.Context, turn datatypes.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.turns[turn.SessionID] = append(m.turns[turn.SessionID], turn)
	return nil
}

func (m *mockStore) RecentTurns(ctx context.Context, sessionID string, limit int) ([]datatypes.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	all := append([]datatypes.Turn(nil), m.turns[sessionID]...)
	sort.Slice(all, func(i, j int) bool { return all[i].TurnNumber < all[j].TurnNumber })
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (m *mockStore) TurnCount(ctx context.Context, sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return 0, m.loadErr
	}
	return len(m.turns[sessionID]), nil
}

func (m *mockStore) GetMemory(ctx context.Context, sessionID string) (*datatypes.MemorySummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	mem, ok := m.memories[sessionID]
	if !ok {
		return nil, nil
	}
	return &mem, nil
}

func (m *mockStore) SaveMemory(ctx context.Context, summary datatypes.MemorySummary) error {
	m.mu.Lock()
	m.memories[summary.SessionID] = summary
	m.mu.Unlock()
	m.saved <- summary
	return nil
}

func (m *mockStore) turnsFor(sessionID string) []datatypes.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]datatypes.Turn(nil), m.turns[sessionID]...)
}

// =============================================================================
// Mock Cache and Catalog
// =============================================================================

type mockCache struct {
	mu      sync.Mutex
	entries map[string]datatypes.AskResponse
	getErr  error
	gets    int
	sets    int
	lastTTL time.Duration
}

func newMockCache() *mockCache {
	return &mockCache{entries: map[string]datatypes.AskResponse{}}
}

func (m *mockCache) Get(ctx context.Context, key string) (*datatypes.AskResponse, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	resp, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	return &resp, true, nil
}

func (m *mockCache) Set(ctx context.Context, key string, resp datatypes.AskResponse, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = resp
	m.sets++
	m.lastTTL = ttl
	return nil
}

func (m *mockCache) getCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gets
}

func (m *mockCache) setCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sets
}

type mockCatalog struct {
	rows  map[string]datatypes.CatalogProduct
	err   error
	calls int
	last  []string
}

func (m *mockCatalog) LookupSKUs(ctx context.Context, skus []string) (map[string]datatypes.CatalogProduct, error) {
	m.calls++
	m.last = skus
	if m.err != nil {
		return nil, m.err
	}
	out := map[string]datatypes.CatalogProduct{}
	for _, s := range skus {
		if row, ok := m.rows[s]; ok {
			out[s] = row
		}
	}
	return out, nil
}
