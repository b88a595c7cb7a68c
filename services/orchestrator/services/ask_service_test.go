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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/ShopRAG/services/orchestrator/datatypes"
	"github.com/AleutianAI/ShopRAG/services/orchestrator/observability"
	"github.com/AleutianAI/ShopRAG/services/policy_engine"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cribAnswer = `{"answer":"The Graco crib fits a newborn.","products":[{"sku":"CRIB-1","reason":"newborn safe"},{"sku":"FAKE-9","reason":"made up"}],"follow_up_questions":["Need a mattress?"]}`

// askFixture bundles an AskService with its mocks.
type askFixture struct {
	svc      *AskService
	llm      *MockLLMClient
	embedder *mockEmbedder
	searcher *mockSearcher
	store    *mockStore
	cache    *mockCache
	catalog  *mockCatalog
	metrics  *observability.Metrics
}

func newAskFixture(t *testing.T, cfg AskConfig) *askFixture {
	t.Helper()
	pe, err := policy_engine.NewPolicyEngine()
	require.NoError(t, err, "policy engine should initialize")

	f := &askFixture{
		llm:      &MockLLMClient{ChatResponse: cribAnswer},
		embedder: &mockEmbedder{vector: []float32{0.1, 0.2, 0.3}},
		searcher: &mockSearcher{hits: []datatypes.ProductHit{
			{SKU: "CRIB-1", Name: "Crib", Distance: 0.12},
			{SKU: "MAT-2", Name: "Mattress", Distance: 0.3},
		}},
		store: newMockStore(),
		cache: newMockCache(),
		catalog: &mockCatalog{rows: map[string]datatypes.CatalogProduct{
			"CRIB-1": {SKU: "CRIB-1", Name: "Convertible Crib", PriceCents: 19999, Currency: "USD", InStock: true},
		}},
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
	}
	f.svc = NewAskService(AskDeps{
		Policy:   pe,
		Embedder: f.embedder,
		Searcher: f.searcher,
		Store:    f.store,
		Cache:    f.cache,
		Catalog:  f.catalog,
		LLM:      f.llm,
		Metrics:  f.metrics,
	}, cfg)
	t.Cleanup(f.svc.Wait)
	return f
}

func (f *askFixture) outcome(o observability.Outcome) float64 {
	return testutil.ToFloat64(f.metrics.AskRequestsTotal.WithLabelValues(string(o)))
}

// =============================================================================
// Happy Path
// =============================================================================

func TestAsk_NewSession(t *testing.T) {
	f := newAskFixture(t, AskConfig{CacheTTL: time.Hour})

	resp, err := f.svc.Ask(context.Background(), datatypes.AskRequest{
		Query:        "best crib for a newborn?",
		ChildProfile: &datatypes.ChildProfile{AgeMonths: datatypes.Int(1)},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, resp.RequestID)
	assert.NotEmpty(t, resp.SessionID)
	assert.Equal(t, "The Graco crib fits a newborn.", resp.Answer)
	assert.Equal(t, 1, resp.TurnNumber)
	assert.True(t, resp.Parsed)
	assert.False(t, resp.Cached)
	assert.Equal(t, []string{"Need a mattress?"}, resp.FollowUpQuestions)
	assert.Len(t, resp.Sources, 2)

	require.Len(t, resp.Products, 1, "hallucinated SKU is dropped")
	assert.Equal(t, "CRIB-1", resp.Products[0].SKU)
	assert.True(t, resp.Products[0].Enriched)
	assert.Equal(t, 199.99, resp.Products[0].Price)

	// Retrieval used the defaults and the child's age.
	assert.Equal(t, datatypes.DefaultTopK, f.searcher.lastTopK)
	require.NotNil(t, f.searcher.lastFilter.ChildAgeMonths)
	assert.Equal(t, 1, *f.searcher.lastFilter.ChildAgeMonths)
	assert.True(t, f.llm.LastParams.JSONMode)

	turns := f.store.turnsFor(resp.SessionID)
	require.Len(t, turns, 1)
	assert.Equal(t, 1, turns[0].TurnNumber)
	assert.Equal(t, "best crib for a newborn?", turns[0].Question)
	assert.Equal(t, []string{"CRIB-1"}, turns[0].SKUs)

	assert.Equal(t, 1, f.cache.setCount())
	assert.Equal(t, time.Hour, f.cache.lastTTL)
	assert.Equal(t, float64(1), f.outcome(observability.OutcomeSuccess))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.CacheLookupsTotal.WithLabelValues("miss")))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.AnswerParseTotal.WithLabelValues("ok")))
}

func TestAsk_ExistingSessionUsesHistoryAndMemory(t *testing.T) {
	f := newAskFixture(t, AskConfig{})
	f.store.seed("s1", 2)
	f.store.memories["s1"] = datatypes.MemorySummary{SessionID: "s1", Summary: "Shopper likes Graco.", CoveredTurns: 2}

	resp, err := f.svc.Ask(context.Background(), datatypes.AskRequest{Query: "and a mattress?", SessionID: "s1"})
	require.NoError(t, err)

	assert.Equal(t, "s1", resp.SessionID)
	assert.Equal(t, 3, resp.TurnNumber)
	assert.Zero(t, f.cache.getCount(), "cache is only consulted on the first turn")
	assert.Zero(t, f.cache.setCount())

	prompt := f.llm.lastUserMessage()
	assert.Contains(t, prompt, "## Recent conversation")
	assert.Contains(t, prompt, "Shopper likes Graco.")
	assert.Len(t, f.store.turnsFor("s1"), 3)
}

// =============================================================================
// Cache
// =============================================================================

func TestAsk_CacheHit(t *testing.T) {
	f := newAskFixture(t, AskConfig{})
	req := datatypes.AskRequest{Query: "Best crib?"}

	first, err := f.svc.Ask(context.Background(), req)
	require.NoError(t, err)

	second, err := f.svc.Ask(context.Background(), datatypes.AskRequest{Query: "  best CRIB "})
	require.NoError(t, err)

	assert.Equal(t, 1, f.llm.calls(), "second ask is served from cache")
	assert.True(t, second.Cached)
	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.NotEqual(t, first.RequestID, second.RequestID)
	assert.Equal(t, first.Answer, second.Answer)
	assert.Equal(t, first.Products, second.Products)
	assert.Equal(t, 1, second.TurnNumber)
	assert.Len(t, f.store.turnsFor(second.SessionID), 1, "cached answers are still recorded in the session")
	assert.Equal(t, float64(1), f.outcome(observability.OutcomeCached))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.CacheLookupsTotal.WithLabelValues("hit")))
}

func TestAsk_SkipCache(t *testing.T) {
	f := newAskFixture(t, AskConfig{})

	_, err := f.svc.Ask(context.Background(), datatypes.AskRequest{Query: "crib"})
	require.NoError(t, err)
	resp, err := f.svc.Ask(context.Background(), datatypes.AskRequest{Query: "crib", SkipCache: true})
	require.NoError(t, err)

	assert.False(t, resp.Cached)
	assert.Equal(t, 2, f.llm.calls())
	assert.Equal(t, 1, f.cache.getCount())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.CacheLookupsTotal.WithLabelValues("skipped")))
}

func TestAsk_CacheErrorIsAMiss(t *testing.T) {
	f := newAskFixture(t, AskConfig{})
	f.cache.getErr = errors.New("badger closed")

	resp, err := f.svc.Ask(context.Background(), datatypes.AskRequest{Query: "crib"})
	require.NoError(t, err)
	assert.False(t, resp.Cached)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.CacheLookupsTotal.WithLabelValues("error")))
}

func TestAsk_UnparsedAnswersAreNotCached(t *testing.T) {
	f := newAskFixture(t, AskConfig{})
	f.llm.ChatResponse = "I think the crib is great."

	resp, err := f.svc.Ask(context.Background(), datatypes.AskRequest{Query: "crib"})
	require.NoError(t, err)

	assert.False(t, resp.Parsed)
	assert.Equal(t, "I think the crib is great.", resp.Answer)
	assert.Empty(t, resp.Products)
	assert.Zero(t, f.cache.setCount())
	assert.Len(t, f.store.turnsFor(resp.SessionID), 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.AnswerParseTotal.WithLabelValues("fallback")))
}

func TestAsk_ConcurrentMissesShareGeneration(t *testing.T) {
	f := newAskFixture(t, AskConfig{})
	f.llm.Gate = make(chan struct{})

	var wg sync.WaitGroup
	results := make([]*datatypes.AskResponse, 2)
	errs := make([]error, 2)
	ask := func(i int) {
		defer wg.Done()
		results[i], errs[i] = f.svc.Ask(context.Background(), datatypes.AskRequest{Query: "crib"})
	}

	wg.Add(1)
	go ask(0)
	require.Eventually(t, func() bool { return f.llm.calls() == 1 }, time.Second, 5*time.Millisecond)

	wg.Add(1)
	go ask(1)
	require.Eventually(t, func() bool { return f.cache.getCount() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(f.llm.Gate)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, 1, f.llm.calls())
	assert.Equal(t, results[0].Answer, results[1].Answer)
	assert.NotEqual(t, results[0].SessionID, results[1].SessionID)
	assert.Equal(t, 1, f.cache.setCount())
}

func TestAsk_SharedGenerationSurvivesFirstCallerCancel(t *testing.T) {
	f := newAskFixture(t, AskConfig{})
	f.llm.Gate = make(chan struct{})

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := f.svc.Ask(firstCtx, datatypes.AskRequest{Query: "crib"})
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return f.llm.calls() == 1 }, time.Second, 5*time.Millisecond)

	type result struct {
		resp *datatypes.AskResponse
		err  error
	}
	second := make(chan result, 1)
	go func() {
		resp, err := f.svc.Ask(context.Background(), datatypes.AskRequest{Query: "crib"})
		second <- result{resp, err}
	}()
	require.Eventually(t, func() bool { return f.cache.getCount() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller kept waiting")
	}

	close(f.llm.Gate)
	select {
	case r := <-second:
		require.NoError(t, r.err)
		assert.Equal(t, "The Graco crib fits a newborn.", r.resp.Answer)
		assert.True(t, r.resp.Parsed)
	case <-time.After(2 * time.Second):
		t.Fatal("second caller never got the shared answer")
	}
	assert.Equal(t, 1, f.llm.calls())
	assert.Equal(t, 1, f.cache.setCount())
}

// =============================================================================
// Failures
// =============================================================================

func TestAsk_ValidationError(t *testing.T) {
	f := newAskFixture(t, AskConfig{})

	_, err := f.svc.Ask(context.Background(), datatypes.AskRequest{Query: "   "})
	require.Error(t, err)
	assert.True(t, datatypes.IsValidationError(err))
	assert.Zero(t, f.llm.calls())
	assert.Equal(t, float64(1), f.outcome(observability.OutcomeValidation))
}

func TestAsk_PolicyViolation(t *testing.T) {
	f := newAskFixture(t, AskConfig{})

	_, err := f.svc.Ask(context.Background(), datatypes.AskRequest{Query: "my SSN is 123-45-6789, which crib?"})
	require.Error(t, err)

	assert.True(t, IsPolicyViolation(err))
	assert.Contains(t, policy_engine.PatternIDs(GetPolicyFindings(err)), "US_SSN")
	assert.Zero(t, f.embedder.calls)
	assert.Zero(t, f.llm.calls())
	assert.Equal(t, float64(1), f.outcome(observability.OutcomePolicyViolation))
}

func TestAsk_NotConfigured(t *testing.T) {
	svc := NewAskService(AskDeps{LLM: &MockLLMClient{}}, AskConfig{})

	_, err := svc.Ask(context.Background(), datatypes.AskRequest{Query: "crib"})
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.Equal(t, DependencyEmbedder, NotConfiguredDependency(err))
}

func TestAsk_NotConfiguredNamesDependency(t *testing.T) {
	tests := []struct {
		name string
		deps AskDeps
		want string
	}{
		{"no embedder", AskDeps{Searcher: &mockSearcher{}, LLM: &MockLLMClient{}}, DependencyEmbedder},
		{"no searcher", AskDeps{Embedder: &mockEmbedder{}, LLM: &MockLLMClient{}}, DependencySearch},
		{"no llm", AskDeps{Embedder: &mockEmbedder{}, Searcher: &mockSearcher{}}, DependencyLLM},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewAskService(tt.deps, AskConfig{})
			_, err := svc.Ask(context.Background(), datatypes.AskRequest{Query: "crib"})
			require.ErrorIs(t, err, ErrNotConfigured)
			assert.Equal(t, tt.want, NotConfiguredDependency(err))
			assert.EqualError(t, err, tt.want+" is not configured")
		})
	}
}

func TestAsk_RetrievalErrors(t *testing.T) {
	t.Run("embed", func(t *testing.T) {
		f := newAskFixture(t, AskConfig{})
		f.embedder.err = errors.New("embedding service down")

		_, err := f.svc.Ask(context.Background(), datatypes.AskRequest{Query: "crib"})
		assert.Equal(t, StageRetrieval, UpstreamStage(err))
		assert.Zero(t, f.llm.calls())
		assert.Equal(t, float64(1), f.outcome(observability.OutcomeRetrievalError))
	})
	t.Run("search", func(t *testing.T) {
		f := newAskFixture(t, AskConfig{})
		f.searcher.err = errors.New("weaviate unavailable")

		_, err := f.svc.Ask(context.Background(), datatypes.AskRequest{Query: "crib"})
		assert.Equal(t, StageRetrieval, UpstreamStage(err))
		assert.Empty(t, f.store.turns)
	})
}

func TestAsk_LLMErrors(t *testing.T) {
	t.Run("provider error", func(t *testing.T) {
		f := newAskFixture(t, AskConfig{})
		f.llm.ChatError = errors.New("rate limited")

		_, err := f.svc.Ask(context.Background(), datatypes.AskRequest{Query: "crib"})
		assert.True(t, IsUpstreamError(err))
		assert.Equal(t, StageLLM, UpstreamStage(err))
		assert.Equal(t, float64(1), f.outcome(observability.OutcomeLLMError))
	})
	t.Run("empty completion", func(t *testing.T) {
		f := newAskFixture(t, AskConfig{})
		f.llm.ChatResponse = ""

		_, err := f.svc.Ask(context.Background(), datatypes.AskRequest{Query: "crib"})
		assert.Equal(t, StageLLM, UpstreamStage(err))
		assert.ErrorIs(t, err, ErrEmptyCompletion)
	})
}

func TestAsk_StoreFailuresDegrade(t *testing.T) {
	f := newAskFixture(t, AskConfig{})
	f.store.loadErr = errors.New("weaviate timeout")
	f.store.appendErr = errors.New("weaviate timeout")

	resp, err := f.svc.Ask(context.Background(), datatypes.AskRequest{Query: "crib", SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.TurnNumber)
	assert.NotContains(t, f.llm.lastUserMessage(), "Recent conversation")
}

func TestAsk_InStockAndAgeFilterConfig(t *testing.T) {
	f := newAskFixture(t, AskConfig{InStockOnly: true, SkipAgeFilter: true})

	_, err := f.svc.Ask(context.Background(), datatypes.AskRequest{
		Query:        "teether",
		TopK:         3,
		ChildProfile: &datatypes.ChildProfile{AgeMonths: datatypes.Int(4)},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, f.searcher.lastTopK)
	assert.True(t, f.searcher.lastFilter.InStockOnly)
	assert.Nil(t, f.searcher.lastFilter.ChildAgeMonths)
}

// =============================================================================
// Summarization
// =============================================================================

func TestAsk_TriggersBackgroundSummary(t *testing.T) {
	f := newAskFixture(t, AskConfig{SummaryEvery: 2})
	f.store.seed("s1", 1)

	resp, err := f.svc.Ask(context.Background(), datatypes.AskRequest{Query: "and a mattress?", SessionID: "s1"})
	require.NoError(t, err)
	require.Equal(t, 2, resp.TurnNumber)

	select {
	case saved := <-f.store.saved:
		assert.Equal(t, "s1", saved.SessionID)
		assert.Equal(t, 2, saved.CoveredTurns)
		assert.NotEmpty(t, saved.Summary)
	case <-time.After(2 * time.Second):
		t.Fatal("summary was not saved")
	}
	f.svc.Wait()
	assert.Equal(t, 2, f.llm.calls(), "one answer and one summary")
}

func TestAsk_SavedSummaryIsRedacted(t *testing.T) {
	f := newAskFixture(t, AskConfig{SummaryEvery: 2})
	f.llm.ChatResponse = `{"answer":"Email sizing@graco-help.example for crib fit.","products":[]}`
	f.store.seed("s1", 1)

	_, err := f.svc.Ask(context.Background(), datatypes.AskRequest{Query: "who do I ask about fit?", SessionID: "s1"})
	require.NoError(t, err)

	select {
	case saved := <-f.store.saved:
		assert.NotContains(t, saved.Summary, "sizing@graco-help.example")
		assert.Contains(t, saved.Summary, "[REDACTED:EMAIL_ADDRESS]")
	case <-time.After(2 * time.Second):
		t.Fatal("summary was not saved")
	}
}

func TestAsk_NoSummaryOffCycle(t *testing.T) {
	f := newAskFixture(t, AskConfig{SummaryEvery: 5})
	f.store.seed("s1", 1)

	_, err := f.svc.Ask(context.Background(), datatypes.AskRequest{Query: "crib", SessionID: "s1"})
	require.NoError(t, err)
	f.svc.Wait()

	assert.Empty(t, f.store.saved)
	assert.Equal(t, 1, f.llm.calls())
}

func TestAsk_SummarySkippedWhenSaturated(t *testing.T) {
	f := newAskFixture(t, AskConfig{SummaryEvery: 1, MaxConcurrentSummaries: 1})
	require.True(t, f.svc.summarySem.TryAcquire(1))
	defer f.svc.summarySem.Release(1)

	_, err := f.svc.Ask(context.Background(), datatypes.AskRequest{Query: "crib"})
	require.NoError(t, err)
	f.svc.Wait()

	assert.Empty(t, f.store.saved)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.SummariesTotal.WithLabelValues("skipped")))
}

// =============================================================================
// Helpers
// =============================================================================

func TestOutcomeFor(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		cached bool
		want   observability.Outcome
	}{
		{"success", nil, false, observability.OutcomeSuccess},
		{"cached", nil, true, observability.OutcomeCached},
		{"policy", &PolicyViolationError{}, false, observability.OutcomePolicyViolation},
		{"not configured", ErrNotConfigured, false, observability.OutcomeUnavailable},
		{"retrieval", &UpstreamError{Stage: StageRetrieval, Err: errors.New("x")}, false, observability.OutcomeRetrievalError},
		{"llm", &UpstreamError{Stage: StageLLM, Err: errors.New("x")}, false, observability.OutcomeLLMError},
		{"other", errors.New("boom"), false, observability.OutcomeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, outcomeFor(tt.err, tt.cached))
		})
	}
}

func TestApplyAskDefaults(t *testing.T) {
	cfg := applyAskDefaults(AskConfig{HistoryMaxTurns: 2})
	def := DefaultAskConfig()

	assert.Equal(t, 2, cfg.HistoryMaxTurns)
	assert.Equal(t, def.HistoryMaxTokens, cfg.HistoryMaxTokens)
	assert.Equal(t, def.CacheTTL, cfg.CacheTTL)
	assert.Equal(t, 2*time.Minute, cfg.GenerationTimeout)
	assert.Equal(t, def.MaxConcurrentSummaries, cfg.MaxConcurrentSummaries)
	assert.Zero(t, cfg.SummaryEvery, "zero keeps summarization disabled")
}
