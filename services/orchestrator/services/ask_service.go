// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package services provides business logic services for the orchestrator.
//
// This package contains the ask pipeline and the pieces it is built from,
// separating them from HTTP handlers. Services are responsible for:
//   - Orchestrating calls to external collaborators (vector search, LLM,
//     conversation store, catalog, response cache)
//   - Applying business rules and validation
//   - Mapping failures to typed errors the handlers translate to status codes
//
// Services are designed to be:
//   - Testable: Dependencies are injected via constructors
//   - Composable: Services can call other services
//   - Traceable: All methods accept context for distributed tracing
package services

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/ShopRAG/services/llm"
	"github.com/AleutianAI/ShopRAG/services/orchestrator/datatypes"
	"github.com/AleutianAI/ShopRAG/services/orchestrator/observability"
	"github.com/AleutianAI/ShopRAG/services/policy_engine"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// askTracer is the OpenTelemetry tracer for the ask pipeline.
var askTracer = otel.Tracer("shoprag.orchestrator.services")

// =============================================================================
// Interfaces
// =============================================================================

// Embedder turns text into a query vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ProductSearcher runs a vector search over the product index.
type ProductSearcher interface {
	Search(ctx context.Context, vector []float32, topK int, filter datatypes.SearchFilter) ([]datatypes.ProductHit, error)
}

// ConversationStore is the part of the conversation store the pipeline uses.
//
// GetMemory returns (nil, nil) when the session has no summary yet.
type ConversationStore interface {
	AppendTurn(ctx context.Context, turn datatypes.Turn) error
	RecentTurns(ctx context.Context, sessionID string, limit int) ([]datatypes.Turn, error)
	TurnCount(ctx context.Context, sessionID string) (int, error)
	GetMemory(ctx context.Context, sessionID string) (*datatypes.MemorySummary, error)
	SaveMemory(ctx context.Context, summary datatypes.MemorySummary) error
}

// ResponseCache stores complete answers keyed by BuildCacheKey.
type ResponseCache interface {
	Get(ctx context.Context, key string) (*datatypes.AskResponse, bool, error)
	Set(ctx context.Context, key string, resp datatypes.AskResponse, ttl time.Duration) error
}

// PolicyScanner detects sensitive data in shopper input and scrubs it from
// long-lived memory.
type PolicyScanner interface {
	Scan(text string) []policy_engine.ScanFinding
	Redact(text string) string
}

// =============================================================================
// Configuration
// =============================================================================

// AskConfig holds the tunables of the ask pipeline.
type AskConfig struct {
	HistoryMaxTurns  int
	HistoryMaxTokens int

	// SummaryEvery triggers a memory summary every N turns. 0 disables.
	SummaryEvery           int
	SummaryTimeout         time.Duration
	MaxConcurrentSummaries int64

	CacheTTL time.Duration

	// GenerationTimeout bounds a generation shared by collapsed
	// first-turn requests. Default: 2m.
	GenerationTimeout time.Duration

	// SkipAgeFilter disables restricting vector search to products
	// whose age range contains the child's age.
	SkipAgeFilter bool
	InStockOnly   bool

	Temperature float32
	MaxTokens   int
}

// DefaultAskConfig returns the configuration used when a field is unset.
func DefaultAskConfig() AskConfig {
	return AskConfig{
		HistoryMaxTurns:        6,
		HistoryMaxTokens:       1500,
		SummaryEvery:           5,
		SummaryTimeout:         30 * time.Second,
		MaxConcurrentSummaries: 4,
		CacheTTL:               24 * time.Hour,
		GenerationTimeout:      2 * time.Minute,
		Temperature:            0.3,
		MaxTokens:              1024,
	}
}

func applyAskDefaults(cfg AskConfig) AskConfig {
	def := DefaultAskConfig()
	if cfg.HistoryMaxTurns == 0 {
		cfg.HistoryMaxTurns = def.HistoryMaxTurns
	}
	if cfg.HistoryMaxTokens == 0 {
		cfg.HistoryMaxTokens = def.HistoryMaxTokens
	}
	if cfg.SummaryTimeout <= 0 {
		cfg.SummaryTimeout = def.SummaryTimeout
	}
	if cfg.MaxConcurrentSummaries <= 0 {
		cfg.MaxConcurrentSummaries = def.MaxConcurrentSummaries
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = def.GenerationTimeout
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	return cfg
}

// AskDeps are the collaborators of an AskService. Any of them may be nil:
// a missing Embedder, Searcher or LLM makes Ask return ErrNotConfigured, a
// missing Store, Cache or Catalog disables that feature.
type AskDeps struct {
	Policy   PolicyScanner
	Embedder Embedder
	Searcher ProductSearcher
	Store    ConversationStore
	Cache    ResponseCache
	Catalog  CatalogLookup
	LLM      llm.LLMClient
	Metrics  *observability.Metrics
}

// =============================================================================
// Service
// =============================================================================

// AskService answers shopper questions with retrieval-augmented generation.
//
// # Description
//
// Ask runs the full pipeline: validation, policy scan, history and memory
// load, cache lookup, embedding, vector search, prompt, LLM, answer
// parsing, SKU enrichment, turn persistence, cache write and periodic
// background summarization.
//
// # Thread Safety
//
// AskService is safe for concurrent use.
type AskService struct {
	deps       AskDeps
	cfg        AskConfig
	enricher   *Enricher
	summarizer *Summarizer

	flight     singleflight.Group
	summarySem *semaphore.Weighted
	background sync.WaitGroup
}

// generated is the session-independent part of an answer. It is what
// concurrent cache misses share.
type generated struct {
	Answer    string
	Products  []datatypes.RecommendedProduct
	FollowUps []string
	Sources   []datatypes.SourceInfo
	Parsed    bool
}

// NewAskService creates an AskService.
func NewAskService(deps AskDeps, cfg AskConfig) *AskService {
	cfg = applyAskDefaults(cfg)
	return &AskService{
		deps:       deps,
		cfg:        cfg,
		enricher:   NewEnricher(deps.Catalog),
		summarizer: NewSummarizer(deps.LLM, deps.Metrics),
		summarySem: semaphore.NewWeighted(cfg.MaxConcurrentSummaries),
	}
}

// Ask answers a shopper question.
//
// # Description
//
// See AskService. Store and cache failures degrade silently with a
// warning; only validation, policy, retrieval and LLM failures are
// returned.
//
// # Outputs
//
//   - *datatypes.AskResponse: The answer.
//   - error: *datatypes.ValidationError, *PolicyViolationError,
//     ErrNotConfigured or *UpstreamError.
//
// # Examples
//
//	resp, err := svc.Ask(ctx, datatypes.AskRequest{Query: "Is this crib safe for a newborn?"})
//	if services.IsPolicyViolation(err) { ... }
func (s *AskService) Ask(ctx context.Context, req datatypes.AskRequest) (resp *datatypes.AskResponse, err error) {
	ctx, span := askTracer.Start(ctx, "AskService.Ask")
	defer span.End()

	cachedHit := false
	defer func() {
		s.deps.Metrics.RecordAsk(outcomeFor(err, cachedHit))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	newSession := req.EnsureDefaults()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("ask.request_id", req.RequestID),
		attribute.String("ask.session_id", req.SessionID),
		attribute.Int("ask.top_k", req.TopK),
		attribute.Bool("ask.has_user_profile", req.UserProfile != nil),
		attribute.Bool("ask.has_child_profile", req.ChildProfile != nil),
	)

	if s.deps.Policy != nil {
		if findings := s.deps.Policy.Scan(req.Query); len(findings) > 0 {
			slog.Warn("Blocked ask request containing sensitive data",
				"request_id", req.RequestID,
				"patterns", policy_engine.PatternIDs(findings))
			return nil, &PolicyViolationError{Findings: findings}
		}
	}

	if err := s.checkConfigured(); err != nil {
		return nil, err
	}

	history, memory, turnCount, loaded := s.loadSession(ctx, req.SessionID, newSession)
	turnNumber := turnCount + 1

	var gen *generated
	if loaded && turnCount == 0 && !req.SkipCache && s.deps.Cache != nil {
		key := BuildCacheKey(req, req.TopK)
		if hit := s.lookupCache(ctx, key); hit != nil {
			cachedHit = true
			gen = &generated{
				Answer:    hit.Answer,
				Products:  hit.Products,
				FollowUps: hit.FollowUpQuestions,
				Sources:   hit.Sources,
				Parsed:    hit.Parsed,
			}
		} else {
			// The shared generation outlives any single caller; each caller
			// stops waiting when its own context ends.
			ch := s.flight.DoChan(key, func() (interface{}, error) {
				genCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.GenerationTimeout)
				defer cancel()
				g, err := s.generate(genCtx, req, history, memory)
				if err != nil {
					return nil, err
				}
				s.storeCache(genCtx, key, g)
				return g, nil
			})
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case res := <-ch:
				if res.Err != nil {
					return nil, res.Err
				}
				span.SetAttributes(attribute.Bool("ask.singleflight_shared", res.Shared))
				gen = res.Val.(*generated)
			}
		}
	} else {
		if s.deps.Cache != nil {
			s.deps.Metrics.RecordCacheLookup("skipped")
		}
		gen, err = s.generate(ctx, req, history, memory)
		if err != nil {
			return nil, err
		}
	}

	resp = datatypes.NewAskResponse(req.RequestID, req.SessionID, gen.Answer)
	resp.Products = copyProducts(gen.Products)
	resp.FollowUpQuestions = append([]string(nil), gen.FollowUps...)
	resp.Sources = append([]datatypes.SourceInfo(nil), gen.Sources...)
	resp.Parsed = gen.Parsed
	resp.Cached = cachedHit
	resp.TurnNumber = turnNumber

	if s.persistTurn(ctx, resp, req.Query) {
		if ShouldSummarize(turnNumber, s.cfg.SummaryEvery) {
			s.scheduleSummary(ctx, req.SessionID, memory, turnNumber)
		}
	}

	slog.Info("Answered ask request",
		"request_id", req.RequestID,
		"session_id", req.SessionID,
		"turn", turnNumber,
		"products", len(resp.Products),
		"cached", resp.Cached,
		"parsed", resp.Parsed)
	return resp, nil
}

// Wait blocks until all background summarizations have finished.
func (s *AskService) Wait() {
	s.background.Wait()
}

// =============================================================================
// Pipeline Stages
// =============================================================================

// checkConfigured names the first required collaborator that is missing.
func (s *AskService) checkConfigured() error {
	switch {
	case s.deps.Embedder == nil:
		return &NotConfiguredError{Dependency: DependencyEmbedder}
	case s.deps.Searcher == nil:
		return &NotConfiguredError{Dependency: DependencySearch}
	case s.deps.LLM == nil:
		return &NotConfiguredError{Dependency: DependencyLLM}
	}
	return nil
}

// loadSession loads recent turns, memory and the stored turn count
// concurrently. Failures degrade to an empty session with loaded=false.
func (s *AskService) loadSession(ctx context.Context, sessionID string, newSession bool) (recent []datatypes.Turn, memory *datatypes.MemorySummary, count int, loaded bool) {
	if newSession || s.deps.Store == nil {
		return []datatypes.Turn{}, nil, 0, true
	}
	defer s.deps.Metrics.ObserveStage(observability.StageHistory, time.Now())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		recent, err = s.deps.Store.RecentTurns(gctx, sessionID, s.cfg.HistoryMaxTurns)
		return err
	})
	g.Go(func() error {
		var err error
		memory, err = s.deps.Store.GetMemory(gctx, sessionID)
		return err
	})
	g.Go(func() error {
		var err error
		count, err = s.deps.Store.TurnCount(gctx, sessionID)
		return err
	})
	if err := g.Wait(); err != nil {
		slog.Warn("Failed to load conversation, continuing without history",
			"session_id", sessionID, "error", err)
		return []datatypes.Turn{}, nil, 0, false
	}

	if recent == nil {
		recent = []datatypes.Turn{}
	}
	if count < len(recent) {
		count = len(recent)
	}
	return recent, memory, count, true
}

func (s *AskService) lookupCache(ctx context.Context, key string) *datatypes.AskResponse {
	defer s.deps.Metrics.ObserveStage(observability.StageCache, time.Now())

	hit, ok, err := s.deps.Cache.Get(ctx, key)
	switch {
	case err != nil:
		slog.Warn("Response cache lookup failed", "error", err)
		s.deps.Metrics.RecordCacheLookup("error")
		return nil
	case !ok || hit == nil:
		s.deps.Metrics.RecordCacheLookup("miss")
		return nil
	}
	s.deps.Metrics.RecordCacheLookup("hit")
	return hit
}

func (s *AskService) storeCache(ctx context.Context, key string, g *generated) {
	if !g.Parsed {
		return
	}
	entry := datatypes.AskResponse{
		Answer:            g.Answer,
		Products:          g.Products,
		FollowUpQuestions: g.FollowUps,
		Sources:           g.Sources,
		Parsed:            true,
		Timestamp:         time.Now().UnixMilli(),
	}
	if err := s.deps.Cache.Set(ctx, key, entry, s.cfg.CacheTTL); err != nil {
		slog.Warn("Failed to write response cache", "error", err)
	}
}

// generate runs retrieval, prompt, LLM, parse and enrichment.
func (s *AskService) generate(ctx context.Context, req datatypes.AskRequest, history []datatypes.Turn, memory *datatypes.MemorySummary) (*generated, error) {
	hits, err := s.retrieve(ctx, req)
	if err != nil {
		return nil, err
	}

	in := PromptInput{
		Question: req.Query,
		User:     req.UserProfile,
		Child:    req.ChildProfile,
		History:  WindowHistory(history, s.cfg.HistoryMaxTurns, s.cfg.HistoryMaxTokens),
		Products: hits,
	}
	if memory != nil {
		in.Memory = memory.Summary
	}
	messages, err := BuildPrompt(in)
	if err != nil {
		return nil, err
	}

	llmStart := time.Now()
	completion, err := s.deps.LLM.Chat(ctx, messages, llm.GenerationParams{
		Temperature: llm.Float32(s.cfg.Temperature),
		MaxTokens:   llm.IntPtr(s.cfg.MaxTokens),
		JSONMode:    true,
	})
	s.deps.Metrics.ObserveStage(observability.StageLLM, llmStart)
	if err != nil {
		return nil, &UpstreamError{Stage: StageLLM, Err: err}
	}

	parsed, perr := ParseAnswer(completion)
	switch {
	case errors.Is(perr, ErrEmptyCompletion):
		return nil, &UpstreamError{Stage: StageLLM, Err: perr}
	case perr != nil:
		slog.Warn("LLM answer was not parseable, serving raw text",
			"request_id", req.RequestID, "bytes", len(completion))
		s.deps.Metrics.RecordParse("fallback")
	case parsed.Repaired:
		s.deps.Metrics.RecordParse("repaired")
	default:
		s.deps.Metrics.RecordParse("ok")
	}

	enrichStart := time.Now()
	products := s.enricher.Enrich(ctx, parsed.Products, hits, req.TopK)
	s.deps.Metrics.ObserveStage(observability.StageEnrich, enrichStart)

	sources := make([]datatypes.SourceInfo, 0, len(hits))
	for _, h := range hits {
		sources = append(sources, datatypes.SourceInfo{Source: h.SKU, Distance: h.Distance})
	}

	followUps := parsed.FollowUps
	if followUps == nil {
		followUps = []string{}
	}
	return &generated{
		Answer:    parsed.Answer,
		Products:  products,
		FollowUps: followUps,
		Sources:   sources,
		Parsed:    perr == nil,
	}, nil
}

func (s *AskService) retrieve(ctx context.Context, req datatypes.AskRequest) ([]datatypes.ProductHit, error) {
	embedStart := time.Now()
	vector, err := s.deps.Embedder.Embed(ctx, req.Query)
	s.deps.Metrics.ObserveStage(observability.StageEmbed, embedStart)
	if err != nil {
		return nil, &UpstreamError{Stage: StageRetrieval, Err: err}
	}

	filter := datatypes.SearchFilter{InStockOnly: s.cfg.InStockOnly}
	if !s.cfg.SkipAgeFilter {
		filter.ChildAgeMonths = req.ChildAge()
	}

	searchStart := time.Now()
	hits, err := s.deps.Searcher.Search(ctx, vector, req.TopK, filter)
	s.deps.Metrics.ObserveStage(observability.StageSearch, searchStart)
	if err != nil {
		return nil, &UpstreamError{Stage: StageRetrieval, Err: err}
	}
	if hits == nil {
		hits = []datatypes.ProductHit{}
	}
	return hits, nil
}

// persistTurn stores the turn and reports whether it was stored.
func (s *AskService) persistTurn(ctx context.Context, resp *datatypes.AskResponse, question string) bool {
	if s.deps.Store == nil {
		return false
	}
	defer s.deps.Metrics.ObserveStage(observability.StagePersist, time.Now())

	turn := datatypes.Turn{
		SessionID:  resp.SessionID,
		TurnNumber: resp.TurnNumber,
		Question:   question,
		Answer:     resp.Answer,
		SKUs:       resp.SKUs(),
		Timestamp:  resp.Timestamp,
	}
	if err := s.deps.Store.AppendTurn(ctx, turn); err != nil {
		slog.Error("Failed to persist conversation turn",
			"session_id", resp.SessionID, "turn", resp.TurnNumber, "error", err)
		return false
	}
	return true
}

// scheduleSummary starts a background summarization unless the
// concurrency limit is reached, in which case this trigger is skipped and
// the next one covers the missed turns.
func (s *AskService) scheduleSummary(ctx context.Context, sessionID string, previous *datatypes.MemorySummary, turnNumber int) {
	if !s.summarySem.TryAcquire(1) {
		slog.Warn("Summarization queue full, skipping", "session_id", sessionID, "turn", turnNumber)
		s.deps.Metrics.RecordSummary("skipped")
		return
	}

	covered := 0
	if previous != nil {
		covered = previous.CoveredTurns
	}
	limit := turnNumber - covered
	if limit < s.cfg.SummaryEvery {
		limit = s.cfg.SummaryEvery
	}

	bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.SummaryTimeout)
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		defer s.summarySem.Release(1)
		defer cancel()

		turns, err := s.deps.Store.RecentTurns(bgCtx, sessionID, limit)
		if err != nil {
			slog.Warn("Failed to load turns for summary", "session_id", sessionID, "error", err)
			s.deps.Metrics.RecordSummary("error")
			return
		}
		summary, err := s.summarizer.Summarize(bgCtx, sessionID, previous, turns)
		if err != nil {
			if !errors.Is(err, ErrNothingToSummarize) {
				slog.Warn("Summarization failed", "session_id", sessionID, "error", err)
			}
			return
		}
		// Answers can echo contact details from product copy.
		if s.deps.Policy != nil {
			summary.Summary = s.deps.Policy.Redact(summary.Summary)
		}
		if err := s.deps.Store.SaveMemory(bgCtx, summary); err != nil {
			slog.Warn("Failed to save memory summary", "session_id", sessionID, "error", err)
			s.deps.Metrics.RecordSummary("error")
			return
		}
		slog.Debug("Saved memory summary", "session_id", sessionID, "covered_turns", summary.CoveredTurns)
	}()
}

// =============================================================================
// Helpers
// =============================================================================

func copyProducts(in []datatypes.RecommendedProduct) []datatypes.RecommendedProduct {
	out := make([]datatypes.RecommendedProduct, len(in))
	copy(out, in)
	return out
}

func outcomeFor(err error, cached bool) observability.Outcome {
	switch {
	case err == nil && cached:
		return observability.OutcomeCached
	case err == nil:
		return observability.OutcomeSuccess
	case datatypes.IsValidationError(err):
		return observability.OutcomeValidation
	case IsPolicyViolation(err):
		return observability.OutcomePolicyViolation
	case errors.Is(err, ErrNotConfigured):
		return observability.OutcomeUnavailable
	case UpstreamStage(err) == StageRetrieval:
		return observability.OutcomeRetrievalError
	case UpstreamStage(err) == StageLLM:
		return observability.OutcomeLLMError
	}
	return observability.OutcomeInternal
}
