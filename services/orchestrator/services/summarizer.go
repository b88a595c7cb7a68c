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
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/AleutianAI/ShopRAG/services/llm"
	"github.com/AleutianAI/ShopRAG/services/orchestrator/datatypes"
	"github.com/AleutianAI/ShopRAG/services/orchestrator/observability"
	"go.opentelemetry.io/otel/attribute"
)

// MaxSummaryBytes caps a stored memory summary.
const MaxSummaryBytes = 1200

// ErrNothingToSummarize is returned when every turn is already covered by
// the previous summary.
var ErrNothingToSummarize = errors.New("no new turns to summarize")

const summarySystemPrompt = `You maintain a short memory of a shopping conversation. Merge the previous memory with the new turns into a single paragraph of at most 150 words. Keep the child's age and needs, budget, brand preferences, products already recommended or rejected, and open questions. Write plain text, no lists, no JSON.`

// ShouldSummarize reports whether turnNumber triggers a memory summary
// when summaries run every `every` turns.
func ShouldSummarize(turnNumber, every int) bool {
	return every > 0 && turnNumber > 0 && turnNumber%every == 0
}

// Summarizer folds conversation turns into a session's long-term memory.
type Summarizer struct {
	llm     llm.LLMClient
	metrics *observability.Metrics
}

// NewSummarizer creates a Summarizer. client may be nil, in which case
// every summary is the deterministic fallback.
func NewSummarizer(client llm.LLMClient, metrics *observability.Metrics) *Summarizer {
	return &Summarizer{llm: client, metrics: metrics}
}

// Summarize produces the next memory summary for a session.
//
// # Description
//
// Only turns numbered above previous.CoveredTurns are summarized. The LLM
// receives the previous summary and those turns. Its output is trimmed
// and capped at MaxSummaryBytes. When the LLM fails or returns nothing, a
// fallback is built from the previous summary and the new questions so
// memory never regresses.
//
// # Inputs
//
//   - sessionID: Session being summarized.
//   - previous: Current memory, or nil for the first summary.
//   - turns: Recent turns, oldest first.
//
// # Outputs
//
//   - datatypes.MemorySummary: The new summary with CoveredTurns set to the
//     highest turn number folded in.
//   - error: ErrNothingToSummarize when no turn is new.
func (s *Summarizer) Summarize(ctx context.Context, sessionID string, previous *datatypes.MemorySummary, turns []datatypes.Turn) (datatypes.MemorySummary, error) {
	ctx, span := askTracer.Start(ctx, "Summarizer.Summarize")
	defer span.End()
	defer s.metrics.ObserveStage(observability.StageSummarize, time.Now())

	covered := 0
	prevText := ""
	if previous != nil {
		covered = previous.CoveredTurns
		prevText = strings.TrimSpace(previous.Summary)
	}

	fresh := make([]datatypes.Turn, 0, len(turns))
	for _, t := range turns {
		if t.TurnNumber > covered {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) == 0 {
		s.metrics.RecordSummary("skipped")
		return datatypes.MemorySummary{}, ErrNothingToSummarize
	}
	span.SetAttributes(
		attribute.Int("summary.new_turns", len(fresh)),
		attribute.Bool("summary.has_previous", prevText != ""),
	)

	out := datatypes.MemorySummary{
		SessionID:    sessionID,
		CoveredTurns: fresh[len(fresh)-1].TurnNumber,
		UpdatedAt:    time.Now().UnixMilli(),
	}

	if s.llm != nil {
		text, err := s.llm.Chat(ctx, summaryMessages(prevText, fresh), llm.GenerationParams{
			Temperature: llm.Float32(0.2),
			MaxTokens:   llm.IntPtr(400),
		})
		text = strings.TrimSpace(text)
		switch {
		case err != nil:
			span.RecordError(err)
			slog.Warn("Summary generation failed, using fallback",
				"session_id", sessionID, "error", err)
		case text == "":
			slog.Warn("Summary generation returned nothing, using fallback",
				"session_id", sessionID)
		default:
			out.Summary = capBytes(text, MaxSummaryBytes)
			s.metrics.RecordSummary("ok")
			return out, nil
		}
	}

	out.Summary = fallbackSummary(prevText, fresh)
	s.metrics.RecordSummary("fallback")
	return out, nil
}

func summaryMessages(previous string, turns []datatypes.Turn) []datatypes.Message {
	var sb strings.Builder
	if previous != "" {
		sb.WriteString("Previous memory:\n")
		sb.WriteString(previous)
		sb.WriteString("\n\n")
	}
	sb.WriteString("New turns:\n")
	for _, t := range turns {
		fmt.Fprintf(&sb, "Shopper: %s\nAssistant: %s\n", t.Question, t.Answer)
	}
	return []datatypes.Message{
		{Role: "system", Content: summarySystemPrompt},
		{Role: "user", Content: sb.String()},
	}
}

// fallbackSummary appends the new questions to the previous summary.
func fallbackSummary(previous string, turns []datatypes.Turn) string {
	questions := make([]string, 0, len(turns))
	for _, t := range turns {
		if q := strings.TrimSpace(t.Question); q != "" {
			questions = append(questions, q)
		}
	}
	text := "Shopper asked: " + strings.Join(questions, "; ")
	if previous != "" {
		text = previous + " " + text
	}
	return capBytes(text, MaxSummaryBytes)
}

// capBytes cuts s to at most n bytes on a rune boundary.
func capBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return strings.TrimSpace(s[:cut])
}
