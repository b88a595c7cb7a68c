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
	"unicode/utf8"

	"github.com/AleutianAI/ShopRAG/services/orchestrator/datatypes"
)

// turnOverheadTokens approximates role markers and separators per turn.
const turnOverheadTokens = 4

const truncationMarker = "…"

// EstimateTokens approximates the prompt cost of a turn as one token per
// four bytes of question and answer, rounded up, plus a fixed overhead.
func EstimateTokens(t datatypes.Turn) int {
	n := len(t.Question) + len(t.Answer)
	return (n+3)/4 + turnOverheadTokens
}

// WindowHistory selects the turns that fit in the prompt.
//
// # Description
//
// turns must be ordered oldest first. The newest maxTurns are kept, then
// the oldest are dropped until the estimated token total is at most
// maxTokens. The newest turn always survives: if it alone is over budget
// its answer is cut on a rune boundary and suffixed with "…".
//
// # Inputs
//
//   - turns: Conversation turns, oldest first. Not modified.
//   - maxTurns: Turn limit. <= 0 disables it.
//   - maxTokens: Token budget. <= 0 disables it.
//
// # Outputs
//
//   - []datatypes.Turn: A new slice, oldest first.
func WindowHistory(turns []datatypes.Turn, maxTurns, maxTokens int) []datatypes.Turn {
	if len(turns) == 0 {
		return []datatypes.Turn{}
	}

	start := 0
	if maxTurns > 0 && len(turns) > maxTurns {
		start = len(turns) - maxTurns
	}
	window := make([]datatypes.Turn, len(turns)-start)
	copy(window, turns[start:])

	if maxTokens <= 0 {
		return window
	}

	total := 0
	for _, t := range window {
		total += EstimateTokens(t)
	}
	for total > maxTokens && len(window) > 1 {
		total -= EstimateTokens(window[0])
		window = window[1:]
	}

	if total > maxTokens {
		window[0] = truncateTurn(window[0], maxTokens)
	}
	return window
}

// truncateTurn shortens the answer of t so EstimateTokens(t) <= budget
// where possible. The question is never cut.
func truncateTurn(t datatypes.Turn, budget int) datatypes.Turn {
	maxBytes := (budget-turnOverheadTokens)*4 - len(t.Question) - len(truncationMarker)
	if maxBytes <= 0 {
		t.Answer = truncationMarker
		return t
	}
	if maxBytes >= len(t.Answer) {
		return t
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(t.Answer[cut]) {
		cut--
	}
	t.Answer = t.Answer[:cut] + truncationMarker
	return t
}
