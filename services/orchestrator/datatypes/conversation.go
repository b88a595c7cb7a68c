// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Message is a single chat message sent to an LLM provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Turn is one persisted question/answer pair within a session.
//
// TurnNumber is 1-indexed and assigned by the conversation store.
type Turn struct {
	SessionID  string   `json:"session_id"`
	TurnNumber int      `json:"turn_number"`
	Question   string   `json:"question"`
	Answer     string   `json:"answer"`
	SKUs       []string `json:"skus,omitempty"`
	Timestamp  int64    `json:"timestamp"`
}

// Hash returns the SHA-256 integrity hash stored alongside the turn.
func (t Turn) Hash() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s|%s", t.SessionID, t.TurnNumber, t.Question, t.Answer)))
	return hex.EncodeToString(sum[:])
}

// ToMap converts the turn to Weaviate properties.
func (t Turn) ToMap() map[string]interface{} {
	skus := t.SKUs
	if skus == nil {
		skus = []string{}
	}
	return map[string]interface{}{
		"session_id":  t.SessionID,
		"turn_number": t.TurnNumber,
		"question":    t.Question,
		"answer":      t.Answer,
		"skus":        skus,
		"timestamp":   t.Timestamp,
		"turn_hash":   t.Hash(),
	}
}

// MemorySummary is the rolling long-term memory of a session.
//
// CoveredTurns is the highest turn number folded into Summary.
type MemorySummary struct {
	SessionID    string `json:"session_id"`
	Summary      string `json:"summary"`
	CoveredTurns int    `json:"covered_turns"`
	UpdatedAt    int64  `json:"updated_at"`
}

// SessionInfo is the listing view of a session.
type SessionInfo struct {
	SessionID    string `json:"session_id"`
	Summary      string `json:"summary,omitempty"`
	Timestamp    int64  `json:"timestamp"`
	TTLExpiresAt int64  `json:"ttl_expires_at,omitempty"`
}

// CachedResponse is the record stored in the response cache.
type CachedResponse struct {
	Key       string      `json:"key"`
	Response  AskResponse `json:"response"`
	CreatedAt int64       `json:"created_at"`
}
