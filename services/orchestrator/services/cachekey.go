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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"sort"
	"strings"

	"github.com/AleutianAI/ShopRAG/services/orchestrator/datatypes"
)

// CacheKeyPrefix versions the key format. Bump it when canonicalKey changes.
const CacheKeyPrefix = "ask:v1:"

// canonicalKey is the fixed-field form hashed into a cache key. Field
// order is the JSON encoding order and therefore part of the key format.
type canonicalKey struct {
	Query     string   `json:"q"`
	AgeBucket int      `json:"age"`
	Gender    string   `json:"gender"`
	Brands    []string `json:"brands"`
	Budget    int64    `json:"budget"`
	Locale    string   `json:"locale"`
	TopK      int      `json:"top_k"`
}

// BuildCacheKey derives the response cache key for a request.
//
// # Description
//
// Only fields that change the answer are included: the normalized query,
// the child's half-year age bucket and gender, preferred brands, budget,
// locale and top_k. Names, user IDs, session IDs and interests are
// excluded so that equivalent questions from different shoppers share
// an entry.
//
// # Outputs
//
//   - string: "ask:v1:" followed by the hex SHA-256 of the canonical JSON.
//
// # Examples
//
//	BuildCacheKey(datatypes.AskRequest{Query: "Best  Crib?"}, 5) ==
//	    BuildCacheKey(datatypes.AskRequest{Query: "best crib"}, 5)
func BuildCacheKey(req datatypes.AskRequest, topK int) string {
	ck := canonicalKey{
		Query:     NormalizeQuery(req.Query),
		AgeBucket: -1,
		Brands:    []string{},
		TopK:      topK,
	}
	if req.ChildProfile != nil {
		if req.ChildProfile.AgeMonths != nil && *req.ChildProfile.AgeMonths >= 0 {
			ck.AgeBucket = *req.ChildProfile.AgeMonths / 6
		}
		ck.Gender = strings.ToLower(strings.TrimSpace(req.ChildProfile.Gender))
	}
	if req.UserProfile != nil {
		ck.Brands = normalizeBrands(req.UserProfile.PreferredBrands)
		ck.Budget = int64(math.Round(req.UserProfile.BudgetMax))
		ck.Locale = strings.ToLower(strings.TrimSpace(req.UserProfile.Locale))
	}

	// Marshal of this struct cannot fail.
	raw, _ := json.Marshal(ck)
	sum := sha256.Sum256(raw)
	return CacheKeyPrefix + hex.EncodeToString(sum[:])
}

// NormalizeQuery lowercases q, collapses whitespace runs to one space and
// strips trailing '?', '!' and '.' characters.
func NormalizeQuery(q string) string {
	q = strings.Join(strings.Fields(strings.ToLower(q)), " ")
	return strings.TrimSpace(strings.TrimRight(q, "?!."))
}

func normalizeBrands(brands []string) []string {
	seen := make(map[string]bool, len(brands))
	out := make([]string, 0, len(brands))
	for _, b := range brands {
		b = strings.ToLower(strings.TrimSpace(b))
		if b == "" || seen[b] {
			continue
		}
		seen[b] = true
		out = append(out, b)
	}
	sort.Strings(out)
	return out
}
