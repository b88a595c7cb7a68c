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
	"encoding/json"
	"fmt"

	"github.com/weaviate/weaviate/entities/models"
)

// =============================================================================
// Generic GraphQL Response Parser
// =============================================================================

// ParseGraphQLResponse parses a Weaviate GraphQL response into the target type.
//
// # Description
//
// Converts Weaviate's dynamic response (map[string]models.JSONObject) into a
// strongly-typed struct by a marshal/unmarshal round trip. T must carry json
// tags matching the response shape.
//
// # Outputs
//
//   - *T: Pointer to the parsed struct.
//   - error: Non-nil if the response is nil, carries GraphQL errors, or
//     fails to parse.
//
// # Limitations
//
//   - Type mismatches between T and the response yield zero values, not errors.
func ParseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}
	if len(resp.Errors) > 0 && resp.Errors[0] != nil {
		return nil, fmt.Errorf("graphql error: %s", resp.Errors[0].Message)
	}

	respBytes, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}

	var result T
	if err := json.Unmarshal(respBytes, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into target type: %w", err)
	}

	return &result, nil
}

// =============================================================================
// ShopRAG Response Types
// =============================================================================

// ProductQueryResponse is the shape of a nearVector query on Product.
type ProductQueryResponse struct {
	Get struct {
		Product []ProductResult `json:"Product"`
	} `json:"Get"`
}

// ProductResult is a single Product object from a query.
type ProductResult struct {
	SKU          string   `json:"sku"`
	Name         string   `json:"name"`
	Brand        string   `json:"brand"`
	Category     string   `json:"category"`
	Description  string   `json:"description"`
	Price        float64  `json:"price"`
	AgeMinMonths *float64 `json:"age_min_months"`
	AgeMaxMonths *float64 `json:"age_max_months"`
	InStock      *bool    `json:"in_stock"`
	Additional   struct {
		Distance float64 `json:"distance"`
	} `json:"_additional"`
}

// ToHit converts the query result into a ProductHit.
func (p ProductResult) ToHit() ProductHit {
	hit := ProductHit{
		SKU:         p.SKU,
		Name:        p.Name,
		Brand:       p.Brand,
		Category:    p.Category,
		Description: p.Description,
		Price:       p.Price,
		InStock:     p.InStock,
		Distance:    p.Additional.Distance,
	}
	if p.AgeMinMonths != nil {
		hit.AgeMinMonths = Int(int(*p.AgeMinMonths))
	}
	if p.AgeMaxMonths != nil {
		hit.AgeMaxMonths = Int(int(*p.AgeMaxMonths))
	}
	return hit
}

// ConversationQueryResponse is the shape of a Get query on Conversation.
type ConversationQueryResponse struct {
	Get struct {
		Conversation []ConversationResult `json:"Conversation"`
	} `json:"Get"`
}

// ConversationResult represents a single conversation turn from a query.
type ConversationResult struct {
	SessionID  string   `json:"session_id"`
	Question   string   `json:"question"`
	Answer     string   `json:"answer"`
	SKUs       []string `json:"skus"`
	Timestamp  float64  `json:"timestamp"`
	TurnNumber *float64 `json:"turn_number"`
}

// ToTurn converts the query result into a Turn.
func (c ConversationResult) ToTurn() Turn {
	t := Turn{
		SessionID: c.SessionID,
		Question:  c.Question,
		Answer:    c.Answer,
		SKUs:      c.SKUs,
		Timestamp: int64(c.Timestamp),
	}
	if c.TurnNumber != nil {
		t.TurnNumber = int(*c.TurnNumber)
	}
	return t
}

// SessionQueryResponse is the shape of a Get query on Session.
type SessionQueryResponse struct {
	Get struct {
		Session []SessionResult `json:"Session"`
	} `json:"Get"`
}

// SessionResult represents a single session from a query.
type SessionResult struct {
	SessionID    string   `json:"session_id"`
	Summary      string   `json:"summary"`
	CoveredTurns *float64 `json:"covered_turns"`
	Timestamp    float64  `json:"timestamp"`
	TTLExpiresAt float64  `json:"ttl_expires_at"`
	Additional   struct {
		ID string `json:"id"`
	} `json:"_additional"`
}

// AggregateCountResponse is the shape of a meta.count aggregate on a class.
type AggregateCountResponse struct {
	Aggregate map[string][]struct {
		Meta struct {
			Count float64 `json:"count"`
		} `json:"meta"`
	} `json:"Aggregate"`
}

// Count returns the meta count for className, or 0 when absent.
func (a AggregateCountResponse) Count(className string) int {
	rows := a.Aggregate[className]
	if len(rows) == 0 {
		return 0
	}
	return int(rows[0].Meta.Count)
}
