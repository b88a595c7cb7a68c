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
	"context"
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// Weaviate class names.
const (
	ProductClass      = "Product"
	ConversationClass = "Conversation"
	SessionClass      = "Session"
)

func filterable() *bool {
	b := true
	return &b
}

// GetProductSchema returns the Product class definition.
//
// Products are vectorized offline by the ingestion job, so the class uses
// vectorizer "none" and queries pass their own vectors.
func GetProductSchema() *models.Class {
	return &models.Class{
		Class:       ProductClass,
		Description: "A catalog product with its embedded description.",
		Vectorizer:  "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexNullState:  true,
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:            "sku",
				DataType:        []string{"text"},
				Description:     "The catalog stock-keeping unit.",
				IndexFilterable: filterable(),
				Tokenization:    "field",
			},
			{
				Name:         "name",
				DataType:     []string{"text"},
				Description:  "Display name of the product.",
				Tokenization: "word",
			},
			{
				Name:            "brand",
				DataType:        []string{"text"},
				Description:     "Brand or manufacturer.",
				IndexFilterable: filterable(),
				Tokenization:    "field",
			},
			{
				Name:            "category",
				DataType:        []string{"text"},
				Description:     "Catalog category path.",
				IndexFilterable: filterable(),
				Tokenization:    "field",
			},
			{
				Name:         "description",
				DataType:     []string{"text"},
				Description:  "Long-form product description used as RAG context.",
				Tokenization: "word",
			},
			{
				Name:            "price",
				DataType:        []string{"number"},
				Description:     "List price in whole currency units.",
				IndexFilterable: filterable(),
			},
			{
				Name:            "age_min_months",
				DataType:        []string{"int"},
				Description:     "Youngest recommended child age in months.",
				IndexFilterable: filterable(),
			},
			{
				Name:            "age_max_months",
				DataType:        []string{"int"},
				Description:     "Oldest recommended child age in months.",
				IndexFilterable: filterable(),
			},
			{
				Name:            "in_stock",
				DataType:        []string{"boolean"},
				Description:     "Stock flag at ingestion time.",
				IndexFilterable: filterable(),
			},
		},
	}
}

// GetConversationSchema returns the Conversation class definition.
func GetConversationSchema() *models.Class {
	return &models.Class{
		Class:       ConversationClass,
		Description: "A record of a shopper question and the assistant's answer.",
		Vectorizer:  "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexNullState:  true,
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:            "session_id",
				DataType:        []string{"text"},
				Description:     "The unique ID for the conversation session.",
				IndexFilterable: filterable(),
				Tokenization:    "field",
			},
			{
				Name:         "question",
				DataType:     []string{"text"},
				Description:  "The shopper's query.",
				Tokenization: "word",
			},
			{
				Name:         "answer",
				DataType:     []string{"text"},
				Description:  "The assistant's answer text.",
				Tokenization: "word",
			},
			{
				Name:            "skus",
				DataType:        []string{"text[]"},
				Description:     "SKUs recommended in this turn.",
				IndexFilterable: filterable(),
				Tokenization:    "field",
			},
			{
				Name:            "timestamp",
				DataType:        []string{"number"},
				Description:     "Unix milliseconds of the turn.",
				IndexFilterable: filterable(),
			},
			{
				Name:            "turn_number",
				DataType:        []string{"int"},
				Description:     "The sequential turn number within the session (1-indexed).",
				IndexFilterable: filterable(),
			},
			{
				Name:            "turn_hash",
				DataType:        []string{"text"},
				Description:     "SHA-256 hash of turn content for integrity verification.",
				IndexFilterable: filterable(),
				Tokenization:    "field",
			},
		},
	}
}

// GetSessionSchema returns the Session class definition. The summary
// property holds the long-term memory summary.
func GetSessionSchema() *models.Class {
	return &models.Class{
		Class:               SessionClass,
		Description:         "Metadata for a shopping session, including its memory summary.",
		Vectorizer:          "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{IndexTimestamps: true},
		Properties: []*models.Property{
			{
				Name:            "session_id",
				DataType:        []string{"text"},
				Description:     "The unique ID for the conversation session.",
				IndexFilterable: filterable(),
				Tokenization:    "field",
			},
			{
				Name:         "summary",
				DataType:     []string{"text"},
				Description:  "LLM-generated rolling summary of the session.",
				Tokenization: "word",
			},
			{
				Name:            "covered_turns",
				DataType:        []string{"int"},
				Description:     "Highest turn number folded into the summary.",
				IndexFilterable: filterable(),
			},
			{
				Name:            "timestamp",
				DataType:        []string{"number"},
				Description:     "The timestamp when the session began.",
				IndexFilterable: filterable(),
			},
			{
				Name:            "ttl_expires_at",
				DataType:        []string{"number"},
				Description:     "Unix milliseconds when the session expires. 0 = never. Refreshed on each turn.",
				IndexFilterable: filterable(),
			},
		},
	}
}

// EnsureWeaviateSchema creates any missing ShopRAG classes.
//
// # Description
//
// For each class, asks Weaviate whether it exists and creates it if the
// getter fails. Existing classes are left untouched.
//
// # Outputs
//
//   - error: Non-nil if a missing class could not be created.
func EnsureWeaviateSchema(ctx context.Context, client *weaviate.Client) error {
	schemaGetters := []func() *models.Class{
		GetSessionSchema,
		GetConversationSchema,
		GetProductSchema,
	}

	for _, getSchema := range schemaGetters {
		class := getSchema()
		if _, err := client.Schema().ClassGetter().WithClassName(class.Class).Do(ctx); err == nil {
			slog.Info("Schema already exists", "class", class.Class)
			continue
		}
		slog.Info("Schema not found, creating it", "class", class.Class)
		if err := client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
			return fmt.Errorf("create schema for class %s: %w", class.Class, err)
		}
		slog.Info("Successfully created schema", "class", class.Class)
	}
	return nil
}
