// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/ShopRAG/services/orchestrator/datatypes"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// productFields are the Product properties returned by a search.
var productFields = []graphql.Field{
	{Name: "sku"},
	{Name: "name"},
	{Name: "brand"},
	{Name: "category"},
	{Name: "description"},
	{Name: "price"},
	{Name: "age_min_months"},
	{Name: "age_max_months"},
	{Name: "in_stock"},
	{Name: "_additional", Fields: []graphql.Field{
		{Name: "distance"},
	}},
}

// nearVectorQuery runs a nearVector Get on the Product class. where may be nil.
type nearVectorQuery func(ctx context.Context, vector []float32, limit int, where *filters.WhereBuilder) (*models.GraphQLResponse, error)

// WeaviateSearcher runs product vector search on the Product class.
type WeaviateSearcher struct {
	query nearVectorQuery
}

// NewWeaviateSearcher creates a searcher over client.
func NewWeaviateSearcher(client *weaviate.Client) *WeaviateSearcher {
	return &WeaviateSearcher{query: func(ctx context.Context, vector []float32, limit int, where *filters.WhereBuilder) (*models.GraphQLResponse, error) {
		nearVector := client.GraphQL().NearVectorArgBuilder().WithVector(vector)
		get := client.GraphQL().Get().
			WithClassName(datatypes.ProductClass).
			WithFields(productFields...).
			WithNearVector(nearVector).
			WithLimit(limit)
		if where != nil {
			get = get.WithWhere(where)
		}
		return get.Do(ctx)
	}}
}

// Search returns up to topK products nearest to vector, closest first.
//
// # Description
//
// With a child age in filter, only products whose age range contains the
// age are returned. Products without an age range never match an age
// filter. InStockOnly restricts to in_stock = true.
//
// # Inputs
//
//   - vector: Query embedding. Must be non-empty.
//   - topK: Result limit, clamped to 1..datatypes.MaxTopK.
//   - filter: Optional constraints.
//
// # Outputs
//
//   - []datatypes.ProductHit: Never nil.
//   - error: Non-nil if the query failed.
func (s *WeaviateSearcher) Search(ctx context.Context, vector []float32, topK int, filter datatypes.SearchFilter) ([]datatypes.ProductHit, error) {
	ctx, span := tracer.Start(ctx, "WeaviateSearcher.Search")
	defer span.End()

	if len(vector) == 0 {
		return nil, errors.New("empty query vector")
	}
	switch {
	case topK <= 0:
		topK = datatypes.DefaultTopK
	case topK > datatypes.MaxTopK:
		topK = datatypes.MaxTopK
	}
	span.SetAttributes(
		attribute.Int("search.top_k", topK),
		attribute.Bool("search.filtered", !filter.IsEmpty()),
	)

	result, err := s.query(ctx, vector, topK, BuildProductFilter(filter))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "product search failed")
		slog.Error("Failed to search Product class", "error", err)
		return nil, fmt.Errorf("weaviate search failed: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.ProductQueryResponse](result)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "product search parse failed")
		return nil, fmt.Errorf("failed to parse results: %w", err)
	}

	hits := make([]datatypes.ProductHit, 0, len(parsed.Get.Product))
	for _, p := range parsed.Get.Product {
		if p.SKU == "" {
			continue
		}
		hits = append(hits, p.ToHit())
	}
	span.SetAttributes(attribute.Int("search.hits", len(hits)))
	slog.Debug("Product search complete", "hits", len(hits), "top_k", topK)
	return hits, nil
}

// BuildProductFilter translates filter into a Weaviate where clause, or
// nil when filter is empty.
func BuildProductFilter(filter datatypes.SearchFilter) *filters.WhereBuilder {
	var operands []*filters.WhereBuilder
	if filter.ChildAgeMonths != nil {
		age := int64(*filter.ChildAgeMonths)
		operands = append(operands,
			filters.Where().
				WithPath([]string{"age_min_months"}).
				WithOperator(filters.LessThanEqual).
				WithValueInt(age),
			filters.Where().
				WithPath([]string{"age_max_months"}).
				WithOperator(filters.GreaterThanEqual).
				WithValueInt(age),
		)
	}
	if filter.InStockOnly {
		operands = append(operands, filters.Where().
			WithPath([]string{"in_stock"}).
			WithOperator(filters.Equal).
			WithValueBoolean(true))
	}

	switch len(operands) {
	case 0:
		return nil
	case 1:
		return operands[0]
	}
	return filters.Where().
		WithOperator(filters.And).
		WithOperands(operands)
}
