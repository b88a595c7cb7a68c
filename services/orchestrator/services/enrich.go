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
	"log/slog"

	"github.com/AleutianAI/ShopRAG/services/orchestrator/datatypes"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// CatalogLookup is the slice of the catalog the enricher needs.
type CatalogLookup interface {
	LookupSKUs(ctx context.Context, skus []string) (map[string]datatypes.CatalogProduct, error)
}

// Enricher attaches catalog data to the SKUs the model recommended.
type Enricher struct {
	catalog CatalogLookup
}

// NewEnricher creates an Enricher. catalog may be nil, in which case only
// retrieval metadata is used.
func NewEnricher(catalog CatalogLookup) *Enricher {
	return &Enricher{catalog: catalog}
}

// Enrich resolves refs into products.
//
// # Description
//
// All SKUs are looked up in one catalog call. A catalog row wins; a SKU
// the catalog does not know but retrieval returned is served from the hit
// metadata with Enriched=false; a SKU known to neither is dropped as
// hallucinated. Output follows the order of refs and holds at most limit
// products (limit <= 0 means no cap).
//
// A catalog error is logged and treated as an empty catalog result.
//
// # Outputs
//
//   - []datatypes.RecommendedProduct: Never nil.
func (e *Enricher) Enrich(ctx context.Context, refs []SKURef, hits []datatypes.ProductHit, limit int) []datatypes.RecommendedProduct {
	ctx, span := askTracer.Start(ctx, "Enricher.Enrich")
	defer span.End()
	span.SetAttributes(attribute.Int("enrich.refs", len(refs)))

	out := []datatypes.RecommendedProduct{}
	if len(refs) == 0 {
		return out
	}

	hitsBySKU := make(map[string]datatypes.ProductHit, len(hits))
	for _, h := range hits {
		hitsBySKU[NormalizeSKU(h.SKU)] = h
	}

	skus := make([]string, 0, len(refs))
	for _, r := range refs {
		skus = append(skus, r.SKU)
	}

	rows := map[string]datatypes.CatalogProduct{}
	if e.catalog != nil {
		found, err := e.catalog.LookupSKUs(ctx, skus)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "catalog lookup failed")
			slog.Warn("Catalog lookup failed, using retrieval metadata only",
				"skus", len(skus), "error", err)
		}
		for sku, p := range found {
			rows[NormalizeSKU(sku)] = p
		}
	}

	dropped := 0
	for _, ref := range refs {
		if limit > 0 && len(out) >= limit {
			break
		}
		rp := datatypes.RecommendedProduct{SKU: ref.SKU, Reason: ref.Reason}
		if row, ok := rows[ref.SKU]; ok {
			rp.FromCatalog(row)
		} else if hit, ok := hitsBySKU[ref.SKU]; ok {
			rp.FromHit(hit)
		} else {
			dropped++
			continue
		}
		out = append(out, rp)
	}

	if dropped > 0 {
		slog.Warn("Dropped SKUs unknown to catalog and retrieval", "count", dropped)
	}
	span.SetAttributes(
		attribute.Int("enrich.products", len(out)),
		attribute.Int("enrich.dropped", dropped),
	)
	return out
}
