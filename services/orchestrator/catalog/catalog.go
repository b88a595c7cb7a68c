// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package catalog reads authoritative product data from PostgreSQL.
//
// # Description
//
// The vector index answers "which products are relevant". The catalog
// answers "what does this SKU cost right now and is it in stock". Answers
// are enriched from here so prices never come from the embedding index.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/AleutianAI/ShopRAG/services/orchestrator/datatypes"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("shoprag.orchestrator.catalog")

// DefaultTable is the catalog table used when none is configured.
const DefaultTable = "products"

// ErrProductNotFound is returned by GetProduct for an unknown SKU.
var ErrProductNotFound = errors.New("product not found")

// IsProductNotFound reports whether err wraps ErrProductNotFound.
func IsProductNotFound(err error) bool {
	return errors.Is(err, ErrProductNotFound)
}

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Catalog looks up products by SKU.
type Catalog interface {
	// LookupSKUs returns the catalog rows for skus keyed by SKU. Unknown
	// SKUs are absent from the map.
	LookupSKUs(ctx context.Context, skus []string) (map[string]datatypes.CatalogProduct, error)

	// GetProduct returns one product or ErrProductNotFound.
	GetProduct(ctx context.Context, sku string) (datatypes.CatalogProduct, error)
}

// Querier is the part of pgxpool.Pool the catalog uses.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PGCatalog implements Catalog on a PostgreSQL table.
type PGCatalog struct {
	db    Querier
	query string
}

var _ Catalog = (*PGCatalog)(nil)

// NewPGCatalog creates a catalog reading from table, which may be
// schema-qualified. An empty table uses DefaultTable.
//
// # Outputs
//
//   - error: Non-nil if table is not a plain SQL identifier.
func NewPGCatalog(db Querier, table string) (*PGCatalog, error) {
	if table == "" {
		table = DefaultTable
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid catalog table name %q", table)
	}
	ident := pgx.Identifier(strings.Split(table, ".")).Sanitize()
	return &PGCatalog{
		db: db,
		query: "SELECT sku, name, COALESCE(brand, ''), COALESCE(category, ''), price_cents, " +
			"COALESCE(currency, 'USD'), COALESCE(image_url, ''), COALESCE(product_url, ''), in_stock " +
			"FROM " + ident + " WHERE upper(sku) = ANY($1)",
	}, nil
}

// Connect opens a pgx pool for dsn, verifies it with a ping and returns a
// catalog over it. The caller closes the pool.
//
// # Examples
//
//	cat, pool, err := catalog.Connect(ctx, os.Getenv("CATALOG_DATABASE_URL"), "products")
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
func Connect(ctx context.Context, dsn, table string) (*PGCatalog, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("create catalog pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping catalog database: %w", err)
	}
	cat, err := NewPGCatalog(pool, table)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	slog.Info("Connected to product catalog", "table", table)
	return cat, pool, nil
}

// LookupSKUs returns the catalog rows for skus keyed by SKU.
//
// # Description
//
// SKUs are matched case-insensitively and the result is keyed by the
// normalized SKU. Empty and duplicate SKUs are dropped before querying.
// With nothing left to look up, no query is sent.
func (c *PGCatalog) LookupSKUs(ctx context.Context, skus []string) (map[string]datatypes.CatalogProduct, error) {
	ctx, span := tracer.Start(ctx, "PGCatalog.LookupSKUs")
	defer span.End()

	unique := dedupe(skus)
	span.SetAttributes(attribute.Int("catalog.requested", len(unique)))
	out := make(map[string]datatypes.CatalogProduct, len(unique))
	if len(unique) == 0 {
		return out, nil
	}

	rows, err := c.db.Query(ctx, c.query, unique)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "catalog query failed")
		return nil, fmt.Errorf("query catalog: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p datatypes.CatalogProduct
		if err := rows.Scan(
			&p.SKU, &p.Name, &p.Brand, &p.Category, &p.PriceCents,
			&p.Currency, &p.ImageURL, &p.ProductURL, &p.InStock,
		); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("scan catalog row: %w", err)
		}
		out[NormalizeSKU(p.SKU)] = p
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "catalog rows failed")
		return nil, fmt.Errorf("read catalog rows: %w", err)
	}

	span.SetAttributes(attribute.Int("catalog.found", len(out)))
	return out, nil
}

// GetProduct returns the catalog row for sku, matched case-insensitively.
func (c *PGCatalog) GetProduct(ctx context.Context, sku string) (datatypes.CatalogProduct, error) {
	sku = NormalizeSKU(sku)
	found, err := c.LookupSKUs(ctx, []string{sku})
	if err != nil {
		return datatypes.CatalogProduct{}, err
	}
	p, ok := found[sku]
	if !ok {
		return datatypes.CatalogProduct{}, fmt.Errorf("sku %q: %w", sku, ErrProductNotFound)
	}
	return p, nil
}

// NormalizeSKU trims and upper-cases sku.
func NormalizeSKU(sku string) string {
	return strings.ToUpper(strings.TrimSpace(sku))
}

func dedupe(skus []string) []string {
	seen := make(map[string]struct{}, len(skus))
	out := make([]string, 0, len(skus))
	for _, s := range skus {
		s = NormalizeSKU(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
