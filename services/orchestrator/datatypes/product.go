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

import "math"

// ProductHit is a single vector-search result from the Product class.
type ProductHit struct {
	SKU          string  `json:"sku"`
	Name         string  `json:"name"`
	Brand        string  `json:"brand,omitempty"`
	Category     string  `json:"category,omitempty"`
	Description  string  `json:"description,omitempty"`
	Price        float64 `json:"price,omitempty"`
	AgeMinMonths *int    `json:"age_min_months,omitempty"`
	AgeMaxMonths *int    `json:"age_max_months,omitempty"`
	InStock      *bool   `json:"in_stock,omitempty"`
	Distance     float64 `json:"distance"`
}

// CatalogProduct is a row from the relational product catalog.
type CatalogProduct struct {
	SKU        string `json:"sku"`
	Name       string `json:"name"`
	Brand      string `json:"brand,omitempty"`
	Category   string `json:"category,omitempty"`
	PriceCents int64  `json:"price_cents"`
	Currency   string `json:"currency"`
	ImageURL   string `json:"image_url,omitempty"`
	ProductURL string `json:"product_url,omitempty"`
	InStock    bool   `json:"in_stock"`
}

// Price returns the catalog price in whole currency units.
func (p CatalogProduct) Price() float64 {
	return float64(p.PriceCents) / 100
}

// RecommendedProduct is a product the model recommended, enriched with
// catalog data when available.
//
// Enriched is false when the catalog had no row for the SKU and the fields
// were filled from vector-search metadata instead.
type RecommendedProduct struct {
	SKU        string  `json:"sku"`
	Reason     string  `json:"reason,omitempty"`
	Name       string  `json:"name,omitempty"`
	Brand      string  `json:"brand,omitempty"`
	Category   string  `json:"category,omitempty"`
	Price      float64 `json:"price,omitempty"`
	Currency   string  `json:"currency,omitempty"`
	ImageURL   string  `json:"image_url,omitempty"`
	ProductURL string  `json:"product_url,omitempty"`
	InStock    *bool   `json:"in_stock,omitempty"`
	Enriched   bool    `json:"enriched"`
}

// FromCatalog fills the product from a catalog row.
func (r *RecommendedProduct) FromCatalog(p CatalogProduct) {
	inStock := p.InStock
	r.Name = p.Name
	r.Brand = p.Brand
	r.Category = p.Category
	r.Price = math.Round(p.Price()*100) / 100
	r.Currency = p.Currency
	r.ImageURL = p.ImageURL
	r.ProductURL = p.ProductURL
	r.InStock = &inStock
	r.Enriched = true
}

// FromHit fills the product from vector-search metadata.
func (r *RecommendedProduct) FromHit(h ProductHit) {
	r.Name = h.Name
	r.Brand = h.Brand
	r.Category = h.Category
	r.Price = h.Price
	r.InStock = h.InStock
	r.Enriched = false
}

// SearchFilter narrows a product vector search.
//
// A nil ChildAgeMonths applies no age constraint.
type SearchFilter struct {
	ChildAgeMonths *int
	InStockOnly    bool
}

// IsEmpty reports whether the filter constrains nothing.
func (f SearchFilter) IsEmpty() bool {
	return f.ChildAgeMonths == nil && !f.InStockOnly
}
