// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/AleutianAI/ShopRAG/services/orchestrator/catalog"
	"github.com/AleutianAI/ShopRAG/services/orchestrator/datatypes"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/codes"
)

// ProductGetter fetches one catalog row. catalog.PGCatalog implements it.
type ProductGetter interface {
	GetProduct(ctx context.Context, sku string) (datatypes.CatalogProduct, error)
}

// HandleGetProduct serves GET /v1/products/:sku.
//
// Answers 404 for an unknown SKU and 503 when no catalog is configured.
func HandleGetProduct(products ProductGetter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "HandleGetProduct")
		defer span.End()

		if products == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, ErrorResponse{Error: "product catalog is not configured"})
			return
		}
		sku := strings.TrimSpace(c.Param("sku"))
		if sku == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: "sku is required"})
			return
		}

		product, err := products.GetProduct(ctx, sku)
		if err != nil {
			if catalog.IsProductNotFound(err) {
				c.AbortWithStatusJSON(http.StatusNotFound, ErrorResponse{Error: "product not found"})
				return
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "get product failed")
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, product)
	}
}
