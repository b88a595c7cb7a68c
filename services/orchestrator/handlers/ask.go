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
	"log/slog"
	"net/http"

	"github.com/AleutianAI/ShopRAG/services/orchestrator/datatypes"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Asker answers a shopper question. services.AskService implements it.
type Asker interface {
	Ask(ctx context.Context, req datatypes.AskRequest) (*datatypes.AskResponse, error)
}

// HandleAsk serves POST /v1/ask.
//
// # Description
//
// Decodes an AskRequest, runs the pipeline and returns the AskResponse.
// A body that is not valid JSON is rejected with 400 before the pipeline
// runs. Pipeline errors are mapped by errorStatus.
//
// # Examples
//
//	curl -X POST localhost:12210/v1/ask -d '{"query":"Which car seat fits a 9 month old?","child_profile":{"age_months":9}}'
func HandleAsk(asker Asker) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "HandleAsk")
		defer span.End()

		var req datatypes.AskRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "invalid body")
			slog.Info("Failed to bind ask request JSON", "error", err)
			c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
			return
		}
		span.SetAttributes(
			attribute.Bool("request.has_session", req.SessionID != ""),
			attribute.Bool("request.has_child_profile", req.ChildProfile != nil),
		)

		resp, err := asker.Ask(ctx, req)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "ask failed")
			writeError(c, err)
			return
		}

		span.SetAttributes(
			attribute.Bool("response.cached", resp.Cached),
			attribute.Int("response.products", len(resp.Products)),
		)
		c.JSON(http.StatusOK, resp)
	}
}
