// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the HTTP handlers of the ShopRAG API.
//
// Each handler is built by a HandleX factory that takes the narrow
// dependency it needs, so handlers are tested against hand mocks.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/AleutianAI/ShopRAG/services/orchestrator/datatypes"
	"github.com/AleutianAI/ShopRAG/services/orchestrator/services"
	"github.com/AleutianAI/ShopRAG/services/policy_engine"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("shoprag.orchestrator.handlers")

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error    string   `json:"error"`
	Fields   []string `json:"fields,omitempty"`
	Patterns []string `json:"patterns,omitempty"`
	Stage    string   `json:"stage,omitempty"`
}

// errorStatus maps a pipeline error to its HTTP status and body.
//
//   - *datatypes.ValidationError: 400
//   - *services.PolicyViolationError: 403, with the matched pattern IDs
//   - services.ErrNotConfigured: 503, naming the missing dependency
//   - *services.UpstreamError: 502, with the failing stage
//   - anything else: 500
func errorStatus(err error) (int, ErrorResponse) {
	var ve *datatypes.ValidationError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, ErrorResponse{Error: "invalid request", Fields: ve.Fields}
	case services.IsPolicyViolation(err):
		return http.StatusForbidden, ErrorResponse{
			Error:    "query contains sensitive personal data; remove it and try again",
			Patterns: policy_engine.PatternIDs(services.GetPolicyFindings(err)),
		}
	case errors.Is(err, services.ErrNotConfigured):
		dep := services.NotConfiguredDependency(err)
		if dep == "" {
			dep = "ask pipeline"
		}
		return http.StatusServiceUnavailable, ErrorResponse{Error: dep + " is not configured"}
	case services.IsUpstreamError(err):
		return http.StatusBadGateway, ErrorResponse{
			Error: "upstream dependency failed",
			Stage: services.UpstreamStage(err),
		}
	}
	return http.StatusInternalServerError, ErrorResponse{Error: "internal error"}
}

// writeError aborts c with the mapped status for err.
func writeError(c *gin.Context, err error) {
	status, body := errorStatus(err)
	attrs := []any{"path", c.FullPath(), "status", status, "error", err}
	if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
		attrs = append(attrs, "trace_id", sc.TraceID().String())
	}
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", attrs...)
	} else {
		slog.Info("Request rejected", attrs...)
	}
	c.AbortWithStatusJSON(status, body)
}
