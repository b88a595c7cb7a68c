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
	"errors"
	"fmt"

	"github.com/AleutianAI/ShopRAG/services/policy_engine"
)

// Pipeline stages reported by UpstreamError.
const (
	StageRetrieval = "retrieval"
	StageLLM       = "llm"
)

// ErrNotConfigured is returned when a required collaborator (retriever or
// LLM) was not wired at startup. Handlers map it to HTTP 503.
var ErrNotConfigured = errors.New("service dependency not configured")

// Dependency names carried by NotConfiguredError.
const (
	DependencyEmbedder = "embedder"
	DependencySearch   = "vector search"
	DependencyLLM      = "llm"
)

// NotConfiguredError names the collaborator that was not wired. It matches
// ErrNotConfigured under errors.Is.
type NotConfiguredError struct {
	Dependency string
}

// Error implements the error interface for NotConfiguredError.
func (e *NotConfiguredError) Error() string {
	return e.Dependency + " is not configured"
}

// Is reports whether target is ErrNotConfigured.
func (e *NotConfiguredError) Is(target error) bool {
	return target == ErrNotConfigured
}

// NotConfiguredDependency returns the dependency named by a wrapped
// NotConfiguredError, or "" when err carries none.
func NotConfiguredDependency(err error) string {
	var nce *NotConfiguredError
	if errors.As(err, &nce) {
		return nce.Dependency
	}
	return ""
}

// PolicyViolationError is returned when the shopper query matches a data
// classification pattern.
type PolicyViolationError struct {
	Findings []policy_engine.ScanFinding
}

// Error implements the error interface for PolicyViolationError.
func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("policy violation: %d findings", len(e.Findings))
}

// IsPolicyViolation checks if an error is a PolicyViolationError.
//
// Example:
//
//	resp, err := service.Ask(ctx, req)
//	if services.IsPolicyViolation(err) {
//	    c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
//	    return
//	}
func IsPolicyViolation(err error) bool {
	var pve *PolicyViolationError
	return errors.As(err, &pve)
}

// GetPolicyFindings extracts policy findings from a PolicyViolationError.
// Returns nil if the error is not a PolicyViolationError.
func GetPolicyFindings(err error) []policy_engine.ScanFinding {
	var pve *PolicyViolationError
	if errors.As(err, &pve) {
		return pve.Findings
	}
	return nil
}

// UpstreamError wraps a failure of an external collaborator at a given
// pipeline stage. Handlers map it to HTTP 502.
type UpstreamError struct {
	Stage string
	Err   error
}

// Error implements the error interface for UpstreamError.
func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying error.
func (e *UpstreamError) Unwrap() error { return e.Err }

// IsUpstreamError checks if an error is (or wraps) an UpstreamError.
func IsUpstreamError(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}

// UpstreamStage returns the failing stage of an UpstreamError, or "".
func UpstreamStage(err error) string {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Stage
	}
	return ""
}
