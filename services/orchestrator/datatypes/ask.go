// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the ShopRAG service.
//
// This file contains the request and response types for the /v1/ask
// endpoint. Conversation records live in conversation.go and product
// shapes in product.go.
package datatypes

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxQueryBytes is the maximum size of a shopper query.
	MaxQueryBytes = 2000

	// DefaultTopK is the number of products retrieved when the request
	// does not specify top_k.
	DefaultTopK = 5

	// MaxTopK is the upper bound for top_k.
	MaxTopK = 20

	// MaxChildAgeMonths is the oldest child profile accepted (18 years).
	MaxChildAgeMonths = 216
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// askValidate is the validator instance for ask datatypes.
var askValidate *validator.Validate

func init() {
	askValidate = validator.New()
	_ = askValidate.RegisterValidation("maxbytes", validateMaxBytes)
	_ = askValidate.RegisterValidation("notblank", validateNotBlank)
}

// validateMaxBytes checks byte length rather than rune count so oversized
// multi-byte payloads are rejected before they reach the embedder.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxQueryBytes
}

func validateNotBlank(fl validator.FieldLevel) bool {
	return strings.TrimSpace(fl.Field().String()) != ""
}

// =============================================================================
// Profiles
// =============================================================================

// UserProfile carries optional shopper metadata used to personalize answers.
type UserProfile struct {
	UserID          string   `json:"user_id,omitempty" validate:"max=128"`
	Name            string   `json:"name,omitempty" validate:"max=128"`
	Locale          string   `json:"locale,omitempty" validate:"max=16"`
	PreferredBrands []string `json:"preferred_brands,omitempty" validate:"max=20,dive,max=64"`
	BudgetMax       float64  `json:"budget_max,omitempty" validate:"gte=0"`
}

// ChildProfile describes the child the shopper is buying for.
//
// AgeMonths is a pointer so that "newborn" (0) is distinguishable from
// "unknown" (nil).
type ChildProfile struct {
	Name      string   `json:"name,omitempty" validate:"max=128"`
	AgeMonths *int     `json:"age_months,omitempty" validate:"omitempty,gte=0,lte=216"`
	Gender    string   `json:"gender,omitempty" validate:"max=32"`
	Interests []string `json:"interests,omitempty" validate:"max=20,dive,max=64"`
}

// =============================================================================
// Ask Request
// =============================================================================

// AskRequest is the body of POST /v1/ask.
//
// # Description
//
// A shopper question plus optional profile metadata. SessionID ties the
// request to a conversation; when empty a new session is created.
//
// # Validation
//
// Uses go-playground/validator:
//   - Query: required, not blank, at most 2000 bytes
//   - TopK: 0..20 (0 means DefaultTopK)
//   - ChildProfile.AgeMonths: 0..216
//   - UserProfile.BudgetMax: non-negative
//
// # Examples
//
//	req := AskRequest{
//	    Query: "Which stroller works for a newborn?",
//	    ChildProfile: &ChildProfile{AgeMonths: Int(1)},
//	}
//	req.EnsureDefaults()
//	if err := req.Validate(); err != nil { ... }
type AskRequest struct {
	RequestID    string        `json:"request_id,omitempty"`
	Query        string        `json:"query" validate:"required,notblank,maxbytes"`
	SessionID    string        `json:"session_id,omitempty" validate:"max=128"`
	UserProfile  *UserProfile  `json:"user_profile,omitempty"`
	ChildProfile *ChildProfile `json:"child_profile,omitempty"`
	TopK         int           `json:"top_k,omitempty" validate:"gte=0,lte=20"`
	SkipCache    bool          `json:"skip_cache,omitempty"`
}

// EnsureDefaults fills generated and defaulted fields in place.
//
// # Description
//
// Generates RequestID when missing and applies DefaultTopK. Returns true
// when SessionID was empty and a new one was generated, which signals a
// brand-new session to the caller.
func (r *AskRequest) EnsureDefaults() (newSession bool) {
	if r.RequestID == "" {
		r.RequestID = uuid.New().String()
	}
	if r.TopK == 0 {
		r.TopK = DefaultTopK
	}
	if strings.TrimSpace(r.SessionID) == "" {
		r.SessionID = uuid.New().String()
		newSession = true
	}
	return newSession
}

// Validate validates the AskRequest fields.
//
// # Outputs
//
//   - error: *ValidationError describing the first failing fields, or nil.
func (r *AskRequest) Validate() error {
	if err := askValidate.Struct(r); err != nil {
		return newValidationError(err)
	}
	return nil
}

// ChildAge returns the child's age in months, or nil when unknown.
func (r *AskRequest) ChildAge() *int {
	if r.ChildProfile == nil {
		return nil
	}
	return r.ChildProfile.AgeMonths
}

// Int is a helper for building optional int fields.
func Int(v int) *int { return &v }

// =============================================================================
// Ask Response
// =============================================================================

// SourceInfo identifies a retrieved product that was placed in the prompt.
type SourceInfo struct {
	Source   string  `json:"source"`
	Distance float64 `json:"distance,omitempty"`
}

// AskResponse is the body returned from POST /v1/ask.
type AskResponse struct {
	RequestID         string               `json:"request_id"`
	SessionID         string               `json:"session_id"`
	Answer            string               `json:"answer"`
	Products          []RecommendedProduct `json:"products"`
	FollowUpQuestions []string             `json:"follow_up_questions,omitempty"`
	Sources           []SourceInfo         `json:"sources,omitempty"`
	Cached            bool                 `json:"cached"`
	Parsed            bool                 `json:"parsed"`
	TurnNumber        int                  `json:"turn_number,omitempty"`
	Timestamp         int64                `json:"timestamp"`
}

// NewAskResponse builds a response stamped with the current time.
func NewAskResponse(requestID, sessionID, answer string) *AskResponse {
	return &AskResponse{
		RequestID: requestID,
		SessionID: sessionID,
		Answer:    answer,
		Products:  []RecommendedProduct{},
		Timestamp: time.Now().UnixMilli(),
	}
}

// SKUs returns the SKUs of the recommended products in order.
func (r *AskResponse) SKUs() []string {
	skus := make([]string, 0, len(r.Products))
	for _, p := range r.Products {
		skus = append(skus, p.SKU)
	}
	return skus
}

// =============================================================================
// Validation Errors
// =============================================================================

// ValidationError is returned when a request fails validation.
// Handlers map it to HTTP 400.
type ValidationError struct {
	Fields []string
	cause  error
}

func newValidationError(err error) *ValidationError {
	ve := &ValidationError{cause: err}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			ve.Fields = append(ve.Fields, fmt.Sprintf("%s:%s", fe.Namespace(), fe.Tag()))
		}
	}
	return ve
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("invalid request: %v", e.cause)
	}
	return "invalid request: " + strings.Join(e.Fields, ", ")
}

// Unwrap returns the underlying validator error.
func (e *ValidationError) Unwrap() error { return e.cause }

// IsValidationError reports whether err is (or wraps) a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
