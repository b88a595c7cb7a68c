// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
)

// ErrUnauthorized is returned when authentication or authorization fails.
// Implementations should wrap it with additional context.
//
// Example:
//
//	if !validToken {
//	    return nil, fmt.Errorf("invalid token format: %w", extensions.ErrUnauthorized)
//	}
var ErrUnauthorized = errors.New("unauthorized")

// Roles understood by the ShopRAG API.
const (
	// RoleShopper may ask questions and read its sessions.
	RoleShopper = "shopper"

	// RoleAdmin may additionally manage the response cache.
	RoleAdmin = "admin"
)

// AuthInfo contains identity information returned after successful authentication.
//
// Required fields (always populated):
//   - UserID: Unique identifier for the caller
//
// Optional fields (may be empty):
//   - Roles: Roles the caller holds
//   - Metadata: Arbitrary key-value pairs from the provider
type AuthInfo struct {
	// UserID is the unique identifier for the authenticated caller.
	UserID string

	// Roles contains the caller's role memberships for authorization decisions.
	Roles []string

	// Metadata holds provider-specific claims.
	Metadata Metadata
}

// HasRole reports whether the caller holds role.
func (a *AuthInfo) HasRole(role string) bool {
	if a == nil {
		return false
	}
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthProvider validates authentication tokens.
//
// # Description
//
// Validate receives the bearer token from the Authorization header, or ""
// when the header is absent, and returns the caller's identity. Errors
// should wrap ErrUnauthorized.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type AuthProvider interface {
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider accepts every request as a local admin. It is the
// default for single-tenant deployments behind a trusted gateway.
type NopAuthProvider struct{}

// Validate always succeeds.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{
		UserID: "local-user",
		Roles:  []string{RoleShopper, RoleAdmin},
	}, nil
}

// StaticTokenAuthProvider accepts a fixed set of API tokens.
//
// # Description
//
// Each token maps to the identity it authenticates. Tokens are compared in
// constant time.
//
// # Examples
//
//	provider, err := extensions.ParseStaticTokens("s3cret:storefront:shopper,ops-key:ops:admin")
type StaticTokenAuthProvider struct {
	tokens map[string]AuthInfo
}

// NewStaticTokenAuthProvider creates a provider over tokens.
func NewStaticTokenAuthProvider(tokens map[string]AuthInfo) *StaticTokenAuthProvider {
	copied := make(map[string]AuthInfo, len(tokens))
	for token, info := range tokens {
		copied[token] = info
	}
	return &StaticTokenAuthProvider{tokens: copied}
}

// ParseStaticTokens builds a provider from a comma-separated list of
// token:user_id:role[|role...] entries.
//
// # Outputs
//
//   - error: Non-nil for malformed entries or an empty list.
func ParseStaticTokens(raw string) (*StaticTokenAuthProvider, error) {
	tokens := map[string]AuthInfo{}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
			return nil, fmt.Errorf("malformed token entry %q, want token:user:roles", redact(parts[0]))
		}
		tokens[parts[0]] = AuthInfo{
			UserID: parts[1],
			Roles:  strings.Split(parts[2], "|"),
		}
	}
	if len(tokens) == 0 {
		return nil, errors.New("no API tokens configured")
	}
	return NewStaticTokenAuthProvider(tokens), nil
}

// Validate looks up token.
func (p *StaticTokenAuthProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("missing bearer token: %w", ErrUnauthorized)
	}
	for candidate, info := range p.tokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			found := info
			found.Roles = append([]string(nil), info.Roles...)
			return &found, nil
		}
	}
	return nil, fmt.Errorf("unknown token: %w", ErrUnauthorized)
}

func redact(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return token[:2] + "****"
}

var (
	_ AuthProvider = (*NopAuthProvider)(nil)
	_ AuthProvider = (*StaticTokenAuthProvider)(nil)
)
