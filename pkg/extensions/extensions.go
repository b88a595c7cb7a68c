// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines the pluggable authentication and audit hooks
// of the ShopRAG API.
//
// # Description
//
// The server ships with permissive defaults (NopAuthProvider,
// NopAuditLogger). Deployments swap in real implementations through
// ServiceOptions without touching handler code.
//
// Example:
//
//	opts := extensions.DefaultOptions().
//	    WithAuth(tokenProvider).
//	    WithAudit(extensions.NewSlogAuditLogger(nil))
package extensions

// ServiceOptions bundles the extension points the HTTP layer consumes.
type ServiceOptions struct {
	// AuthProvider authenticates /v1 requests.
	AuthProvider AuthProvider

	// AuditLogger records destructive operations.
	AuditLogger AuditLogger
}

// DefaultOptions returns options with no-op implementations.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthProvider: &NopAuthProvider{},
		AuditLogger:  &NopAuditLogger{},
	}
}

// WithAuth returns a copy of opts using provider.
func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.AuthProvider = provider
	return opts
}

// WithAudit returns a copy of opts using logger.
func (opts ServiceOptions) WithAudit(logger AuditLogger) ServiceOptions {
	opts.AuditLogger = logger
	return opts
}
