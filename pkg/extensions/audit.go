// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"log/slog"
	"time"
)

// AuditEvent records a state-changing action, such as deleting a session
// or purging the response cache.
type AuditEvent struct {
	// EventType groups events, e.g. "session.delete" or "cache.purge".
	EventType string

	// Timestamp is when the action happened. Zero means now.
	Timestamp time.Time

	// UserID is the caller, from AuthInfo.
	UserID string

	// ResourceType and ResourceID name the affected object.
	ResourceType string
	ResourceID   string

	// Outcome is "success" or "failure".
	Outcome string

	// Metadata carries counts and other non-sensitive details.
	Metadata Metadata
}

// AuditLogger records audit events.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
}

// NopAuditLogger discards events.
type NopAuditLogger struct{}

// Log does nothing.
func (l *NopAuditLogger) Log(_ context.Context, _ AuditEvent) error {
	return nil
}

// SlogAuditLogger writes events as structured log records.
type SlogAuditLogger struct {
	logger *slog.Logger
}

// NewSlogAuditLogger creates a logger writing to logger, or to the
// default logger when nil.
func NewSlogAuditLogger(logger *slog.Logger) *SlogAuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAuditLogger{logger: logger.With("component", "audit")}
}

// Log writes event at info level.
func (l *SlogAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	attrs := []any{
		"event_type", event.EventType,
		"timestamp", event.Timestamp.UTC().Format(time.RFC3339Nano),
		"user_id", event.UserID,
		"resource_type", event.ResourceType,
		"resource_id", event.ResourceID,
		"outcome", event.Outcome,
	}
	for _, key := range event.Metadata.Keys() {
		attrs = append(attrs, "meta."+key, event.Metadata[key])
	}
	l.logger.InfoContext(ctx, "Audit event", attrs...)
	return nil
}

var (
	_ AuditLogger = (*NopAuditLogger)(nil)
	_ AuditLogger = (*SlogAuditLogger)(nil)
)
