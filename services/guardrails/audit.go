// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package guardrails

import (
	"context"
	"log/slog"
	"time"

	"github.com/AleutianAI/ContextEngine/pkg/extensions"
)

// SlogAuditLogger writes audit events as structured log records.
//
// Records are emitted at INFO under the "audit" group, tagged with tenant and
// correlation ids so log pipelines can route them.
type SlogAuditLogger struct {
	logger *slog.Logger
}

// NewSlogAuditLogger creates a sink on logger, or slog.Default() when nil.
func NewSlogAuditLogger(logger *slog.Logger) *SlogAuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAuditLogger{logger: logger}
}

// Log writes the event.
func (l *SlogAuditLogger) Log(ctx context.Context, event extensions.AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	attrs := []any{
		slog.Time("timestamp", event.Timestamp),
		slog.String("tenant_id", event.TenantID),
		slog.String("correlation_id", event.CorrelationID),
		slog.String("assistant_id", event.AssistantID),
		slog.String("action", event.Action),
		slog.String("status", event.Status),
	}
	if len(event.Details) > 0 {
		attrs = append(attrs, slog.Any("details", event.Details))
	}
	l.logger.InfoContext(ctx, "guardrail decision", slog.Group("audit", attrs...))
	return nil
}

// Flush is a no-op; slog handlers write synchronously.
func (l *SlogAuditLogger) Flush(ctx context.Context) error {
	return nil
}

var _ extensions.AuditLogger = (*SlogAuditLogger)(nil)
