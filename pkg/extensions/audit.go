// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Audit actions emitted by the guardrails pipeline.
const (
	AuditActionInputCheck  = "input_check"
	AuditActionOutputCheck = "output_check"
)

// Audit statuses.
const (
	AuditStatusPassed  = "passed"
	AuditStatusBlocked = "blocked"
)

// AuditEvent records a single policy decision.
//
// Events are write-once and append-only. The engine never reads them back;
// they are consumed by external observability.
//
// Example:
//
//	event := AuditEvent{
//	    Timestamp:     time.Now().UTC(),
//	    TenantID:      "acme",
//	    CorrelationID: "c0ffee",
//	    AssistantID:   "support-bot",
//	    Action:        AuditActionInputCheck,
//	    Status:        AuditStatusBlocked,
//	    Details: map[string]any{
//	        "reason": "built-in policy violation: violence",
//	    },
//	}
type AuditEvent struct {
	// Timestamp is when the decision was taken (UTC).
	// If zero, implementations should set it to time.Now().UTC().
	Timestamp time.Time `json:"timestamp"`

	// TenantID is the isolation boundary the decision belongs to.
	TenantID string `json:"tenant_id"`

	// CorrelationID ties the event to the originating request.
	CorrelationID string `json:"correlation_id"`

	// AssistantID identifies the assistant whose policy was applied.
	AssistantID string `json:"assistant_id"`

	// Action is the check that ran (AuditActionInputCheck, AuditActionOutputCheck).
	Action string `json:"action"`

	// Status is the outcome (AuditStatusPassed, AuditStatusBlocked).
	Status string `json:"status"`

	// Details holds check-specific data. Text values are already PII-masked.
	Details map[string]any `json:"details,omitempty"`
}

// AuditLogger records policy decisions.
//
// Implementations must be safe for concurrent use by multiple goroutines and
// should return quickly; the guardrails pipeline calls Log on the request path.
type AuditLogger interface {
	// Log records one event. A failing sink must not change the policy
	// decision; callers log and continue.
	Log(ctx context.Context, event AuditEvent) error

	// Flush persists buffered events. Called on shutdown.
	Flush(ctx context.Context) error
}

// NopAuditLogger discards all events.
type NopAuditLogger struct{}

// Log discards the event.
func (l *NopAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	return nil
}

// Flush is a no-op since nothing is buffered.
func (l *NopAuditLogger) Flush(ctx context.Context) error {
	return nil
}

// =============================================================================
// Composition
// =============================================================================

// MultiAuditLogger fans each event out to several sinks.
//
// # Description
//
// Every sink receives every event, even if an earlier sink fails. Errors are
// joined and returned together.
//
// # Thread Safety
//
// Safe for concurrent use if every wrapped sink is.
type MultiAuditLogger struct {
	sinks []AuditLogger
}

// NewMultiAuditLogger creates a fan-out logger. Nil sinks are skipped.
func NewMultiAuditLogger(sinks ...AuditLogger) *MultiAuditLogger {
	m := &MultiAuditLogger{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Log forwards the event to every sink.
func (m *MultiAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	var errs []error
	for _, s := range m.sinks {
		if err := s.Log(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Flush flushes every sink.
func (m *MultiAuditLogger) Flush(ctx context.Context) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BufferedAuditLogger keeps events in memory.
//
// Used by tests and by the CLI's dry-run paths to inspect what the pipeline
// emitted.
type BufferedAuditLogger struct {
	mu     sync.Mutex
	events []AuditEvent
}

// NewBufferedAuditLogger creates an empty buffer.
func NewBufferedAuditLogger() *BufferedAuditLogger {
	return &BufferedAuditLogger{events: make([]AuditEvent, 0, 16)}
}

// Log appends the event.
func (b *BufferedAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

// Flush is a no-op.
func (b *BufferedAuditLogger) Flush(ctx context.Context) error {
	return nil
}

// Events returns a copy of the recorded events.
func (b *BufferedAuditLogger) Events() []AuditEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]AuditEvent, len(b.events))
	copy(out, b.events)
	return out
}

var (
	_ AuditLogger = (*NopAuditLogger)(nil)
	_ AuditLogger = (*MultiAuditLogger)(nil)
	_ AuditLogger = (*BufferedAuditLogger)(nil)
)
