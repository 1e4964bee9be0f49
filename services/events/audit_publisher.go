// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"context"

	"github.com/AleutianAI/ContextEngine/pkg/extensions"
)

// AuditPublisher forwards audit events to the guardrails audit topic.
type AuditPublisher struct {
	publisher Publisher
	topic     string
	source    string
}

// NewAuditPublisher creates an audit sink on publisher.
func NewAuditPublisher(publisher Publisher, source string) *AuditPublisher {
	return &AuditPublisher{publisher: publisher, topic: TopicGuardrailsAudit, source: source}
}

// Log publishes the event keyed by tenant.
func (a *AuditPublisher) Log(ctx context.Context, event extensions.AuditEvent) error {
	env, err := NewEnvelope(EventAuditRecorded, event.TenantID, event.CorrelationID, a.source, event)
	if err != nil {
		return err
	}
	if !event.Timestamp.IsZero() {
		env.Timestamp = event.Timestamp
	}
	return a.publisher.Publish(ctx, a.topic, event.TenantID, env)
}

// Flush is a no-op; the sync producer acknowledges each send.
func (a *AuditPublisher) Flush(ctx context.Context) error { return nil }

var _ extensions.AuditLogger = (*AuditPublisher)(nil)
