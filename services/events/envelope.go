// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events defines the conversation event envelope and its Kafka
// transport.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/AleutianAI/ContextEngine/pkg/extensions"
)

// EnvelopeVersion is stamped on every envelope.
const EnvelopeVersion = "1.0"

// Topics and event names.
const (
	TopicMessageReceived  = "conversation.message_received"
	TopicMessageGenerated = "conversation.message_generated"
	TopicGuardrailsAudit  = "guardrails.audit"

	EventAuditRecorded = "guardrails.audit_recorded"
)

// Envelope wraps every event payload.
type Envelope struct {
	EventName     string          `json:"event_name"`
	Version       string          `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	TenantID      string          `json:"tenant_id"`
	CorrelationID string          `json:"correlation_id"`
	Source        string          `json:"source"`
	Data          json.RawMessage `json:"data"`
}

// NewEnvelope marshals data into a versioned envelope.
func NewEnvelope(name, tenantID, correlationID, source string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", name, err)
	}
	return Envelope{
		EventName:     name,
		Version:       EnvelopeVersion,
		Timestamp:     time.Now().UTC(),
		TenantID:      tenantID,
		CorrelationID: correlationID,
		Source:        source,
		Data:          raw,
	}, nil
}

// Decode unmarshals the payload into out.
func (e Envelope) Decode(out any) error {
	if len(e.Data) == 0 {
		return extensions.Invalid("data", "envelope has no payload")
	}
	if err := json.Unmarshal(e.Data, out); err != nil {
		return extensions.Invalid("data", fmt.Sprintf("malformed %s payload: %v", e.EventName, err))
	}
	return nil
}

// MessageReceived is the payload of conversation.message_received.
type MessageReceived struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Text           string `json:"text"`
	AssistantID    string `json:"assistant_id"`
	Channel        string `json:"channel"`
	UserID         string `json:"user_id"`
}

// MessageGenerated is the payload of conversation.message_generated.
type MessageGenerated struct {
	ConversationID       string `json:"conversation_id"`
	MessageID            string `json:"message_id"`
	Text                 string `json:"text"`
	AssistantID          string `json:"assistant_id"`
	ProcessingTimeMs     int64  `json:"processing_time_ms"`
	TokensUsed           int    `json:"tokens_used"`
	ModelName            string `json:"model_name"`
	HasHistoricalContext bool   `json:"has_historical_context"`
}
