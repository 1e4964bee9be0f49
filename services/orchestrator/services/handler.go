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
	"context"
	"log/slog"

	"github.com/AleutianAI/ContextEngine/pkg/extensions"
	"github.com/AleutianAI/ContextEngine/services/events"
)

// MessageHandler feeds conversation.message_received events into a
// TurnService.
type MessageHandler struct {
	turns *TurnService
}

// NewMessageHandler adapts svc to events.Handler.
func NewMessageHandler(svc *TurnService) *MessageHandler {
	return &MessageHandler{turns: svc}
}

// Handle processes one envelope.
//
// # Outputs
//
//   - error: Nil when the event was handled or can never succeed (malformed
//     payload, unknown assistant). Other errors leave the offset unmarked so
//     the message is redelivered.
func (h *MessageHandler) Handle(ctx context.Context, env events.Envelope) error {
	if env.EventName != "" && env.EventName != events.TopicMessageReceived {
		slog.Debug("Ignoring unrelated event", "event", env.EventName)
		return nil
	}
	var msg events.MessageReceived
	if err := env.Decode(&msg); err != nil {
		slog.Warn("Dropping undecodable message_received", "tenant_id", env.TenantID, "error", err)
		return nil
	}

	_, err := h.turns.Process(ctx, TurnRequest{
		TenantID:       env.TenantID,
		AssistantID:    msg.AssistantID,
		ConversationID: msg.ConversationID,
		MessageID:      msg.MessageID,
		UserID:         msg.UserID,
		Channel:        msg.Channel,
		Text:           msg.Text,
		CorrelationID:  env.CorrelationID,
	})
	if extensions.IsValidationError(err) || extensions.IsNotFound(err) {
		slog.Warn("Dropping message_received that cannot be processed",
			"tenant_id", env.TenantID, "message_id", msg.MessageID, "error", err)
		return nil
	}
	return err
}

var _ events.Handler = (*MessageHandler)(nil)
