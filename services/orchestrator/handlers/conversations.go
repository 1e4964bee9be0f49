// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http"

	"github.com/AleutianAI/ContextEngine/services/orchestrator/conversation"
	"github.com/gin-gonic/gin"
)

// ConversationResponse is the body of GET /v1/conversations/:conversationId.
type ConversationResponse struct {
	ConversationID string              `json:"conversation_id"`
	Turns          []conversation.Turn `json:"turns"`
	Summary        string              `json:"summary"`
	TotalTurns     int                 `json:"total_turns"`
}

// GetConversation returns every cached turn of a conversation.
func GetConversation(store ConversationStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("conversationId")
		rec, err := store.Get(c.Request.Context(), tenantOf(c), id)
		if err != nil {
			respondError(c, "get_conversation", err)
			return
		}
		turns := rec.Turns
		if turns == nil {
			turns = []conversation.Turn{}
		}
		c.JSON(http.StatusOK, ConversationResponse{
			ConversationID: id,
			Turns:          turns,
			Summary:        rec.Summary,
			TotalTurns:     len(rec.Turns),
		})
	}
}

// DeleteConversation clears a conversation. Deleting an absent conversation
// succeeds.
func DeleteConversation(store ConversationStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("conversationId")
		if err := store.Clear(c.Request.Context(), tenantOf(c), id); err != nil {
			respondError(c, "delete_conversation", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "deleted", "conversation_id": id})
	}
}
