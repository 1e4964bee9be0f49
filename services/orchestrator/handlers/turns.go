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

	"github.com/AleutianAI/ContextEngine/services/orchestrator/middleware"
	"github.com/AleutianAI/ContextEngine/services/orchestrator/services"
	"github.com/gin-gonic/gin"
)

// TurnRequest is the body of POST /v1/turns.
type TurnRequest struct {
	AssistantID    string `json:"assistant_id" binding:"max=128"`
	ConversationID string `json:"conversation_id" binding:"max=128"`
	MessageID      string `json:"message_id" binding:"max=128"`
	UserID         string `json:"user_id" binding:"max=128"`
	Channel        string `json:"channel" binding:"max=64"`
	Text           string `json:"text" binding:"required,max=16000"`
}

// HandleTurn processes one turn synchronously. A guardrail block is a normal
// 200 response with blocked=true and the refusal text.
func HandleTurn(svc TurnProcessor) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req TurnRequest
		if !bindJSON(c, &req) {
			return
		}
		resp, err := svc.Process(c.Request.Context(), services.TurnRequest{
			TenantID:       tenantOf(c),
			AssistantID:    req.AssistantID,
			ConversationID: req.ConversationID,
			MessageID:      req.MessageID,
			UserID:         req.UserID,
			Channel:        req.Channel,
			Text:           req.Text,
			CorrelationID:  middleware.CorrelationID(c),
		})
		if err != nil {
			respondError(c, "turn", err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}
