// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routes holds the route table of the management surface.
package routes

import (
	"net/http"

	"github.com/AleutianAI/ContextEngine/services/orchestrator/handlers"
	"github.com/AleutianAI/ContextEngine/services/orchestrator/middleware"
	"github.com/gin-gonic/gin"
)

// Dependencies are the services behind the routes. Documents and Reindexer
// may be nil; their routes are then not registered.
type Dependencies struct {
	Turns         handlers.TurnProcessor
	Conversations handlers.ConversationStore
	Documents     handlers.DocumentService
	Reindexer     handlers.Reindexer
	Ingest        handlers.IngestObserver
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
	// APITokens enables bearer-token auth on /v1 when non-empty.
	APITokens []string
}

// SetupRoutes registers every route on router.
func SetupRoutes(router *gin.Engine, deps Dependencies) {
	router.Use(middleware.Correlation())

	router.GET("/health", handlers.HealthCheck(deps.Conversations))
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	v1 := router.Group("/v1")
	v1.Use(middleware.TokenAuth(deps.APITokens), middleware.Tenant())
	{
		v1.POST("/turns", handlers.HandleTurn(deps.Turns))

		conversations := v1.Group("/conversations")
		{
			conversations.GET("/:conversationId", handlers.GetConversation(deps.Conversations))
			conversations.DELETE("/:conversationId", handlers.DeleteConversation(deps.Conversations))
		}

		if deps.Documents != nil {
			documents := v1.Group("/documents")
			{
				documents.POST("", handlers.CreateDocument(deps.Documents, deps.Ingest))
				documents.GET("", handlers.ListDocuments(deps.Documents))
				documents.GET("/:documentId", handlers.GetDocument(deps.Documents))
				documents.DELETE("/:documentId", handlers.DeleteDocument(deps.Documents))
			}
			v1.POST("/search", handlers.Search(deps.Documents))
		}

		if deps.Reindexer != nil {
			v1.POST("/history/reindex", handlers.HandleReindex(deps.Reindexer))
		}
	}
}
