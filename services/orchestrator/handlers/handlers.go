// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the gin handlers of the management surface.
//
// Handlers are constructors that close over their dependencies and return a
// gin.HandlerFunc. The tenant always comes from the X-Tenant-ID header set by
// middleware.Tenant, never from the body.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/AleutianAI/ContextEngine/pkg/extensions"
	"github.com/AleutianAI/ContextEngine/services/orchestrator/conversation"
	"github.com/AleutianAI/ContextEngine/services/orchestrator/indexer"
	"github.com/AleutianAI/ContextEngine/services/orchestrator/middleware"
	"github.com/AleutianAI/ContextEngine/services/orchestrator/services"
	"github.com/AleutianAI/ContextEngine/services/retrieval"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Dependencies
// =============================================================================

// TurnProcessor runs a conversation turn.
type TurnProcessor interface {
	Process(ctx context.Context, req services.TurnRequest) (services.TurnResponse, error)
}

// ConversationStore reads and clears cached conversations.
type ConversationStore interface {
	Get(ctx context.Context, tenantID, conversationID string) (conversation.Record, error)
	Clear(ctx context.Context, tenantID, conversationID string) error
	Mode() conversation.Mode
}

// DocumentService ingests, lists and searches tenant documents.
type DocumentService interface {
	Ingest(ctx context.Context, req retrieval.IngestRequest) (retrieval.IngestResult, error)
	ListDocuments(ctx context.Context, tenantID string) ([]retrieval.Document, error)
	GetDocument(ctx context.Context, tenantID, documentID string) (retrieval.Document, error)
	DeleteDocument(ctx context.Context, tenantID, documentID string) error
	Search(ctx context.Context, req retrieval.SearchRequest) ([]retrieval.SearchResult, error)
}

// Reindexer triggers a history indexing cycle.
type Reindexer interface {
	RunNow(ctx context.Context, force bool) (indexer.RunResult, error)
}

// IngestObserver is told how many chunks each upload indexed.
type IngestObserver interface {
	ObserveDocumentIngest(chunksIndexed int)
}

// tenantOf returns the tenant resolved by middleware.Tenant.
func tenantOf(c *gin.Context) string {
	return middleware.TenantID(c)
}

// =============================================================================
// Error mapping
// =============================================================================

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case extensions.IsValidationError(err):
		return http.StatusBadRequest
	case extensions.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, retrieval.ErrDimensionMismatch):
		return http.StatusConflict
	case extensions.IsDependencyUnavailable(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err with its mapped status. 5xx details are logged,
// not returned.
func respondError(c *gin.Context, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "op", op, "status", status, "error", err)
		msg := http.StatusText(status)
		if extensions.IsDependencyUnavailable(err) {
			var dep *extensions.DependencyUnavailableError
			errors.As(err, &dep)
			msg = dep.Dependency + " unavailable"
		}
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// bindJSON decodes and validates the body. It writes a 400 and returns false
// on failure.
func bindJSON(c *gin.Context, dst any) bool {
	err := c.ShouldBindJSON(dst)
	if err == nil {
		return true
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, describeFieldError(fe))
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": fields})
		return false
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
	return false
}

func describeFieldError(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}
