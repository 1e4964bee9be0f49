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
	"log/slog"
	"net/http"

	"github.com/AleutianAI/ContextEngine/services/retrieval"
	"github.com/gin-gonic/gin"
)

// maxDocumentBytes caps an uploaded document body.
const maxDocumentBytes = 2 << 20

// CreateDocumentRequest is the body of POST /v1/documents.
type CreateDocumentRequest struct {
	DocumentID string         `json:"document_id" binding:"max=128"`
	Name       string         `json:"name" binding:"required,max=256"`
	Type       string         `json:"type" binding:"max=64"`
	Content    string         `json:"content" binding:"required"`
	Metadata   map[string]any `json:"metadata"`
}

// CreateDocument chunks, embeds and stores a document. A partially indexed
// document is still 201; the body reports processed=false.
func CreateDocument(svc DocumentService, observer IngestObserver) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxDocumentBytes)
		var req CreateDocumentRequest
		if !bindJSON(c, &req) {
			return
		}
		tenant := tenantOf(c)
		res, err := svc.Ingest(c.Request.Context(), retrieval.IngestRequest{
			TenantID:   tenant,
			DocumentID: req.DocumentID,
			Name:       req.Name,
			Type:       req.Type,
			Content:    req.Content,
			Metadata:   req.Metadata,
		})
		if observer != nil && res.ChunksIndexed > 0 {
			observer.ObserveDocumentIngest(res.ChunksIndexed)
		}
		if err != nil {
			respondError(c, "create_document", err)
			return
		}

		slog.Info("Document ingested",
			"tenant_id", tenant,
			"document_id", res.DocumentID,
			"chunks_created", res.ChunksCreated,
			"chunks_indexed", res.ChunksIndexed)
		c.JSON(http.StatusCreated, gin.H{
			"document_id":    res.DocumentID,
			"chunks_created": res.ChunksCreated,
			"chunks_indexed": res.ChunksIndexed,
			"processed":      res.ChunksCreated == res.ChunksIndexed,
		})
	}
}

// ListDocuments lists the tenant's documents, newest first.
func ListDocuments(svc DocumentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		docs, err := svc.ListDocuments(c.Request.Context(), tenantOf(c))
		if err != nil {
			respondError(c, "list_documents", err)
			return
		}
		if docs == nil {
			docs = []retrieval.Document{}
		}
		c.JSON(http.StatusOK, gin.H{"documents": docs, "count": len(docs)})
	}
}

// GetDocument returns one document's metadata.
func GetDocument(svc DocumentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		doc, err := svc.GetDocument(c.Request.Context(), tenantOf(c), c.Param("documentId"))
		if err != nil {
			respondError(c, "get_document", err)
			return
		}
		c.JSON(http.StatusOK, doc)
	}
}

// DeleteDocument removes a document and its chunks.
func DeleteDocument(svc DocumentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("documentId")
		if err := svc.DeleteDocument(c.Request.Context(), tenantOf(c), id); err != nil {
			respondError(c, "delete_document", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "deleted", "document_id": id})
	}
}

// SearchRequest is the body of POST /v1/search. Range checks happen in the
// retrieval service so the HTTP and programmatic paths agree.
type SearchRequest struct {
	Query     string   `json:"query" binding:"required,max=4000"`
	TopK      int      `json:"top_k"`
	Threshold *float64 `json:"threshold"`
	Source    string   `json:"source" binding:"omitempty,oneof=document conversation_history"`
}

// Search runs a tenant-scoped similarity query.
func Search(svc DocumentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SearchRequest
		if !bindJSON(c, &req) {
			return
		}
		hits, err := svc.Search(c.Request.Context(), retrieval.SearchRequest{
			TenantID:  tenantOf(c),
			Query:     req.Query,
			TopK:      req.TopK,
			Threshold: req.Threshold,
			Source:    req.Source,
		})
		if err != nil {
			respondError(c, "search", err)
			return
		}
		if hits == nil {
			hits = []retrieval.SearchResult{}
		}
		c.JSON(http.StatusOK, gin.H{"results": hits, "count": len(hits)})
	}
}
