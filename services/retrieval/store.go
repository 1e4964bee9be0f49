// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval stores tenant-scoped chunks and runs vector similarity
// search over them. Document RAG and conversation-history RAG share the same
// store; the chunk's Source tells them apart.
package retrieval

import (
	"context"
	"time"

	"github.com/AleutianAI/ContextEngine/services/embedding"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("contextengine.retrieval")

// ErrDimensionMismatch is returned when a vector's length differs from the
// dimension already fixed for the tenant.
var ErrDimensionMismatch = embedding.ErrDimensionMismatch

// Chunk sources.
const (
	SourceDocument            = "document"
	SourceConversationHistory = "conversation_history"
)

// Document is a tenant-owned ingested artifact.
type Document struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenant_id"`
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Size       int            `json:"size"`
	UploadDate time.Time      `json:"upload_date"`
	Processed  bool           `json:"processed"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Chunk is a slice of a document or of a historical conversation together with
// its embedding. Exactly one of DocumentID and ConversationID is set.
type Chunk struct {
	ChunkID        string         `json:"chunk_id"`
	TenantID       string         `json:"tenant_id"`
	DocumentID     string         `json:"document_id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Source         string         `json:"source"`
	Content        string         `json:"content"`
	Embedding      []float32      `json:"-"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ScoredChunk is a search hit.
type ScoredChunk struct {
	Chunk
	Similarity float64 `json:"similarity"`
}

// Query parameterizes Store.Search.
type Query struct {
	Vector    []float32
	TopK      int
	Threshold float64
	// Source restricts hits to one chunk source. Empty matches every source.
	Source string
}

// Store is a tenant-partitioned document and chunk store. Every method takes
// the tenant id and never reads or writes another tenant's rows.
type Store interface {
	SaveDocument(ctx context.Context, doc Document) error
	// GetDocument returns a NotFoundError when the tenant has no such document.
	GetDocument(ctx context.Context, tenantID, documentID string) (Document, error)
	ListDocuments(ctx context.Context, tenantID string) ([]Document, error)
	MarkProcessed(ctx context.Context, tenantID, documentID string) error
	// DeleteDocument removes the document and every chunk derived from it.
	DeleteDocument(ctx context.Context, tenantID, documentID string) error
	UpsertChunks(ctx context.Context, tenantID string, chunks []Chunk) error
	// DeleteChunksByConversation returns the number of chunks removed.
	DeleteChunksByConversation(ctx context.Context, tenantID, conversationID string) (int, error)
	// Search returns hits ordered by descending similarity, at most q.TopK,
	// none below q.Threshold.
	Search(ctx context.Context, tenantID string, q Query) ([]ScoredChunk, error)
	Close() error
}
