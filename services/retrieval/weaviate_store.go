// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/ContextEngine/pkg/extensions"
	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Weaviate class names.
const (
	DocumentClass = "ContextDocument"
	ChunkClass    = "ContextChunk"
)

// maxListDocuments caps a single ListDocuments page.
const maxListDocuments = 1000

// objectNamespace seeds the deterministic object ids. Ids are derived from
// tenant and row id so equal ids in two tenants never address the same object.
var objectNamespace = uuid.MustParse("6f1c8a52-3c1e-4d8b-9a7e-2b0f5d4c7e91")

func objectID(tenantID, id string) string {
	return uuid.NewSHA1(objectNamespace, []byte(tenantID+"/"+id)).String()
}

// WeaviateStore persists documents and chunks in Weaviate with caller-supplied
// vectors (vectorizer "none").
//
// # Description
//
// Every query carries a `tenant_id == X` where-filter. Similarity is reported
// as 1 - cosine distance.
//
// # Thread Safety
//
// Safe for concurrent use; the weaviate client is.
type WeaviateStore struct {
	client *weaviate.Client
}

// NewWeaviateStore wraps an initialized client. Call EnsureSchema before use.
func NewWeaviateStore(client *weaviate.Client) *WeaviateStore {
	return &WeaviateStore{client: client}
}

// EnsureSchema creates the document and chunk classes when missing.
func (s *WeaviateStore) EnsureSchema(ctx context.Context) error {
	for _, class := range []*models.Class{documentSchema(), chunkSchema()} {
		if _, err := s.client.Schema().ClassGetter().WithClassName(class.Class).Do(ctx); err == nil {
			slog.Debug("Weaviate class already exists", "class", class.Class)
			continue
		}
		slog.Info("Creating Weaviate class", "class", class.Class)
		if err := s.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
			return fmt.Errorf("creating %s schema: %w", class.Class, err)
		}
	}
	return nil
}

func filterableText(name, description string) *models.Property {
	indexFilterable := true
	return &models.Property{
		Name:            name,
		DataType:        []string{"text"},
		Description:     description,
		IndexFilterable: &indexFilterable,
		Tokenization:    "field",
	}
}

func documentSchema() *models.Class {
	return &models.Class{
		Class:       DocumentClass,
		Description: "Tenant-owned ingested document",
		Vectorizer:  "none",
		Properties: []*models.Property{
			filterableText("tenant_id", "Owning tenant"),
			filterableText("document_id", "Document id within the tenant"),
			{Name: "name", DataType: []string{"text"}},
			{Name: "doc_type", DataType: []string{"text"}},
			{Name: "size", DataType: []string{"int"}},
			{Name: "upload_date", DataType: []string{"date"}},
			{Name: "processed", DataType: []string{"boolean"}},
			{Name: "metadata_json", DataType: []string{"text"}},
		},
	}
}

func chunkSchema() *models.Class {
	return &models.Class{
		Class:       ChunkClass,
		Description: "Embedded slice of a document or historical conversation",
		Vectorizer:  "none",
		VectorIndexConfig: map[string]interface{}{
			"distance": "cosine",
		},
		Properties: []*models.Property{
			filterableText("tenant_id", "Owning tenant"),
			filterableText("chunk_id", "Chunk id within the tenant"),
			filterableText("document_id", "Parent document"),
			filterableText("conversation_id", "Parent conversation"),
			filterableText("source", "document or conversation_history"),
			{Name: "content", DataType: []string{"text"}},
			{Name: "metadata_json", DataType: []string{"text"}},
			{Name: "created_at", DataType: []string{"date"}},
		},
	}
}

// =============================================================================
// Filters and response shapes
// =============================================================================

func equal(path, value string) *filters.WhereBuilder {
	return filters.Where().
		WithPath([]string{path}).
		WithOperator(filters.Equal).
		WithValueString(value)
}

// tenantWhere ANDs the tenant filter with any extra conditions.
func tenantWhere(tenantID string, extra ...*filters.WhereBuilder) *filters.WhereBuilder {
	if len(extra) == 0 {
		return equal("tenant_id", tenantID)
	}
	operands := append([]*filters.WhereBuilder{equal("tenant_id", tenantID)}, extra...)
	return filters.Where().
		WithOperator(filters.And).
		WithOperands(operands)
}

type documentHit struct {
	TenantID     string `json:"tenant_id"`
	DocumentID   string `json:"document_id"`
	Name         string `json:"name"`
	DocType      string `json:"doc_type"`
	Size         int    `json:"size"`
	UploadDate   string `json:"upload_date"`
	Processed    bool   `json:"processed"`
	MetadataJSON string `json:"metadata_json"`
}

type documentResponse struct {
	Get struct {
		ContextDocument []documentHit `json:"ContextDocument"`
	} `json:"Get"`
}

type chunkHit struct {
	TenantID       string `json:"tenant_id"`
	ChunkID        string `json:"chunk_id"`
	DocumentID     string `json:"document_id"`
	ConversationID string `json:"conversation_id"`
	Source         string `json:"source"`
	Content        string `json:"content"`
	MetadataJSON   string `json:"metadata_json"`
	CreatedAt      string `json:"created_at"`
	Additional     struct {
		Distance float64 `json:"distance"`
	} `json:"_additional"`
}

type chunkResponse struct {
	Get struct {
		ContextChunk []chunkHit `json:"ContextChunk"`
	} `json:"Get"`
}

// ParseGraphQLResponse decodes a Weaviate GraphQL response into T, whose json
// tags must mirror the response shape.
func ParseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %s", resp.Errors[0].Message)
	}
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal GraphQL data: %w", err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal GraphQL data: %w", err)
	}
	return &out, nil
}

func (h documentHit) toDocument() Document {
	doc := Document{
		ID:        h.DocumentID,
		TenantID:  h.TenantID,
		Name:      h.Name,
		Type:      h.DocType,
		Size:      h.Size,
		Processed: h.Processed,
		Metadata:  decodeMetadata(h.MetadataJSON),
	}
	doc.UploadDate, _ = time.Parse(time.RFC3339Nano, h.UploadDate)
	return doc
}

func (h chunkHit) toScored() ScoredChunk {
	c := Chunk{
		ChunkID:        h.ChunkID,
		TenantID:       h.TenantID,
		DocumentID:     h.DocumentID,
		ConversationID: h.ConversationID,
		Source:         h.Source,
		Content:        h.Content,
		Metadata:       decodeMetadata(h.MetadataJSON),
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, h.CreatedAt)
	return ScoredChunk{Chunk: c, Similarity: 1 - h.Additional.Distance}
}

func encodeMetadata(m map[string]any) string {
	if len(m) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func decodeMetadata(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}

var documentFields = []graphql.Field{
	{Name: "tenant_id"},
	{Name: "document_id"},
	{Name: "name"},
	{Name: "doc_type"},
	{Name: "size"},
	{Name: "upload_date"},
	{Name: "processed"},
	{Name: "metadata_json"},
}

var chunkFields = []graphql.Field{
	{Name: "tenant_id"},
	{Name: "chunk_id"},
	{Name: "document_id"},
	{Name: "conversation_id"},
	{Name: "source"},
	{Name: "content"},
	{Name: "metadata_json"},
	{Name: "created_at"},
	{Name: "_additional", Fields: []graphql.Field{{Name: "distance"}}},
}

// =============================================================================
// Store implementation
// =============================================================================

func (s *WeaviateStore) SaveDocument(ctx context.Context, doc Document) error {
	ctx, span := tracer.Start(ctx, "WeaviateStore.SaveDocument")
	defer span.End()
	if doc.TenantID == "" || doc.ID == "" {
		return extensions.Invalid("document", "tenant_id and id are required")
	}

	props := map[string]interface{}{
		"tenant_id":     doc.TenantID,
		"document_id":   doc.ID,
		"name":          doc.Name,
		"doc_type":      doc.Type,
		"size":          doc.Size,
		"upload_date":   doc.UploadDate.UTC().Format(time.RFC3339Nano),
		"processed":     doc.Processed,
		"metadata_json": encodeMetadata(doc.Metadata),
	}
	_, err := s.client.Data().Creator().
		WithClassName(DocumentClass).
		WithID(objectID(doc.TenantID, doc.ID)).
		WithProperties(props).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return extensions.Unavailable("weaviate", fmt.Errorf("save document: %w", err))
	}
	return nil
}

func (s *WeaviateStore) GetDocument(ctx context.Context, tenantID, documentID string) (Document, error) {
	ctx, span := tracer.Start(ctx, "WeaviateStore.GetDocument")
	defer span.End()

	docs, err := s.queryDocuments(ctx, tenantWhere(tenantID, equal("document_id", documentID)), 1)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Document{}, err
	}
	if len(docs) == 0 {
		return Document{}, extensions.NotFound("document", documentID)
	}
	return docs[0], nil
}

func (s *WeaviateStore) ListDocuments(ctx context.Context, tenantID string) ([]Document, error) {
	ctx, span := tracer.Start(ctx, "WeaviateStore.ListDocuments")
	defer span.End()
	return s.queryDocuments(ctx, tenantWhere(tenantID), maxListDocuments)
}

func (s *WeaviateStore) queryDocuments(ctx context.Context, where *filters.WhereBuilder, limit int) ([]Document, error) {
	resp, err := s.client.GraphQL().Get().
		WithClassName(DocumentClass).
		WithFields(documentFields...).
		WithWhere(where).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		return nil, extensions.Unavailable("weaviate", fmt.Errorf("query documents: %w", err))
	}
	parsed, err := ParseGraphQLResponse[documentResponse](resp)
	if err != nil {
		return nil, extensions.Unavailable("weaviate", err)
	}
	docs := make([]Document, 0, len(parsed.Get.ContextDocument))
	for _, h := range parsed.Get.ContextDocument {
		docs = append(docs, h.toDocument())
	}
	return docs, nil
}

func (s *WeaviateStore) MarkProcessed(ctx context.Context, tenantID, documentID string) error {
	ctx, span := tracer.Start(ctx, "WeaviateStore.MarkProcessed")
	defer span.End()

	if _, err := s.GetDocument(ctx, tenantID, documentID); err != nil {
		return err
	}
	err := s.client.Data().Updater().
		WithClassName(DocumentClass).
		WithID(objectID(tenantID, documentID)).
		WithMerge().
		WithProperties(map[string]interface{}{"processed": true}).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return extensions.Unavailable("weaviate", fmt.Errorf("mark processed: %w", err))
	}
	return nil
}

func (s *WeaviateStore) DeleteDocument(ctx context.Context, tenantID, documentID string) error {
	ctx, span := tracer.Start(ctx, "WeaviateStore.DeleteDocument")
	defer span.End()

	if _, err := s.GetDocument(ctx, tenantID, documentID); err != nil {
		return err
	}
	if _, err := s.deleteChunks(ctx, tenantWhere(tenantID, equal("document_id", documentID))); err != nil {
		return err
	}
	err := s.client.Data().Deleter().
		WithClassName(DocumentClass).
		WithID(objectID(tenantID, documentID)).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return extensions.Unavailable("weaviate", fmt.Errorf("delete document: %w", err))
	}
	return nil
}

func (s *WeaviateStore) UpsertChunks(ctx context.Context, tenantID string, chunks []Chunk) error {
	ctx, span := tracer.Start(ctx, "WeaviateStore.UpsertChunks")
	defer span.End()
	span.SetAttributes(attribute.Int("chunks.count", len(chunks)))
	if len(chunks) == 0 {
		return nil
	}

	objects := make([]*models.Object, len(chunks))
	for i, c := range chunks {
		objects[i] = &models.Object{
			Class:  ChunkClass,
			ID:     strfmt.UUID(objectID(tenantID, c.ChunkID)),
			Vector: c.Embedding,
			Properties: map[string]interface{}{
				"tenant_id":       tenantID,
				"chunk_id":        c.ChunkID,
				"document_id":     c.DocumentID,
				"conversation_id": c.ConversationID,
				"source":          c.Source,
				"content":         c.Content,
				"metadata_json":   encodeMetadata(c.Metadata),
				"created_at":      c.CreatedAt.UTC().Format(time.RFC3339Nano),
			},
		}
	}

	resp, err := s.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return extensions.Unavailable("weaviate", fmt.Errorf("batch import: %w", err))
	}
	failed := 0
	for _, item := range resp {
		if item.Result != nil && item.Result.Errors != nil && len(item.Result.Errors.Error) > 0 {
			failed++
			slog.Warn("Weaviate batch item failed", "tenant_id", tenantID, "error", item.Result.Errors.Error[0].Message)
		}
	}
	if failed > 0 {
		return extensions.Unavailable("weaviate", fmt.Errorf("%d of %d chunks failed to import", failed, len(chunks)))
	}
	return nil
}

func (s *WeaviateStore) DeleteChunksByConversation(ctx context.Context, tenantID, conversationID string) (int, error) {
	ctx, span := tracer.Start(ctx, "WeaviateStore.DeleteChunksByConversation")
	defer span.End()
	return s.deleteChunks(ctx, tenantWhere(tenantID,
		equal("conversation_id", conversationID),
		equal("source", SourceConversationHistory),
	))
}

func (s *WeaviateStore) deleteChunks(ctx context.Context, where *filters.WhereBuilder) (int, error) {
	resp, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(ChunkClass).
		WithOutput("minimal").
		WithWhere(where).
		Do(ctx)
	if err != nil {
		return 0, extensions.Unavailable("weaviate", fmt.Errorf("delete chunks: %w", err))
	}
	if resp == nil || resp.Results == nil {
		return 0, nil
	}
	return int(resp.Results.Successful), nil
}

func (s *WeaviateStore) Search(ctx context.Context, tenantID string, q Query) ([]ScoredChunk, error) {
	ctx, span := tracer.Start(ctx, "WeaviateStore.Search")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.Int("search.top_k", q.TopK),
	)

	var where *filters.WhereBuilder
	if q.Source != "" {
		where = tenantWhere(tenantID, equal("source", q.Source))
	} else {
		where = tenantWhere(tenantID)
	}
	nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(q.Vector)

	resp, err := s.client.GraphQL().Get().
		WithClassName(ChunkClass).
		WithFields(chunkFields...).
		WithWhere(where).
		WithNearVector(nearVector).
		WithLimit(q.TopK).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, extensions.Unavailable("weaviate", fmt.Errorf("near vector search: %w", err))
	}
	parsed, err := ParseGraphQLResponse[chunkResponse](resp)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, extensions.Unavailable("weaviate", err)
	}

	hits := make([]ScoredChunk, 0, len(parsed.Get.ContextChunk))
	for _, h := range parsed.Get.ContextChunk {
		if h.TenantID != tenantID {
			continue
		}
		hits = append(hits, h.toScored())
	}
	return rank(hits, q.TopK, q.Threshold), nil
}

// Close is a no-op; the weaviate client holds no persistent connection.
func (s *WeaviateStore) Close() error { return nil }

var _ Store = (*WeaviateStore)(nil)
