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
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/ContextEngine/pkg/extensions"
	"github.com/AleutianAI/ContextEngine/services/chunking"
	"github.com/AleutianAI/ContextEngine/services/embedding"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// Search bounds.
const (
	MinTopK = 1
	MaxTopK = 50
)

// ErrConversationTooRecent is returned by IndexConversation when the
// conversation was active more recently than the configured minimum age.
var ErrConversationTooRecent = errors.New("conversation is too recent to index")

// Config tunes the retrieval service.
type Config struct {
	ChunkSize        int           `yaml:"chunk_size" validate:"gte=0"`
	OverlapSize      int           `yaml:"overlap_size" validate:"gte=0"`
	DefaultTopK      int           `yaml:"default_top_k" validate:"gte=0,lte=50"`
	DefaultThreshold float64       `yaml:"similarity_threshold" validate:"gte=-1,lte=1"`
	EmbedBatchSize   int           `yaml:"embed_batch_size" validate:"gte=0"`
	EmbedConcurrency int           `yaml:"embed_concurrency" validate:"gte=0"`
	HistoryMinAge    time.Duration `yaml:"history_min_age"`
}

// DefaultConfig returns the service defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:        chunking.DefaultSize,
		OverlapSize:      chunking.DefaultOverlap,
		DefaultTopK:      5,
		DefaultThreshold: 0,
		EmbedBatchSize:   32,
		EmbedConcurrency: 4,
		HistoryMinAge:    5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.OverlapSize < 0 {
		c.OverlapSize = 0
	}
	if c.DefaultTopK <= 0 {
		c.DefaultTopK = d.DefaultTopK
	}
	if c.EmbedBatchSize <= 0 {
		c.EmbedBatchSize = d.EmbedBatchSize
	}
	if c.EmbedConcurrency <= 0 {
		c.EmbedConcurrency = d.EmbedConcurrency
	}
	if c.HistoryMinAge < 0 {
		c.HistoryMinAge = 0
	}
	return c
}

// IngestRequest is one document to ingest.
type IngestRequest struct {
	TenantID string
	// DocumentID is optional; a UUID is generated when empty.
	DocumentID string
	Name       string
	Type       string
	Content    string
	Metadata   map[string]any
}

// IngestResult reports how many chunks were produced and how many reached the
// store. The document is marked processed only when the two are equal.
type IngestResult struct {
	DocumentID    string `json:"document_id,omitempty"`
	ChunksCreated int    `json:"chunks_created"`
	ChunksIndexed int    `json:"chunks_indexed"`
}

// HistoryTurn is one turn of a conversation being indexed.
type HistoryTurn struct {
	Role      string
	Content   string
	Timestamp time.Time
}

// ConversationInput is a conversation handed to IndexConversation.
type ConversationInput struct {
	TenantID       string
	ConversationID string
	Turns          []HistoryTurn
	LastActivity   time.Time
	// Force skips the minimum-age check.
	Force bool
}

// SearchRequest is a similarity query.
type SearchRequest struct {
	TenantID string
	Query    string
	// TopK defaults to the configured value when zero.
	TopK int
	// Threshold defaults to the configured value when nil.
	Threshold *float64
	Source    string
}

// SearchResult is one ranked hit.
type SearchResult struct {
	ChunkID        string         `json:"chunk_id"`
	DocumentID     string         `json:"document_id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Content        string         `json:"content"`
	Similarity     float64        `json:"similarity"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Service ingests documents and conversations and answers similarity queries.
//
// # Thread Safety
//
// Safe for concurrent use.
type Service struct {
	store    Store
	embedder embedding.Provider
	cfg      Config
	now      func() time.Time
}

// NewService wires a retrieval service over store and embedder.
func NewService(store Store, embedder embedding.Provider, cfg Config) *Service {
	return &Service{
		store:    store,
		embedder: embedder,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
}

// Store returns the backing store.
func (s *Service) Store() Store { return s.store }

// Ingest chunks, embeds and persists a document.
//
// # Description
//
// The document row is written first with processed=false. Chunks are embedded
// in batches that run in parallel; a batch whose embedding call fails is
// skipped and counted as not indexed. The document is marked processed only
// when every chunk was indexed.
//
// # Outputs
//
//   - IngestResult: Counts. Returned alongside store errors so callers can
//     report partial progress.
//   - error: ValidationError for bad input; DependencyUnavailableError when the
//     store fails.
func (s *Service) Ingest(ctx context.Context, req IngestRequest) (IngestResult, error) {
	ctx, span := tracer.Start(ctx, "retrieval.Ingest")
	defer span.End()

	if strings.TrimSpace(req.TenantID) == "" {
		return IngestResult{}, extensions.Invalid("tenant_id", "is required")
	}
	if strings.TrimSpace(req.Content) == "" {
		return IngestResult{}, extensions.Invalid("content", "must not be empty")
	}

	docID := req.DocumentID
	if docID == "" {
		docID = uuid.NewString()
	}
	now := s.now().UTC()
	doc := Document{
		ID:         docID,
		TenantID:   req.TenantID,
		Name:       req.Name,
		Type:       req.Type,
		Size:       len(req.Content),
		UploadDate: now,
		Metadata:   req.Metadata,
	}
	result := IngestResult{DocumentID: docID}
	if err := s.store.SaveDocument(ctx, doc); err != nil {
		return result, err
	}

	splitter := chunking.ForDocument(req.Type, req.Name, s.cfg.ChunkSize, s.cfg.OverlapSize)
	texts := splitter.Split(req.Content)
	result.ChunksCreated = len(texts)
	span.SetAttributes(
		attribute.String("tenant.id", req.TenantID),
		attribute.Int("chunks.created", len(texts)),
	)

	vectors := s.embedBatches(ctx, texts)
	chunks := make([]Chunk, 0, len(texts))
	for i, text := range texts {
		if vectors[i] == nil {
			continue
		}
		meta := copyMetadata(req.Metadata)
		meta["document_id"] = docID
		meta["document_name"] = req.Name
		meta["chunk_index"] = i
		meta["source"] = SourceDocument
		chunks = append(chunks, Chunk{
			ChunkID:    uuid.NewString(),
			TenantID:   req.TenantID,
			DocumentID: docID,
			Source:     SourceDocument,
			Content:    text,
			Embedding:  vectors[i],
			Metadata:   meta,
			CreatedAt:  now,
		})
	}

	if err := s.store.UpsertChunks(ctx, req.TenantID, chunks); err != nil {
		slog.Error("Failed to persist document chunks", "tenant_id", req.TenantID, "document_id", docID, "error", err)
		return result, err
	}
	result.ChunksIndexed = len(chunks)
	span.SetAttributes(attribute.Int("chunks.indexed", len(chunks)))

	if result.ChunksIndexed == result.ChunksCreated {
		if err := s.store.MarkProcessed(ctx, req.TenantID, docID); err != nil {
			return result, err
		}
	} else {
		slog.Warn("Document partially indexed",
			"tenant_id", req.TenantID,
			"document_id", docID,
			"chunks_created", result.ChunksCreated,
			"chunks_indexed", result.ChunksIndexed)
	}
	slog.Info("Ingested document",
		"tenant_id", req.TenantID,
		"document_id", docID,
		"chunks_created", result.ChunksCreated,
		"chunks_indexed", result.ChunksIndexed)
	return result, nil
}

// IndexConversation replaces the history chunks of one conversation.
//
// # Description
//
// Turns are rendered as "role: content" lines and split into windows. Each
// chunk carries the conversation id, the last-activity timestamp and
// source=conversation_history. Conversations active within HistoryMinAge are
// rejected with ErrConversationTooRecent unless Force is set. Existing chunks
// are removed only after new embeddings are available.
func (s *Service) IndexConversation(ctx context.Context, in ConversationInput) (IngestResult, error) {
	ctx, span := tracer.Start(ctx, "retrieval.IndexConversation")
	defer span.End()

	if in.TenantID == "" || in.ConversationID == "" {
		return IngestResult{}, extensions.Invalid("conversation", "tenant_id and conversation_id are required")
	}
	lastActivity := in.LastActivity
	if lastActivity.IsZero() && len(in.Turns) > 0 {
		lastActivity = in.Turns[len(in.Turns)-1].Timestamp
	}
	if !in.Force && s.now().Sub(lastActivity) < s.cfg.HistoryMinAge {
		return IngestResult{}, ErrConversationTooRecent
	}

	var b strings.Builder
	for _, t := range in.Turns {
		if strings.TrimSpace(t.Content) == "" {
			continue
		}
		b.WriteString(t.Role)
		b.WriteString(": ")
		b.WriteString(t.Content)
		b.WriteString("\n")
	}
	texts := chunking.New(s.cfg.ChunkSize, s.cfg.OverlapSize).Split(b.String())
	result := IngestResult{ChunksCreated: len(texts)}
	if len(texts) == 0 {
		return result, nil
	}

	vectors := s.embedBatches(ctx, texts)
	stamp := lastActivity.UTC()
	chunks := make([]Chunk, 0, len(texts))
	for i, text := range texts {
		if vectors[i] == nil {
			continue
		}
		chunks = append(chunks, Chunk{
			ChunkID:        uuid.NewString(),
			TenantID:       in.TenantID,
			ConversationID: in.ConversationID,
			Source:         SourceConversationHistory,
			Content:        text,
			Embedding:      vectors[i],
			Metadata: map[string]any{
				"conversation_id": in.ConversationID,
				"timestamp":       stamp.Format(time.RFC3339),
				"source":          SourceConversationHistory,
				"turn_count":      len(in.Turns),
				"chunk_index":     i,
			},
			CreatedAt: s.now().UTC(),
		})
	}
	if len(chunks) == 0 {
		return result, extensions.Unavailable("embedding", fmt.Errorf("no chunks of conversation %s could be embedded", in.ConversationID))
	}

	if _, err := s.store.DeleteChunksByConversation(ctx, in.TenantID, in.ConversationID); err != nil {
		return result, err
	}
	if err := s.store.UpsertChunks(ctx, in.TenantID, chunks); err != nil {
		return result, err
	}
	result.ChunksIndexed = len(chunks)
	span.SetAttributes(attribute.Int("chunks.indexed", len(chunks)))
	return result, nil
}

// Search embeds the query and returns tenant-scoped hits ranked by
// descending cosine similarity.
//
// # Outputs
//
//   - []SearchResult: At most TopK hits, none below Threshold.
//   - error: ValidationError before any side effect for an empty tenant or
//     query, TopK outside [1, 50], or Threshold outside [-1, 1].
//     DependencyUnavailableError when embedding or the store fails.
func (s *Service) Search(ctx context.Context, req SearchRequest) ([]SearchResult, error) {
	ctx, span := tracer.Start(ctx, "retrieval.Search")
	defer span.End()

	q, err := s.validate(req)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("tenant.id", req.TenantID),
		attribute.Int("search.top_k", q.TopK),
	)

	vec, err := embedding.EmbedOne(ctx, s.embedder, req.Query)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	q.Vector = vec

	hits, err := s.store.Search(ctx, req.TenantID, q)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	results := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		results = append(results, SearchResult{
			ChunkID:        h.ChunkID,
			DocumentID:     h.DocumentID,
			ConversationID: h.ConversationID,
			Content:        h.Content,
			Similarity:     h.Similarity,
			Metadata:       h.Metadata,
		})
	}
	span.SetAttributes(attribute.Int("search.results", len(results)))
	return results, nil
}

func (s *Service) validate(req SearchRequest) (Query, error) {
	if strings.TrimSpace(req.TenantID) == "" {
		return Query{}, extensions.Invalid("tenant_id", "is required")
	}
	if strings.TrimSpace(req.Query) == "" {
		return Query{}, extensions.Invalid("query", "must not be empty")
	}
	q := Query{TopK: req.TopK, Threshold: s.cfg.DefaultThreshold, Source: req.Source}
	if q.TopK == 0 {
		q.TopK = s.cfg.DefaultTopK
	}
	if q.TopK < MinTopK || q.TopK > MaxTopK {
		return Query{}, extensions.Invalid("top_k", fmt.Sprintf("must be between %d and %d", MinTopK, MaxTopK))
	}
	if req.Threshold != nil {
		q.Threshold = *req.Threshold
	}
	if q.Threshold < -1 || q.Threshold > 1 {
		return Query{}, extensions.Invalid("threshold", "must be between -1 and 1")
	}
	return q, nil
}

// ListDocuments returns the tenant's documents, newest first.
func (s *Service) ListDocuments(ctx context.Context, tenantID string) ([]Document, error) {
	if tenantID == "" {
		return nil, extensions.Invalid("tenant_id", "is required")
	}
	return s.store.ListDocuments(ctx, tenantID)
}

// GetDocument returns one document or a NotFoundError.
func (s *Service) GetDocument(ctx context.Context, tenantID, documentID string) (Document, error) {
	return s.store.GetDocument(ctx, tenantID, documentID)
}

// DeleteDocument removes a document and its chunks.
func (s *Service) DeleteDocument(ctx context.Context, tenantID, documentID string) error {
	if err := s.store.DeleteDocument(ctx, tenantID, documentID); err != nil {
		return err
	}
	slog.Info("Deleted document", "tenant_id", tenantID, "document_id", documentID)
	return nil
}

// embedBatches embeds texts in parallel batches. The result has one entry per
// text; entries of failed batches are nil.
func (s *Service) embedBatches(ctx context.Context, texts []string) [][]float32 {
	vectors := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.EmbedConcurrency)

	for start := 0; start < len(texts); start += s.cfg.EmbedBatchSize {
		end := min(start+s.cfg.EmbedBatchSize, len(texts))
		g.Go(func() error {
			out, err := s.embedder.Embed(gctx, texts[start:end])
			if err != nil {
				slog.Warn("Embedding batch failed", "start", start, "end", end, "error", err)
				return nil
			}
			copy(vectors[start:end], out)
			return nil
		})
	}
	_ = g.Wait()
	return vectors
}

func copyMetadata(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+4)
	for k, v := range in {
		out[k] = v
	}
	return out
}
