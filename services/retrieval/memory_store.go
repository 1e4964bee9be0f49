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
	"fmt"
	"sort"
	"sync"

	"github.com/AleutianAI/ContextEngine/pkg/extensions"
)

// MemoryStore keeps documents and chunks in process. It is the default backend
// for single-node deployments and for tests.
//
// # Thread Safety
//
// Safe for concurrent use. Each tenant owns its own partition; a lookup never
// crosses partitions.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[string]*tenantPartition
}

type tenantPartition struct {
	docs   map[string]Document
	chunks map[string]Chunk
	// dims is fixed by the first chunk stored for the tenant.
	dims int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tenants: make(map[string]*tenantPartition)}
}

func (s *MemoryStore) partition(tenantID string, create bool) *tenantPartition {
	p, ok := s.tenants[tenantID]
	if !ok && create {
		p = &tenantPartition{
			docs:   make(map[string]Document),
			chunks: make(map[string]Chunk),
		}
		s.tenants[tenantID] = p
	}
	return p
}

func (s *MemoryStore) SaveDocument(ctx context.Context, doc Document) error {
	if doc.TenantID == "" || doc.ID == "" {
		return extensions.Invalid("document", "tenant_id and id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partition(doc.TenantID, true).docs[doc.ID] = doc
	return nil
}

func (s *MemoryStore) GetDocument(ctx context.Context, tenantID, documentID string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p := s.partition(tenantID, false); p != nil {
		if doc, ok := p.docs[documentID]; ok {
			return doc, nil
		}
	}
	return Document{}, extensions.NotFound("document", documentID)
}

func (s *MemoryStore) ListDocuments(ctx context.Context, tenantID string) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := s.partition(tenantID, false)
	if p == nil {
		return []Document{}, nil
	}
	docs := make([]Document, 0, len(p.docs))
	for _, d := range p.docs {
		docs = append(docs, d)
	}
	sort.Slice(docs, func(i, j int) bool {
		if !docs[i].UploadDate.Equal(docs[j].UploadDate) {
			return docs[i].UploadDate.After(docs[j].UploadDate)
		}
		return docs[i].ID < docs[j].ID
	})
	return docs, nil
}

func (s *MemoryStore) MarkProcessed(ctx context.Context, tenantID, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.partition(tenantID, false)
	if p == nil {
		return extensions.NotFound("document", documentID)
	}
	doc, ok := p.docs[documentID]
	if !ok {
		return extensions.NotFound("document", documentID)
	}
	doc.Processed = true
	p.docs[documentID] = doc
	return nil
}

func (s *MemoryStore) DeleteDocument(ctx context.Context, tenantID, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.partition(tenantID, false)
	if p == nil {
		return extensions.NotFound("document", documentID)
	}
	if _, ok := p.docs[documentID]; !ok {
		return extensions.NotFound("document", documentID)
	}
	delete(p.docs, documentID)
	for id, c := range p.chunks {
		if c.DocumentID == documentID {
			delete(p.chunks, id)
		}
	}
	return nil
}

func (s *MemoryStore) UpsertChunks(ctx context.Context, tenantID string, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.partition(tenantID, true)

	dims := p.dims
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			return extensions.Invalid("embedding", "chunk "+c.ChunkID+" has no embedding")
		}
		if dims == 0 {
			dims = len(c.Embedding)
		}
		if len(c.Embedding) != dims {
			return fmt.Errorf("%w: tenant %s expects %d, chunk %s has %d",
				ErrDimensionMismatch, tenantID, dims, c.ChunkID, len(c.Embedding))
		}
	}
	p.dims = dims
	for _, c := range chunks {
		c.TenantID = tenantID
		p.chunks[c.ChunkID] = c
	}
	return nil
}

func (s *MemoryStore) DeleteChunksByConversation(ctx context.Context, tenantID, conversationID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.partition(tenantID, false)
	if p == nil {
		return 0, nil
	}
	n := 0
	for id, c := range p.chunks {
		if c.ConversationID == conversationID && c.Source == SourceConversationHistory {
			delete(p.chunks, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Search(ctx context.Context, tenantID string, q Query) ([]ScoredChunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := s.partition(tenantID, false)
	if p == nil {
		return []ScoredChunk{}, nil
	}
	if p.dims != 0 && len(q.Vector) != p.dims {
		return nil, fmt.Errorf("%w: tenant %s expects %d, query has %d",
			ErrDimensionMismatch, tenantID, p.dims, len(q.Vector))
	}

	hits := make([]ScoredChunk, 0, len(p.chunks))
	for _, c := range p.chunks {
		if q.Source != "" && c.Source != q.Source {
			continue
		}
		hits = append(hits, ScoredChunk{Chunk: c, Similarity: CosineSimilarity(q.Vector, c.Embedding)})
	}
	return rank(hits, q.TopK, q.Threshold), nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
