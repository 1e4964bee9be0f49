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
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/ContextEngine/pkg/extensions"
	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"go.nhat.io/otelsql"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

var (
	driverOnce sync.Once
	driverName string
	driverErr  error
)

// tracedDriver registers the postgres driver with otelsql once per process.
func tracedDriver() (string, error) {
	driverOnce.Do(func() {
		driverName, driverErr = otelsql.Register(
			"postgres",
			otelsql.TraceQueryWithoutArgs(),
			otelsql.TraceRowsClose(),
			otelsql.TraceRowsAffected(),
			otelsql.WithSystem(semconv.DBSystemPostgreSQL),
		)
	})
	return driverName, driverErr
}

// PgvectorStore keeps documents and chunks in PostgreSQL with the pgvector
// extension. The embedding column is typed vector(N), so the dimension is fixed
// for the lifetime of the table.
//
// # Thread Safety
//
// Safe for concurrent use; *sql.DB pools connections.
type PgvectorStore struct {
	db   *sql.DB
	dims int
}

// NewPgvectorStore connects to dsn, pings, and migrates the schema.
//
// # Inputs
//
//   - dsn: lib/pq connection string.
//   - dims: Embedding dimension of the configured provider.
func NewPgvectorStore(ctx context.Context, dsn string, dims int) (*PgvectorStore, error) {
	if dims <= 0 {
		return nil, extensions.Invalid("dimensions", "must be positive")
	}
	driver, err := tracedDriver()
	if err != nil {
		return nil, fmt.Errorf("register traced postgres driver: %w", err)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, extensions.Unavailable("postgres", err)
	}
	if err := otelsql.RecordStats(db); err != nil {
		slog.Warn("Failed to record postgres pool stats", "error", err)
	}

	store := &PgvectorStore{db: db, dims: dims}
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("Connected to pgvector store", "dimensions", dims)
	return store, nil
}

// Migrate creates the extension, tables and indexes when missing.
func (s *PgvectorStore) Migrate(ctx context.Context) error {
	for _, stmt := range migrationStatements(s.dims) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate pgvector schema: %w", err)
		}
	}
	return nil
}

func migrationStatements(dims int) []string {
	return []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS documents (
			tenant_id   TEXT        NOT NULL,
			id          TEXT        NOT NULL,
			name        TEXT        NOT NULL DEFAULT '',
			type        TEXT        NOT NULL DEFAULT '',
			size        INTEGER     NOT NULL DEFAULT 0,
			upload_date TIMESTAMPTZ NOT NULL,
			processed   BOOLEAN     NOT NULL DEFAULT FALSE,
			metadata    JSONB       NOT NULL DEFAULT '{}',
			PRIMARY KEY (tenant_id, id)
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunks (
			tenant_id       TEXT        NOT NULL,
			id              TEXT        NOT NULL,
			document_id     TEXT,
			conversation_id TEXT,
			source          TEXT        NOT NULL,
			content         TEXT        NOT NULL,
			metadata        JSONB       NOT NULL DEFAULT '{}',
			embedding       vector(%d)  NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (tenant_id, id),
			FOREIGN KEY (tenant_id, document_id) REFERENCES documents (tenant_id, id) ON DELETE CASCADE
		)`, dims),
		`CREATE INDEX IF NOT EXISTS chunks_conversation_idx ON chunks (tenant_id, conversation_id)`,
		`CREATE INDEX IF NOT EXISTS chunks_embedding_idx ON chunks USING hnsw (embedding vector_cosine_ops)`,
	}
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func (s *PgvectorStore) SaveDocument(ctx context.Context, doc Document) error {
	ctx, span := tracer.Start(ctx, "PgvectorStore.SaveDocument")
	defer span.End()
	if doc.TenantID == "" || doc.ID == "" {
		return extensions.Invalid("document", "tenant_id and id are required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (tenant_id, id, name, type, size, upload_date, processed, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			size = EXCLUDED.size,
			upload_date = EXCLUDED.upload_date,
			processed = EXCLUDED.processed,
			metadata = EXCLUDED.metadata`,
		doc.TenantID, doc.ID, doc.Name, doc.Type, doc.Size, doc.UploadDate.UTC(), doc.Processed, encodeMetadata(doc.Metadata))
	if err != nil {
		recordSpanError(span, err)
		return extensions.Unavailable("postgres", fmt.Errorf("save document: %w", err))
	}
	return nil
}

const documentColumns = `id, tenant_id, name, type, size, upload_date, processed, metadata::text`

func scanDocument(row interface{ Scan(...any) error }) (Document, error) {
	var (
		doc  Document
		meta string
	)
	if err := row.Scan(&doc.ID, &doc.TenantID, &doc.Name, &doc.Type, &doc.Size, &doc.UploadDate, &doc.Processed, &meta); err != nil {
		return Document{}, err
	}
	doc.Metadata = decodeMetadata(meta)
	return doc, nil
}

func (s *PgvectorStore) GetDocument(ctx context.Context, tenantID, documentID string) (Document, error) {
	ctx, span := tracer.Start(ctx, "PgvectorStore.GetDocument")
	defer span.End()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE tenant_id = $1 AND id = $2`,
		tenantID, documentID)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, extensions.NotFound("document", documentID)
	}
	if err != nil {
		recordSpanError(span, err)
		return Document{}, extensions.Unavailable("postgres", fmt.Errorf("get document: %w", err))
	}
	return doc, nil
}

func (s *PgvectorStore) ListDocuments(ctx context.Context, tenantID string) ([]Document, error) {
	ctx, span := tracer.Start(ctx, "PgvectorStore.ListDocuments")
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE tenant_id = $1 ORDER BY upload_date DESC, id LIMIT $2`,
		tenantID, maxListDocuments)
	if err != nil {
		recordSpanError(span, err)
		return nil, extensions.Unavailable("postgres", fmt.Errorf("list documents: %w", err))
	}
	defer rows.Close()

	docs := []Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *PgvectorStore) MarkProcessed(ctx context.Context, tenantID, documentID string) error {
	ctx, span := tracer.Start(ctx, "PgvectorStore.MarkProcessed")
	defer span.End()
	return s.execOne(ctx, span, "mark processed", documentID,
		`UPDATE documents SET processed = TRUE WHERE tenant_id = $1 AND id = $2`, tenantID, documentID)
}

// DeleteDocument relies on the chunks foreign key cascade.
func (s *PgvectorStore) DeleteDocument(ctx context.Context, tenantID, documentID string) error {
	ctx, span := tracer.Start(ctx, "PgvectorStore.DeleteDocument")
	defer span.End()
	return s.execOne(ctx, span, "delete document", documentID,
		`DELETE FROM documents WHERE tenant_id = $1 AND id = $2`, tenantID, documentID)
}

func (s *PgvectorStore) execOne(ctx context.Context, span trace.Span, op, documentID, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		recordSpanError(span, err)
		return extensions.Unavailable("postgres", fmt.Errorf("%s: %w", op, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return extensions.Unavailable("postgres", fmt.Errorf("%s: %w", op, err))
	}
	if n == 0 {
		return extensions.NotFound("document", documentID)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *PgvectorStore) UpsertChunks(ctx context.Context, tenantID string, chunks []Chunk) error {
	ctx, span := tracer.Start(ctx, "PgvectorStore.UpsertChunks")
	defer span.End()
	span.SetAttributes(attribute.Int("chunks.count", len(chunks)))
	if len(chunks) == 0 {
		return nil
	}
	for _, c := range chunks {
		if len(c.Embedding) != s.dims {
			return fmt.Errorf("%w: table expects %d, chunk %s has %d",
				ErrDimensionMismatch, s.dims, c.ChunkID, len(c.Embedding))
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		recordSpanError(span, err)
		return extensions.Unavailable("postgres", fmt.Errorf("begin: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (tenant_id, id, document_id, conversation_id, source, content, metadata, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			content = EXCLUDED.content,
			metadata = EXCLUDED.metadata,
			embedding = EXCLUDED.embedding`)
	if err != nil {
		recordSpanError(span, err)
		return extensions.Unavailable("postgres", fmt.Errorf("prepare: %w", err))
	}
	defer stmt.Close()

	for _, c := range chunks {
		_, err := stmt.ExecContext(ctx,
			tenantID, c.ChunkID, nullable(c.DocumentID), nullable(c.ConversationID), c.Source,
			c.Content, encodeMetadata(c.Metadata), pgvector.NewVector(c.Embedding), c.CreatedAt.UTC())
		if err != nil {
			recordSpanError(span, err)
			return extensions.Unavailable("postgres", fmt.Errorf("insert chunk %s: %w", c.ChunkID, err))
		}
	}
	if err := tx.Commit(); err != nil {
		recordSpanError(span, err)
		return extensions.Unavailable("postgres", fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (s *PgvectorStore) DeleteChunksByConversation(ctx context.Context, tenantID, conversationID string) (int, error) {
	ctx, span := tracer.Start(ctx, "PgvectorStore.DeleteChunksByConversation")
	defer span.End()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM chunks WHERE tenant_id = $1 AND conversation_id = $2 AND source = $3`,
		tenantID, conversationID, SourceConversationHistory)
	if err != nil {
		recordSpanError(span, err)
		return 0, extensions.Unavailable("postgres", fmt.Errorf("delete conversation chunks: %w", err))
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PgvectorStore) Search(ctx context.Context, tenantID string, q Query) ([]ScoredChunk, error) {
	ctx, span := tracer.Start(ctx, "PgvectorStore.Search")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.Int("search.top_k", q.TopK),
	)
	if len(q.Vector) != s.dims {
		return nil, fmt.Errorf("%w: table expects %d, query has %d", ErrDimensionMismatch, s.dims, len(q.Vector))
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, COALESCE(document_id, ''), COALESCE(conversation_id, ''), source,
		       content, metadata::text, created_at, 1 - (embedding <=> $2) AS similarity
		FROM chunks
		WHERE tenant_id = $1
		  AND ($3 = '' OR source = $3)
		  AND 1 - (embedding <=> $2) >= $4
		ORDER BY embedding <=> $2, id
		LIMIT $5`,
		tenantID, pgvector.NewVector(q.Vector), q.Source, q.Threshold, q.TopK)
	if err != nil {
		recordSpanError(span, err)
		return nil, extensions.Unavailable("postgres", fmt.Errorf("similarity search: %w", err))
	}
	defer rows.Close()

	hits := []ScoredChunk{}
	for rows.Next() {
		var (
			h    ScoredChunk
			meta string
		)
		if err := rows.Scan(&h.ChunkID, &h.TenantID, &h.DocumentID, &h.ConversationID, &h.Source,
			&h.Content, &meta, &h.CreatedAt, &h.Similarity); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		h.Metadata = decodeMetadata(meta)
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, extensions.Unavailable("postgres", err)
	}
	return hits, nil
}

// Close closes the connection pool.
func (s *PgvectorStore) Close() error {
	return s.db.Close()
}

var _ Store = (*PgvectorStore)(nil)
