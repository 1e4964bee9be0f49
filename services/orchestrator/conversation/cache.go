// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/ContextEngine/pkg/extensions"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"
)

// Mode reports which backend the cache is using.
type Mode string

const (
	ModePrimary  Mode = "primary"
	ModeFallback Mode = "fallback"
)

// Option customizes a Cache.
type Option func(*Cache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithDegradeHook registers a callback run once when the cache switches to the
// fallback backend.
func WithDegradeHook(fn func()) Option {
	return func(c *Cache) { c.onDegrade = fn }
}

// Cache is the conversation memory cache.
//
// # Description
//
// Appends go through KVStore.Update so concurrent turns of one conversation
// are serialized and the TTL is refreshed in the same write. Any I/O error
// from the primary store switches the cache to the fallback store for the rest
// of the process; the failing call still returns its error.
//
// # Thread Safety
//
// Safe for concurrent use.
type Cache struct {
	primary  KVStore
	fallback *MemoryStore

	degraded    atomic.Bool
	degradeOnce sync.Once
	onDegrade   func()

	summarizer Summarizer
	cfg        Config
	now        func() time.Time

	summaries singleflight.Group
	inflight  sync.WaitGroup
}

// NewCache creates a cache on primary.
//
// # Description
//
// The primary store is pinged once. When it is nil or unreachable the cache
// starts in fallback mode; this is logged, not returned as an error.
//
// # Inputs
//
//   - primary: External TTL store. May be nil.
//   - summarizer: Used when history outgrows the threshold. Nil uses
//     FallbackSummarizer.
func NewCache(ctx context.Context, primary KVStore, summarizer Summarizer, cfg Config, opts ...Option) *Cache {
	cfg = cfg.withDefaults()
	if summarizer == nil {
		summarizer = FallbackSummarizer{}
	}
	c := &Cache{
		primary:    primary,
		summarizer: summarizer,
		cfg:        cfg,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.fallback = NewMemoryStoreWithClock(cfg.SweepInterval, c.now)

	if primary == nil {
		c.degrade(errors.New("no primary store configured"))
		return c
	}
	pingCtx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
	defer cancel()
	if err := primary.Ping(pingCtx); err != nil {
		c.degrade(err)
	}
	return c
}

// Mode returns the active backend.
func (c *Cache) Mode() Mode {
	if c.degraded.Load() {
		return ModeFallback
	}
	return ModePrimary
}

func (c *Cache) store() KVStore {
	if c.degraded.Load() {
		return c.fallback
	}
	return c.primary
}

// degrade switches to the fallback store. Only the first call has any effect.
func (c *Cache) degrade(cause error) {
	c.degradeOnce.Do(func() {
		c.degraded.Store(true)
		slog.Warn("Conversation store unavailable, switching to in-memory fallback for the rest of this process",
			"error", cause)
		if c.onDegrade != nil {
			c.onDegrade()
		}
	})
}

// check inspects an error from a store call made in mode. Errors from the
// primary that are not caused by the caller switch the cache to fallback.
func (c *Cache) check(ctx context.Context, mode Mode, err error) error {
	if err == nil || errors.Is(err, ErrKeyNotFound) {
		return err
	}
	if mode == ModePrimary && ctx.Err() == nil && !errors.Is(err, ErrConflict) {
		c.degrade(err)
	}
	return extensions.Unavailable("conversation store", err)
}

func validateIDs(tenantID, conversationID string) error {
	if tenantID == "" || strings.Contains(tenantID, ":") {
		return extensions.Invalid("tenant_id", "must be non-empty and must not contain ':'")
	}
	if conversationID == "" {
		return extensions.Invalid("conversation_id", "is required")
	}
	return nil
}

// AppendTurn appends one turn and refreshes the TTL in the same write.
//
// # Outputs
//
//   - error: Non-nil when the turn was not stored. The turn is then lost for
//     cache purposes; the caller decides whether to continue without it.
func (c *Cache) AppendTurn(ctx context.Context, tenantID, conversationID, role, content string, metadata map[string]any) error {
	ctx, span := tracer.Start(ctx, "Cache.AppendTurn")
	defer span.End()
	span.SetAttributes(attribute.String("tenant.id", tenantID))

	if err := validateIDs(tenantID, conversationID); err != nil {
		return err
	}
	if role != RoleUser && role != RoleAssistant {
		return extensions.Invalid("role", "must be user or assistant")
	}

	now := c.now().UTC()
	turn := Turn{Role: role, Content: content, Timestamp: now, Metadata: metadata}
	var updated Record

	mode := c.Mode()
	opCtx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	defer cancel()
	err := c.store().Update(opCtx, Key(tenantID, conversationID), c.cfg.TTL, func(current []byte) ([]byte, error) {
		rec, err := decodeRecord(current)
		if err != nil {
			slog.Warn("Discarding unreadable conversation record", "tenant_id", tenantID, "error", err)
			rec = Record{}
		}
		if rec.CreatedAt.IsZero() {
			rec.TenantID = tenantID
			rec.ConversationID = conversationID
			rec.CreatedAt = now
		}
		rec.Turns = append(rec.Turns, turn)
		rec.UpdatedAt = now
		updated = rec
		return json.Marshal(rec)
	})
	if err = c.check(ctx, mode, err); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("Failed to append turn", "tenant_id", tenantID, "conversation_id", conversationID, "error", err)
		return err
	}

	if c.needsSummary(updated) {
		c.scheduleSummary(ctx, tenantID, conversationID)
	}
	return nil
}

// GetContext returns at most MaxContextTurns recent turns plus the summary.
// lastN <= 0 means the full window. A missing conversation yields an empty
// Context and no error.
func (c *Cache) GetContext(ctx context.Context, tenantID, conversationID string, lastN int) (Context, error) {
	ctx, span := tracer.Start(ctx, "Cache.GetContext")
	defer span.End()

	rec, err := c.load(ctx, tenantID, conversationID)
	if errors.Is(err, ErrKeyNotFound) {
		return Context{Turns: []Turn{}}, nil
	}
	if err != nil {
		span.RecordError(err)
		return Context{}, err
	}

	n := lastN
	if n <= 0 || n > c.cfg.MaxContextTurns {
		n = c.cfg.MaxContextTurns
	}
	turns := rec.Turns
	if len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return Context{
		Turns:      out,
		Summary:    rec.Summary,
		TotalTurns: len(rec.Turns),
		HasHistory: len(rec.Turns) > 0 || rec.Summary != "",
	}, nil
}

// Get returns the full record or a NotFoundError.
func (c *Cache) Get(ctx context.Context, tenantID, conversationID string) (Record, error) {
	rec, err := c.load(ctx, tenantID, conversationID)
	if errors.Is(err, ErrKeyNotFound) {
		return Record{}, extensions.NotFound("conversation", conversationID)
	}
	return rec, err
}

// Clear deletes a conversation.
func (c *Cache) Clear(ctx context.Context, tenantID, conversationID string) error {
	ctx, span := tracer.Start(ctx, "Cache.Clear")
	defer span.End()
	if err := validateIDs(tenantID, conversationID); err != nil {
		return err
	}
	mode := c.Mode()
	opCtx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	defer cancel()
	if err := c.check(ctx, mode, c.store().Del(opCtx, Key(tenantID, conversationID))); err != nil {
		span.RecordError(err)
		return err
	}
	slog.Info("Cleared conversation", "tenant_id", tenantID, "conversation_id", conversationID)
	return nil
}

// ListConversations returns every live conversation.
func (c *Cache) ListConversations(ctx context.Context) ([]Ref, error) {
	mode := c.Mode()
	keys, err := c.store().Scan(ctx, KeyPrefix)
	if err := c.check(ctx, mode, err); err != nil {
		return nil, err
	}
	refs := make([]Ref, 0, len(keys))
	for _, k := range keys {
		if ref, ok := ParseKey(k); ok {
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

// Wait blocks until background summaries have finished.
func (c *Cache) Wait() {
	c.inflight.Wait()
}

// Close waits for background work and closes both stores.
func (c *Cache) Close() error {
	c.Wait()
	var err error
	if c.primary != nil {
		err = c.primary.Close()
	}
	return errors.Join(err, c.fallback.Close())
}

func (c *Cache) load(ctx context.Context, tenantID, conversationID string) (Record, error) {
	if err := validateIDs(tenantID, conversationID); err != nil {
		return Record{}, err
	}
	mode := c.Mode()
	opCtx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	defer cancel()
	raw, err := c.store().Get(opCtx, Key(tenantID, conversationID))
	if err := c.check(ctx, mode, err); err != nil {
		return Record{}, err
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return Record{}, fmt.Errorf("decode conversation %s: %w", conversationID, err)
	}
	return rec, nil
}

func decodeRecord(raw []byte) (Record, error) {
	var rec Record
	if len(raw) == 0 {
		return rec, nil
	}
	err := json.Unmarshal(raw, &rec)
	return rec, err
}

// =============================================================================
// Summarization
// =============================================================================

// summaryCut is the number of leading turns that lie outside the window.
func (c *Cache) summaryCut(rec Record) int {
	return len(rec.Turns) - c.cfg.MaxContextTurns
}

// needsSummary applies the summarization policy: the first summary once the
// history exceeds SummarizeThreshold, then a refresh whenever
// ResummarizeEvery more turns have left the window.
func (c *Cache) needsSummary(rec Record) bool {
	cut := c.summaryCut(rec)
	if cut <= 0 {
		return false
	}
	if rec.Summary == "" {
		return len(rec.Turns) > c.cfg.SummarizeThreshold
	}
	return cut-rec.SummarizedThrough >= c.cfg.ResummarizeEvery
}

// scheduleSummary runs summarization in the background, at most once at a
// time per conversation.
func (c *Cache) scheduleSummary(ctx context.Context, tenantID, conversationID string) {
	key := Key(tenantID, conversationID)
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		bg := context.WithoutCancel(ctx)
		_, _, _ = c.summaries.Do(key, func() (interface{}, error) {
			if err := c.summarize(bg, tenantID, conversationID); err != nil {
				slog.Warn("Conversation summarization failed",
					"tenant_id", tenantID, "conversation_id", conversationID, "error", err)
			}
			return nil, nil
		})
	}()
}

func (c *Cache) summarize(ctx context.Context, tenantID, conversationID string) error {
	ctx, span := tracer.Start(ctx, "Cache.summarize")
	defer span.End()

	rec, err := c.load(ctx, tenantID, conversationID)
	if err != nil {
		return err
	}
	if !c.needsSummary(rec) {
		return nil
	}
	cut := c.summaryCut(rec)
	prevThrough := rec.SummarizedThrough
	in := SummaryInput{TotalSummarized: cut}
	if rec.Summary == "" {
		in.Turns = rec.Turns[:cut]
	} else {
		in.Previous = rec.Summary
		in.Turns = rec.Turns[prevThrough:cut]
	}

	// The summarizer and the write below have separate deadlines; a slow
	// model still leaves the fallback summary a full StoreTimeout to land.
	sumCtx, cancelSum := context.WithTimeout(ctx, c.cfg.SummaryTimeout*2)
	summary, err := c.summarizer.Summarize(sumCtx, in)
	cancelSum()
	if err != nil || summary == "" {
		summary, _ = FallbackSummarizer{}.Summarize(ctx, in)
	}
	span.SetAttributes(attribute.Int("summary.turns", len(in.Turns)))

	mode := c.Mode()
	writeCtx, cancelWrite := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	defer cancelWrite()
	err = c.store().Update(writeCtx, Key(tenantID, conversationID), c.cfg.TTL, func(current []byte) ([]byte, error) {
		latest, err := decodeRecord(current)
		if err != nil {
			return nil, errStaleSummary
		}
		// Another writer may have refreshed the summary or cleared the
		// conversation meanwhile.
		if latest.SummarizedThrough != prevThrough || len(latest.Turns) < cut {
			return nil, errStaleSummary
		}
		latest.Summary = summary
		latest.SummarizedThrough = cut
		return json.Marshal(latest)
	})
	if errors.Is(err, errStaleSummary) {
		return nil
	}
	if err := c.check(ctx, mode, err); err != nil {
		return err
	}
	slog.Debug("Updated conversation summary", "tenant_id", tenantID, "conversation_id", conversationID, "summarized_through", cut)
	return nil
}

var errStaleSummary = errors.New("summary superseded")
