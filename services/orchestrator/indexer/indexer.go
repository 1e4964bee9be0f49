// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package indexer periodically feeds idle conversations from the memory cache
// into the retrieval store so later turns can draw on them.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/ContextEngine/services/orchestrator/conversation"
	"github.com/AleutianAI/ContextEngine/services/retrieval"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
)

var tracer = otel.Tracer("contextengine.indexer")

// Source lists and loads cached conversations.
type Source interface {
	ListConversations(ctx context.Context) ([]conversation.Ref, error)
	Get(ctx context.Context, tenantID, conversationID string) (conversation.Record, error)
}

// Sink indexes one conversation.
type Sink interface {
	IndexConversation(ctx context.Context, in retrieval.ConversationInput) (retrieval.IngestResult, error)
}

// Observer receives the result of every cycle.
type Observer interface {
	ObserveIndexRun(result RunResult)
}

// Config tunes the scheduler.
type Config struct {
	Interval time.Duration `yaml:"interval" validate:"gte=0"`
	// Disabled stops Start from scheduling cycles; RunNow still works.
	Disabled bool `yaml:"disabled"`
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{Interval: 5 * time.Minute}
}

// RunError is a per-conversation failure inside a cycle.
type RunError struct {
	TenantID       string `json:"tenant_id"`
	ConversationID string `json:"conversation_id"`
	Error          string `json:"error"`
}

// RunResult summarizes one indexing cycle.
type RunResult struct {
	Scanned       int        `json:"scanned"`
	Indexed       int        `json:"indexed"`
	Skipped       int        `json:"skipped"`
	ChunksIndexed int        `json:"chunks_indexed"`
	Errors        []RunError `json:"errors,omitempty"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       time.Time  `json:"end_time"`
}

// Duration returns the cycle's wall time.
func (r RunResult) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// Indexer schedules indexing cycles.
//
// # Description
//
// A cycle lists every cached conversation, skips those indexed before at the
// same turn count, and hands the rest to the Sink. The Sink rejects
// conversations that are still active (retrieval.ErrConversationTooRecent);
// those count as skipped. A forced cycle ignores both checks.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent RunNow calls with the same force flag
// share one cycle.
type Indexer struct {
	source   Source
	sink     Sink
	observer Observer
	config   Config

	group singleflight.Group

	indexedMu sync.Mutex
	indexed   map[conversation.Ref]int

	mu      sync.Mutex
	running bool
	done    chan struct{}
	stopped chan struct{}
}

// New creates an indexer. observer may be nil.
func New(source Source, sink Sink, observer Observer, config Config) *Indexer {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	return &Indexer{
		source:   source,
		sink:     sink,
		observer: observer,
		config:   config,
		indexed:  make(map[conversation.Ref]int),
	}
}

// Start launches the periodic loop. It returns an error if already running.
func (ix *Indexer) Start(ctx context.Context) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.running {
		return fmt.Errorf("indexer is already running")
	}
	if ix.config.Disabled {
		slog.Info("History indexer disabled")
		return nil
	}
	ix.running = true
	ix.done = make(chan struct{})
	ix.stopped = make(chan struct{})

	slog.Info("History indexer starting", "interval", ix.config.Interval.String())
	go ix.runLoop(ctx, ix.done, ix.stopped)
	return nil
}

// Stop ends the loop and waits for an in-progress cycle to finish.
func (ix *Indexer) Stop() error {
	ix.mu.Lock()
	if !ix.running {
		ix.mu.Unlock()
		return nil
	}
	slog.Info("History indexer stopping")
	close(ix.done)
	ix.running = false
	stopped := ix.stopped
	ix.mu.Unlock()

	<-stopped
	return nil
}

// RunNow runs one cycle immediately.
func (ix *Indexer) RunNow(ctx context.Context, force bool) (RunResult, error) {
	key := "cycle"
	if force {
		key = "cycle-forced"
	}
	v, err, shared := ix.group.Do(key, func() (interface{}, error) {
		return ix.runCycle(ctx, force)
	})
	if shared {
		slog.Debug("Indexing cycle shared with a concurrent caller", "force", force)
	}
	result, _ := v.(RunResult)
	return result, err
}

func (ix *Indexer) runLoop(ctx context.Context, done, stopped chan struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(ix.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("History indexer stopped (context cancelled)")
			return
		case <-done:
			slog.Info("History indexer stopped (stop requested)")
			return
		case <-ticker.C:
			if _, err := ix.RunNow(ctx, false); err != nil {
				slog.Error("History indexing cycle failed", "error", err)
			}
		}
	}
}

func (ix *Indexer) runCycle(ctx context.Context, force bool) (RunResult, error) {
	ctx, span := tracer.Start(ctx, "indexer.runCycle")
	defer span.End()

	result := RunResult{StartTime: time.Now()}
	refs, err := ix.source.ListConversations(ctx)
	if err != nil {
		result.EndTime = time.Now()
		span.RecordError(err)
		return result, fmt.Errorf("list conversations: %w", err)
	}
	result.Scanned = len(refs)
	ix.forgetMissing(refs)

	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			result.EndTime = time.Now()
			return result, err
		}
		ix.indexOne(ctx, ref, force, &result)
	}
	result.EndTime = time.Now()

	span.SetAttributes(
		attribute.Int("indexer.scanned", result.Scanned),
		attribute.Int("indexer.indexed", result.Indexed),
		attribute.Int("indexer.skipped", result.Skipped),
		attribute.Int("indexer.errors", len(result.Errors)),
	)
	if result.Indexed > 0 || len(result.Errors) > 0 {
		slog.Info("History indexing cycle completed",
			"scanned", result.Scanned,
			"indexed", result.Indexed,
			"skipped", result.Skipped,
			"chunks_indexed", result.ChunksIndexed,
			"errors", len(result.Errors),
			"duration_ms", result.Duration().Milliseconds(),
			"forced", force)
	} else {
		slog.Debug("History indexing cycle completed (nothing to index)", "scanned", result.Scanned)
	}
	if ix.observer != nil {
		ix.observer.ObserveIndexRun(result)
	}
	return result, nil
}

func (ix *Indexer) indexOne(ctx context.Context, ref conversation.Ref, force bool, result *RunResult) {
	rec, err := ix.source.Get(ctx, ref.TenantID, ref.ConversationID)
	if err != nil {
		// Expired between listing and loading.
		result.Skipped++
		return
	}
	if len(rec.Turns) == 0 || (!force && ix.alreadyIndexed(ref, len(rec.Turns))) {
		result.Skipped++
		return
	}

	turns := make([]retrieval.HistoryTurn, len(rec.Turns))
	for i, t := range rec.Turns {
		turns[i] = retrieval.HistoryTurn{Role: t.Role, Content: t.Content, Timestamp: t.Timestamp}
	}
	res, err := ix.sink.IndexConversation(ctx, retrieval.ConversationInput{
		TenantID:       ref.TenantID,
		ConversationID: ref.ConversationID,
		Turns:          turns,
		LastActivity:   rec.UpdatedAt,
		Force:          force,
	})
	switch {
	case errors.Is(err, retrieval.ErrConversationTooRecent):
		result.Skipped++
	case err != nil:
		result.Errors = append(result.Errors, RunError{
			TenantID:       ref.TenantID,
			ConversationID: ref.ConversationID,
			Error:          err.Error(),
		})
		slog.Warn("Failed to index conversation",
			"tenant_id", ref.TenantID, "conversation_id", ref.ConversationID, "error", err)
	default:
		result.Indexed++
		result.ChunksIndexed += res.ChunksIndexed
		ix.markIndexed(ref, len(rec.Turns))
	}
}

func (ix *Indexer) alreadyIndexed(ref conversation.Ref, turns int) bool {
	ix.indexedMu.Lock()
	defer ix.indexedMu.Unlock()
	n, ok := ix.indexed[ref]
	return ok && n == turns
}

func (ix *Indexer) markIndexed(ref conversation.Ref, turns int) {
	ix.indexedMu.Lock()
	defer ix.indexedMu.Unlock()
	ix.indexed[ref] = turns
}

// forgetMissing drops bookkeeping for conversations that have expired.
func (ix *Indexer) forgetMissing(live []conversation.Ref) {
	keep := make(map[conversation.Ref]struct{}, len(live))
	for _, r := range live {
		keep[r] = struct{}{}
	}
	ix.indexedMu.Lock()
	defer ix.indexedMu.Unlock()
	for r := range ix.indexed {
		if _, ok := keep[r]; !ok {
			delete(ix.indexed, r)
		}
	}
}
