// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package indexer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/ContextEngine/services/embedding"
	"github.com/AleutianAI/ContextEngine/services/orchestrator/conversation"
	"github.com/AleutianAI/ContextEngine/services/retrieval"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockSource serves a fixed set of records.
type MockSource struct {
	mu      sync.Mutex
	records map[conversation.Ref]conversation.Record
	ListErr error
}

func newMockSource() *MockSource {
	return &MockSource{records: make(map[conversation.Ref]conversation.Record)}
}

func (m *MockSource) put(tenant, conv string, turns int, updated time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := conversation.Record{TenantID: tenant, ConversationID: conv, UpdatedAt: updated}
	for i := 0; i < turns; i++ {
		rec.Turns = append(rec.Turns, conversation.Turn{Role: conversation.RoleUser, Content: "message", Timestamp: updated})
	}
	m.records[conversation.Ref{TenantID: tenant, ConversationID: conv}] = rec
}

func (m *MockSource) remove(tenant, conv string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, conversation.Ref{TenantID: tenant, ConversationID: conv})
}

func (m *MockSource) ListConversations(ctx context.Context) ([]conversation.Ref, error) {
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	refs := make([]conversation.Ref, 0, len(m.records))
	for r := range m.records {
		refs = append(refs, r)
	}
	return refs, nil
}

func (m *MockSource) Get(ctx context.Context, tenantID, conversationID string) (conversation.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[conversation.Ref{TenantID: tenantID, ConversationID: conversationID}]
	if !ok {
		return conversation.Record{}, conversation.ErrKeyNotFound
	}
	return rec, nil
}

// MockSink applies a min-age check and counts calls.
type MockSink struct {
	MinAge    time.Duration
	FailFor   string
	Delay     time.Duration
	CallCount int32
}

func (m *MockSink) IndexConversation(ctx context.Context, in retrieval.ConversationInput) (retrieval.IngestResult, error) {
	atomic.AddInt32(&m.CallCount, 1)
	if m.Delay > 0 {
		time.Sleep(m.Delay)
	}
	if !in.Force && time.Since(in.LastActivity) < m.MinAge {
		return retrieval.IngestResult{}, retrieval.ErrConversationTooRecent
	}
	if in.ConversationID == m.FailFor {
		return retrieval.IngestResult{}, errors.New("vector store down")
	}
	return retrieval.IngestResult{ChunksCreated: 1, ChunksIndexed: 1}, nil
}

type recordingObserver struct {
	mu      sync.Mutex
	results []RunResult
}

func (r *recordingObserver) ObserveIndexRun(result RunResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
}

func TestRunNow_SkipsRecentAndAlreadyIndexed(t *testing.T) {
	src := newMockSource()
	old := time.Now().Add(-time.Hour)
	src.put("acme", "idle", 4, old)
	src.put("acme", "active", 2, time.Now())
	sink := &MockSink{MinAge: 5 * time.Minute}
	obs := &recordingObserver{}
	ix := New(src, sink, obs, Config{})

	res, err := ix.RunNow(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Scanned)
	assert.Equal(t, 1, res.Indexed)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.ChunksIndexed)
	assert.Empty(t, res.Errors)
	assert.False(t, res.EndTime.Before(res.StartTime))

	// Unchanged conversations are not re-sent.
	res, err = ix.RunNow(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Indexed)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, int32(3), atomic.LoadInt32(&sink.CallCount), "active conversation is retried, idle one is not")

	// A new turn makes it eligible again.
	src.put("acme", "idle", 5, old)
	res, err = ix.RunNow(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Indexed)

	obs.mu.Lock()
	assert.Len(t, obs.results, 3)
	obs.mu.Unlock()
}

func TestRunNow_ForceIndexesEverything(t *testing.T) {
	src := newMockSource()
	src.put("acme", "idle", 4, time.Now().Add(-time.Hour))
	src.put("acme", "active", 2, time.Now())
	ix := New(src, &MockSink{MinAge: 5 * time.Minute}, nil, Config{})

	_, err := ix.RunNow(context.Background(), false)
	require.NoError(t, err)

	res, err := ix.RunNow(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Indexed)
	assert.Equal(t, 0, res.Skipped)
}

func TestRunNow_ErrorsAreCollected(t *testing.T) {
	src := newMockSource()
	src.put("acme", "good", 2, time.Now().Add(-time.Hour))
	src.put("acme", "bad", 2, time.Now().Add(-time.Hour))
	ix := New(src, &MockSink{FailFor: "bad"}, nil, Config{})

	res, err := ix.RunNow(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Indexed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "bad", res.Errors[0].ConversationID)
	assert.Contains(t, res.Errors[0].Error, "vector store down")

	// The failed conversation is retried next cycle.
	res, err = ix.RunNow(context.Background(), false)
	require.NoError(t, err)
	assert.Len(t, res.Errors, 1)
}

func TestRunNow_ListFailure(t *testing.T) {
	src := newMockSource()
	src.ListErr = errors.New("redis down")
	ix := New(src, &MockSink{}, nil, Config{})

	_, err := ix.RunNow(context.Background(), false)
	assert.ErrorContains(t, err, "redis down")
}

func TestRunNow_ForgetsExpiredConversations(t *testing.T) {
	src := newMockSource()
	src.put("acme", "c1", 2, time.Now().Add(-time.Hour))
	ix := New(src, &MockSink{}, nil, Config{})

	_, err := ix.RunNow(context.Background(), false)
	require.NoError(t, err)
	ix.indexedMu.Lock()
	assert.Len(t, ix.indexed, 1)
	ix.indexedMu.Unlock()

	src.remove("acme", "c1")
	_, err = ix.RunNow(context.Background(), false)
	require.NoError(t, err)
	ix.indexedMu.Lock()
	assert.Empty(t, ix.indexed)
	ix.indexedMu.Unlock()
}

func TestRunNow_ConcurrentCallsCoalesce(t *testing.T) {
	src := newMockSource()
	src.put("acme", "c1", 2, time.Now().Add(-time.Hour))
	sink := &MockSink{Delay: 100 * time.Millisecond}
	ix := New(src, sink, nil, Config{})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ix.RunNow(context.Background(), true)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Less(t, atomic.LoadInt32(&sink.CallCount), int32(5))
}

func TestStartStop(t *testing.T) {
	src := newMockSource()
	src.put("acme", "c1", 2, time.Now().Add(-time.Hour))
	sink := &MockSink{}
	ix := New(src, sink, nil, Config{Interval: 10 * time.Millisecond})

	require.NoError(t, ix.Start(context.Background()))
	assert.Error(t, ix.Start(context.Background()), "second start is rejected")

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&sink.CallCount) >= 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, ix.Stop())
	require.NoError(t, ix.Stop(), "stop is idempotent")

	// Restart works after a stop.
	require.NoError(t, ix.Start(context.Background()))
	require.NoError(t, ix.Stop())
}

func TestStart_Disabled(t *testing.T) {
	sink := &MockSink{}
	ix := New(newMockSource(), sink, nil, Config{Interval: time.Millisecond, Disabled: true})
	require.NoError(t, ix.Start(context.Background()))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&sink.CallCount))
	require.NoError(t, ix.Stop())
}

// TestIndexer_EndToEnd feeds an idle cached conversation into the retrieval
// store and finds it again by similarity.
func TestIndexer_EndToEnd(t *testing.T) {
	ctx := context.Background()
	offset := atomic.Int64{}
	offset.Store(int64(-time.Hour))
	clock := func() time.Time { return time.Now().Add(time.Duration(offset.Load())) }

	cache := conversation.NewCache(ctx, nil, nil, conversation.Config{TTL: 3 * time.Hour, SweepInterval: time.Hour}, conversation.WithClock(clock))
	defer cache.Close()

	require.NoError(t, cache.AppendTurn(ctx, "acme", "old", conversation.RoleUser, "my invoice shows the wrong billing address", nil))
	require.NoError(t, cache.AppendTurn(ctx, "acme", "old", conversation.RoleAssistant, "I have corrected the billing address on your invoice", nil))
	offset.Store(0)
	require.NoError(t, cache.AppendTurn(ctx, "acme", "fresh", conversation.RoleUser, "hello", nil))

	svc := retrieval.NewService(retrieval.NewMemoryStore(), embedding.NewHashProvider(embedding.DefaultHashDimensions), retrieval.DefaultConfig())
	ix := New(cache, svc, nil, Config{})

	res, err := ix.RunNow(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Scanned)
	assert.Equal(t, 1, res.Indexed)
	assert.Equal(t, 1, res.Skipped)
	assert.Positive(t, res.ChunksIndexed)

	hits, err := svc.Search(ctx, retrieval.SearchRequest{
		TenantID: "acme",
		Query:    "invoice billing address",
		Source:   retrieval.SourceConversationHistory,
	})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "old", hits[0].ConversationID)
}
