// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Mock Helpers
// =============================================================================

// MockLLMClient returns canned replies and counts calls.
type MockLLMClient struct {
	Reply     string
	Err       error
	Delay     time.Duration
	CallCount int32
	LastChat  []Message
}

func (m *MockLLMClient) Chat(ctx context.Context, messages []Message, params GenerationParams) (string, error) {
	atomic.AddInt32(&m.CallCount, 1)
	m.LastChat = messages
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return m.Reply, m.Err
}

func (m *MockLLMClient) Model() string { return "mock-model" }

// =============================================================================
// Client construction
// =============================================================================

func TestNewClient(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	c, err := NewClient(Config{})
	require.NoError(t, err)
	assert.IsType(t, &StubClient{}, c)

	_, err = NewClient(Config{Backend: "ollama"})
	assert.Error(t, err, "ollama requires a base URL")

	c, err = NewClient(Config{Backend: "ollama", BaseURL: "http://localhost:11434/"})
	require.NoError(t, err)
	assert.Equal(t, "gpt-oss", c.(*OllamaClient).Model())

	c, err = NewClient(Config{Backend: "openai", APIKey: "sk", Model: "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", c.(*OpenAIClient).Model())

	_, err = NewClient(Config{Backend: "bard"})
	assert.Error(t, err)
}

func TestStubClient(t *testing.T) {
	s := &StubClient{}
	out, err := s.Chat(context.Background(), []Message{
		{Role: RoleSystem, Content: "rules"},
		{Role: RoleUser, Content: "hello there"},
	}, GenerationParams{})
	require.NoError(t, err)
	assert.Equal(t, "(stub) reply for: hello there", out)

	out, err = s.Chat(context.Background(), []Message{{Role: RoleUser, Content: "ping"}}, GenerationParams{})
	require.NoError(t, err)
	assert.Equal(t, "(stub) reply for: ping", out)
}

// =============================================================================
// Ollama
// =============================================================================

func TestOllamaClient_Chat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		var req ollamaChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		assert.Equal(t, "llama3", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, RoleSystem, req.Messages[0].Role)
		assert.EqualValues(t, 20, req.Options["top_k"])

		_ = json.NewEncoder(w).Encode(ollamaChatResponse{
			Message: Message{Role: RoleAssistant, Content: "Hi!"},
			Done:    true,
		})
	}))
	defer server.Close()

	client, err := NewOllamaClient(Config{BaseURL: server.URL, Model: "llama3"})
	require.NoError(t, err)

	out, err := client.Chat(context.Background(), []Message{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "hello"},
	}, GenerationParams{})
	require.NoError(t, err)
	assert.Equal(t, "Hi!", out)
}

func TestOllamaClient_ChatMaxTokens(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		var req ollamaChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.EqualValues(t, 64, req.Options["num_predict"])
		_ = json.NewEncoder(w).Encode(ollamaChatResponse{
			Message: Message{Role: RoleAssistant, Content: "summary text"},
			Done:    true,
		})
	}))
	defer server.Close()

	client, err := NewOllamaClient(Config{BaseURL: server.URL})
	require.NoError(t, err)

	maxTokens := 64
	out, err := client.Chat(context.Background(), []Message{{Role: RoleUser, Content: "summarize"}}, GenerationParams{MaxTokens: &maxTokens})
	require.NoError(t, err)
	assert.Equal(t, "summary text", out)
}

func TestOllamaClient_Errors(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		errContains string
	}{
		{"model missing", http.StatusNotFound, `{"error":"model 'x' not found"}`, "ollama pull"},
		{"server error", http.StatusInternalServerError, `boom`, "status 500"},
		{"bad json", http.StatusOK, `{not json`, "failed to parse"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()

			client, err := NewOllamaClient(Config{BaseURL: server.URL, Model: "x"})
			require.NoError(t, err)
			_, err = client.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, GenerationParams{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errContains)
		})
	}
}

// =============================================================================
// OpenAI
// =============================================================================

func TestOpenAIClient_Chat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","model":"gpt-4o-mini",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"Refunds take 5 days."}}]}`))
	}))
	defer server.Close()

	client, err := NewOpenAIClient(Config{APIKey: "sk", BaseURL: server.URL})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", client.Model())

	out, err := client.Chat(context.Background(), []Message{
		{Role: RoleSystem, Content: "support bot"},
		{Role: RoleUser, Content: "refund time?"},
	}, GenerationParams{})
	require.NoError(t, err)
	assert.Equal(t, "Refunds take 5 days.", out)
}

func TestOpenAIClient_NoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","choices":[]}`))
	}))
	defer server.Close()

	client, err := NewOpenAIClient(Config{APIKey: "sk", BaseURL: server.URL})
	require.NoError(t, err)
	_, err = client.Chat(context.Background(), []Message{{Role: RoleUser, Content: "x"}}, GenerationParams{})
	assert.Error(t, err)
}

// =============================================================================
// Bounded completer
// =============================================================================

func TestBoundedCompleter(t *testing.T) {
	tests := []struct {
		name        string
		client      *MockLLMClient
		timeout     time.Duration
		wantText    string
		wantStubbed bool
	}{
		{
			name:     "success",
			client:   &MockLLMClient{Reply: "real answer"},
			timeout:  time.Second,
			wantText: "real answer",
		},
		{
			name:        "error falls back",
			client:      &MockLLMClient{Err: errors.New("rate limited")},
			timeout:     time.Second,
			wantText:    "(stub) reply for: where is my order?",
			wantStubbed: true,
		},
		{
			name:        "timeout falls back",
			client:      &MockLLMClient{Reply: "too late", Delay: 500 * time.Millisecond},
			timeout:     50 * time.Millisecond,
			wantText:    "(stub) reply for: where is my order?",
			wantStubbed: true,
		},
		{
			name:        "empty reply falls back",
			client:      &MockLLMClient{Reply: ""},
			timeout:     time.Second,
			wantText:    "(stub) reply for: where is my order?",
			wantStubbed: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			bc := NewBoundedCompleter(tc.client, tc.timeout, GenerationParams{})
			start := time.Now()
			got := bc.Complete(context.Background(), "system rules", "where is my order?")

			assert.Equal(t, tc.wantText, got.Text)
			assert.Equal(t, tc.wantStubbed, got.Stubbed)
			assert.Less(t, time.Since(start), 400*time.Millisecond)
			if tc.wantStubbed {
				assert.Equal(t, "stub", got.Model)
				assert.Error(t, got.Err)
			} else {
				assert.Equal(t, "mock-model", got.Model)
				require.Len(t, tc.client.LastChat, 2)
				assert.Equal(t, RoleSystem, tc.client.LastChat[0].Role)
			}
		})
	}
}

func TestBoundedCompleter_ClampsTimeout(t *testing.T) {
	assert.Equal(t, MaxCompletionTimeout, NewBoundedCompleter(nil, time.Minute, GenerationParams{}).timeout)
	assert.Equal(t, MaxCompletionTimeout, NewBoundedCompleter(nil, 0, GenerationParams{}).timeout)

	got := NewBoundedCompleter(nil, 0, GenerationParams{}).Complete(context.Background(), "", "hi")
	assert.True(t, got.Stubbed)
	assert.Equal(t, "(stub) reply for: hi", got.Text)
}
