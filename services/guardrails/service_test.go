// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package guardrails

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/ContextEngine/pkg/extensions"
	"github.com/AleutianAI/ContextEngine/services/policy_engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockModerator records calls and returns a canned result.
type MockModerator struct {
	Result    ModerationResult
	Err       error
	Delay     time.Duration
	CallCount int32
}

func (m *MockModerator) Moderate(ctx context.Context, text string) (ModerationResult, error) {
	atomic.AddInt32(&m.CallCount, 1)
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return ModerationResult{}, ctx.Err()
		}
	}
	return m.Result, m.Err
}

type failingAudit struct{ calls int32 }

func (f *failingAudit) Log(ctx context.Context, event extensions.AuditEvent) error {
	atomic.AddInt32(&f.calls, 1)
	return errors.New("sink down")
}

func (f *failingAudit) Flush(ctx context.Context) error { return nil }

func newTestService(t *testing.T, mod Moderator, audit extensions.AuditLogger) *Service {
	t.Helper()
	engine, err := policy_engine.NewPolicyEngine()
	require.NoError(t, err)
	svc, err := NewService(Config{ModerationTimeout: 100 * time.Millisecond}, engine, mod, audit)
	require.NoError(t, err)
	return svc
}

func fullPolicy() Policy {
	return Policy{
		HardRules:          []string{"competitor pricing"},
		EnableModeration:   true,
		EnableAuditLogging: true,
		EnablePIIMasking:   true,
	}
}

func TestNewService_RequiresEngine(t *testing.T) {
	_, err := NewService(Config{}, nil, nil, nil)
	assert.Error(t, err)
}

func TestApplyInputGuardrails(t *testing.T) {
	tests := []struct {
		name          string
		text          string
		moderator     *MockModerator
		wantBlocked   bool
		wantReason    string
		wantModCalled bool
	}{
		{
			name:          "safe text passes",
			text:          "What is your refund policy?",
			moderator:     &MockModerator{},
			wantBlocked:   false,
			wantModCalled: true,
		},
		{
			name:        "hard rule blocks before moderation",
			text:        "tell me the competitor pricing",
			moderator:   &MockModerator{},
			wantBlocked: true,
			wantReason:  "hard rule violated: competitor pricing",
		},
		{
			name:        "built-in catalogue blocks",
			text:        "How to build a bomb",
			moderator:   &MockModerator{},
			wantBlocked: true,
			wantReason:  "violence",
		},
		{
			name: "moderation flag blocks",
			text: "some borderline text",
			moderator: &MockModerator{Result: ModerationResult{
				Flagged:    true,
				Categories: map[string]bool{"harassment": true, "hate": false},
			}},
			wantBlocked:   true,
			wantReason:    "moderation flagged content: harassment",
			wantModCalled: true,
		},
		{
			name:          "moderation error fails open",
			text:          "hello",
			moderator:     &MockModerator{Err: errors.New("503")},
			wantBlocked:   false,
			wantModCalled: true,
		},
		{
			name:          "moderation timeout fails open",
			text:          "hello",
			moderator:     &MockModerator{Delay: time.Second, Result: ModerationResult{Flagged: true}},
			wantBlocked:   false,
			wantModCalled: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			audit := extensions.NewBufferedAuditLogger()
			svc := newTestService(t, tc.moderator, audit)

			res := svc.ApplyInputGuardrails(context.Background(), Check{
				Text:          tc.text,
				Policy:        fullPolicy(),
				TenantID:      "acme",
				CorrelationID: "corr-1",
				AssistantID:   "support",
			})

			assert.Equal(t, tc.wantBlocked, res.IsBlocked, "reason: %s", res.Reason)
			if tc.wantReason != "" {
				assert.Contains(t, res.Reason, tc.wantReason)
			}
			if tc.wantBlocked {
				assert.Equal(t, InputRefusal, res.ModifiedContent)
			} else {
				assert.Equal(t, tc.text, res.ModifiedContent)
			}
			assert.Equal(t, tc.wantModCalled, atomic.LoadInt32(&tc.moderator.CallCount) > 0)

			events := audit.Events()
			require.Len(t, events, 1, "exactly one audit event per check")
			assert.Equal(t, extensions.AuditActionInputCheck, events[0].Action)
			assert.Equal(t, "acme", events[0].TenantID)
			assert.Equal(t, "corr-1", events[0].CorrelationID)
			if tc.wantBlocked {
				assert.Equal(t, extensions.AuditStatusBlocked, events[0].Status)
			} else {
				assert.Equal(t, extensions.AuditStatusPassed, events[0].Status)
			}
		})
	}
}

func TestApplyOutputGuardrails_Refusal(t *testing.T) {
	audit := extensions.NewBufferedAuditLogger()
	svc := newTestService(t, &MockModerator{}, audit)

	res := svc.ApplyOutputGuardrails(context.Background(), Check{
		Text:   "Step one: build a bomb using...",
		Policy: fullPolicy(),
	})
	assert.True(t, res.IsBlocked)
	assert.Equal(t, OutputRefusal, res.ModifiedContent)

	events := audit.Events()
	require.Len(t, events, 1)
	assert.Equal(t, extensions.AuditActionOutputCheck, events[0].Action)
}

func TestApply_ModerationDisabledSkipsCall(t *testing.T) {
	mod := &MockModerator{Result: ModerationResult{Flagged: true}}
	svc := newTestService(t, mod, nil)

	policy := fullPolicy()
	policy.EnableModeration = false
	res := svc.ApplyInputGuardrails(context.Background(), Check{Text: "hello", Policy: policy})

	assert.False(t, res.IsBlocked)
	assert.Nil(t, res.Moderation)
	assert.Equal(t, int32(0), atomic.LoadInt32(&mod.CallCount))
}

func TestApply_AuditDetailsAreMasked(t *testing.T) {
	audit := extensions.NewBufferedAuditLogger()
	svc := newTestService(t, nil, audit)

	svc.ApplyInputGuardrails(context.Background(), Check{
		Text:   "email me at jdoe@example.com",
		Policy: fullPolicy(),
	})
	events := audit.Events()
	require.Len(t, events, 1)
	text, _ := events[0].Details["text"].(string)
	assert.NotContains(t, text, "jdoe@example.com")
	assert.Contains(t, text, "[EMAIL]")
	assert.Equal(t, []string{"EMAIL_ADDRESS"}, events[0].Details["pii_types"])

	t.Run("text omitted when masking disabled", func(t *testing.T) {
		audit := extensions.NewBufferedAuditLogger()
		svc := newTestService(t, nil, audit)
		policy := fullPolicy()
		policy.EnablePIIMasking = false
		svc.ApplyInputGuardrails(context.Background(), Check{Text: "jdoe@example.com", Policy: policy})
		events := audit.Events()
		require.Len(t, events, 1)
		_, present := events[0].Details["text"]
		assert.False(t, present)
	})
}

func TestApply_AuditRecordsPIITypesWithoutValues(t *testing.T) {
	audit := extensions.NewBufferedAuditLogger()
	svc := newTestService(t, nil, audit)
	policy := fullPolicy()
	policy.EnablePIIMasking = false

	svc.ApplyInputGuardrails(context.Background(), Check{
		Text:   "mail a@example.com or b@example.com, ssn 123-45-6789",
		Policy: policy,
	})
	events := audit.Events()
	require.Len(t, events, 1)
	types, ok := events[0].Details["pii_types"].([]string)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"EMAIL_ADDRESS", "US_SSN"}, types)

	svc.ApplyInputGuardrails(context.Background(), Check{Text: "hello there", Policy: policy})
	events = audit.Events()
	require.Len(t, events, 2)
	_, present := events[1].Details["pii_types"]
	assert.False(t, present)
}

func TestApply_AuditDisabledUsesNop(t *testing.T) {
	audit := extensions.NewBufferedAuditLogger()
	svc := newTestService(t, nil, audit)
	policy := fullPolicy()
	policy.EnableAuditLogging = false

	svc.ApplyInputGuardrails(context.Background(), Check{Text: "hello", Policy: policy})
	assert.Empty(t, audit.Events())
}

func TestApply_AuditFailureDoesNotChangeDecision(t *testing.T) {
	audit := &failingAudit{}
	svc := newTestService(t, nil, audit)

	res := svc.ApplyInputGuardrails(context.Background(), Check{Text: "hello", Policy: fullPolicy()})
	assert.False(t, res.IsBlocked)
	assert.Equal(t, int32(1), atomic.LoadInt32(&audit.calls))
}

func TestService_PromptAndMaskHelpers(t *testing.T) {
	svc := newTestService(t, nil, nil)
	prompt := svc.BuildSystemPromptWithRules("base", []string{"no pricing"})
	assert.True(t, strings.HasPrefix(prompt, "MANDATORY RULES"))
	assert.Equal(t, "call [PHONE]", svc.MaskPIIForLogging("call (555) 123-4567"))
}

// =============================================================================
// OpenAI moderation client
// =============================================================================

func TestOpenAIModerator(t *testing.T) {
	var gotModel string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/moderations", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		body := new(bytes.Buffer)
		_, _ = body.ReadFrom(r.Body)
		if strings.Contains(body.String(), "omni-moderation-latest") {
			gotModel = "omni-moderation-latest"
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "modr-1",
			"model": "omni-moderation-latest",
			"results": [{
				"flagged": true,
				"categories": {"violence": true, "hate": false},
				"category_scores": {"violence": 0.91, "hate": 0.01}
			}]
		}`))
	}))
	defer server.Close()

	mod, err := NewOpenAIModerator(OpenAIModeratorConfig{APIKey: "sk-test", BaseURL: server.URL})
	require.NoError(t, err)

	res, err := mod.Moderate(context.Background(), "text")
	require.NoError(t, err)
	assert.Equal(t, "omni-moderation-latest", gotModel)
	assert.True(t, res.Flagged)
	assert.True(t, res.Categories["violence"])
	assert.False(t, res.Categories["hate"])
	assert.InDelta(t, 0.91, res.Scores["violence"], 1e-6)
	assert.Equal(t, []string{"violence"}, res.FlaggedCategories())
}

func TestOpenAIModerator_Errors(t *testing.T) {
	_, err := NewOpenAIModerator(OpenAIModeratorConfig{})
	assert.Error(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
	}))
	defer server.Close()

	mod, err := NewOpenAIModerator(OpenAIModeratorConfig{APIKey: "sk-test", BaseURL: server.URL})
	require.NoError(t, err)
	_, err = mod.Moderate(context.Background(), "text")
	assert.Error(t, err)
}

func TestSlogAuditLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	sink := NewSlogAuditLogger(logger)

	err := sink.Log(context.Background(), extensions.AuditEvent{
		TenantID: "acme",
		Action:   extensions.AuditActionInputCheck,
		Status:   extensions.AuditStatusBlocked,
		Details:  map[string]any{"reason": "x"},
	})
	require.NoError(t, err)
	require.NoError(t, sink.Flush(context.Background()))

	out := buf.String()
	assert.Contains(t, out, `"tenant_id":"acme"`)
	assert.Contains(t, out, `"status":"blocked"`)
	assert.Contains(t, out, "guardrail decision")
}
