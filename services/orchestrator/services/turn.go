// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package services holds the turn orchestrator, the business logic behind
// POST /v1/turns and the message_received consumer.
//
// A turn runs through the memory cache, guardrails, retrieval and the
// completion backend. Dependency failures are recovered locally so a turn
// always produces a reply; only malformed input and unknown assistants are
// returned as errors.
package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/ContextEngine/pkg/extensions"
	"github.com/AleutianAI/ContextEngine/services/events"
	"github.com/AleutianAI/ContextEngine/services/guardrails"
	"github.com/AleutianAI/ContextEngine/services/llm"
	"github.com/AleutianAI/ContextEngine/services/orchestrator/assistants"
	"github.com/AleutianAI/ContextEngine/services/orchestrator/conversation"
	"github.com/AleutianAI/ContextEngine/services/retrieval"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("contextengine.services")

// EventSource is stamped on every envelope the orchestrator emits.
const EventSource = "contextengine.orchestrator"

// Turn outcomes reported to the TurnObserver.
const (
	OutcomeAnswered      = "answered"
	OutcomeBlockedInput  = "blocked_input"
	OutcomeBlockedOutput = "blocked_output"
	OutcomeStubbed       = "stubbed"
)

// =============================================================================
// Dependencies
// =============================================================================

// Memory is the part of the memory cache a turn uses.
type Memory interface {
	AppendTurn(ctx context.Context, tenantID, conversationID, role, content string, metadata map[string]any) error
	GetContext(ctx context.Context, tenantID, conversationID string, lastN int) (conversation.Context, error)
}

// Retriever answers similarity queries over indexed history.
type Retriever interface {
	Search(ctx context.Context, req retrieval.SearchRequest) ([]retrieval.SearchResult, error)
}

// Guardrails screens inputs and outputs.
type Guardrails interface {
	ApplyInputGuardrails(ctx context.Context, check guardrails.Check) guardrails.Result
	ApplyOutputGuardrails(ctx context.Context, check guardrails.Check) guardrails.Result
	BuildSystemPromptWithRules(base string, rules []string) string
	MaskPIIForLogging(text string) string
}

// Completer produces the assistant reply. It never fails; a stubbed
// Completion reports a backend failure.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userMessage string) llm.Completion
}

// TurnObserver receives per-turn measurements. Implemented by
// observability.Metrics.
type TurnObserver interface {
	ObserveTurn(outcome string, duration time.Duration)
	ObserveGuardrail(direction string, blocked bool)
	ObserveFallback(dependency string)
}

type nopTurnObserver struct{}

func (nopTurnObserver) ObserveTurn(string, time.Duration) {}
func (nopTurnObserver) ObserveGuardrail(string, bool)     {}
func (nopTurnObserver) ObserveFallback(string)            {}

// =============================================================================
// Request / Response
// =============================================================================

// TurnRequest is one inbound user message.
type TurnRequest struct {
	TenantID       string `json:"-"`
	AssistantID    string `json:"assistant_id"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	UserID         string `json:"user_id"`
	Channel        string `json:"channel"`
	Text           string `json:"text" binding:"required"`
	CorrelationID  string `json:"-"`
}

// TurnResponse is the outcome of a turn.
type TurnResponse struct {
	ConversationID       string `json:"conversation_id"`
	MessageID            string `json:"message_id"`
	ReplyID              string `json:"reply_id"`
	AssistantID          string `json:"assistant_id"`
	Text                 string `json:"text"`
	Blocked              bool   `json:"blocked"`
	BlockReason          string `json:"block_reason,omitempty"`
	ModelName            string `json:"model_name"`
	Stubbed              bool   `json:"stubbed"`
	HasHistoricalContext bool   `json:"has_historical_context"`
	InsightsUsed         int    `json:"insights_used"`
	ProcessingTimeMs     int64  `json:"processing_time_ms"`
	TokensUsed           int    `json:"tokens_used"`
}

// TurnConfig tunes the orchestrator.
type TurnConfig struct {
	// ContextTurns is how many recent turns are sent to the model. Zero uses
	// the memory cache's window.
	ContextTurns int `yaml:"context_turns" validate:"gte=0"`
	// InsightThreshold is the exclusive similarity floor for insights.
	InsightThreshold float64 `yaml:"insight_threshold" validate:"gte=-1,lte=1"`
	// MaxInsights caps how many insights enter the prompt.
	MaxInsights int `yaml:"max_insights" validate:"gte=0"`
	// InsightTimeout bounds the insight search.
	InsightTimeout time.Duration `yaml:"insight_timeout"`
	// StoreTimeout bounds each memory cache call.
	StoreTimeout time.Duration `yaml:"store_timeout"`
}

// DefaultTurnConfig returns the orchestrator defaults.
func DefaultTurnConfig() TurnConfig {
	return TurnConfig{
		InsightThreshold: 0.7,
		MaxInsights:      3,
		InsightTimeout:   2 * time.Second,
		StoreTimeout:     2 * time.Second,
	}
}

func (c TurnConfig) withDefaults() TurnConfig {
	d := DefaultTurnConfig()
	if c.InsightThreshold == 0 {
		c.InsightThreshold = d.InsightThreshold
	}
	if c.MaxInsights <= 0 {
		c.MaxInsights = d.MaxInsights
	}
	if c.InsightTimeout <= 0 {
		c.InsightTimeout = d.InsightTimeout
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = d.StoreTimeout
	}
	return c
}

// =============================================================================
// TurnService
// =============================================================================

// TurnService runs conversation turns.
//
// # Description
//
// The service holds no per-conversation state. Two instances processing the
// same conversation only meet at the memory cache, whose append is the
// serialization point.
//
// # Thread Safety
//
// Safe for concurrent use.
type TurnService struct {
	directory  assistants.Directory
	memory     Memory
	retriever  Retriever
	guardrails Guardrails
	completer  Completer
	byModel    map[string]Completer
	publisher  events.Publisher
	observer   TurnObserver
	cfg        TurnConfig
}

// TurnOption customizes a TurnService.
type TurnOption func(*TurnService)

// WithModelCompleter routes assistants configured with model to c.
func WithModelCompleter(model string, c Completer) TurnOption {
	return func(s *TurnService) { s.byModel[model] = c }
}

// WithTurnObserver installs a metrics observer.
func WithTurnObserver(o TurnObserver) TurnOption {
	return func(s *TurnService) {
		if o != nil {
			s.observer = o
		}
	}
}

// NewTurnService wires the orchestrator.
//
// # Inputs
//
//   - directory, memory, guard, completer: Required.
//   - retriever: Nil disables historical insights.
//   - publisher: Nil drops generated events.
func NewTurnService(
	directory assistants.Directory,
	memory Memory,
	retriever Retriever,
	guard Guardrails,
	completer Completer,
	publisher events.Publisher,
	cfg TurnConfig,
	opts ...TurnOption,
) (*TurnService, error) {
	if directory == nil || memory == nil || guard == nil || completer == nil {
		return nil, fmt.Errorf("turn service: directory, memory, guardrails and completer are required")
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	s := &TurnService{
		directory:  directory,
		memory:     memory,
		retriever:  retriever,
		guardrails: guard,
		completer:  completer,
		byModel:    make(map[string]Completer),
		publisher:  publisher,
		observer:   nopTurnObserver{},
		cfg:        cfg.withDefaults(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Process runs one turn.
//
// # Description
//
//  1. Resolve the assistant; generate a conversation id when absent.
//  2. Input guardrails. A blocked message is stored as a refusal pair and
//     the fixed refusal is returned without calling retrieval or the model.
//  3. Append the user turn and load the context window.
//  4. Search indexed history when the assistant enables insights.
//  5. Complete under the bounded timeout, falling back to the stub reply.
//  6. Output guardrails.
//  7. Append the assistant turn and emit message_generated.
//
// # Outputs
//
//   - TurnResponse: Always populated when err is nil.
//   - error: ValidationError for missing tenant or text; NotFoundError for an
//     unknown assistant. Dependency failures never surface here.
//
// # Limitations
//
//   - The user turn is not rolled back if the caller cancels after step 3.
func (s *TurnService) Process(ctx context.Context, req TurnRequest) (TurnResponse, error) {
	ctx, span := tracer.Start(ctx, "TurnService.Process")
	defer span.End()
	start := time.Now()

	if strings.TrimSpace(req.TenantID) == "" {
		return TurnResponse{}, extensions.Invalid("tenant_id", "is required")
	}
	if strings.TrimSpace(req.Text) == "" {
		return TurnResponse{}, extensions.Invalid("text", "is required")
	}

	assistant, err := s.directory.Resolve(ctx, req.TenantID, req.AssistantID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "assistant resolution failed")
		return TurnResponse{}, err
	}
	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	}
	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}
	span.SetAttributes(
		attribute.String("tenant.id", req.TenantID),
		attribute.String("assistant.id", assistant.ID),
		attribute.String("conversation.id", req.ConversationID),
	)
	slog.InfoContext(ctx, "Processing turn",
		"tenant_id", req.TenantID,
		"assistant_id", assistant.ID,
		"conversation_id", req.ConversationID,
		"message_id", req.MessageID,
		"channel", req.Channel,
		"text", s.guardrails.MaskPIIForLogging(req.Text))

	check := guardrails.Check{
		Policy:        assistant.Guardrails,
		TenantID:      req.TenantID,
		CorrelationID: req.CorrelationID,
		AssistantID:   assistant.ID,
	}

	check.Text = req.Text
	in := s.guardrails.ApplyInputGuardrails(ctx, check)
	s.observer.ObserveGuardrail("input", in.IsBlocked)
	if in.Moderation != nil && in.Moderation.Error != "" {
		s.observer.ObserveFallback("moderation")
	}
	if in.IsBlocked {
		return s.refuse(ctx, req, assistant, in, start), nil
	}

	s.appendTurn(ctx, req.TenantID, req.ConversationID, conversation.RoleUser, req.Text, map[string]any{
		"message_id": req.MessageID,
		"channel":    req.Channel,
		"user_id":    req.UserID,
	})
	convCtx := s.loadContext(ctx, req)
	insights := s.insights(ctx, req, assistant)

	systemPrompt := s.guardrails.BuildSystemPromptWithRules(
		BuildPrompt(assistant, convCtx, req.Text, insights),
		assistant.Guardrails.HardRules,
	)
	completion := s.completerFor(assistant).Complete(ctx, systemPrompt, req.Text)
	outcome := OutcomeAnswered
	if completion.Stubbed {
		outcome = OutcomeStubbed
		s.observer.ObserveFallback("completion")
	}

	check.Text = completion.Text
	out := s.guardrails.ApplyOutputGuardrails(ctx, check)
	s.observer.ObserveGuardrail("output", out.IsBlocked)
	reply := out.ModifiedContent
	if out.IsBlocked {
		outcome = OutcomeBlockedOutput
	}

	resp := TurnResponse{
		ConversationID:       req.ConversationID,
		MessageID:            req.MessageID,
		ReplyID:              uuid.NewString(),
		AssistantID:          assistant.ID,
		Text:                 reply,
		Blocked:              out.IsBlocked,
		BlockReason:          out.Reason,
		ModelName:            completion.Model,
		Stubbed:              completion.Stubbed,
		HasHistoricalContext: len(insights) > 0,
		InsightsUsed:         len(insights),
		TokensUsed:           EstimateTokens(systemPrompt, req.Text, completion.Text),
	}
	s.appendTurn(ctx, req.TenantID, req.ConversationID, conversation.RoleAssistant, reply, map[string]any{
		"message_id": resp.ReplyID,
		"model":      completion.Model,
		"blocked":    out.IsBlocked,
	})

	resp.ProcessingTimeMs = time.Since(start).Milliseconds()
	s.emit(ctx, req, resp)
	s.observer.ObserveTurn(outcome, time.Since(start))
	span.SetAttributes(
		attribute.String("turn.outcome", outcome),
		attribute.Int("turn.insights", len(insights)),
	)
	return resp, nil
}

// refuse stores the refusal pair and emits the generated event.
func (s *TurnService) refuse(ctx context.Context, req TurnRequest, assistant assistants.Assistant, in guardrails.Result, start time.Time) TurnResponse {
	stored := req.Text
	if assistant.Guardrails.EnablePIIMasking {
		stored = s.guardrails.MaskPIIForLogging(req.Text)
	}
	s.appendTurn(ctx, req.TenantID, req.ConversationID, conversation.RoleUser, stored, map[string]any{
		"message_id": req.MessageID,
		"blocked":    true,
		"reason":     in.Reason,
	})
	resp := TurnResponse{
		ConversationID: req.ConversationID,
		MessageID:      req.MessageID,
		ReplyID:        uuid.NewString(),
		AssistantID:    assistant.ID,
		Text:           in.ModifiedContent,
		Blocked:        true,
		BlockReason:    in.Reason,
		ModelName:      "guardrails",
		TokensUsed:     EstimateTokens(in.ModifiedContent),
	}
	s.appendTurn(ctx, req.TenantID, req.ConversationID, conversation.RoleAssistant, in.ModifiedContent, map[string]any{
		"message_id": resp.ReplyID,
		"blocked":    true,
	})
	resp.ProcessingTimeMs = time.Since(start).Milliseconds()
	s.emit(ctx, req, resp)
	s.observer.ObserveTurn(OutcomeBlockedInput, time.Since(start))
	slog.InfoContext(ctx, "Turn blocked by input guardrails",
		"tenant_id", req.TenantID,
		"conversation_id", req.ConversationID,
		"reason", in.Reason)
	return resp
}

// appendTurn writes a turn. Failures are logged; the turn continues.
func (s *TurnService) appendTurn(ctx context.Context, tenantID, conversationID, role, content string, metadata map[string]any) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	if err := s.memory.AppendTurn(ctx, tenantID, conversationID, role, content, metadata); err != nil {
		s.observer.ObserveFallback("memory")
		slog.WarnContext(ctx, "Failed to append turn",
			"tenant_id", tenantID, "conversation_id", conversationID, "role", role, "error", err)
	}
}

func (s *TurnService) loadContext(ctx context.Context, req TurnRequest) conversation.Context {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	c, err := s.memory.GetContext(ctx, req.TenantID, req.ConversationID, s.cfg.ContextTurns)
	if err != nil {
		s.observer.ObserveFallback("memory")
		slog.WarnContext(ctx, "Failed to load context, continuing without history",
			"tenant_id", req.TenantID, "conversation_id", req.ConversationID, "error", err)
		return conversation.Context{}
	}
	return c
}

// insights returns up to MaxInsights history chunks from other conversations
// scoring strictly above InsightThreshold.
func (s *TurnService) insights(ctx context.Context, req TurnRequest, a assistants.Assistant) []retrieval.SearchResult {
	if s.retriever == nil || !a.EnableHistoricalInsights {
		return nil
	}
	ctx, span := tracer.Start(ctx, "TurnService.insights")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.InsightTimeout)
	defer cancel()

	threshold := s.cfg.InsightThreshold
	hits, err := s.retriever.Search(ctx, retrieval.SearchRequest{
		TenantID:  req.TenantID,
		Query:     req.Text,
		TopK:      s.cfg.MaxInsights * 2,
		Threshold: &threshold,
		Source:    retrieval.SourceConversationHistory,
	})
	if err != nil {
		span.RecordError(err)
		s.observer.ObserveFallback("retrieval")
		slog.WarnContext(ctx, "Historical insight search failed, continuing without insights",
			"tenant_id", req.TenantID, "error", err)
		return nil
	}

	out := make([]retrieval.SearchResult, 0, s.cfg.MaxInsights)
	for _, h := range hits {
		if h.Similarity <= threshold || h.ConversationID == req.ConversationID {
			continue
		}
		out = append(out, h)
		if len(out) == s.cfg.MaxInsights {
			break
		}
	}
	span.SetAttributes(attribute.Int("insights.count", len(out)))
	return out
}

func (s *TurnService) completerFor(a assistants.Assistant) Completer {
	if c, ok := s.byModel[a.Model]; ok && a.Model != "" {
		return c
	}
	return s.completer
}

func (s *TurnService) emit(ctx context.Context, req TurnRequest, resp TurnResponse) {
	env, err := events.NewEnvelope(events.TopicMessageGenerated, req.TenantID, req.CorrelationID, EventSource, events.MessageGenerated{
		ConversationID:       resp.ConversationID,
		MessageID:            resp.ReplyID,
		Text:                 resp.Text,
		AssistantID:          resp.AssistantID,
		ProcessingTimeMs:     resp.ProcessingTimeMs,
		TokensUsed:           resp.TokensUsed,
		ModelName:            resp.ModelName,
		HasHistoricalContext: resp.HasHistoricalContext,
	})
	if err == nil {
		err = s.publisher.Publish(ctx, events.TopicMessageGenerated, resp.ConversationID, env)
	}
	if err != nil {
		s.observer.ObserveFallback("events")
		slog.WarnContext(ctx, "Failed to publish message_generated",
			"conversation_id", resp.ConversationID, "error", err)
	}
}

// EstimateTokens counts whitespace-separated words across parts.
func EstimateTokens(parts ...string) int {
	n := 0
	for _, p := range parts {
		n += len(strings.Fields(p))
	}
	return n
}

var _ Completer = (*llm.BoundedCompleter)(nil)
