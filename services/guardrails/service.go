// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package guardrails screens assistant inputs and outputs.
//
// A check runs the operator's hard rules and the built-in catalogue, then
// (optionally) an external moderation API. Moderation fails open: an error
// or timeout never blocks a turn. Each check writes exactly one audit event.
package guardrails

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/AleutianAI/ContextEngine/pkg/extensions"
	"github.com/AleutianAI/ContextEngine/services/policy_engine"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("contextengine.guardrails")

// Refusal messages returned to the caller instead of the model's answer.
const (
	InputRefusal  = "I'm sorry, but I can't help with that request."
	OutputRefusal = "I'm sorry, but I can't provide that response."
)

// DefaultModerationTimeout bounds a single moderation call.
const DefaultModerationTimeout = 3 * time.Second

// Policy is the per-assistant guardrail configuration.
type Policy struct {
	HardRules          []string `json:"hard_rules" yaml:"hard_rules"`
	EnableModeration   bool     `json:"enable_moderation" yaml:"enable_moderation"`
	EnableAuditLogging bool     `json:"enable_audit_logging" yaml:"enable_audit_logging"`
	EnablePIIMasking   bool     `json:"enable_pii_masking" yaml:"enable_pii_masking"`
}

// Check is one guardrail evaluation request.
type Check struct {
	Text          string
	Policy        Policy
	TenantID      string
	CorrelationID string
	AssistantID   string
}

// Result is the outcome of a check.
type Result struct {
	IsBlocked bool
	Reason    string
	// Category is the built-in category or moderation category that fired.
	Category   string
	Moderation *ModerationResult
	// ModifiedContent is the text to deliver. It equals the input when the
	// check passed and the refusal message when it was blocked.
	ModifiedContent string
}

// Config configures Service.
type Config struct {
	ModerationTimeout time.Duration
}

// Service applies guardrails. Safe for concurrent use.
type Service struct {
	engine    *policy_engine.PolicyEngine
	moderator Moderator
	audit     extensions.AuditLogger
	timeout   time.Duration
}

// NewService wires a guardrail service.
//
// # Inputs
//
//   - cfg: Timeouts. Zero values use defaults.
//   - engine: Compiled catalogue. Required.
//   - moderator: Moderation client. Nil uses NopModerator.
//   - audit: Audit sink. Nil uses NopAuditLogger.
func NewService(cfg Config, engine *policy_engine.PolicyEngine, moderator Moderator, audit extensions.AuditLogger) (*Service, error) {
	if engine == nil {
		return nil, errors.New("guardrails: policy engine is required")
	}
	if moderator == nil {
		moderator = NopModerator{}
	}
	if audit == nil {
		audit = &extensions.NopAuditLogger{}
	}
	if cfg.ModerationTimeout <= 0 {
		cfg.ModerationTimeout = DefaultModerationTimeout
	}
	slog.Debug("Guardrail catalogue loaded", "categories", engine.Categories())
	return &Service{
		engine:    engine,
		moderator: moderator,
		audit:     audit,
		timeout:   cfg.ModerationTimeout,
	}, nil
}

// ApplyInputGuardrails screens a user message before it reaches the model.
func (s *Service) ApplyInputGuardrails(ctx context.Context, check Check) Result {
	return s.apply(ctx, check, extensions.AuditActionInputCheck, InputRefusal)
}

// ApplyOutputGuardrails screens a model reply before it is returned.
func (s *Service) ApplyOutputGuardrails(ctx context.Context, check Check) Result {
	return s.apply(ctx, check, extensions.AuditActionOutputCheck, OutputRefusal)
}

// BuildSystemPromptWithRules prepends the policy's hard rules to base.
func (s *Service) BuildSystemPromptWithRules(base string, rules []string) string {
	return policy_engine.BuildSystemPromptWithRules(base, rules)
}

// MaskPIIForLogging replaces identifiers with bracket tokens.
func (s *Service) MaskPIIForLogging(text string) string {
	return s.engine.Mask(text)
}

func (s *Service) apply(ctx context.Context, check Check, action, refusal string) Result {
	ctx, span := tracer.Start(ctx, "guardrails."+action)
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", check.TenantID),
		attribute.String("assistant.id", check.AssistantID),
	)

	result := Result{ModifiedContent: check.Text}

	rule := s.engine.CheckHardRules(check.Text, check.Policy.HardRules)
	if rule.Blocked {
		result.IsBlocked = true
		result.Reason = rule.Reason
		result.Category = rule.Category
	}

	if !result.IsBlocked && check.Policy.EnableModeration {
		mod := s.moderate(ctx, check.Text)
		result.Moderation = &mod
		if mod.Flagged {
			result.IsBlocked = true
			cats := mod.FlaggedCategories()
			result.Reason = "moderation flagged content"
			if len(cats) > 0 {
				result.Category = cats[0]
				result.Reason += ": " + cats[0]
			}
		}
	}

	if result.IsBlocked {
		result.ModifiedContent = refusal
		span.SetAttributes(attribute.String("guardrails.reason", result.Reason))
	}
	span.SetAttributes(attribute.Bool("guardrails.blocked", result.IsBlocked))

	s.record(ctx, check, action, result)
	return result
}

// moderate calls the moderator under the configured timeout. Failures are
// logged and turned into an unflagged result.
func (s *Service) moderate(ctx context.Context, text string) ModerationResult {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.moderator.Moderate(ctx, text)
	if err != nil {
		slog.Warn("Moderation unavailable, failing open", "error", err)
		return ModerationResult{Error: err.Error()}
	}
	return res
}

func (s *Service) record(ctx context.Context, check Check, action string, result Result) {
	status := extensions.AuditStatusPassed
	if result.IsBlocked {
		status = extensions.AuditStatusBlocked
	}

	details := map[string]any{
		"text_length": len(check.Text),
	}
	if check.Policy.EnablePIIMasking {
		details["text"] = s.engine.Mask(check.Text)
	}
	if types := s.piiTypes(check.Text); len(types) > 0 {
		details["pii_types"] = types
	}
	if result.Reason != "" {
		details["reason"] = result.Reason
	}
	if result.Category != "" {
		details["category"] = result.Category
	}
	if result.Moderation != nil {
		details["moderation_flagged"] = result.Moderation.Flagged
		if result.Moderation.Error != "" {
			details["moderation_error"] = result.Moderation.Error
		}
	}

	sink := s.audit
	if !check.Policy.EnableAuditLogging {
		sink = &extensions.NopAuditLogger{}
	}
	err := sink.Log(ctx, extensions.AuditEvent{
		Timestamp:     time.Now().UTC(),
		TenantID:      check.TenantID,
		CorrelationID: check.CorrelationID,
		AssistantID:   check.AssistantID,
		Action:        action,
		Status:        status,
		Details:       details,
	})
	if err != nil {
		// Audit failures never change the decision.
		_, span := tracer.Start(ctx, "guardrails.audit_failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		slog.Error("Failed to write audit event", "action", action, "error", err)
	}
}

// piiTypes lists the distinct PII pattern ids found in text, in catalogue
// order. Matched values are never returned.
func (s *Service) piiTypes(text string) []string {
	var types []string
	seen := make(map[string]struct{})
	for _, f := range s.engine.DetectPII(text) {
		if _, ok := seen[f.PatternId]; ok {
			continue
		}
		seen[f.PatternId] = struct{}{}
		types = append(types, f.PatternId)
	}
	return types
}
