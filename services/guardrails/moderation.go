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
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ModerationResult is the classification returned by a Moderator.
type ModerationResult struct {
	Flagged    bool               `json:"flagged"`
	Categories map[string]bool    `json:"categories,omitempty"`
	Scores     map[string]float64 `json:"scores,omitempty"`

	// Error is set when the call failed and the result was produced by the
	// fail-open path.
	Error string `json:"error,omitempty"`
}

// FlaggedCategories returns the names of every flagged category, sorted.
func (r ModerationResult) FlaggedCategories() []string {
	var out []string
	for name, flagged := range r.Categories {
		if flagged {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Moderator classifies text with an external content-classification API.
type Moderator interface {
	Moderate(ctx context.Context, text string) (ModerationResult, error)
}

// NopModerator never flags anything.
type NopModerator struct{}

// Moderate returns an unflagged result.
func (NopModerator) Moderate(ctx context.Context, text string) (ModerationResult, error) {
	return ModerationResult{}, nil
}

// =============================================================================
// OpenAI Moderation
// =============================================================================

// OpenAIModerator calls the OpenAI moderation endpoint.
type OpenAIModerator struct {
	client *openai.Client
	model  string
}

// OpenAIModeratorConfig configures OpenAIModerator.
type OpenAIModeratorConfig struct {
	APIKey string
	// BaseURL overrides the API endpoint. Empty uses the public API.
	BaseURL string
	// Model defaults to omni-moderation-latest.
	Model string
}

// NewOpenAIModerator creates a moderation client.
func NewOpenAIModerator(cfg OpenAIModeratorConfig) (*OpenAIModerator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("moderation API key not set")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.ModerationOmniLatest
	}
	slog.Info("Initializing OpenAI moderation client", "model", model)
	return &OpenAIModerator{
		client: openai.NewClientWithConfig(clientCfg),
		model:  model,
	}, nil
}

// Moderate classifies text. An empty result list is treated as not flagged.
func (m *OpenAIModerator) Moderate(ctx context.Context, text string) (ModerationResult, error) {
	ctx, span := tracer.Start(ctx, "OpenAIModerator.Moderate")
	defer span.End()
	span.SetAttributes(attribute.String("moderation.model", m.model))

	resp, err := m.client.Moderations(ctx, openai.ModerationRequest{
		Input: text,
		Model: m.model,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ModerationResult{}, fmt.Errorf("moderation call failed: %w", err)
	}
	if len(resp.Results) == 0 {
		return ModerationResult{}, nil
	}

	r := resp.Results[0]
	result := ModerationResult{
		Flagged:    r.Flagged,
		Categories: make(map[string]bool),
		Scores:     make(map[string]float64),
	}
	if err := remarshal(r.Categories, &result.Categories); err != nil {
		return ModerationResult{}, fmt.Errorf("decode moderation categories: %w", err)
	}
	if err := remarshal(r.CategoryScores, &result.Scores); err != nil {
		return ModerationResult{}, fmt.Errorf("decode moderation scores: %w", err)
	}
	span.SetAttributes(attribute.Bool("moderation.flagged", result.Flagged))
	return result, nil
}

// remarshal converts a tagged struct into a map keyed by its JSON names.
func remarshal(in any, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

var (
	_ Moderator = NopModerator{}
	_ Moderator = (*OpenAIModerator)(nil)
)
