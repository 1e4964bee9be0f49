// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm holds the completion clients used to generate assistant
// replies and conversation summaries.
package llm

import (
	"context"
	"fmt"
	"time"
)

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of a chat request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// LLMClient defines the standard interface for any LLM backend
type LLMClient interface {
	Chat(ctx context.Context, messages []Message, params GenerationParams) (string, error)
}

// Config selects a completion backend.
type Config struct {
	Backend string        `yaml:"backend" validate:"omitempty,oneof=openai ollama stub"`
	Model   string        `yaml:"model"`
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// NewClient builds the client named by cfg.Backend. An empty backend uses
// the stub.
func NewClient(cfg Config) (LLMClient, error) {
	switch cfg.Backend {
	case "openai":
		return NewOpenAIClient(cfg)
	case "ollama":
		return NewOllamaClient(cfg)
	case "stub", "":
		return &StubClient{}, nil
	default:
		return nil, fmt.Errorf("unknown completion backend %q", cfg.Backend)
	}
}

// lastUserMessage returns the content of the final user message.
func lastUserMessage(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i].Content
		}
	}
	return ""
}
