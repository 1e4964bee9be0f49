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
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var errEmptyCompletion = errors.New("completion returned empty text")

// MaxCompletionTimeout is the upper bound for a single completion call.
const MaxCompletionTimeout = 5 * time.Second

// Completion is the outcome of BoundedCompleter.Complete.
type Completion struct {
	Text     string
	Model    string
	Stubbed  bool
	Duration time.Duration
	// Err is the failure that caused the stub fallback, if any.
	Err error
}

// BoundedCompleter runs one completion under a hard deadline and falls back
// to StubReply when the backend fails or times out.
//
// # Thread Safety
//
// Safe for concurrent use if the wrapped client is.
type BoundedCompleter struct {
	client  LLMClient
	timeout time.Duration
	params  GenerationParams
}

// NewBoundedCompleter wraps client. Timeouts outside (0, 5s] are clamped to
// MaxCompletionTimeout. A nil client always yields the stub.
func NewBoundedCompleter(client LLMClient, timeout time.Duration, params GenerationParams) *BoundedCompleter {
	if timeout <= 0 || timeout > MaxCompletionTimeout {
		timeout = MaxCompletionTimeout
	}
	return &BoundedCompleter{client: client, timeout: timeout, params: params}
}

// Complete sends the system prompt and user message. It never returns an
// error; the Completion reports whether the stub was used.
func (b *BoundedCompleter) Complete(ctx context.Context, systemPrompt, userMessage string) Completion {
	ctx, span := tracer.Start(ctx, "BoundedCompleter.Complete")
	defer span.End()

	start := time.Now()
	if b.client == nil {
		return Completion{Text: StubReply(userMessage), Model: "stub", Stubbed: true}
	}

	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	messages := make([]Message, 0, 2)
	if systemPrompt != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: systemPrompt})
	}
	messages = append(messages, Message{Role: RoleUser, Content: userMessage})

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := b.client.Chat(callCtx, messages, b.params)
		done <- result{text: text, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-callCtx.Done():
		res = result{err: callCtx.Err()}
	}

	model := modelName(b.client)
	if res.err == nil && res.text == "" {
		res.err = errEmptyCompletion
	}
	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
		slog.Warn("Completion unavailable, using stub reply", "model", model, "error", res.err)
		return Completion{
			Text:     StubReply(userMessage),
			Model:    "stub",
			Stubbed:  true,
			Duration: time.Since(start),
			Err:      res.err,
		}
	}
	span.SetAttributes(attribute.String("llm.model", model))
	return Completion{Text: res.text, Model: model, Duration: time.Since(start)}
}

// Client returns the wrapped client.
func (b *BoundedCompleter) Client() LLMClient { return b.client }

type modelNamer interface {
	Model() string
}

func modelName(client LLMClient) string {
	if m, ok := client.(modelNamer); ok {
		return m.Model()
	}
	return "unknown"
}
