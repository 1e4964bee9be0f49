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
	"fmt"
)

// StubReply is the deterministic reply used when no model is available.
func StubReply(message string) string {
	return fmt.Sprintf("(stub) reply for: %s", message)
}

// StubClient answers every request with StubReply.
type StubClient struct{}

func (s *StubClient) Chat(ctx context.Context, messages []Message, params GenerationParams) (string, error) {
	return StubReply(lastUserMessage(messages)), nil
}

func (s *StubClient) Model() string { return "stub" }

var _ LLMClient = (*StubClient)(nil)
