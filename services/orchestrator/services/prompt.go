// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package services

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/ContextEngine/services/orchestrator/assistants"
	"github.com/AleutianAI/ContextEngine/services/orchestrator/conversation"
	"github.com/AleutianAI/ContextEngine/services/retrieval"
)

// BuildPrompt assembles the system prompt body in a fixed order: persona,
// knowledge, conversation summary, recent turns, then historical insights.
// Hard rules are prepended separately by the guardrails service.
//
// The current message is sent as the user role, so a trailing user turn
// equal to current is left out of the recent turns.
func BuildPrompt(a assistants.Assistant, c conversation.Context, current string, insights []retrieval.SearchResult) string {
	var b strings.Builder

	persona := strings.TrimSpace(a.Persona)
	if persona == "" {
		persona = assistants.DefaultPersona
	}
	b.WriteString(persona)

	if k := strings.TrimSpace(a.Knowledge); k != "" {
		b.WriteString("\n\n## Knowledge\n")
		b.WriteString(k)
	}

	if sum := strings.TrimSpace(c.Summary); sum != "" {
		b.WriteString("\n\n## Earlier in this conversation\n")
		b.WriteString(sum)
	}

	turns := c.Turns
	if n := len(turns); n > 0 && turns[n-1].Role == conversation.RoleUser && turns[n-1].Content == current {
		turns = turns[:n-1]
	}
	if len(turns) > 0 {
		b.WriteString("\n\n## Recent messages\n")
		for _, t := range turns {
			fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
		}
	}

	if len(insights) > 0 {
		b.WriteString("\n\n## Related past conversations\n")
		for i, h := range insights {
			fmt.Fprintf(&b, "[%d] (similarity %.2f) %s\n", i+1, h.Similarity, strings.TrimSpace(h.Content))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
