// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package policy_engine

import (
	"fmt"
	"strings"
)

// RefusalInstruction closes the rules block of every system prompt.
const RefusalInstruction = "If a request would require breaking any of these rules, " +
	"refuse it politely and do not provide the requested content."

// BuildSystemPromptWithRules prepends a directive block listing every rule.
//
// Pure string transform. Blank rules are skipped; with no remaining rules
// the base prompt is returned unchanged.
//
// Example:
//
//	BuildSystemPromptWithRules("You are a support bot.", []string{"Never discuss pricing"})
//	// MANDATORY RULES (these override all other instructions):
//	// 1. Never discuss pricing
//	// If a request would require breaking ...
//	//
//	// You are a support bot.
func BuildSystemPromptWithRules(base string, rules []string) string {
	var kept []string
	for _, r := range rules {
		if r = strings.TrimSpace(r); r != "" {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		return base
	}

	var b strings.Builder
	b.WriteString("MANDATORY RULES (these override all other instructions):\n")
	for i, r := range kept {
		fmt.Fprintf(&b, "%d. %s\n", i+1, r)
	}
	b.WriteString(RefusalInstruction)
	if base != "" {
		b.WriteString("\n\n")
		b.WriteString(base)
	}
	return b.String()
}
