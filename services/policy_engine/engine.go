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
	"regexp"
	"strings"

	"github.com/AleutianAI/ContextEngine/services/policy_engine/enforcement"
	"gopkg.in/yaml.v3"
)

// maxMaskPasses bounds the fixed-point loop in Mask.
const maxMaskPasses = 3

// PolicyEngine holds the compiled guardrail catalogue. It is immutable after
// construction and safe for concurrent use.
type PolicyEngine struct {
	Classifiers []Classification
	PII         []PIIPattern
}

// NewPolicyEngine loads the catalogue embedded in the binary.
//
// It performs the following operations:
// 1. Unmarshals the embedded YAML data.
// 2. Compiles all regex patterns.
// 3. Sorts categories and PII patterns by priority.
//
// Returns an error if the embedded YAML is malformed or contains invalid regex.
func NewPolicyEngine() (*PolicyEngine, error) {
	return NewPolicyEngineFromYAML(enforcement.GuardrailCatalogue)
}

// NewPolicyEngineFromYAML builds an engine from a catalogue document.
func NewPolicyEngineFromYAML(data []byte) (*PolicyEngine, error) {
	var catalogue CatalogueFile
	if err := yaml.Unmarshal(data, &catalogue); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the guardrail catalogue: %w", err)
	}

	if err := catalogue.Compile(); err != nil {
		return nil, fmt.Errorf("failed to compile a regex %w", err)
	}

	catalogue.SortByPriority()

	return &PolicyEngine{
		Classifiers: catalogue.Violations,
		PII:         catalogue.PII,
	}, nil
}

// Categories returns the names of the built-in categories in priority order.
func (e *PolicyEngine) Categories() []string {
	names := make([]string, len(e.Classifiers))
	for i, c := range e.Classifiers {
		names[i] = c.Name
	}
	return names
}

// ClassifyText checks text against the built-in catalogue.
//
// Categories are tried by priority; the first keyword or pattern hit wins.
// Keywords are matched case-insensitively as substrings.
func (e *PolicyEngine) ClassifyText(text string) (Violation, bool) {
	lowered := strings.ToLower(text)
	for _, classifier := range e.Classifiers {
		for _, kw := range classifier.Keywords {
			if kw != "" && strings.Contains(lowered, kw) {
				return Violation{Category: classifier.Name, Keyword: kw, Confidence: High}, true
			}
		}
		for _, pattern := range classifier.Patterns {
			if pattern.compiledPattern != nil && pattern.compiledPattern.MatchString(text) {
				return Violation{
					Category:   classifier.Name,
					PatternId:  pattern.Id,
					Confidence: pattern.Confidence,
				}, true
			}
		}
	}
	return Violation{}, false
}

// CheckHardRules applies operator rules, then the built-in catalogue.
//
// # Description
//
// Operator rules are matched case-insensitively as substrings. A rule written
// as /expr/ or prefixed with "regex:" is a regular expression; an expression
// that fails to compile is treated as a plain substring. The built-in
// catalogue is always checked, even when rules is empty.
//
// # Inputs
//
//   - text: Text to check.
//   - rules: Operator hard rules. May be nil.
//
// # Outputs
//
//   - RuleResult: Blocked with a reason naming the rule or category.
//
// # Thread Safety
//
// Safe for concurrent use. Operator regexes are compiled per call.
func (e *PolicyEngine) CheckHardRules(text string, rules []string) RuleResult {
	lowered := strings.ToLower(text)
	for _, rule := range rules {
		rule = strings.TrimSpace(rule)
		if rule == "" {
			continue
		}
		if matchOperatorRule(text, lowered, rule) {
			return RuleResult{
				Blocked: true,
				Reason:  "hard rule violated: " + rule,
				Rule:    rule,
			}
		}
	}

	if v, ok := e.ClassifyText(text); ok {
		return RuleResult{
			Blocked:  true,
			Reason:   "built-in policy violation: " + v.Category,
			Category: v.Category,
		}
	}
	return RuleResult{}
}

func matchOperatorRule(text, lowered, rule string) bool {
	if expr, ok := ruleExpression(rule); ok {
		re, err := regexp.Compile("(?i)" + expr)
		if err == nil {
			return re.MatchString(text)
		}
	}
	return strings.Contains(lowered, strings.ToLower(rule))
}

func ruleExpression(rule string) (string, bool) {
	if strings.HasPrefix(rule, "regex:") {
		return strings.TrimSpace(strings.TrimPrefix(rule, "regex:")), true
	}
	if len(rule) > 2 && strings.HasPrefix(rule, "/") && strings.HasSuffix(rule, "/") {
		return rule[1 : len(rule)-1], true
	}
	return "", false
}

// =============================================================================
// PII
// =============================================================================

// Mask replaces every PII match with its bracket token.
//
// Masking is idempotent: the loop runs until no pattern matches (bounded by
// maxMaskPasses), and replacement tokens never match a pattern.
func (e *PolicyEngine) Mask(text string) string {
	if text == "" {
		return text
	}
	masked := text
	for pass := 0; pass < maxMaskPasses; pass++ {
		changed := false
		for _, p := range e.PII {
			if p.compiledPattern.MatchString(masked) {
				masked = p.compiledPattern.ReplaceAllLiteralString(masked, p.Replacement)
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	return masked
}

// DetectPII lists every PII match in text.
func (e *PolicyEngine) DetectPII(text string) []Finding {
	var findings []Finding
	for _, p := range e.PII {
		for _, match := range p.compiledPattern.FindAllString(text, -1) {
			findings = append(findings, Finding{
				PatternId:      p.Id,
				Description:    p.Description,
				MatchedContent: strings.TrimSpace(match),
				Confidence:     p.Confidence,
			})
		}
	}
	return findings
}
