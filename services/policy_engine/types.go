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
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type ConfidenceLevel string

const (
	Low    ConfidenceLevel = "low"
	Medium ConfidenceLevel = "medium"
	High   ConfidenceLevel = "high"
)

// CatalogueFile is the on-disk shape of the guardrail catalogue.
type CatalogueFile struct {
	Violations []Classification `yaml:"violations"`
	PII        []PIIPattern     `yaml:"pii"`
}

// Classification is one built-in policy category.
type Classification struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Priority    int       `yaml:"priority"`
	Keywords    []string  `yaml:"keywords"`
	Patterns    []Pattern `yaml:"patterns"`
}

type Pattern struct {
	Id              string          `yaml:"id"`
	Description     string          `yaml:"description"`
	Regex           string          `yaml:"regex"`
	Confidence      ConfidenceLevel `yaml:"confidence"`
	compiledPattern *regexp.Regexp  `yaml:"-"`
}

// PIIPattern is a redaction rule. Replacement must never match any PII
// pattern itself.
type PIIPattern struct {
	Pattern     `yaml:",inline"`
	Replacement string `yaml:"replacement"`
	Priority    int    `yaml:"priority"`
}

func (c *ConfidenceLevel) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}

	incomingConfidence := ConfidenceLevel(s)
	switch incomingConfidence {
	case High, Medium, Low:
		*c = incomingConfidence
		return nil
	default:
		return fmt.Errorf("invalid value for Confidence: %q", incomingConfidence)
	}
}

// Compile compiles every regex and lower-cases keywords.
func (f *CatalogueFile) Compile() error {
	for i := range f.Violations {
		v := &f.Violations[i]
		for k, kw := range v.Keywords {
			v.Keywords[k] = strings.ToLower(kw)
		}
		for j := range v.Patterns {
			pattern := &v.Patterns[j]
			re, err := regexp.Compile(pattern.Regex)
			if err != nil {
				return fmt.Errorf("failed to compile the regex %s: %w", pattern.Regex, err)
			}
			pattern.compiledPattern = re
		}
	}
	for i := range f.PII {
		p := &f.PII[i]
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return fmt.Errorf("failed to compile the regex %s: %w", p.Regex, err)
		}
		p.compiledPattern = re
		if p.Replacement == "" {
			p.Replacement = "[" + p.Id + "]"
		}
	}
	return nil
}

// SortByPriority orders violations and PII patterns from highest to lowest
// priority.
func (f *CatalogueFile) SortByPriority() {
	sort.SliceStable(f.Violations, func(i, j int) bool {
		return f.Violations[i].Priority > f.Violations[j].Priority
	})
	sort.SliceStable(f.PII, func(i, j int) bool {
		return f.PII[i].Priority > f.PII[j].Priority
	})
}

// Violation describes a built-in catalogue match.
type Violation struct {
	Category   string          `json:"category"`
	PatternId  string          `json:"pattern_id,omitempty"`
	Keyword    string          `json:"keyword,omitempty"`
	Confidence ConfidenceLevel `json:"confidence"`
}

// RuleResult is the outcome of a hard-rule check.
type RuleResult struct {
	Blocked  bool   `json:"blocked"`
	Reason   string `json:"reason,omitempty"`
	Rule     string `json:"rule,omitempty"`
	Category string `json:"category,omitempty"`
}

// Finding is one PII match. MatchedContent is never logged.
type Finding struct {
	PatternId      string          `json:"pattern_id"`
	Description    string          `json:"description"`
	MatchedContent string          `json:"-"`
	Confidence     ConfidenceLevel `json:"confidence"`
}
