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
	"slices"

	"gopkg.in/yaml.v3"
)

// Confidence is how likely a match is a true positive.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// UnmarshalYAML rejects anything but the three known levels.
func (c *Confidence) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch level := Confidence(s); level {
	case ConfidenceLow, ConfidenceMedium, ConfidenceHigh:
		*c = level
		return nil
	default:
		return fmt.Errorf("line %d: unknown confidence %q", value.Line, s)
	}
}

// policyDocument mirrors data_classification_patterns.yaml.
type policyDocument struct {
	Classifications []struct {
		Name     string `yaml:"name"`
		Priority int    `yaml:"priority"`
		Patterns []struct {
			ID          string     `yaml:"id"`
			Description string     `yaml:"description"`
			Regex       string     `yaml:"regex"`
			Confidence  Confidence `yaml:"confidence"`
		} `yaml:"patterns"`
	} `yaml:"classifications"`
}

// rule is one compiled pattern together with its classification.
type rule struct {
	classification string
	priority       int
	id             string
	description    string
	confidence     Confidence
	re             *regexp.Regexp
}

// compile flattens doc into rules, highest priority first. Rules of equal
// priority keep their file order.
func (doc policyDocument) compile() ([]rule, error) {
	var rules []rule
	for _, c := range doc.Classifications {
		for _, p := range c.Patterns {
			if p.ID == "" {
				return nil, fmt.Errorf("classification %q has a pattern without an id", c.Name)
			}
			re, err := regexp.Compile(p.Regex)
			if err != nil {
				return nil, fmt.Errorf("pattern %s: %w", p.ID, err)
			}
			rules = append(rules, rule{
				classification: c.Name,
				priority:       c.Priority,
				id:             p.ID,
				description:    p.Description,
				confidence:     p.Confidence,
				re:             re,
			})
		}
	}
	slices.SortStableFunc(rules, func(a, b rule) int { return b.priority - a.priority })
	return rules, nil
}

// ScanFinding is one pattern match. MatchedContent is masked.
type ScanFinding struct {
	LineNumber         int        `json:"line_number"`
	MatchedContent     string     `json:"matched_content"`
	ClassificationName string     `json:"classification_name"`
	PatternID          string     `json:"pattern_id"`
	PatternDescription string     `json:"pattern_description"`
	Confidence         Confidence `json:"confidence"`
}

// PatternIDs returns the distinct pattern IDs of findings in order.
func PatternIDs(findings []ScanFinding) []string {
	seen := make(map[string]bool, len(findings))
	ids := make([]string, 0, len(findings))
	for _, f := range findings {
		if seen[f.PatternID] {
			continue
		}
		seen[f.PatternID] = true
		ids = append(ids, f.PatternID)
	}
	return ids
}
