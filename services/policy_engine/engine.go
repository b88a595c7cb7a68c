// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package policy_engine screens shopper text for credentials and personal
// data before it reaches the embedder, the LLM or the conversation store.
package policy_engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/AleutianAI/ShopRAG/services/policy_engine/enforcement"
	"gopkg.in/yaml.v3"
)

// PolicyEngine scans and redacts text against the embedded patterns. It is
// immutable after construction and safe for concurrent use.
type PolicyEngine struct {
	rules []rule
	hash  string
}

// NewPolicyEngine loads the policy definitions embedded in the binary.
//
// # Outputs
//
//   - *PolicyEngine: Ready to scan.
//   - error: Non-nil if the embedded YAML is malformed, defines no
//     patterns or contains an invalid regex.
func NewPolicyEngine() (*PolicyEngine, error) {
	return newPolicyEngineFromYAML(enforcement.DataClassificationPatterns)
}

func newPolicyEngineFromYAML(data []byte) (*PolicyEngine, error) {
	var doc policyDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the embedded policy file: %w", err)
	}
	rules, err := doc.compile()
	if err != nil {
		return nil, fmt.Errorf("failed to compile the policy: %w", err)
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("policy file defines no patterns")
	}

	sum := sha256.Sum256(data)
	return &PolicyEngine{rules: rules, hash: hex.EncodeToString(sum[:])}, nil
}

// PolicyHash is the SHA-256 of the loaded policy file. /health reports it
// so operators can tell which policy a replica runs.
func (e *PolicyEngine) PolicyHash() string {
	return e.hash
}

// Scan checks every line of text against every rule and returns one
// finding per matching rule per line, highest priority first within a
// line.
func (e *PolicyEngine) Scan(text string) []ScanFinding {
	var findings []ScanFinding
	for i, line := range strings.Split(text, "\n") {
		for _, r := range e.rules {
			match := r.re.FindString(line)
			if match == "" {
				continue
			}
			findings = append(findings, ScanFinding{
				LineNumber:         i + 1,
				MatchedContent:     mask(strings.TrimSpace(match)),
				ClassificationName: r.classification,
				PatternID:          r.id,
				PatternDescription: r.description,
				Confidence:         r.confidence,
			})
		}
	}
	return findings
}

// Redact replaces every match with [REDACTED:<pattern id>].
func (e *PolicyEngine) Redact(text string) string {
	for _, r := range e.rules {
		text = r.re.ReplaceAllLiteralString(text, "[REDACTED:"+r.id+"]")
	}
	return text
}

// mask keeps the last four characters of s.
func mask(s string) string {
	r := []rune(s)
	if len(r) <= 4 {
		return strings.Repeat("*", len(r))
	}
	return strings.Repeat("*", len(r)-4) + string(r[len(r)-4:])
}
