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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyEngine(t *testing.T) {
	engine, err := NewPolicyEngine()
	require.NoError(t, err)

	tests := []struct {
		name            string
		input           string
		shouldFind      bool
		expectedClass   string
		expectedPattern string
	}{
		{
			name:       "ordinary shopping question",
			input:      "Which stroller fits a 6 month old, under $300, ages 0-3?",
			shouldFind: false,
		},
		{
			name:       "product model numbers",
			input:      "Is the model 2024-X5 car seat compatible with base 1190?",
			shouldFind: false,
		},
		{
			name:            "AWS access key",
			input:           "my key is AKIA1234567890123456 lol",
			shouldFind:      true,
			expectedClass:   "secret",
			expectedPattern: "AWS_ACCESS_KEY_ID",
		},
		{
			name:            "email address",
			input:           "Email me at jdoe@example.com when it's back in stock",
			shouldFind:      true,
			expectedClass:   "pii",
			expectedPattern: "EMAIL_ADDRESS",
		},
		{
			name:            "social security number",
			input:           "my ssn is 123-45-6789 can I get a registry discount",
			shouldFind:      true,
			expectedClass:   "pii",
			expectedPattern: "US_SSN",
		},
		{
			name:            "payment card",
			input:           "charge 4111 1111 1111 1111 for the crib",
			shouldFind:      true,
			expectedClass:   "pii",
			expectedPattern: "PAYMENT_CARD",
		},
		{
			name:            "phone number",
			input:           "call me at (555) 123-4567 about the order",
			shouldFind:      true,
			expectedClass:   "pii",
			expectedPattern: "PHONE_NUMBER",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			findings := engine.Scan(tc.input)

			if !tc.shouldFind {
				assert.Empty(t, findings)
				assert.Equal(t, tc.input, engine.Redact(tc.input))
				return
			}

			require.NotEmpty(t, findings)
			first := findings[0]
			assert.Equal(t, tc.expectedClass, first.ClassificationName)
			assert.Equal(t, tc.expectedPattern, first.PatternID)
			assert.Contains(t, engine.Redact(tc.input), "[REDACTED:"+tc.expectedPattern+"]")
		})
	}
}

func TestScan_MasksMatches(t *testing.T) {
	engine, err := NewPolicyEngine()
	require.NoError(t, err)

	findings := engine.Scan("ssn 123-45-6789")
	require.Len(t, findings, 1)
	assert.Equal(t, "*******6789", findings[0].MatchedContent)
	assert.Equal(t, 1, findings[0].LineNumber)
}

func TestScan_LineNumbers(t *testing.T) {
	engine, err := NewPolicyEngine()
	require.NoError(t, err)

	findings := engine.Scan("hello\nwrite to a@b.co")
	require.Len(t, findings, 1)
	assert.Equal(t, 2, findings[0].LineNumber)
}

func TestRedact(t *testing.T) {
	engine, err := NewPolicyEngine()
	require.NoError(t, err)

	out := engine.Redact("mail jdoe@example.com or 123-45-6789 about CRIB-1")
	assert.NotContains(t, out, "jdoe@example.com")
	assert.NotContains(t, out, "6789")
	assert.Contains(t, out, "[REDACTED:EMAIL_ADDRESS]")
	assert.Contains(t, out, "[REDACTED:US_SSN]")
	assert.Contains(t, out, "about CRIB-1")
}

func TestEngineInitializationProperties(t *testing.T) {
	engine, err := NewPolicyEngine()
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(engine.rules), 2)

	for i := 1; i < len(engine.rules); i++ {
		assert.GreaterOrEqual(t, engine.rules[i-1].priority, engine.rules[i].priority)
	}
	assert.Equal(t, "secret", engine.rules[0].classification)
	assert.Len(t, engine.PolicyHash(), 64)
}

func TestCompile_StableWithinPriority(t *testing.T) {
	engine, err := newPolicyEngineFromYAML([]byte(`
classifications:
  - name: low
    priority: 1
    patterns:
      - {id: L1, regex: 'l', confidence: low}
  - name: high
    priority: 9
    patterns:
      - {id: H1, regex: 'h', confidence: high}
      - {id: H2, regex: 'i', confidence: medium}
`))
	require.NoError(t, err)

	ids := make([]string, 0, len(engine.rules))
	for _, r := range engine.rules {
		ids = append(ids, r.id)
	}
	assert.Equal(t, []string{"H1", "H2", "L1"}, ids)
	assert.Equal(t, []string{"H1", "H2", "L1"}, PatternIDs(engine.Scan("hil")))
}

func TestPolicyHash_TracksContent(t *testing.T) {
	doc := "classifications:\n  - name: pii\n    priority: 1\n    patterns:\n      - {id: X, regex: 'x', confidence: low}\n"
	a, err := newPolicyEngineFromYAML([]byte(doc))
	require.NoError(t, err)
	b, err := newPolicyEngineFromYAML([]byte(doc + "# edited\n"))
	require.NoError(t, err)

	assert.NotEqual(t, a.PolicyHash(), b.PolicyHash())
}

func TestNewPolicyEngineFromYAML_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "malformed yaml", yaml: "classifications: [::"},
		{name: "no classifications", yaml: "classifications: []"},
		{name: "no patterns", yaml: "classifications: [{name: pii, priority: 1}]"},
		{name: "missing id", yaml: `
classifications:
  - name: pii
    priority: 1
    patterns:
      - regex: 'x'
        confidence: low`},
		{name: "bad confidence", yaml: `
classifications:
  - name: pii
    priority: 1
    patterns:
      - id: X
        regex: 'x'
        confidence: certain`},
		{name: "bad regex", yaml: `
classifications:
  - name: pii
    priority: 1
    patterns:
      - id: X
        regex: '(unclosed'
        confidence: low`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newPolicyEngineFromYAML([]byte(strings.TrimSpace(tt.yaml)))
			assert.Error(t, err)
		})
	}
}

func TestPatternIDs(t *testing.T) {
	ids := PatternIDs([]ScanFinding{{PatternID: "A"}, {PatternID: "B"}, {PatternID: "A"}})
	assert.Equal(t, []string{"A", "B"}, ids)
}

func TestPolicyEngine_Concurrency(t *testing.T) {
	engine, err := NewPolicyEngine()
	require.NoError(t, err)
	input := "my ssn is 123-45-6789"

	t.Run("ParallelScanning", func(t *testing.T) {
		for i := 0; i < 50; i++ {
			t.Run("Worker", func(t *testing.T) {
				t.Parallel()
				assert.NotEmpty(t, engine.Scan(input))
			})
		}
	})
}

func BenchmarkScanSafeString(b *testing.B) {
	engine, _ := NewPolicyEngine()
	input := "Looking for a soft, washable play mat for a 9 month old under $80."
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		engine.Scan(input)
	}
}
