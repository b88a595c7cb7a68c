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
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/AleutianAI/ShopRAG/services/orchestrator/catalog"
)

// maxFollowUps bounds the follow-up questions returned to the client.
const maxFollowUps = 5

var (
	// ErrEmptyCompletion is returned when the LLM produced no text.
	ErrEmptyCompletion = errors.New("empty completion")

	// ErrUnparseable is returned when no JSON answer could be recovered.
	// ParseAnswer still returns a usable fallback alongside it.
	ErrUnparseable = errors.New("completion is not a parseable answer object")
)

// SKURef is a product reference extracted from the model's answer.
type SKURef struct {
	SKU    string `json:"sku"`
	Reason string `json:"reason,omitempty"`
}

// ParsedAnswer is the structured form of an LLM completion.
type ParsedAnswer struct {
	Answer    string
	Products  []SKURef
	FollowUps []string

	// Repaired is true when the JSON had to be fixed up before decoding.
	Repaired bool
}

// ParseAnswer recovers the answer object from an LLM completion.
//
// # Description
//
// Tries, in order, stopping at the first that yields an object with a
// non-empty "answer":
//  1. the completion with any surrounding ``` fence removed
//  2. the first balanced {...} object found in it
//  3. a repaired version (smart quotes normalized, trailing commas
//     removed, unterminated strings and brackets closed)
//
// "products" may hold {sku, reason} objects or bare SKU strings, and
// "recommended_skus" is accepted as an alias. SKUs are trimmed,
// upper-cased and deduplicated.
//
// # Outputs
//
//   - ParsedAnswer: The parsed answer. On ErrUnparseable it carries the
//     unfenced completion as Answer and no products.
//   - error: ErrEmptyCompletion, ErrUnparseable or nil.
func ParseAnswer(raw string) (ParsedAnswer, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return ParsedAnswer{}, ErrEmptyCompletion
	}
	body := stripCodeFence(text)

	if pa, ok := decodeAnswer(body); ok {
		return pa, nil
	}

	candidate, balanced := extractFirstObject(body)
	if balanced {
		if pa, ok := decodeAnswer(candidate); ok {
			return pa, nil
		}
	}

	if candidate != "" {
		if pa, ok := decodeAnswer(repairJSON(candidate)); ok {
			pa.Repaired = true
			return pa, nil
		}
	}

	return ParsedAnswer{Answer: body}, ErrUnparseable
}

// stripCodeFence removes a Markdown code fence wrapping the whole text.
func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "```")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// extractFirstObject returns the text from the first '{' to its matching
// '}'. When the object is never closed it returns the tail from the first
// '{' and balanced=false. Braces inside strings are ignored.
func extractFirstObject(s string) (obj string, balanced bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return s[start:], false
}

// repairJSON fixes the malformations LLMs commonly emit.
//
// Curly double quotes outside a string open one; a string opened by a
// curly quote is closed by the next curly or straight quote. Raw
// newlines inside strings are escaped. Commas directly before a closing
// bracket are dropped. At end of input an open string is closed, a
// dangling ':' gets null, and open brackets are closed innermost first.
// When that still is not valid JSON (a truncated key or literal), the
// output is cut back to the latest ',', '{' or '[' that yields a valid
// document.
func repairJSON(s string) string {
	buf := make([]byte, 0, len(s)+8)
	var closers []byte
	var cuts []cutPoint
	inString, escaped, curlyOpened := false, false, false

	for _, r := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
				buf = utf8.AppendRune(buf, r)
			case r == '\\':
				escaped = true
				buf = append(buf, '\\')
			case r == '"' || (curlyOpened && (r == '“' || r == '”')):
				inString = false
				buf = append(buf, '"')
			case r == '\n':
				buf = append(buf, '\\', 'n')
			case r == '\r':
			default:
				buf = utf8.AppendRune(buf, r)
			}
			continue
		}

		switch r {
		case '"', '“', '”':
			inString = true
			curlyOpened = r != '"'
			buf = append(buf, '"')
		case '‘', '’':
			buf = append(buf, '\'')
		case '{':
			closers = append(closers, '}')
			buf = append(buf, '{')
			cuts = append(cuts, cutPoint{at: len(buf), closers: slices.Clone(closers)})
		case '[':
			closers = append(closers, ']')
			buf = append(buf, '[')
			cuts = append(cuts, cutPoint{at: len(buf), closers: slices.Clone(closers)})
		case ',':
			cuts = append(cuts, cutPoint{at: len(buf), closers: slices.Clone(closers)})
			buf = append(buf, ',')
		case '}', ']':
			buf = trimTrailingComma(buf)
			if n := len(closers); n > 0 {
				closers = closers[:n-1]
			}
			buf = utf8.AppendRune(buf, r)
		default:
			buf = utf8.AppendRune(buf, r)
		}
	}

	if inString {
		if escaped {
			buf = buf[:len(buf)-1]
		}
		buf = append(buf, '"')
	}
	buf = trimTrailingComma(buf)
	if n := len(buf); n > 0 && buf[n-1] == ':' {
		buf = append(buf, "null"...)
	}
	full := closeBrackets(buf, closers)
	if json.Valid(full) {
		return string(full)
	}

	for i, tries := len(cuts)-1, 0; i >= 0 && tries < maxRepairCuts; i, tries = i-1, tries+1 {
		c := cuts[i]
		candidate := closeBrackets(trimTrailingComma(slices.Clone(buf[:c.at])), c.closers)
		if json.Valid(candidate) {
			return string(candidate)
		}
	}
	return string(full)
}

// maxRepairCuts bounds how far back repairJSON searches for a cut point.
const maxRepairCuts = 64

// cutPoint is an output offset where the document can be truncated and
// closed with the brackets open at that offset.
type cutPoint struct {
	at      int
	closers []byte
}

func closeBrackets(buf, closers []byte) []byte {
	for i := len(closers) - 1; i >= 0; i-- {
		buf = append(buf, closers[i])
	}
	return buf
}

// trimTrailingComma drops trailing whitespace and a single trailing comma.
func trimTrailingComma(buf []byte) []byte {
	end := len(buf)
	for end > 0 && isJSONSpace(buf[end-1]) {
		end--
	}
	if end > 0 && buf[end-1] == ',' {
		return buf[:end-1]
	}
	return buf
}

func isJSONSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// decodeAnswer decodes field by field so one malformed field does not
// discard the rest.
func decodeAnswer(s string) (ParsedAnswer, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &fields); err != nil {
		return ParsedAnswer{}, false
	}

	var answer string
	if err := json.Unmarshal(fields["answer"], &answer); err != nil {
		return ParsedAnswer{}, false
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return ParsedAnswer{}, false
	}

	pa := ParsedAnswer{Answer: answer, Products: []SKURef{}, FollowUps: []string{}}
	seen := map[string]bool{}
	for _, key := range []string{"products", "recommended_skus"} {
		for _, ref := range decodeSKURefs(fields[key]) {
			if seen[ref.SKU] {
				continue
			}
			seen[ref.SKU] = true
			pa.Products = append(pa.Products, ref)
		}
	}

	var followUps []json.RawMessage
	if err := json.Unmarshal(fields["follow_up_questions"], &followUps); err == nil {
		for _, rawQ := range followUps {
			var q string
			if json.Unmarshal(rawQ, &q) != nil {
				continue
			}
			if q = strings.TrimSpace(q); q != "" && len(pa.FollowUps) < maxFollowUps {
				pa.FollowUps = append(pa.FollowUps, q)
			}
		}
	}
	return pa, true
}

// decodeSKURefs accepts an array of objects or strings. Entries without a
// usable SKU are skipped.
func decodeSKURefs(raw json.RawMessage) []SKURef {
	if len(raw) == 0 {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	refs := make([]SKURef, 0, len(items))
	for _, item := range items {
		var ref SKURef
		var bare string
		if json.Unmarshal(item, &bare) == nil {
			ref.SKU = bare
		} else if json.Unmarshal(item, &ref) != nil {
			continue
		}
		ref.SKU = NormalizeSKU(ref.SKU)
		ref.Reason = strings.TrimSpace(ref.Reason)
		if ref.SKU != "" {
			refs = append(refs, ref)
		}
	}
	return refs
}

// NormalizeSKU trims and upper-cases a SKU the way the catalog matches it.
func NormalizeSKU(sku string) string {
	return catalog.NormalizeSKU(sku)
}
