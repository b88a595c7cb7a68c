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
	"text/template"
	"unicode/utf8"

	"github.com/AleutianAI/ShopRAG/services/orchestrator/datatypes"
)

// maxDescriptionBytes bounds each product description in the prompt.
const maxDescriptionBytes = 400

// SystemPrompt is the assistant persona sent as the system message.
const SystemPrompt = `You are a friendly, knowledgeable shopping assistant for a store that sells products for babies, children and parents.

Rules:
- Recommend only products listed under "Retrieved products". Never invent SKUs. With no such section, recommend nothing.
- Respect the child's age. Do not recommend a product outside its stated age range, and call out choking, sleep or car-seat safety concerns when relevant.
- Respect the shopper's budget and preferred brands when they are given.
- If none of the retrieved products fit, say so and suggest what to search for instead.
- Keep the answer concise and practical.`

// outputContract is appended to every prompt.
const outputContract = `Respond with a JSON object of exactly this shape and nothing else:
{"answer": string, "products": [{"sku": string, "reason": string}], "follow_up_questions": [string]}`

var promptTemplate = template.Must(template.New("ask").Funcs(template.FuncMap{
	"join":     strings.Join,
	"truncate": truncateBytes,
	"price":    func(p float64) string { return fmt.Sprintf("%.2f", p) },
	"deref":    func(p *int) int { return *p },
	"ageRange": ageRange,
}).Parse(`{{- with .User}}## Shopper profile
{{- if .Name}}
- Name: {{.Name}}{{end}}
{{- if .Locale}}
- Locale: {{.Locale}}{{end}}
{{- if .PreferredBrands}}
- Preferred brands: {{join .PreferredBrands ", "}}{{end}}
{{- if gt .BudgetMax 0.0}}
- Budget: up to {{price .BudgetMax}}{{end}}

{{end -}}
{{- with .Child}}## Child profile
{{- if .Name}}
- Name: {{.Name}}{{end}}
{{- if .AgeMonths}}
- Age: {{deref .AgeMonths}} months{{end}}
{{- if .Gender}}
- Gender: {{.Gender}}{{end}}
{{- if .Interests}}
- Interests: {{join .Interests ", "}}{{end}}

{{end -}}
{{- if .Memory}}## What we know from earlier in this session
{{.Memory}}

{{end -}}
{{- if .History}}## Recent conversation
{{- range .History}}
Shopper: {{.Question}}
Assistant: {{.Answer}}
{{- end}}

{{end -}}
{{- if .Products}}## Retrieved products
{{- range .Products}}
- SKU: {{.SKU}}
  Name: {{.Name}}
{{- if .Brand}}
  Brand: {{.Brand}}{{end}}
{{- if .Category}}
  Category: {{.Category}}{{end}}
{{- if gt .Price 0.0}}
  Price: {{price .Price}}{{end}}
{{- if or .AgeMinMonths .AgeMaxMonths}}
  Age range: {{ageRange .AgeMinMonths .AgeMaxMonths}}{{end}}
{{- if .Description}}
  Description: {{truncate .Description}}{{end}}
{{- end}}

{{end -}}
## Question
{{.Question}}

{{.Contract}}`))

// PromptInput is everything the prompt template renders.
type PromptInput struct {
	Question string
	User     *datatypes.UserProfile
	Child    *datatypes.ChildProfile
	Memory   string
	History  []datatypes.Turn
	Products []datatypes.ProductHit
}

type promptData struct {
	PromptInput
	Contract string
}

// BuildPrompt renders the chat messages sent to the LLM.
//
// # Description
//
// Returns a system message with the assistant persona and a user message
// containing the profiles, long-term memory, recent turns, retrieved
// products, the question and the JSON output contract. Empty sections
// are omitted.
//
// # Outputs
//
//   - []datatypes.Message: [system, user].
//   - error: Non-nil only if template execution fails.
func BuildPrompt(in PromptInput) ([]datatypes.Message, error) {
	if in.User != nil && isEmptyUser(in.User) {
		in.User = nil
	}
	if in.Child != nil && isEmptyChild(in.Child) {
		in.Child = nil
	}

	var sb strings.Builder
	if err := promptTemplate.Execute(&sb, promptData{PromptInput: in, Contract: outputContract}); err != nil {
		return nil, fmt.Errorf("failed to render prompt: %w", err)
	}
	return []datatypes.Message{
		{Role: "system", Content: SystemPrompt},
		{Role: "user", Content: sb.String()},
	}, nil
}

func isEmptyUser(u *datatypes.UserProfile) bool {
	return u.Name == "" && u.Locale == "" && len(u.PreferredBrands) == 0 && u.BudgetMax <= 0
}

func isEmptyChild(c *datatypes.ChildProfile) bool {
	return c.Name == "" && c.AgeMonths == nil && c.Gender == "" && len(c.Interests) == 0
}

func ageRange(minMonths, maxMonths *int) string {
	switch {
	case minMonths != nil && maxMonths != nil:
		return fmt.Sprintf("%d-%d months", *minMonths, *maxMonths)
	case minMonths != nil:
		return fmt.Sprintf("%d+ months", *minMonths)
	case maxMonths != nil:
		return fmt.Sprintf("up to %d months", *maxMonths)
	}
	return ""
}

// truncateBytes cuts s on a rune boundary so the result, marker included,
// is at most maxDescriptionBytes long.
func truncateBytes(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxDescriptionBytes {
		return s
	}
	cut := maxDescriptionBytes - len(truncationMarker)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncationMarker
}
