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
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/AleutianAI/ShopRAG/services/orchestrator/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildPrompt_Minimal(t *testing.T) {
	msgs, err := BuildPrompt(PromptInput{Question: "Which crib is safest?"})
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, "system", msgs[0].Role)
	assert.Equal(t, SystemPrompt, msgs[0].Content)
	assert.Equal(t, "user", msgs[1].Role)

	user := msgs[1].Content
	assert.Contains(t, user, "## Question\nWhich crib is safest?")
	assert.NotContains(t, user, "Retrieved products", "an empty section is omitted")
	assert.True(t, strings.HasPrefix(user, "## Question\n"), "user prompt = %q", user)
	assert.Contains(t, user, `"follow_up_questions"`)
	assert.NotContains(t, user, "Shopper profile")
	assert.NotContains(t, user, "Child profile")
	assert.NotContains(t, user, "Recent conversation")
	assert.NotContains(t, user, "earlier in this session")
}

func TestBuildPrompt_Profiles(t *testing.T) {
	msgs, err := BuildPrompt(PromptInput{
		Question: "stroller?",
		User: &datatypes.UserProfile{
			Name:            "Dana",
			PreferredBrands: []string{"Graco", "Chicco"},
			BudgetMax:       150,
		},
		Child: &datatypes.ChildProfile{
			AgeMonths: datatypes.Int(0),
			Interests: []string{"music"},
		},
	})
	require.NoError(t, err)
	user := msgs[1].Content

	assert.Contains(t, user, "## Shopper profile")
	assert.Contains(t, user, "- Name: Dana")
	assert.Contains(t, user, "- Preferred brands: Graco, Chicco")
	assert.Contains(t, user, "- Budget: up to 150.00")
	assert.NotContains(t, user, "- Locale:")

	assert.Contains(t, user, "## Child profile")
	assert.Contains(t, user, "- Age: 0 months", "newborn age must render")
	assert.Contains(t, user, "- Interests: music")
}

func TestBuildPrompt_EmptyProfilesOmitted(t *testing.T) {
	msgs, err := BuildPrompt(PromptInput{
		Question: "gate",
		User:     &datatypes.UserProfile{},
		Child:    &datatypes.ChildProfile{},
	})
	require.NoError(t, err)

	assert.NotContains(t, msgs[1].Content, "Shopper profile")
	assert.NotContains(t, msgs[1].Content, "Child profile")
}

func TestBuildPrompt_MemoryAndHistory(t *testing.T) {
	msgs, err := BuildPrompt(PromptInput{
		Question: "and a mattress?",
		Memory:   "Shopper wants a convertible crib under $300.",
		History: []datatypes.Turn{
			{TurnNumber: 1, Question: "best crib?", Answer: "Try CRIB-1."},
			{TurnNumber: 2, Question: "in white?", Answer: "Yes, it comes in white."},
		},
	})
	require.NoError(t, err)
	user := msgs[1].Content

	assert.Contains(t, user, "Shopper wants a convertible crib under $300.")
	assert.Contains(t, user, "## Recent conversation\nShopper: best crib?\nAssistant: Try CRIB-1.\nShopper: in white?")
	assert.Less(t, strings.Index(user, "Recent conversation"), strings.Index(user, "## Question"))
}

func TestBuildPrompt_Products(t *testing.T) {
	msgs, err := BuildPrompt(PromptInput{
		Question: "crib",
		Products: []datatypes.ProductHit{
			{
				SKU:          "CRIB-1",
				Name:         "Convertible Crib",
				Brand:        "Graco",
				Category:     "nursery",
				Price:        89.99,
				AgeMinMonths: datatypes.Int(0),
				AgeMaxMonths: datatypes.Int(36),
				Description:  strings.Repeat("x", 500),
			},
			{SKU: "TOY-2", Name: "Rattle", AgeMinMonths: datatypes.Int(3)},
		},
	})
	require.NoError(t, err)
	user := msgs[1].Content

	assert.Contains(t, user, "- SKU: CRIB-1\n  Name: Convertible Crib\n  Brand: Graco")
	assert.Contains(t, user, "Price: 89.99")
	assert.Contains(t, user, "Age range: 0-36 months")
	assert.Contains(t, user, "Age range: 3+ months")
	keep := maxDescriptionBytes - len(truncationMarker)
	assert.Contains(t, user, "Description: "+strings.Repeat("x", keep)+truncationMarker+"\n")
	assert.Contains(t, user, "## Retrieved products\n- SKU: CRIB-1")
}

func TestAgeRange(t *testing.T) {
	assert.Equal(t, "6-24 months", ageRange(datatypes.Int(6), datatypes.Int(24)))
	assert.Equal(t, "6+ months", ageRange(datatypes.Int(6), nil))
	assert.Equal(t, "up to 12 months", ageRange(nil, datatypes.Int(12)))
	assert.Equal(t, "", ageRange(nil, nil))
}

func TestTruncateBytes(t *testing.T) {
	assert.Equal(t, "short", truncateBytes("  short "))

	long := strings.Repeat("ü", maxDescriptionBytes)
	got := truncateBytes(long)
	assert.True(t, strings.HasSuffix(got, truncationMarker))
	assert.LessOrEqual(t, len(got), maxDescriptionBytes)
	assert.True(t, utf8.ValidString(got))

	ascii := truncateBytes(strings.Repeat("a", maxDescriptionBytes+50))
	assert.Len(t, ascii, maxDescriptionBytes)

	exact := strings.Repeat("b", maxDescriptionBytes)
	assert.Equal(t, exact, truncateBytes(exact), "a description at the limit is kept whole")
}
