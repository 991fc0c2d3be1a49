// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transform

import (
	"context"
	"errors"
	"testing"

	"github.com/AleutianAI/kodiak/services/llm"
	"github.com/AleutianAI/kodiak/services/support/datatypes"
)

func TestChooseStrategy(t *testing.T) {
	tests := []struct {
		name   string
		query  string
		intent datatypes.Intent
		want   Strategy
	}{
		{
			name:   "short faq gets hyde",
			query:  "how do I reset my password?",
			intent: datatypes.IntentFAQ,
			want:   StrategyHyDE,
		},
		{
			name: "long troubleshooting gets step back",
			query: "my sync keeps failing every morning around 9am with error code 37 " +
				"after I upgraded to version 2.4 on my work laptop which runs windows 11 " +
				"and it worked fine before the upgrade",
			intent: datatypes.IntentComplex,
			want:   StrategyStepBack,
		},
		{
			name:   "two questions get multi query",
			query:  "How do I export my data? And how do I delete my account?",
			intent: datatypes.IntentComplex,
			want:   StrategyMultiQuery,
		},
		{
			name:   "escalation passes through",
			query:  "I want to talk to a human?",
			intent: datatypes.IntentEscalation,
			want:   StrategyPassthrough,
		},
		{
			name:   "medium complex passes through",
			query:  "why does the dashboard show stale numbers",
			intent: datatypes.IntentComplex,
			want:   StrategyPassthrough,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := chooseStrategy(tt.query, tt.intent); got != tt.want {
				t.Errorf("chooseStrategy = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTransformAlwaysIncludesOriginal(t *testing.T) {
	client := llm.NewScriptedClient("To reset your password, open Settings and choose Security.")
	tr := NewTransformer(client, nil)

	variants, err := tr.Transform(context.Background(), "how do I reset my password?", datatypes.IntentFAQ)
	if err != nil {
		t.Fatal(err)
	}
	if len(variants) != 2 {
		t.Fatalf("expected original plus hypothetical document, got %d variants", len(variants))
	}
	if variants[0] != "how do I reset my password?" {
		t.Errorf("original query must come first, got %q", variants[0])
	}
}

func TestTransformMultiQuerySplitsLines(t *testing.T) {
	client := llm.NewScriptedClient("1. export account data\n2. delete account\n3. close billing\n4. extra ignored")
	tr := NewTransformer(client, nil)

	variants, err := tr.Transform(context.Background(),
		"How do I export my data? And how do I delete my account?", datatypes.IntentComplex)
	if err != nil {
		t.Fatal(err)
	}
	// Original plus at most 3 paraphrases, capped at maxVariants total.
	if len(variants) != maxVariants {
		t.Fatalf("expected %d variants, got %d: %v", maxVariants, len(variants), variants)
	}
	if variants[1] != "export account data" {
		t.Errorf("numbered prefix not stripped: %q", variants[1])
	}
}

func TestTransformModelFailureDegradesToPassthrough(t *testing.T) {
	client := llm.NewScriptedClient()
	client.QueueError(errors.New("model down"))
	tr := NewTransformer(client, nil)

	variants, err := tr.Transform(context.Background(), "how do I reset my password?", datatypes.IntentFAQ)
	if err != nil {
		t.Fatalf("model failure must not surface: %v", err)
	}
	if len(variants) != 1 || variants[0] != "how do I reset my password?" {
		t.Errorf("expected passthrough, got %v", variants)
	}
}

func TestRewriteFallsBackToOriginal(t *testing.T) {
	client := llm.NewScriptedClient()
	client.QueueError(errors.New("model down"))
	tr := NewTransformer(client, nil)

	got, err := tr.Rewrite(context.Background(), "my sync is broken")
	if err != nil {
		t.Fatal(err)
	}
	if got != "my sync is broken" {
		t.Errorf("expected original on failure, got %q", got)
	}

	client = llm.NewScriptedClient("  How does sync work?  ")
	tr = NewTransformer(client, nil)
	got, err = tr.Rewrite(context.Background(), "my sync is broken")
	if err != nil {
		t.Fatal(err)
	}
	if got != "How does sync work?" {
		t.Errorf("expected trimmed rewrite, got %q", got)
	}
}

func TestIsMultiPart(t *testing.T) {
	if !isMultiPart("How do I export? How do I delete?") {
		t.Error("two question marks should be multi-part")
	}
	if isMultiPart("How do I export my data to CSV format?") {
		t.Error("single question is not multi-part")
	}
	if !isMultiPart("Can I export data and also how do I close my account?") {
		t.Error("conjunction plus question should be multi-part")
	}
}
