// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rerank

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/AleutianAI/kodiak/services/llm"
	"github.com/AleutianAI/kodiak/services/support/datatypes"
)

const scorerPrompt = `You score how relevant each numbered passage is to a customer support
question. Score each from 0.0 (irrelevant) to 1.0 (directly answers it).

Respond with ONLY a JSON array of numbers, one per passage in order, e.g.
[0.9, 0.1, 0.4].`

// LLMScorer implements CrossEncoderScorer with a single batched chat call.
//
// A dedicated cross-encoder service beats this on both quality and latency;
// this scorer exists so deployments without one still get reranking from
// the same model that generates.
type LLMScorer struct {
	client llm.ChatClient
}

// NewLLMScorer creates a scorer over the given backend.
func NewLLMScorer(client llm.ChatClient) *LLMScorer {
	return &LLMScorer{client: client}
}

// Score implements CrossEncoderScorer.
func (s *LLMScorer) Score(ctx context.Context, query string, texts []string) ([]float64, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Question: %s\n\nPassages:\n", query)
	for i, t := range texts {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, truncate(t, 500))
	}

	temp := float32(0)
	reply, err := s.client.Chat(ctx, []datatypes.Message{
		datatypes.NewMessage(datatypes.RoleSystem, scorerPrompt),
		datatypes.NewMessage(datatypes.RoleUser, sb.String()),
	}, llm.GenerationParams{Temperature: &temp})
	if err != nil {
		return nil, err
	}

	start := strings.Index(reply, "[")
	end := strings.LastIndex(reply, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in scorer reply")
	}
	var scores []float64
	if err := json.Unmarshal([]byte(reply[start:end+1]), &scores); err != nil {
		return nil, fmt.Errorf("decode scores: %w", err)
	}
	if len(scores) != len(texts) {
		return nil, fmt.Errorf("score count %d does not match text count %d",
			len(scores), len(texts))
	}
	return scores, nil
}

// truncate shortens s to at most n bytes, backing up to a rune boundary so
// the prompt never carries a split UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
