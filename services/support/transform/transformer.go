// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transform rewrites user queries into retrieval-friendly variants.
package transform

import (
	"context"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/kodiak/services/llm"
	"github.com/AleutianAI/kodiak/services/support/datatypes"
)

var tracer = otel.Tracer("kodiak.support.transform")

// maxVariants bounds the output of any strategy. The original query is
// always included, so retrieval can never do worse than passthrough.
const maxVariants = 4

// Strategy names a query rewriting policy.
type Strategy string

const (
	// StrategyPassthrough returns the query unchanged.
	StrategyPassthrough Strategy = "passthrough"
	// StrategyHyDE writes a hypothetical answer document and retrieves
	// with it, for narrow product questions.
	StrategyHyDE Strategy = "hyde"
	// StrategyStepBack generalizes a detail-heavy troubleshooting query
	// to its underlying topic.
	StrategyStepBack Strategy = "step_back"
	// StrategyMultiQuery splits a multi-part question into paraphrases.
	StrategyMultiQuery Strategy = "multi_query"
)

const hydePrompt = `Write a short passage (3-4 sentences) that would appear in product
documentation answering the following customer question. Write only the passage,
no preamble.`

const stepBackPrompt = `Rewrite the following troubleshooting question as a single broader
question about the underlying topic, dropping user-specific details. Reply with
only the rewritten question.`

const multiQueryPrompt = `The following customer message asks several things at once. Write up to
3 standalone search queries, one per line, each covering one part. Reply with
only the queries.`

// Transformer selects and applies a rewriting strategy per query.
//
// Any model failure degrades to passthrough; transformation is an
// optimization, never a gate.
type Transformer struct {
	client llm.ChatClient
	logger *slog.Logger
}

// NewTransformer creates a transformer.
func NewTransformer(client llm.ChatClient, logger *slog.Logger) *Transformer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transformer{client: client, logger: logger}
}

// Transform produces 1..maxVariants retrieval queries for the message.
//
// # Outputs
//
//	[]string - Query variants, original first. Never empty.
//	error - Non-nil only on context cancellation.
func (t *Transformer) Transform(ctx context.Context, query string,
	intent datatypes.Intent) ([]string, error) {

	ctx, span := tracer.Start(ctx, "Transformer.Transform")
	defer span.End()

	strategy := chooseStrategy(query, intent)
	span.SetAttributes(attribute.String("transform.strategy", string(strategy)))

	variants := []string{query}
	switch strategy {
	case StrategyPassthrough:
		return variants, nil
	case StrategyHyDE:
		if v := t.rewrite(ctx, hydePrompt, query); v != "" {
			variants = append(variants, v)
		}
	case StrategyStepBack:
		if v := t.rewrite(ctx, stepBackPrompt, query); v != "" {
			variants = append(variants, v)
		}
	case StrategyMultiQuery:
		variants = append(variants, t.split(ctx, query)...)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(variants) > maxVariants {
		variants = variants[:maxVariants]
	}
	span.SetAttributes(attribute.Int("transform.variants", len(variants)))
	return variants, nil
}

// Rewrite produces a single alternative phrasing of the query, for the
// retry path after grading judged every candidate irrelevant.
//
// # Outputs
//
//	string - The rewritten query. Falls back to the original on any model
//	    failure.
//	error - Non-nil only on context cancellation.
func (t *Transformer) Rewrite(ctx context.Context, query string) (string, error) {
	ctx, span := tracer.Start(ctx, "Transformer.Rewrite")
	defer span.End()

	rewritten := t.rewrite(ctx, stepBackPrompt, query)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if rewritten == "" || rewritten == query {
		return query, nil
	}
	return rewritten, nil
}

// chooseStrategy picks a policy from surface features of the query.
func chooseStrategy(query string, intent datatypes.Intent) Strategy {
	if intent == datatypes.IntentEscalation || intent == datatypes.IntentOutOfScope {
		return StrategyPassthrough
	}
	if isMultiPart(query) {
		return StrategyMultiQuery
	}
	words := len(strings.Fields(query))
	if intent == datatypes.IntentFAQ && words <= 15 {
		return StrategyHyDE
	}
	if intent == datatypes.IntentComplex && words > 25 {
		return StrategyStepBack
	}
	return StrategyPassthrough
}

// isMultiPart detects questions asking several things at once.
func isMultiPart(query string) bool {
	if strings.Count(query, "?") >= 2 {
		return true
	}
	lower := strings.ToLower(query)
	conjunctions := 0
	for _, c := range []string{" and also ", " as well as ", "; ", " additionally "} {
		conjunctions += strings.Count(lower, c)
	}
	return conjunctions >= 1 && strings.Contains(query, "?")
}

func (t *Transformer) rewrite(ctx context.Context, prompt, query string) string {
	reply, err := t.chat(ctx, prompt, query)
	if err != nil {
		t.logger.Warn("Query rewrite failed, using passthrough", "error", err)
		return ""
	}
	return strings.TrimSpace(reply)
}

func (t *Transformer) split(ctx context.Context, query string) []string {
	reply, err := t.chat(ctx, multiQueryPrompt, query)
	if err != nil {
		t.logger.Warn("Multi-query split failed, using passthrough", "error", err)
		return nil
	}
	var out []string
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-*0123456789. "))
		if line == "" {
			continue
		}
		out = append(out, line)
		if len(out) == 3 {
			break
		}
	}
	return out
}

func (t *Transformer) chat(ctx context.Context, prompt, query string) (string, error) {
	temp := float32(0.3)
	return t.client.Chat(ctx, []datatypes.Message{
		datatypes.NewMessage(datatypes.RoleSystem, prompt),
		datatypes.NewMessage(datatypes.RoleUser, query),
	}, llm.GenerationParams{Temperature: &temp})
}
