// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package grading filters retrieval candidates by binary LLM relevance
// judgment before the reranker spends budget on them.
package grading

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/kodiak/services/llm"
	"github.com/AleutianAI/kodiak/services/support/datatypes"
)

var tracer = otel.Tracer("kodiak.support.grading")

const graderPrompt = `You judge whether support documentation passages are relevant to a
customer question. For each numbered passage decide yes or no: could it
contribute to answering the question?

Respond with ONLY a JSON array of booleans, one per passage in order, e.g.
[true, false, true].`

// Grader drops irrelevant passages with one batched model call.
//
// # Description
//
//	The whole candidate list is graded in a single prompt; one boolean per
//	passage comes back as a JSON array. Backend failure or an unparseable
//	reply keeps every passage, so a flaky grader can never empty the
//	context the generator depends on.
type Grader struct {
	client llm.ChatClient
	logger *slog.Logger
}

// NewGrader creates a grader.
func NewGrader(client llm.ChatClient, logger *slog.Logger) *Grader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Grader{client: client, logger: logger}
}

// Grade returns the subset of passages judged relevant to the query,
// preserving input order.
//
// # Outputs
//
//	[]datatypes.RetrievedPassage - Relevant subset. May be empty; the
//	    caller owns the rewrite-and-retry decision.
//	error - Non-nil only on context cancellation.
func (g *Grader) Grade(ctx context.Context, query string,
	passages []datatypes.RetrievedPassage) ([]datatypes.RetrievedPassage, error) {

	ctx, span := tracer.Start(ctx, "Grader.Grade")
	defer span.End()
	span.SetAttributes(attribute.Int("grading.candidates", len(passages)))

	if len(passages) == 0 {
		return nil, nil
	}

	verdicts, err := g.gradeBatch(ctx, query, passages)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		g.logger.Warn("Grading failed, keeping all passages", "error", err)
		span.SetAttributes(attribute.Bool("grading.failed_open", true))
		return passages, nil
	}

	kept := make([]datatypes.RetrievedPassage, 0, len(passages))
	for i, p := range passages {
		if verdicts[i] {
			kept = append(kept, p)
		}
	}
	span.SetAttributes(attribute.Int("grading.kept", len(kept)))
	return kept, nil
}

func (g *Grader) gradeBatch(ctx context.Context, query string,
	passages []datatypes.RetrievedPassage) ([]bool, error) {

	var sb strings.Builder
	fmt.Fprintf(&sb, "Question: %s\n\nPassages:\n", query)
	for i, p := range passages {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, truncate(p.Text, 500))
	}

	temp := float32(0)
	reply, err := g.client.Chat(ctx, []datatypes.Message{
		datatypes.NewMessage(datatypes.RoleSystem, graderPrompt),
		datatypes.NewMessage(datatypes.RoleUser, sb.String()),
	}, llm.GenerationParams{Temperature: &temp})
	if err != nil {
		return nil, err
	}

	verdicts, err := parseVerdicts(reply)
	if err != nil {
		return nil, err
	}
	if len(verdicts) != len(passages) {
		return nil, fmt.Errorf("verdict count %d does not match passage count %d",
			len(verdicts), len(passages))
	}
	return verdicts, nil
}

func parseVerdicts(reply string) ([]bool, error) {
	start := strings.Index(reply, "[")
	end := strings.LastIndex(reply, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in reply")
	}
	var verdicts []bool
	if err := json.Unmarshal([]byte(reply[start:end+1]), &verdicts); err != nil {
		return nil, fmt.Errorf("decode verdicts: %w", err)
	}
	return verdicts, nil
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
