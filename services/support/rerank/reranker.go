// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rerank orders graded passages by cross-encoder relevance before
// generation.
package rerank

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/kodiak/services/support/datatypes"
)

var tracer = otel.Tracer("kodiak.support.rerank")

const (
	// DefaultTopK is how many passages survive reranking.
	DefaultTopK = 5

	// DefaultBudget bounds one scoring pass. Reranking improves ordering
	// but must never dominate turn latency.
	DefaultBudget = 500 * time.Millisecond
)

// CrossEncoderScorer scores query/passage pairs jointly.
type CrossEncoderScorer interface {
	// Score returns one relevance score per text, same order. Scores
	// outside [0,1] are treated as logits by the caller.
	Score(ctx context.Context, query string, texts []string) ([]float64, error)
}

// Reranker reorders passages by cross-encoder score.
//
// # Description
//
//	Scoring runs under a hard latency budget. On scorer failure or budget
//	exhaustion the fusion order is preserved, with FusionScore standing in
//	for RelevanceScore, so a slow or down scorer costs ordering quality,
//	never the turn.
type Reranker struct {
	scorer CrossEncoderScorer
	topK   int
	budget time.Duration
	logger *slog.Logger
}

// NewReranker creates a reranker. topK <= 0 and budget <= 0 select defaults.
func NewReranker(scorer CrossEncoderScorer, topK int, budget time.Duration,
	logger *slog.Logger) *Reranker {

	if topK <= 0 {
		topK = DefaultTopK
	}
	if budget <= 0 {
		budget = DefaultBudget
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reranker{scorer: scorer, topK: topK, budget: budget, logger: logger}
}

// Rerank returns the topK most relevant passages, best first.
//
// # Outputs
//
//	[]datatypes.RerankedPassage - Always a subset of the input, never
//	    larger than topK. Lists already at or under topK are returned
//	    whole, reordered.
//	error - Non-nil only on cancellation of the parent context.
func (r *Reranker) Rerank(ctx context.Context, query string,
	passages []datatypes.RetrievedPassage) ([]datatypes.RerankedPassage, error) {

	ctx, span := tracer.Start(ctx, "Reranker.Rerank")
	defer span.End()
	span.SetAttributes(attribute.Int("rerank.candidates", len(passages)))

	if len(passages) == 0 {
		return nil, nil
	}

	scores, err := r.score(ctx, query, passages)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.Warn("Reranking failed, preserving fusion order", "error", err)
		span.SetAttributes(attribute.Bool("rerank.fallback", true))
		return fusionFallback(passages, r.topK), nil
	}

	type scored struct {
		passage datatypes.RetrievedPassage
		score   float64
	}
	ranked := make([]scored, len(passages))
	for i, p := range passages {
		ranked[i] = scored{passage: p, score: clampScore(scores[i])}
	}
	sort.SliceStable(ranked, func(a, b int) bool {
		return ranked[a].score > ranked[b].score
	})
	if len(ranked) > r.topK {
		ranked = ranked[:r.topK]
	}

	out := make([]datatypes.RerankedPassage, len(ranked))
	for i, s := range ranked {
		out[i] = datatypes.RerankedPassage{
			ID:             s.passage.ID,
			Text:           s.passage.Text,
			Source:         s.passage.Source,
			RelevanceScore: s.score,
		}
	}
	span.SetAttributes(attribute.Int("rerank.kept", len(out)))
	return out, nil
}

func (r *Reranker) score(ctx context.Context, query string,
	passages []datatypes.RetrievedPassage) ([]float64, error) {

	ctx, cancel := context.WithTimeout(ctx, r.budget)
	defer cancel()

	texts := make([]string, len(passages))
	for i, p := range passages {
		texts[i] = p.Text
	}
	scores, err := r.scorer.Score(ctx, query, texts)
	if err != nil {
		return nil, err
	}
	if len(scores) != len(passages) {
		r.logger.Warn("Scorer returned wrong count, preserving fusion order",
			"want", len(passages), "got", len(scores))
		return nil, errScoreCount
	}
	return scores, nil
}

var errScoreCount = &scoreCountError{}

type scoreCountError struct{}

func (*scoreCountError) Error() string { return "score count mismatch" }

// clampScore maps out-of-range scores into [0,1]. Values outside the range
// are treated as logits and squashed with a sigmoid.
func clampScore(s float64) float64 {
	if s >= 0 && s <= 1 {
		return s
	}
	return 1.0 / (1.0 + math.Exp(-s))
}

// fusionFallback keeps the fusion order, reusing the fusion score so
// downstream consumers still see a monotonically decreasing relevance.
func fusionFallback(passages []datatypes.RetrievedPassage, topK int) []datatypes.RerankedPassage {
	if len(passages) > topK {
		passages = passages[:topK]
	}
	out := make([]datatypes.RerankedPassage, len(passages))
	for i, p := range passages {
		out[i] = datatypes.RerankedPassage{
			ID:             p.ID,
			Text:           p.Text,
			Source:         p.Source,
			RelevanceScore: clampScore(p.FusionScore),
		}
	}
	return out
}
