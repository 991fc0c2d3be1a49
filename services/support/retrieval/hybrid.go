// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/kodiak/services/support/datatypes"
)

var tracer = otel.Tracer("kodiak.support.retrieval")

const (
	// rrfK is the reciprocal rank fusion constant. 60 is the standard value
	// from the original RRF paper and keeps low ranks from dominating.
	rrfK = 60

	// DefaultBreadth caps the fused candidate list.
	DefaultBreadth = 20

	// perListLimit is how many hits each sub-search requests. Wider than
	// breadth so fusion sees enough overlap evidence.
	perListLimit = 30
)

// HybridRetriever runs dense and lexical searches for every query variant
// and fuses all ranked lists with reciprocal rank fusion.
//
// # Description
//
//	Sub-searches run concurrently. A failing dense path degrades to
//	lexical-only results rather than failing the turn; only when every
//	sub-search failed does the retriever return an empty candidate set,
//	still without an error. The caller decides what an empty set means.
type HybridRetriever struct {
	embedder    Embedder
	dense       VectorIndex
	lexical     LexicalIndex
	breadth     int
	denseHealth *IndexHealth
	logger      *slog.Logger
}

// NewHybridRetriever wires a retriever. breadth <= 0 selects DefaultBreadth.
func NewHybridRetriever(embedder Embedder, dense VectorIndex, lexical LexicalIndex,
	breadth int, logger *slog.Logger) *HybridRetriever {

	if breadth <= 0 {
		breadth = DefaultBreadth
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HybridRetriever{
		embedder:    embedder,
		dense:       dense,
		lexical:     lexical,
		breadth:     breadth,
		denseHealth: NewIndexHealth("dense", logger),
		logger:      logger,
	}
}

// DenseMode exposes the dense backend's degradation mode for diagnostics.
func (r *HybridRetriever) DenseMode() DegradationMode {
	return r.denseHealth.Mode()
}

// rankedList is one sub-search result tagged with its origin.
type rankedList struct {
	dense bool
	hits  []SearchHit
}

// Retrieve runs all sub-searches for the variants and fuses the results.
//
// # Inputs
//
//	ctx - Context for cancellation. Must not be nil.
//	variants - Query variants from the transformer, at least one.
//	filter - Metadata restriction applied by the indexes before scoring.
//
// # Outputs
//
//	[]datatypes.RetrievedPassage - Fused candidates, best first, capped at
//	    breadth, with FusionRank assigned 1-indexed.
//	bool - True when the turn ran degraded (some sub-searches failed).
//	error - Non-nil only on context cancellation.
func (r *HybridRetriever) Retrieve(ctx context.Context, variants []string,
	filter datatypes.PassageFilter) ([]datatypes.RetrievedPassage, bool, error) {

	ctx, span := tracer.Start(ctx, "HybridRetriever.Retrieve")
	defer span.End()
	span.SetAttributes(attribute.Int("retrieval.variants", len(variants)))

	var (
		mu       sync.Mutex
		lists    []rankedList
		failures int
		total    int
	)
	tryDense := r.dense != nil && r.embedder != nil && r.denseHealth.ShouldTry()
	if r.dense != nil && !tryDense {
		// Dense backend is disabled and this turn is not a probe.
		failures++
		total++
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, variant := range variants {
		variant := variant
		if tryDense {
			total++
			g.Go(func() error {
				hits, err := r.denseSearch(gctx, variant, filter)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					failures++
					r.denseHealth.OnFailure(err.Error())
					r.logger.Warn("Dense search failed, continuing degraded",
						"error", err, "variant_len", len(variant))
					return nil
				}
				r.denseHealth.OnSuccess()
				lists = append(lists, rankedList{dense: true, hits: hits})
				return nil
			})
		}
		if r.lexical != nil {
			total++
			g.Go(func() error {
				hits, err := r.lexical.Search(gctx, variant, perListLimit, filter)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					failures++
					r.logger.Warn("Lexical search failed, continuing degraded",
						"error", err, "variant_len", len(variant))
					return nil
				}
				lists = append(lists, rankedList{dense: false, hits: hits})
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	degraded := failures > 0
	if total > 0 && failures == total {
		span.SetAttributes(attribute.Bool("retrieval.all_failed", true))
		return nil, true, nil
	}

	passages := fuse(lists, r.breadth)
	span.SetAttributes(
		attribute.Int("retrieval.fused", len(passages)),
		attribute.Bool("retrieval.degraded", degraded),
	)
	return passages, degraded, nil
}

func (r *HybridRetriever) denseSearch(ctx context.Context, query string,
	filter datatypes.PassageFilter) ([]SearchHit, error) {

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	return r.dense.Search(ctx, vec, perListLimit, filter)
}

// fuse applies reciprocal rank fusion across all ranked lists.
//
// score(doc) = sum over lists of 1/(rrfK + rank), rank 1-indexed. Ties break
// by higher best dense similarity, then lexicographic ID. The winner keeps
// the text and source from the first list it appeared in.
func fuse(lists []rankedList, breadth int) []datatypes.RetrievedPassage {
	fused := make(map[string]*datatypes.RetrievedPassage)
	for _, list := range lists {
		for rank, hit := range list.hits {
			p, ok := fused[hit.ID]
			if !ok {
				p = &datatypes.RetrievedPassage{ID: hit.ID, Text: hit.Text, Source: hit.Source}
				fused[hit.ID] = p
			}
			p.FusionScore += 1.0 / float64(rrfK+rank+1)
			if list.dense && hit.Score > p.DenseScore {
				p.DenseScore = hit.Score
			}
			if !list.dense && hit.Score > p.LexicalScore {
				p.LexicalScore = hit.Score
			}
		}
	}

	out := make([]datatypes.RetrievedPassage, 0, len(fused))
	for _, p := range fused {
		out = append(out, *p)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].FusionScore != out[b].FusionScore {
			return out[a].FusionScore > out[b].FusionScore
		}
		if out[a].DenseScore != out[b].DenseScore {
			return out[a].DenseScore > out[b].DenseScore
		}
		return out[a].ID < out[b].ID
	})
	if len(out) > breadth {
		out = out[:breadth]
	}
	for i := range out {
		out[i].FusionRank = i + 1
	}
	return out
}
