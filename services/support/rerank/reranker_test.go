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
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/AleutianAI/kodiak/services/support/datatypes"
)

type fakeScorer struct {
	scores []float64
	err    error
	block  bool
}

func (f *fakeScorer) Score(ctx context.Context, _ string, texts []string) ([]float64, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.scores, nil
}

func candidates(ids ...string) []datatypes.RetrievedPassage {
	out := make([]datatypes.RetrievedPassage, len(ids))
	for i, id := range ids {
		out[i] = datatypes.RetrievedPassage{
			ID:          id,
			Text:        "passage " + id,
			FusionScore: 1.0 / float64(61+i),
			FusionRank:  i + 1,
		}
	}
	return out
}

func TestRerankOrdersByScore(t *testing.T) {
	scorer := &fakeScorer{scores: []float64{0.2, 0.9, 0.5}}
	r := NewReranker(scorer, 5, 0, nil)

	out, err := r.Rerank(context.Background(), "query", candidates("a", "b", "c"))
	if err != nil {
		t.Fatalf("Rerank returned error: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3, got %d", len(out))
	}
	want := []string{"b", "c", "a"}
	for i, id := range want {
		if out[i].ID != id {
			t.Errorf("position %d = %q, want %q", i, out[i].ID, id)
		}
	}
	if out[0].RelevanceScore != 0.9 {
		t.Errorf("score = %v, want 0.9", out[0].RelevanceScore)
	}
}

func TestRerankTopKTruncates(t *testing.T) {
	scorer := &fakeScorer{scores: []float64{0.1, 0.9, 0.5, 0.8, 0.3, 0.7}}
	r := NewReranker(scorer, 2, 0, nil)

	out, err := r.Rerank(context.Background(), "query", candidates("a", "b", "c", "d", "e", "f"))
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 {
		t.Fatalf("expected topK 2, got %d", len(out))
	}
	if out[0].ID != "b" || out[1].ID != "d" {
		t.Errorf("wrong top 2: %v", out)
	}
}

func TestRerankShortListReturnedWhole(t *testing.T) {
	scorer := &fakeScorer{scores: []float64{0.4, 0.6}}
	r := NewReranker(scorer, 5, 0, nil)

	out, err := r.Rerank(context.Background(), "query", candidates("a", "b"))
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 {
		t.Errorf("short list must be returned whole, got %d", len(out))
	}
}

func TestRerankSigmoidClampsLogits(t *testing.T) {
	scorer := &fakeScorer{scores: []float64{4.2, -3.7}}
	r := NewReranker(scorer, 5, 0, nil)

	out, err := r.Rerank(context.Background(), "query", candidates("a", "b"))
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range out {
		if p.RelevanceScore < 0 || p.RelevanceScore > 1 {
			t.Errorf("score %v outside [0,1]", p.RelevanceScore)
		}
	}
	if out[0].ID != "a" {
		t.Errorf("positive logit should rank first, got %q", out[0].ID)
	}
}

func TestRerankScorerFailurePreservesFusionOrder(t *testing.T) {
	scorer := &fakeScorer{err: errors.New("scorer down")}
	r := NewReranker(scorer, 2, 0, nil)

	input := candidates("a", "b", "c")
	out, err := r.Rerank(context.Background(), "query", input)
	if err != nil {
		t.Fatalf("scorer failure must not surface: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("fallback must still honor topK, got %d", len(out))
	}
	if out[0].ID != "a" || out[1].ID != "b" {
		t.Errorf("fusion order not preserved: %v", out)
	}
	for _, p := range out {
		if p.RelevanceScore < 0 || p.RelevanceScore > 1 {
			t.Errorf("fallback score %v outside [0,1]", p.RelevanceScore)
		}
	}
}

func TestRerankBudgetExhaustionFallsBack(t *testing.T) {
	scorer := &fakeScorer{block: true}
	r := NewReranker(scorer, 5, 10*time.Millisecond, nil)

	input := candidates("a", "b")
	out, err := r.Rerank(context.Background(), "query", input)
	if err != nil {
		t.Fatalf("budget exhaustion must not surface: %v", err)
	}
	if len(out) != 2 || out[0].ID != "a" {
		t.Errorf("expected fusion-order fallback, got %v", out)
	}
}

func TestRerankWrongCountFallsBack(t *testing.T) {
	scorer := &fakeScorer{scores: []float64{0.5}}
	r := NewReranker(scorer, 5, 0, nil)

	out, err := r.Rerank(context.Background(), "query", candidates("a", "b", "c"))
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 3 || out[0].ID != "a" {
		t.Errorf("count mismatch must fall back to fusion order, got %v", out)
	}
}

func TestRerankEmptyInput(t *testing.T) {
	r := NewReranker(&fakeScorer{}, 5, 0, nil)
	out, err := r.Rerank(context.Background(), "query", nil)
	if err != nil {
		t.Fatal(err)
	}
	if out != nil {
		t.Errorf("expected nil, got %v", out)
	}
}

func TestRerankParentCancellationPropagates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	scorer := &fakeScorer{block: true}
	r := NewReranker(scorer, 5, 0, nil)

	_, err := r.Rerank(ctx, "query", candidates("a"))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestTruncateDropsSplitRune(t *testing.T) {
	// Byte 500 falls inside the two-byte rune, which must be dropped whole.
	s := strings.Repeat("a", 499) + "és"
	got := truncate(s, 500)
	if !utf8.ValidString(got) {
		t.Fatalf("truncated text is not valid UTF-8: %q", got)
	}
	if got != strings.Repeat("a", 499)+"..." {
		t.Errorf("truncate cut at byte %d of %q", len(got), got[490:])
	}
	if truncate("short", 500) != "short" {
		t.Error("text under the limit must pass through unchanged")
	}
}
