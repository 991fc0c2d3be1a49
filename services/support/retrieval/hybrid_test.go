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
	"errors"
	"testing"

	"github.com/AleutianAI/kodiak/services/support/datatypes"
)

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

type fakeVectorIndex struct {
	hits  []SearchHit
	err   error
	calls int
}

func (f *fakeVectorIndex) Search(_ context.Context, _ []float32, _ int,
	_ datatypes.PassageFilter) ([]SearchHit, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.hits, nil
}

type fakeLexicalIndex struct {
	hits []SearchHit
	err  error
}

func (f *fakeLexicalIndex) Search(_ context.Context, _ string, _ int,
	_ datatypes.PassageFilter) ([]SearchHit, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.hits, nil
}

func TestRetrieveFusesBothLists(t *testing.T) {
	dense := &fakeVectorIndex{hits: []SearchHit{
		{ID: "shared", Text: "shared doc", Score: 0.9},
		{ID: "dense_only", Text: "dense doc", Score: 0.8},
	}}
	lexical := &fakeLexicalIndex{hits: []SearchHit{
		{ID: "shared", Text: "shared doc", Score: 7.1},
		{ID: "lexical_only", Text: "lexical doc", Score: 5.0},
	}}
	r := NewHybridRetriever(&fakeEmbedder{}, dense, lexical, 10, nil)

	passages, degraded, err := r.Retrieve(context.Background(), []string{"query"}, datatypes.PassageFilter{})
	if err != nil {
		t.Fatalf("Retrieve returned error: %v", err)
	}
	if degraded {
		t.Fatal("expected non-degraded retrieval")
	}
	if len(passages) != 3 {
		t.Fatalf("expected 3 fused passages, got %d", len(passages))
	}
	// A document in both lists must outrank single-list documents.
	if passages[0].ID != "shared" {
		t.Errorf("expected shared document first, got %q", passages[0].ID)
	}
	wantShared := 1.0/61 + 1.0/61
	if diff := passages[0].FusionScore - wantShared; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("shared fusion score = %v, want %v", passages[0].FusionScore, wantShared)
	}
	for i, p := range passages {
		if p.FusionRank != i+1 {
			t.Errorf("passage %d has FusionRank %d", i, p.FusionRank)
		}
	}
}

func TestRetrieveTieBreaks(t *testing.T) {
	// Two docs each appear once at rank 1 of their list: identical fusion
	// score. The one with higher dense similarity wins.
	dense := &fakeVectorIndex{hits: []SearchHit{{ID: "b_doc", Score: 0.95}}}
	lexical := &fakeLexicalIndex{hits: []SearchHit{{ID: "a_doc", Score: 9.0}}}
	r := NewHybridRetriever(&fakeEmbedder{}, dense, lexical, 10, nil)

	passages, _, err := r.Retrieve(context.Background(), []string{"q"}, datatypes.PassageFilter{})
	if err != nil {
		t.Fatalf("Retrieve returned error: %v", err)
	}
	if len(passages) != 2 {
		t.Fatalf("expected 2 passages, got %d", len(passages))
	}
	if passages[0].ID != "b_doc" {
		t.Errorf("dense similarity should break the tie, got %q first", passages[0].ID)
	}
}

func TestRetrieveLexicographicTieBreak(t *testing.T) {
	// Same fusion score, both lexical: lexicographic ID order decides.
	lists := []rankedList{
		{dense: false, hits: []SearchHit{{ID: "zeta", Score: 3.0}}},
		{dense: false, hits: []SearchHit{{ID: "alpha", Score: 3.0}}},
	}
	fused := fuse(lists, 10)
	if len(fused) != 2 {
		t.Fatalf("expected 2 fused, got %d", len(fused))
	}
	if fused[0].ID != "alpha" {
		t.Errorf("expected lexicographic winner alpha, got %q", fused[0].ID)
	}
}

func TestRetrieveDenseFailureDegrades(t *testing.T) {
	dense := &fakeVectorIndex{err: errors.New("connection refused")}
	lexical := &fakeLexicalIndex{hits: []SearchHit{{ID: "doc1", Score: 2.0}}}
	r := NewHybridRetriever(&fakeEmbedder{}, dense, lexical, 10, nil)

	passages, degraded, err := r.Retrieve(context.Background(), []string{"q"}, datatypes.PassageFilter{})
	if err != nil {
		t.Fatalf("Retrieve returned error: %v", err)
	}
	if !degraded {
		t.Error("expected degraded flag after dense failure")
	}
	if len(passages) != 1 || passages[0].ID != "doc1" {
		t.Errorf("expected lexical-only result, got %+v", passages)
	}
}

func TestRetrieveEmbedderFailureDegrades(t *testing.T) {
	dense := &fakeVectorIndex{hits: []SearchHit{{ID: "never", Score: 1.0}}}
	lexical := &fakeLexicalIndex{hits: []SearchHit{{ID: "doc1", Score: 2.0}}}
	r := NewHybridRetriever(&fakeEmbedder{err: errors.New("embed down")}, dense, lexical, 10, nil)

	passages, degraded, err := r.Retrieve(context.Background(), []string{"q"}, datatypes.PassageFilter{})
	if err != nil {
		t.Fatalf("Retrieve returned error: %v", err)
	}
	if !degraded {
		t.Error("expected degraded flag after embedder failure")
	}
	if len(passages) != 1 || passages[0].ID != "doc1" {
		t.Errorf("expected lexical-only result, got %+v", passages)
	}
}

func TestRetrieveAllFailedReturnsEmptyNoError(t *testing.T) {
	dense := &fakeVectorIndex{err: errors.New("down")}
	lexical := &fakeLexicalIndex{err: errors.New("also down")}
	r := NewHybridRetriever(&fakeEmbedder{}, dense, lexical, 10, nil)

	passages, degraded, err := r.Retrieve(context.Background(), []string{"q"}, datatypes.PassageFilter{})
	if err != nil {
		t.Fatalf("total backend failure must not be an error, got %v", err)
	}
	if !degraded {
		t.Error("expected degraded flag")
	}
	if len(passages) != 0 {
		t.Errorf("expected empty result, got %d passages", len(passages))
	}
}

func TestRetrieveBreadthCap(t *testing.T) {
	var hits []SearchHit
	for i := 0; i < 30; i++ {
		hits = append(hits, SearchHit{ID: string(rune('a' + i)), Score: float64(30 - i)})
	}
	lexical := &fakeLexicalIndex{hits: hits}
	r := NewHybridRetriever(nil, nil, lexical, 5, nil)

	passages, _, err := r.Retrieve(context.Background(), []string{"q"}, datatypes.PassageFilter{})
	if err != nil {
		t.Fatalf("Retrieve returned error: %v", err)
	}
	if len(passages) != 5 {
		t.Errorf("expected breadth cap of 5, got %d", len(passages))
	}
}

func TestRetrieveDeterministic(t *testing.T) {
	dense := &fakeVectorIndex{hits: []SearchHit{
		{ID: "d1", Score: 0.9}, {ID: "d2", Score: 0.8}, {ID: "d3", Score: 0.7},
	}}
	lexical := &fakeLexicalIndex{hits: []SearchHit{
		{ID: "d3", Score: 5.0}, {ID: "d4", Score: 4.0},
	}}
	r := NewHybridRetriever(&fakeEmbedder{}, dense, lexical, 10, nil)

	first, _, err := r.Retrieve(context.Background(), []string{"q"}, datatypes.PassageFilter{})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		again, _, err := r.Retrieve(context.Background(), []string{"q"}, datatypes.PassageFilter{})
		if err != nil {
			t.Fatal(err)
		}
		if len(again) != len(first) {
			t.Fatalf("run %d: length changed", i)
		}
		for j := range first {
			if again[j].ID != first[j].ID {
				t.Fatalf("run %d: order changed at %d: %q vs %q", i, j, again[j].ID, first[j].ID)
			}
		}
	}
}

func TestDenseHealthDisablesAfterRepeatedFailures(t *testing.T) {
	dense := &fakeVectorIndex{err: errors.New("down")}
	lexical := &fakeLexicalIndex{hits: []SearchHit{{ID: "doc1", Score: 1.0}}}
	r := NewHybridRetriever(&fakeEmbedder{}, dense, lexical, 10, nil)

	for i := 0; i < disableThreshold; i++ {
		if _, _, err := r.Retrieve(context.Background(), []string{"q"}, datatypes.PassageFilter{}); err != nil {
			t.Fatal(err)
		}
	}
	if r.DenseMode() != ModeDisabled {
		t.Fatalf("expected dense backend disabled, got %v", r.DenseMode())
	}

	callsBefore := dense.calls
	if _, _, err := r.Retrieve(context.Background(), []string{"q"}, datatypes.PassageFilter{}); err != nil {
		t.Fatal(err)
	}
	if dense.calls != callsBefore {
		t.Error("disabled backend should be skipped, not retried every turn")
	}
}
