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
	"math"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/AleutianAI/kodiak/services/support/datatypes"
)

// BM25 parameters. k1 controls term-frequency saturation, b controls
// document-length normalization.
const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

// Document is one entry in the in-memory lexical index.
type Document struct {
	ID        string
	Text      string
	Source    string
	Category  string
	UpdatedAt time.Time
}

// BM25Index is an in-memory LexicalIndex using Okapi BM25 scoring.
//
// # Description
//
//	Suitable for knowledge bases up to tens of thousands of passages. Larger
//	corpora should sit behind a dedicated search engine implementing
//	LexicalIndex; this index also serves as the test backend.
//
// # Thread Safety
//
//	Safe for concurrent use. Add and Search may interleave.
type BM25Index struct {
	mu       sync.RWMutex
	docs     []Document
	tokens   [][]string     // tokenized text, parallel to docs
	docFreq  map[string]int // term -> number of docs containing it
	totalLen int            // sum of token counts across all docs
}

// NewBM25Index creates an empty index.
func NewBM25Index() *BM25Index {
	return &BM25Index{docFreq: make(map[string]int)}
}

// Add indexes the given documents. Duplicate IDs are not detected; callers
// own ID uniqueness.
func (x *BM25Index) Add(docs ...Document) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, d := range docs {
		toks := tokenize(d.Text)
		x.docs = append(x.docs, d)
		x.tokens = append(x.tokens, toks)
		x.totalLen += len(toks)
		seen := make(map[string]bool, len(toks))
		for _, t := range toks {
			if !seen[t] {
				seen[t] = true
				x.docFreq[t]++
			}
		}
	}
}

// Len returns the number of indexed documents.
func (x *BM25Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.docs)
}

// Search implements LexicalIndex.
func (x *BM25Index) Search(ctx context.Context, query string, limit int,
	filter datatypes.PassageFilter) ([]SearchHit, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	x.mu.RLock()
	defer x.mu.RUnlock()

	qTokens := tokenize(query)
	if len(qTokens) == 0 || len(x.docs) == 0 || limit <= 0 {
		return nil, nil
	}

	n := float64(len(x.docs))
	avgLen := float64(x.totalLen) / n

	type scored struct {
		idx   int
		score float64
	}
	var results []scored
	now := time.Now()
	for i, d := range x.docs {
		if !matchesFilter(d, filter, now) {
			continue
		}
		tf := make(map[string]int, len(x.tokens[i]))
		for _, t := range x.tokens[i] {
			tf[t]++
		}
		docLen := float64(len(x.tokens[i]))
		var score float64
		for _, q := range qTokens {
			f := float64(tf[q])
			if f == 0 {
				continue
			}
			df := float64(x.docFreq[q])
			idf := math.Log((n-df+0.5)/(df+0.5) + 1)
			score += idf * (f * (bm25K1 + 1)) /
				(f + bm25K1*(1-bm25B+bm25B*docLen/avgLen))
		}
		if score > 0 {
			results = append(results, scored{idx: i, score: score})
		}
	}

	sort.Slice(results, func(a, b int) bool {
		if results[a].score != results[b].score {
			return results[a].score > results[b].score
		}
		return x.docs[results[a].idx].ID < x.docs[results[b].idx].ID
	})
	if len(results) > limit {
		results = results[:limit]
	}

	hits := make([]SearchHit, 0, len(results))
	for _, r := range results {
		d := x.docs[r.idx]
		hits = append(hits, SearchHit{ID: d.ID, Text: d.Text, Source: d.Source, Score: r.score})
	}
	return hits, nil
}

func matchesFilter(d Document, f datatypes.PassageFilter, now time.Time) bool {
	if f.IsZero() {
		return true
	}
	if f.Category != "" && d.Category != f.Category {
		return false
	}
	if f.MaxAgeDays > 0 {
		cutoff := now.AddDate(0, 0, -f.MaxAgeDays)
		if d.UpdatedAt.Before(cutoff) {
			return false
		}
	}
	return true
}

// tokenize lowercases and splits on non-alphanumeric runes.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
