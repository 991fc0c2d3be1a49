// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval implements hybrid dense plus lexical retrieval with
// reciprocal rank fusion.
//
// The knowledge base itself lives behind the VectorIndex and LexicalIndex
// interfaces; ingestion, chunking and embedding pipelines are out of scope.
package retrieval

import (
	"context"
	"errors"

	"github.com/AleutianAI/kodiak/services/support/datatypes"
)

// Sentinel errors for retrieval backends.
var (
	// ErrIndexUnavailable indicates the backing index could not be reached.
	ErrIndexUnavailable = errors.New("index unavailable")

	// ErrEmbeddingFailed indicates the query could not be embedded.
	ErrEmbeddingFailed = errors.New("embedding failed")
)

// SearchHit is a single raw result from one index, before fusion.
type SearchHit struct {
	ID     string
	Text   string
	Source string
	// Score is backend-native: cosine similarity for dense indexes, BM25
	// for lexical. Scores are never compared across backends; fusion uses
	// ranks only.
	Score float64
}

// Embedder converts query text to a dense vector.
type Embedder interface {
	// Embed returns the vector for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorIndex is a dense similarity search backend.
type VectorIndex interface {
	// Search returns up to limit hits nearest to the vector, most similar
	// first, restricted by filter when non-zero.
	Search(ctx context.Context, vector []float32, limit int, filter datatypes.PassageFilter) ([]SearchHit, error)
}

// LexicalIndex is a keyword search backend.
type LexicalIndex interface {
	// Search returns up to limit hits for the query, best match first,
	// restricted by filter when non-zero.
	Search(ctx context.Context, query string, limit int, filter datatypes.PassageFilter) ([]SearchHit, error)
}
