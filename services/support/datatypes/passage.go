// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// RetrievedPassage is an immutable retrieval result.
//
// DenseScore and LexicalScore are raw per-backend scores; FusionScore is the
// reciprocal-rank-fusion score across all ranked lists the passage appeared
// in, and FusionRank is its 1-indexed position after fusion.
type RetrievedPassage struct {
	ID           string  `json:"id"`
	Text         string  `json:"text"`
	Source       string  `json:"source"`
	DenseScore   float64 `json:"dense_score,omitempty"`
	LexicalScore float64 `json:"lexical_score,omitempty"`
	FusionScore  float64 `json:"fusion_score"`
	FusionRank   int     `json:"fusion_rank"`
}

// RerankedPassage is a passage after cross-encoder reranking.
//
// RelevanceScore is in [0,1]. The reranked list is always a subset and
// reordering of the retrieved list; reranking never introduces new IDs.
type RerankedPassage struct {
	ID             string  `json:"id"`
	Text           string  `json:"text"`
	Source         string  `json:"source"`
	RelevanceScore float64 `json:"relevance_score"`
}

// PassageFilter narrows the retrieval candidate set before scoring.
//
// Filters are applied by the indexes themselves, not as a post-hoc reorder,
// so fusion math only ever sees candidates that satisfy the filter.
type PassageFilter struct {
	// Category restricts results to documents in the given category.
	// Empty means no restriction.
	Category string `json:"category,omitempty"`

	// MaxAgeDays restricts results to documents updated within the window.
	// Zero means no restriction.
	MaxAgeDays int `json:"max_age_days,omitempty"`
}

// IsZero reports whether the filter places no restrictions.
func (f PassageFilter) IsZero() bool {
	return f.Category == "" && f.MaxAgeDays == 0
}
