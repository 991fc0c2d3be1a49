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
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"

	"github.com/AleutianAI/kodiak/services/support/datatypes"
)

// WeaviateIndex implements VectorIndex over a Weaviate class holding
// knowledge-base passages.
//
// # Description
//
//	Expects a class with properties doc_id, content, source, category and
//	updated_at (RFC3339 date). Vectors are supplied externally; the class
//	uses vectorizer "none" and searches run as nearVector queries. Certainty
//	is requested instead of distance so the similarity score is always in
//	[0,1] regardless of the distance metric.
//
// # Thread Safety
//
//	Safe for concurrent use. The underlying client pools connections.
type WeaviateIndex struct {
	client    *weaviate.Client
	className string
}

// NewWeaviateIndex creates an index adapter for the given class.
func NewWeaviateIndex(client *weaviate.Client, className string) *WeaviateIndex {
	if className == "" {
		className = "SupportPassage"
	}
	return &WeaviateIndex{client: client, className: className}
}

// Search implements VectorIndex.
func (w *WeaviateIndex) Search(ctx context.Context, vector []float32, limit int,
	filter datatypes.PassageFilter) ([]SearchHit, error) {

	ctx, span := tracer.Start(ctx, "WeaviateIndex.Search")
	defer span.End()

	nearVector := w.client.GraphQL().NearVectorArgBuilder().
		WithVector(vector)

	fields := []graphql.Field{
		{Name: "doc_id"},
		{Name: "content"},
		{Name: "source"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "certainty"},
		}},
	}

	query := w.client.GraphQL().Get().
		WithClassName(w.className).
		WithFields(fields...).
		WithNearVector(nearVector).
		WithLimit(limit)

	if where := buildWhere(filter); where != nil {
		query = query.WithWhere(where)
	}

	result, err := query.Do(ctx)
	if err != nil {
		slog.Error("Weaviate nearVector search failed", "class", w.className, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("%w: graphql: %s", ErrIndexUnavailable, result.Errors[0].Message)
	}

	return parseHits(result.Data, w.className)
}

func buildWhere(filter datatypes.PassageFilter) *filters.WhereBuilder {
	var operands []*filters.WhereBuilder
	if filter.Category != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"category"}).
			WithOperator(filters.Equal).
			WithValueString(filter.Category))
	}
	if filter.MaxAgeDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -filter.MaxAgeDays)
		operands = append(operands, filters.Where().
			WithPath([]string{"updated_at"}).
			WithOperator(filters.GreaterThanEqual).
			WithValueDate(cutoff))
	}
	switch len(operands) {
	case 0:
		return nil
	case 1:
		return operands[0]
	default:
		return filters.Where().
			WithOperator(filters.And).
			WithOperands(operands)
	}
}

// passageRow mirrors the requested GraphQL fields for one result object.
type passageRow struct {
	DocID      string `json:"doc_id"`
	Content    string `json:"content"`
	Source     string `json:"source"`
	Additional struct {
		Certainty float64 `json:"certainty"`
	} `json:"_additional"`
}

type passageQueryResponse struct {
	Get map[string][]passageRow `json:"Get"`
}

// parseHits decodes the untyped GraphQL response through a JSON roundtrip
// into the typed row shape.
func parseHits(data any, className string) ([]SearchHit, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal graphql response data: %w", err)
	}
	var parsed passageQueryResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal graphql response data: %w", err)
	}
	rows := parsed.Get[className]
	hits := make([]SearchHit, 0, len(rows))
	for _, row := range rows {
		if row.DocID == "" {
			continue
		}
		hits = append(hits, SearchHit{
			ID:     row.DocID,
			Text:   row.Content,
			Source: row.Source,
			Score:  row.Additional.Certainty,
		})
	}
	return hits, nil
}
