// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package machine

import "github.com/AleutianAI/kodiak/services/support/datatypes"

// NodeID names one step of the turn graph.
type NodeID string

const (
	// NodeRouting classifies the message and picks the path.
	NodeRouting NodeID = "routing"
	// NodeRetrieving transforms the query and searches the knowledge base.
	NodeRetrieving NodeID = "retrieving"
	// NodeGrading drops irrelevant candidates, retrying retrieval once
	// with a rewritten query if nothing survives.
	NodeGrading NodeID = "grading"
	// NodeReranking orders the graded passages by cross-encoder score.
	NodeReranking NodeID = "reranking"
	// NodeGenerating streams the answer.
	NodeGenerating NodeID = "generating"
	// NodeEscalating hands the conversation to a human.
	NodeEscalating NodeID = "escalating"
	// NodeOutOfScopeReply emits the fixed redirect.
	NodeOutOfScopeReply NodeID = "out_of_scope_reply"
	// NodeCheckpointed writes the final turn checkpoint.
	NodeCheckpointed NodeID = "checkpointed"
	// NodeDone terminates the turn.
	NodeDone NodeID = "done"
)

// intentTransitions maps the routing outcome to the next node. Evaluated
// once per turn; there is no global node registry.
var intentTransitions = map[datatypes.Intent]NodeID{
	datatypes.IntentFAQ:        NodeRetrieving,
	datatypes.IntentComplex:    NodeRetrieving,
	datatypes.IntentEscalation: NodeEscalating,
	datatypes.IntentOutOfScope: NodeOutOfScopeReply,
}

// validNodes guards checkpoint resume against unknown node names from a
// newer or corrupted checkpoint.
var validNodes = map[NodeID]bool{
	NodeRouting:         true,
	NodeRetrieving:      true,
	NodeGrading:         true,
	NodeReranking:       true,
	NodeGenerating:      true,
	NodeEscalating:      true,
	NodeOutOfScopeReply: true,
	NodeCheckpointed:    true,
	NodeDone:            true,
}
