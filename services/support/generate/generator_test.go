// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package generate

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/AleutianAI/kodiak/services/llm"
	"github.com/AleutianAI/kodiak/services/support/datatypes"
)

func discard(llm.StreamEvent) error { return nil }

func newState(message string) *datatypes.ConversationState {
	state := datatypes.NewConversationState("sess_1")
	state.AppendUserMessage(message)
	state.CurrentIntent = datatypes.IntentFAQ
	return state
}

func reranked(ids ...string) []datatypes.RerankedPassage {
	out := make([]datatypes.RerankedPassage, len(ids))
	for i, id := range ids {
		out[i] = datatypes.RerankedPassage{ID: id, Text: "passage " + id, Source: "kb"}
	}
	return out
}

func TestGenerateGroundedAppendsAfterStream(t *testing.T) {
	client := llm.NewScriptedClient("Open Settings and choose Security [doc:reset-1].")
	g := NewGenerator(client, 0, nil)
	state := newState("how do I reset my password?")

	var streamed strings.Builder
	result, err := g.Generate(context.Background(), state, reranked("reset-1"),
		func(event llm.StreamEvent) error {
			if event.Type == llm.StreamEventToken {
				streamed.WriteString(event.Content)
			}
			return nil
		})
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if result.Answer != streamed.String() {
		t.Errorf("answer %q differs from streamed %q", result.Answer, streamed.String())
	}
	if len(state.Messages) != 2 {
		t.Fatalf("expected assistant message appended, got %d messages", len(state.Messages))
	}
	last := state.Messages[len(state.Messages)-1]
	if last.Role != datatypes.RoleAssistant || last.Content != result.Answer {
		t.Errorf("appended message mismatch: %+v", last)
	}
}

func TestGenerateCitationsFilterFabricatedIDs(t *testing.T) {
	client := llm.NewScriptedClient(
		"See [doc:real-1] and [doc:fake-9]. Also [doc:real-2], again [doc:real-1].")
	g := NewGenerator(client, 0, nil)
	state := newState("question")

	result, err := g.Generate(context.Background(), state, reranked("real-1", "real-2"), discard)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Citations) != 2 {
		t.Fatalf("expected 2 citations, got %v", result.Citations)
	}
	if result.Citations[0] != "real-1" || result.Citations[1] != "real-2" {
		t.Errorf("citations = %v, want [real-1 real-2] in first-use order", result.Citations)
	}
}

func TestGenerateStreamFailureAppendsNothing(t *testing.T) {
	client := llm.NewScriptedClient()
	client.QueueError(errors.New("stream broke"))
	g := NewGenerator(client, 0, nil)
	state := newState("question")

	_, err := g.Generate(context.Background(), state, reranked("d1"), discard)
	if err == nil {
		t.Fatal("expected stream error")
	}
	if len(state.Messages) != 1 {
		t.Errorf("failed stream must not append, got %d messages", len(state.Messages))
	}
}

func TestGenerateCallbackAbortAppendsNothing(t *testing.T) {
	client := llm.NewScriptedClient("a long answer with several words streaming out")
	g := NewGenerator(client, 0, nil)
	state := newState("question")

	abort := errors.New("client went away")
	_, err := g.Generate(context.Background(), state, reranked("d1"),
		func(llm.StreamEvent) error { return abort })
	if !errors.Is(err, abort) {
		t.Fatalf("expected abort error, got %v", err)
	}
	if len(state.Messages) != 1 {
		t.Errorf("aborted stream must not append, got %d messages", len(state.Messages))
	}
}

func TestGenerateEscalationNotice(t *testing.T) {
	g := NewGenerator(llm.NewScriptedClient(), 0, nil)
	state := newState("I want a human")
	state.CurrentIntent = datatypes.IntentEscalation
	state.RequiresEscalation = true

	result, err := g.Generate(context.Background(), state, nil, discard)
	if err != nil {
		t.Fatal(err)
	}
	if result.Answer != EscalationNotice {
		t.Errorf("answer = %q, want escalation notice", result.Answer)
	}
	if !result.Fallback {
		t.Error("fixed answers must be flagged as fallback")
	}
}

func TestGenerateOutOfScopeRedirect(t *testing.T) {
	g := NewGenerator(llm.NewScriptedClient(), 0, nil)
	state := newState("what's a good lasagna recipe?")
	state.CurrentIntent = datatypes.IntentOutOfScope

	result, err := g.Generate(context.Background(), state, nil, discard)
	if err != nil {
		t.Fatal(err)
	}
	if result.Answer != OutOfScopeAnswer {
		t.Errorf("answer = %q, want out-of-scope redirect", result.Answer)
	}
}

func TestGenerateNoPassagesFallbacks(t *testing.T) {
	g := NewGenerator(llm.NewScriptedClient(), 0, nil)

	state := newState("question")
	result, err := g.Generate(context.Background(), state, nil, discard)
	if err != nil {
		t.Fatal(err)
	}
	if result.Answer != NoKnowledgeAnswer {
		t.Errorf("non-degraded empty = %q, want no-knowledge answer", result.Answer)
	}

	state = newState("question")
	state.Degraded = true
	result, err = g.Generate(context.Background(), state, nil, discard)
	if err != nil {
		t.Fatal(err)
	}
	if result.Answer != UnreachableAnswer {
		t.Errorf("degraded empty = %q, want unreachable answer", result.Answer)
	}
}

func TestGenerateCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g := NewGenerator(llm.NewScriptedClient("never streamed"), 0, nil)
	state := newState("question")

	_, err := g.Generate(ctx, state, reranked("d1"), discard)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if len(state.Messages) != 1 {
		t.Errorf("cancelled turn must not append, got %d messages", len(state.Messages))
	}
}

func TestExtractCitations(t *testing.T) {
	passages := reranked("a", "b")
	got := extractCitations("no markers here", passages)
	if got != nil {
		t.Errorf("expected nil, got %v", got)
	}
	got = extractCitations("[doc:b] then [doc:a] then [doc:b]", passages)
	if len(got) != 2 || got[0] != "b" || got[1] != "a" {
		t.Errorf("got %v, want [b a]", got)
	}
}
