// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/AleutianAI/kodiak/services/support/datatypes"
)

type fakeSummarizer struct {
	summary string
	err     error
	got     []datatypes.Message
}

func (f *fakeSummarizer) Summarize(_ context.Context, messages []datatypes.Message) (string, error) {
	f.got = messages
	if f.err != nil {
		return "", f.err
	}
	return f.summary, nil
}

func filledState(n int) *datatypes.ConversationState {
	state := datatypes.NewConversationState("sess_1")
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			state.AppendUserMessage(fmt.Sprintf("question %d", i))
		} else {
			state.AppendAssistantMessage(fmt.Sprintf("answer %d", i))
		}
	}
	return state
}

func TestCompactUnderLimitIsNoop(t *testing.T) {
	s := &fakeSummarizer{summary: "unused"}
	w := NewWindow(s, 20, nil)
	state := filledState(20)

	if err := w.Compact(context.Background(), state); err != nil {
		t.Fatal(err)
	}
	if len(state.Messages) != 20 {
		t.Errorf("under-limit window must be untouched, got %d", len(state.Messages))
	}
	if s.got != nil {
		t.Error("summarizer must not run under the limit")
	}
}

func TestCompactEvictsOnlyAfterSummary(t *testing.T) {
	s := &fakeSummarizer{summary: "the user debugged sync issues"}
	w := NewWindow(s, 10, nil)
	state := filledState(25)

	if err := w.Compact(context.Background(), state); err != nil {
		t.Fatal(err)
	}
	if len(state.Messages) != 10 {
		t.Fatalf("expected window of 10, got %d", len(state.Messages))
	}
	first := state.Messages[0]
	if first.Role != datatypes.RoleSystem {
		t.Fatalf("first message must be the summary, got role %q", first.Role)
	}
	if !strings.Contains(first.Content, "the user debugged sync issues") {
		t.Errorf("summary content missing: %q", first.Content)
	}
	// The most recent 9 messages survive verbatim.
	last := state.Messages[len(state.Messages)-1]
	if last.Content != "question 24" {
		t.Errorf("newest message lost: %q", last.Content)
	}
	if len(s.got) != 25-9 {
		t.Errorf("summarizer saw %d evicted messages, want %d", len(s.got), 25-9)
	}
}

func TestCompactSummarizerFailureKeepsMessages(t *testing.T) {
	s := &fakeSummarizer{err: errors.New("model down")}
	w := NewWindow(s, 10, nil)
	state := filledState(25)

	if err := w.Compact(context.Background(), state); err != nil {
		t.Fatalf("summarizer failure must be absorbed: %v", err)
	}
	if len(state.Messages) != 25 {
		t.Errorf("messages must never be dropped without a summary, got %d", len(state.Messages))
	}
}

func TestCompactCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := &fakeSummarizer{err: context.Canceled}
	w := NewWindow(s, 10, nil)
	state := filledState(25)

	err := w.Compact(ctx, state)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
