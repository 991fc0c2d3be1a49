// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the shared data model for the support engine.
//
// The central type is ConversationState: the unit of work threaded through
// the turn state machine. Everything in this package is JSON-serializable so
// state can be checkpointed and reconstructed across process restarts.
package datatypes

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role identifies the author of a conversation message.
type Role string

const (
	// RoleUser is a message written by the end user.
	RoleUser Role = "user"
	// RoleAssistant is a message generated by the engine.
	RoleAssistant Role = "assistant"
	// RoleSystem is an engine-injected message, e.g. a history summary.
	RoleSystem Role = "system"
)

// Intent is the closed set of turn classifications.
//
// Routing decisions in the state machine key off this value, so it must
// always be one of the declared constants after routing completes.
type Intent string

const (
	// IntentFAQ is a narrow question answerable from the knowledge base.
	IntentFAQ Intent = "faq"
	// IntentComplex needs retrieval plus multi-passage reasoning. This is
	// also the fail-open default when classification is unavailable or
	// below the confidence threshold.
	IntentComplex Intent = "complex"
	// IntentEscalation hands the conversation to a human.
	IntentEscalation Intent = "escalation"
	// IntentOutOfScope is unrelated to the product; answered with a fixed
	// redirect, no retrieval.
	IntentOutOfScope Intent = "out_of_scope"
	// IntentUnknown is the zero value before routing has run.
	IntentUnknown Intent = ""
)

// Valid reports whether the intent is one of the closed enum values.
func (i Intent) Valid() bool {
	switch i {
	case IntentFAQ, IntentComplex, IntentEscalation, IntentOutOfScope:
		return true
	default:
		return false
	}
}

// Message is a single turn in the conversation history.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage creates a message stamped with the current time.
func NewMessage(role Role, content string) Message {
	return Message{Role: role, Content: content, Timestamp: time.Now().UTC()}
}

// ConversationState is the mutable state of one conversation thread.
//
// Description:
//
//	ConversationState is exclusively owned by the TurnStateMachine while a
//	turn is in flight. The CheckpointStore owns the durable history; the
//	in-memory object is always reconstructable from the store.
//
// Invariants (enforced by CheckInvariants):
//
//   - Messages is never empty after the first turn.
//   - GradedPassages and RerankedPassages are always subsets of
//     RetrievedPassages.
//   - TurnCount increases by exactly one per user message.
//   - CurrentIntent is a closed enum value after routing.
//
// Thread Safety: NOT safe for concurrent use. The machine serializes all
// access per session.
type ConversationState struct {
	SessionID        string    `json:"session_id"`
	Messages         []Message `json:"messages"`
	DetectedLanguage string    `json:"detected_language,omitempty"`
	CurrentIntent    Intent    `json:"current_intent,omitempty"`
	IntentConfidence float64   `json:"intent_confidence,omitempty"`

	RetrievedPassages []RetrievedPassage `json:"retrieved_passages,omitempty"`
	GradedPassages    []RetrievedPassage `json:"graded_passages,omitempty"`
	RerankedPassages  []RerankedPassage  `json:"reranked_passages,omitempty"`

	RequiresEscalation bool   `json:"requires_escalation,omitempty"`
	EscalationReason   string `json:"escalation_reason,omitempty"`

	// TurnCount increments once per user message, never per retry.
	TurnCount int `json:"turn_count"`

	// Degraded marks a turn that completed on a fallback path, e.g.
	// lexical-only retrieval or a fixed no-knowledge answer.
	Degraded bool `json:"degraded,omitempty"`
}

// NewConversationState creates empty state for a session.
func NewConversationState(sessionID string) *ConversationState {
	return &ConversationState{
		SessionID: sessionID,
		Messages:  []Message{},
	}
}

// AppendUserMessage records a user message and increments the turn counter.
func (s *ConversationState) AppendUserMessage(text string) {
	s.Messages = append(s.Messages, NewMessage(RoleUser, text))
	s.TurnCount++
}

// AppendAssistantMessage records a completed assistant reply. Callers must
// only invoke this after the full response streamed successfully.
func (s *ConversationState) AppendAssistantMessage(text string) {
	s.Messages = append(s.Messages, NewMessage(RoleAssistant, text))
}

// LastUserMessage returns the most recent user message, or empty string.
func (s *ConversationState) LastUserMessage() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleUser {
			return s.Messages[i].Content
		}
	}
	return ""
}

// ResetTurn clears per-turn fields before a new user message is processed.
// Conversation history, turn counter, and language survive across turns.
func (s *ConversationState) ResetTurn() {
	s.CurrentIntent = IntentUnknown
	s.IntentConfidence = 0
	s.RetrievedPassages = nil
	s.GradedPassages = nil
	s.RerankedPassages = nil
	s.RequiresEscalation = false
	s.EscalationReason = ""
	s.Degraded = false
}

// Clone returns a deep copy of the state via a JSON roundtrip.
//
// Description:
//
//	Checkpoints must be immutable snapshots; the roundtrip guarantees no
//	slice aliasing with the live state.
func (s *ConversationState) Clone() (*ConversationState, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	var out ConversationState
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return &out, nil
}

// Redacted returns a copy with message bodies removed, for persisting
// checkpoints of sessions without consent to store raw user text.
func (s *ConversationState) Redacted() (*ConversationState, error) {
	out, err := s.Clone()
	if err != nil {
		return nil, err
	}
	for i := range out.Messages {
		out.Messages[i].Content = ""
	}
	return out, nil
}

// CheckInvariants verifies the structural invariants of the state.
//
// Outputs:
//
//	error - Non-nil naming the first violated invariant.
func (s *ConversationState) CheckInvariants() error {
	if s.SessionID == "" {
		return fmt.Errorf("session_id must not be empty")
	}
	if s.TurnCount > 0 && len(s.Messages) == 0 {
		return fmt.Errorf("messages must not be empty after first turn")
	}
	if s.CurrentIntent != IntentUnknown && !s.CurrentIntent.Valid() {
		return fmt.Errorf("current_intent %q is not a closed enum value", s.CurrentIntent)
	}
	retrieved := make(map[string]bool, len(s.RetrievedPassages))
	for _, p := range s.RetrievedPassages {
		retrieved[p.ID] = true
	}
	for _, p := range s.GradedPassages {
		if !retrieved[p.ID] {
			return fmt.Errorf("graded passage %q not present in retrieved set", p.ID)
		}
	}
	for _, p := range s.RerankedPassages {
		if !retrieved[p.ID] {
			return fmt.Errorf("reranked passage %q not present in retrieved set", p.ID)
		}
	}
	return nil
}
