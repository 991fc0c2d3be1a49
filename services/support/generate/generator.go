// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package generate produces the grounded streaming answer for a turn.
package generate

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/kodiak/services/llm"
	"github.com/AleutianAI/kodiak/services/support/datatypes"
)

var tracer = otel.Tracer("kodiak.support.generate")

// DefaultMaxTokens bounds the answer length.
const DefaultMaxTokens = 1024

// Fixed degraded-path answers. Kept as constants so tests and transports
// can recognize them.
const (
	// NoKnowledgeAnswer is emitted when retrieval found nothing usable.
	NoKnowledgeAnswer = "I couldn't find anything in our documentation that answers " +
		"your question. Could you rephrase it, or I can connect you with a " +
		"support agent."

	// UnreachableAnswer is emitted when the knowledge base itself was
	// unavailable.
	UnreachableAnswer = "I'm sorry, I can't access my knowledge base right now. " +
		"Please try again in a few minutes, or I can connect you with a " +
		"support agent."

	// EscalationNotice is emitted when the turn was routed to a human.
	EscalationNotice = "I'm connecting you with a support agent who can help " +
		"with this. They'll have the full context of our conversation."

	// OutOfScopeAnswer redirects unrelated questions.
	OutOfScopeAnswer = "I can only help with questions about our product. " +
		"Is there anything product-related I can help you with?"
)

const groundingPrompt = `You are a customer support assistant. Answer the customer's question
using ONLY the documentation passages below. Cite every passage you use with
its marker, e.g. [doc:%s]. If the passages do not contain the answer, say so
instead of guessing. Do not invent citations.%s

Passages:
%s`

// citationPattern matches [doc:<id>] markers in generated text.
var citationPattern = regexp.MustCompile(`\[doc:([^\]\s]+)\]`)

// GenerationResult is the outcome of one generation pass.
type GenerationResult struct {
	// Answer is the full assistant reply, markers included.
	Answer string `json:"answer"`
	// Citations are the distinct cited passage IDs, in first-use order.
	// Only IDs of supplied passages appear; fabricated markers are
	// dropped from this list.
	Citations []string `json:"citations,omitempty"`
	// Fallback is true when Answer is one of the fixed degraded answers.
	Fallback bool `json:"fallback,omitempty"`
}

// Generator streams the grounded answer and owns the append-on-success
// contract: state gains the assistant message only after the full response
// streamed without error.
type Generator struct {
	client    llm.ChatClient
	maxTokens int
	logger    *slog.Logger
}

// NewGenerator creates a generator. maxTokens <= 0 selects the default.
func NewGenerator(client llm.ChatClient, maxTokens int, logger *slog.Logger) *Generator {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{client: client, maxTokens: maxTokens, logger: logger}
}

// Generate streams the answer for the current turn through emit.
//
// # Description
//
//	Dispatches on the turn's routing outcome. Escalated turns get the
//	fixed escalation notice; out-of-scope turns the fixed redirect; turns
//	with no passages a fallback chosen by the Degraded flag. Grounded
//	turns stream from the model. On any error or cancellation nothing is
//	appended to state and the error is returned.
//
// # Outputs
//
//	*GenerationResult - The completed answer. Nil when err is non-nil.
//	error - Stream or cancellation failure.
func (g *Generator) Generate(ctx context.Context, state *datatypes.ConversationState,
	passages []datatypes.RerankedPassage, emit llm.StreamCallback) (*GenerationResult, error) {

	ctx, span := tracer.Start(ctx, "Generator.Generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("generate.intent", string(state.CurrentIntent)),
		attribute.Int("generate.passages", len(passages)),
	)

	switch {
	case state.RequiresEscalation:
		return g.emitFixed(ctx, state, EscalationNotice, emit)
	case state.CurrentIntent == datatypes.IntentOutOfScope:
		return g.emitFixed(ctx, state, OutOfScopeAnswer, emit)
	case len(passages) == 0 && state.Degraded:
		return g.emitFixed(ctx, state, UnreachableAnswer, emit)
	case len(passages) == 0:
		return g.emitFixed(ctx, state, NoKnowledgeAnswer, emit)
	}

	return g.generateGrounded(ctx, state, passages, emit)
}

func (g *Generator) generateGrounded(ctx context.Context, state *datatypes.ConversationState,
	passages []datatypes.RerankedPassage, emit llm.StreamCallback) (*GenerationResult, error) {

	system := buildGroundingPrompt(passages, state.DetectedLanguage)
	messages := make([]datatypes.Message, 0, len(state.Messages)+1)
	messages = append(messages, datatypes.NewMessage(datatypes.RoleSystem, system))
	messages = append(messages, state.Messages...)

	var sb strings.Builder
	maxTokens := g.maxTokens
	err := g.client.ChatStream(ctx, messages, llm.GenerationParams{MaxTokens: &maxTokens},
		func(event llm.StreamEvent) error {
			if event.Type == llm.StreamEventToken {
				sb.WriteString(event.Content)
			}
			return emit(event)
		})
	if err != nil {
		return nil, fmt.Errorf("stream answer: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	answer := sb.String()
	citations := extractCitations(answer, passages)
	state.AppendAssistantMessage(answer)
	g.logger.Debug("Generated grounded answer",
		"session_id", state.SessionID, "citations", len(citations))
	return &GenerationResult{Answer: answer, Citations: citations}, nil
}

// emitFixed streams a fixed answer through emit so the transport sees the
// same event shape as a model-generated reply.
func (g *Generator) emitFixed(ctx context.Context, state *datatypes.ConversationState,
	answer string, emit llm.StreamCallback) (*GenerationResult, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := emit(llm.StreamEvent{Type: llm.StreamEventToken, Content: answer}); err != nil {
		return nil, err
	}
	if err := emit(llm.StreamEvent{Type: llm.StreamEventDone}); err != nil {
		return nil, err
	}
	state.AppendAssistantMessage(answer)
	return &GenerationResult{Answer: answer, Fallback: true}, nil
}

func buildGroundingPrompt(passages []datatypes.RerankedPassage, language string) string {
	var sb strings.Builder
	for i, p := range passages {
		fmt.Fprintf(&sb, "%d. [doc:%s] (source: %s)\n%s\n\n", i+1, p.ID, p.Source, p.Text)
	}
	languageNote := ""
	if language != "" && language != "en" {
		languageNote = fmt.Sprintf("\nReply in the customer's language (%s).", language)
	}
	exampleID := passages[0].ID
	return fmt.Sprintf(groundingPrompt, exampleID, languageNote, sb.String())
}

// extractCitations returns the distinct cited IDs in first-use order,
// restricted to IDs of supplied passages.
func extractCitations(answer string, passages []datatypes.RerankedPassage) []string {
	supplied := make(map[string]bool, len(passages))
	for _, p := range passages {
		supplied[p.ID] = true
	}
	seen := make(map[string]bool)
	var out []string
	for _, m := range citationPattern.FindAllStringSubmatch(answer, -1) {
		id := m[1]
		if !supplied[id] || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
