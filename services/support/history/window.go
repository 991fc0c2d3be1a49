// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history bounds the conversation window without losing context.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/kodiak/services/llm"
	"github.com/AleutianAI/kodiak/services/support/datatypes"
)

var tracer = otel.Tracer("kodiak.support.history")

// DefaultWindowSize is the maximum message count kept verbatim.
const DefaultWindowSize = 20

// Summarizer condenses evicted messages into a summary.
type Summarizer interface {
	// Summarize returns a compact prose summary of the messages.
	Summarize(ctx context.Context, messages []datatypes.Message) (string, error)
}

// Window compacts conversation history once it exceeds the window size.
//
// # Description
//
//	Messages are evicted only after the Summarizer produced a summary for
//	them; the summary is prepended as a system message so older context
//	survives in condensed form. If summarization fails the window stays
//	over-size for this turn rather than dropping messages silently.
type Window struct {
	summarizer Summarizer
	size       int
	logger     *slog.Logger
}

// NewWindow creates a window manager. size <= 0 selects the default.
func NewWindow(summarizer Summarizer, size int, logger *slog.Logger) *Window {
	if size <= 0 {
		size = DefaultWindowSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Window{summarizer: summarizer, size: size, logger: logger}
}

// Compact shrinks state.Messages to the window size when exceeded.
//
// # Outputs
//
//	error - Non-nil only on context cancellation. Summarizer failure is
//	    logged and absorbed; the over-size window is kept.
func (w *Window) Compact(ctx context.Context, state *datatypes.ConversationState) error {
	if len(state.Messages) <= w.size {
		return nil
	}

	ctx, span := tracer.Start(ctx, "Window.Compact")
	defer span.End()
	span.SetAttributes(attribute.Int("history.messages", len(state.Messages)))

	// Evict the oldest overflow, folding any prior summary into the new
	// one. Keep the most recent size-1 messages plus the summary slot.
	keep := w.size - 1
	evicted := state.Messages[:len(state.Messages)-keep]

	summary, err := w.summarizer.Summarize(ctx, evicted)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.logger.Warn("History summarization failed, keeping over-size window",
			"session_id", state.SessionID, "error", err)
		return nil
	}

	compacted := make([]datatypes.Message, 0, w.size)
	compacted = append(compacted, datatypes.NewMessage(datatypes.RoleSystem,
		"Summary of earlier conversation: "+summary))
	compacted = append(compacted, state.Messages[len(state.Messages)-keep:]...)
	state.Messages = compacted

	span.SetAttributes(attribute.Int("history.compacted", len(compacted)))
	w.logger.Debug("Compacted conversation history",
		"session_id", state.SessionID, "evicted", len(evicted))
	return nil
}

// LLMSummarizer implements Summarizer over a chat backend.
type LLMSummarizer struct {
	client llm.ChatClient
}

// NewLLMSummarizer creates a summarizer.
func NewLLMSummarizer(client llm.ChatClient) *LLMSummarizer {
	return &LLMSummarizer{client: client}
}

const summaryPrompt = `Summarize the following customer support conversation in 3-5 sentences.
Preserve concrete facts: product names, error messages, steps already tried,
and anything the customer was promised. Write only the summary.`

// Summarize implements Summarizer.
func (s *LLMSummarizer) Summarize(ctx context.Context, messages []datatypes.Message) (string, error) {
	var sb strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
	}
	temp := float32(0.2)
	reply, err := s.client.Chat(ctx, []datatypes.Message{
		datatypes.NewMessage(datatypes.RoleSystem, summaryPrompt),
		datatypes.NewMessage(datatypes.RoleUser, sb.String()),
	}, llm.GenerationParams{Temperature: &temp})
	if err != nil {
		return "", fmt.Errorf("summarize history: %w", err)
	}
	return strings.TrimSpace(reply), nil
}
