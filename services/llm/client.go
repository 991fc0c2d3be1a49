// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm defines the model-provider contract for the support engine.
//
// The engine never talks to a provider SDK directly; every model-backed
// component (intent routing, query transformation, relevance grading,
// generation) depends on ChatClient so backends can be swapped and tests
// can use the scripted fake in fake.go.
package llm

import (
	"context"

	"github.com/AleutianAI/kodiak/services/support/datatypes"
)

// GenerationParams tunes a single model call. Nil pointer fields mean
// "use the backend default".
type GenerationParams struct {
	Temperature *float32 `json:"temperature,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// StreamEventType discriminates streaming events.
type StreamEventType string

const (
	// StreamEventToken carries an incremental text chunk.
	StreamEventToken StreamEventType = "token"
	// StreamEventDone marks successful stream completion.
	StreamEventDone StreamEventType = "done"
	// StreamEventError carries a mid-stream failure.
	StreamEventError StreamEventType = "error"
)

// StreamEvent is one increment of a streamed model response.
type StreamEvent struct {
	Type    StreamEventType `json:"type"`
	Content string          `json:"content,omitempty"`
	Err     error           `json:"-"`
}

// StreamCallback receives stream events in order. Returning a non-nil error
// aborts the stream; the backend must stop emitting and return that error.
type StreamCallback func(event StreamEvent) error

// ChatClient is the standard interface for any LLM backend.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; the engine shares one
// client across all sessions.
type ChatClient interface {
	// Chat returns the complete response for a conversation.
	//
	// Inputs:
	//
	//	ctx - Context for cancellation and timeout. Must not be nil.
	//	messages - Conversation history, oldest first.
	//	params - Generation parameters.
	//
	// Outputs:
	//
	//	string - The assistant reply.
	//	error - Non-nil on backend failure or context cancellation.
	Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (string, error)

	// ChatStream streams the response token-by-token through callback.
	//
	// The callback receives zero or more StreamEventToken events followed
	// by exactly one StreamEventDone on success. On failure the backend
	// emits StreamEventError and returns the error; a cancelled context
	// stops emission without a done event.
	ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) error
}
