// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/kodiak/services/support/datatypes"
)

var tracer = otel.Tracer("kodiak.llm.openai")

// OpenAIClient implements ChatClient against any OpenAI-compatible API
// (OpenAI, vLLM, Ollama's /v1 endpoint, llama.cpp server).
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	// APIKey authenticates requests. May be empty for local servers.
	APIKey string
	// BaseURL overrides the API endpoint. Empty means api.openai.com.
	BaseURL string
	// Model is the model identifier sent with every request. Required.
	Model string
}

// NewOpenAIClient creates a client from explicit configuration.
//
// Outputs:
//
//	*OpenAIClient - Ready-to-use client.
//	error - Non-nil if Model is empty.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.Model == "" {
		return nil, errors.New("model must not be empty")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	slog.Info("Initializing OpenAI-compatible client",
		"base_url", clientCfg.BaseURL, "model", cfg.Model)
	return &OpenAIClient{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
	}, nil
}

// NewOpenAIClientFromEnv creates a client from LLM_API_KEY, LLM_BASE_URL
// and LLM_MODEL environment variables.
func NewOpenAIClientFromEnv() (*OpenAIClient, error) {
	model := os.Getenv("LLM_MODEL")
	if model == "" {
		return nil, errors.New("LLM_MODEL environment variable not set")
	}
	return NewOpenAIClient(OpenAIConfig{
		APIKey:  os.Getenv("LLM_API_KEY"),
		BaseURL: os.Getenv("LLM_BASE_URL"),
		Model:   model,
	})
}

// Chat implements ChatClient.
func (c *OpenAIClient) Chat(ctx context.Context, messages []datatypes.Message,
	params GenerationParams) (string, error) {

	ctx, span := tracer.Start(ctx, "OpenAIClient.Chat")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", c.model),
		attribute.Int("llm.messages", len(messages)),
	)

	resp, err := c.client.CreateChatCompletion(ctx, c.buildRequest(messages, params, false))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chat completion failed")
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// ChatStream implements ChatClient.
//
// Description:
//
//	Opens a streaming completion and forwards each delta to callback as a
//	StreamEventToken. Emits StreamEventDone after the final chunk. If the
//	callback returns an error the stream is closed and the error returned
//	without a done event, so a cancelled generation never looks complete.
func (c *OpenAIClient) ChatStream(ctx context.Context, messages []datatypes.Message,
	params GenerationParams, callback StreamCallback) error {

	ctx, span := tracer.Start(ctx, "OpenAIClient.ChatStream")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", c.model))

	stream, err := c.client.CreateChatCompletionStream(ctx, c.buildRequest(messages, params, true))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "open stream failed")
		return fmt.Errorf("open completion stream: %w", err)
	}
	defer stream.Close()

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return callback(StreamEvent{Type: StreamEventDone})
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "stream receive failed")
			// Best effort; the transport may already be gone.
			_ = callback(StreamEvent{Type: StreamEventError, Err: err})
			return fmt.Errorf("stream receive: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		if err := callback(StreamEvent{Type: StreamEventToken, Content: delta}); err != nil {
			return err
		}
	}
}

func (c *OpenAIClient) buildRequest(messages []datatypes.Message,
	params GenerationParams, stream bool) openai.ChatCompletionRequest {

	req := openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: toOpenAIMessages(messages),
		Stream:   stream,
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if params.MaxTokens != nil {
		req.MaxTokens = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
	return req
}

func toOpenAIMessages(messages []datatypes.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case datatypes.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		case datatypes.RoleSystem:
			role = openai.ChatMessageRoleSystem
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}
