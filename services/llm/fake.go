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
	"strings"
	"sync"

	"github.com/AleutianAI/kodiak/services/support/datatypes"
)

// ErrScriptExhausted is returned by ScriptedClient once every queued reply
// has been consumed.
var ErrScriptExhausted = errors.New("scripted client: no replies left")

// ScriptedReply is one queued response for a ScriptedClient. Either Text or
// Err is consumed per call.
type ScriptedReply struct {
	Text string
	Err  error
}

// ScriptedClient is a ChatClient test double that plays back queued replies
// in order. Streaming replies are emitted word by word so callback behavior
// under multi-token streams is exercised.
//
// Thread Safety: safe for concurrent use.
type ScriptedClient struct {
	mu      sync.Mutex
	replies []ScriptedReply

	// Calls records the last user-visible prompt of every invocation, in
	// order, for assertions.
	Calls []string
}

// NewScriptedClient creates a client that replies with the given texts in
// order.
func NewScriptedClient(texts ...string) *ScriptedClient {
	c := &ScriptedClient{}
	for _, t := range texts {
		c.replies = append(c.replies, ScriptedReply{Text: t})
	}
	return c
}

// QueueReply appends a reply to the script.
func (c *ScriptedClient) QueueReply(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies = append(c.replies, ScriptedReply{Text: text})
}

// QueueError appends a failing call to the script.
func (c *ScriptedClient) QueueError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies = append(c.replies, ScriptedReply{Err: err})
}

func (c *ScriptedClient) next(messages []datatypes.Message) (ScriptedReply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(messages) > 0 {
		c.Calls = append(c.Calls, messages[len(messages)-1].Content)
	}
	if len(c.replies) == 0 {
		return ScriptedReply{}, ErrScriptExhausted
	}
	reply := c.replies[0]
	c.replies = c.replies[1:]
	return reply, nil
}

// Chat implements ChatClient.
func (c *ScriptedClient) Chat(ctx context.Context, messages []datatypes.Message,
	_ GenerationParams) (string, error) {

	if err := ctx.Err(); err != nil {
		return "", err
	}
	reply, err := c.next(messages)
	if err != nil {
		return "", err
	}
	if reply.Err != nil {
		return "", reply.Err
	}
	return reply.Text, nil
}

// ChatStream implements ChatClient.
func (c *ScriptedClient) ChatStream(ctx context.Context, messages []datatypes.Message,
	_ GenerationParams, callback StreamCallback) error {

	if err := ctx.Err(); err != nil {
		return err
	}
	reply, err := c.next(messages)
	if err != nil {
		return err
	}
	if reply.Err != nil {
		_ = callback(StreamEvent{Type: StreamEventError, Err: reply.Err})
		return reply.Err
	}
	words := strings.SplitAfter(reply.Text, " ")
	for _, w := range words {
		if err := ctx.Err(); err != nil {
			return err
		}
		if w == "" {
			continue
		}
		if err := callback(StreamEvent{Type: StreamEventToken, Content: w}); err != nil {
			return err
		}
	}
	return callback(StreamEvent{Type: StreamEventDone})
}
