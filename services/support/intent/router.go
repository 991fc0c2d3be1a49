// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package intent classifies inbound user messages into the closed intent
// set that drives turn routing.
package intent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/kodiak/services/llm"
	"github.com/AleutianAI/kodiak/services/support/datatypes"
)

var tracer = otel.Tracer("kodiak.support.intent")

// DefaultConfidenceThreshold is the minimum classifier confidence accepted
// as-is. Anything below resolves to complex, never out_of_scope, so a
// hesitant classifier can only cost retrieval work, not a wrong brush-off.
const DefaultConfidenceThreshold = 0.5

// classifierPrompt instructs the model to emit strict JSON.
const classifierPrompt = `You are an intent classifier for a customer support agent.
Classify the user's latest message into exactly one intent:
- "faq": a narrow product question answerable from documentation
- "complex": a question needing multiple documents or reasoning
- "escalation": the user asks for a human, expresses strong frustration, or raises a legal/billing dispute
- "out_of_scope": unrelated to the product

Respond with ONLY a JSON object, no prose:
{"intent": "<one of faq|complex|escalation|out_of_scope>", "confidence": <0.0-1.0>}`

// classification is the strict JSON reply schema.
type classification struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

type cacheEntry struct {
	intent     datatypes.Intent
	confidence float64
	expires    time.Time
}

// Router classifies messages with an LLM, falling back to keyword rules
// when the model is unavailable or its reply cannot be parsed.
//
// # Description
//
//	Classification fails open: any backend or parse failure yields
//	IntentComplex so the turn still gets the full retrieval path. Results
//	are cached by message hash with a TTL, and concurrent identical
//	classifications are coalesced through singleflight.
//
// # Thread Safety
//
//	Safe for concurrent use.
type Router struct {
	client    llm.ChatClient
	threshold float64
	cacheTTL  time.Duration
	logger    *slog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
	group singleflight.Group
}

// NewRouter creates a router. threshold <= 0 selects the default; ttl <= 0
// disables caching.
func NewRouter(client llm.ChatClient, threshold float64, ttl time.Duration,
	logger *slog.Logger) *Router {

	if threshold <= 0 {
		threshold = DefaultConfidenceThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		client:    client,
		threshold: threshold,
		cacheTTL:  ttl,
		logger:    logger,
		cache:     make(map[string]cacheEntry),
	}
}

// Classify determines the intent of the latest user message.
//
// # Outputs
//
//	datatypes.Intent - Always a closed enum value.
//	float64 - Classifier confidence in [0,1]. Keyword fallback reports 0.
//	error - Non-nil only on context cancellation.
func (r *Router) Classify(ctx context.Context, state *datatypes.ConversationState) (datatypes.Intent, float64, error) {
	ctx, span := tracer.Start(ctx, "Router.Classify")
	defer span.End()

	message := state.LastUserMessage()
	if strings.TrimSpace(message) == "" {
		return datatypes.IntentComplex, 0, nil
	}

	key := hashMessage(message)
	if intent, conf, ok := r.cached(key); ok {
		span.SetAttributes(attribute.Bool("intent.cache_hit", true))
		return intent, conf, nil
	}

	type result struct {
		intent datatypes.Intent
		conf   float64
	}
	v, err, _ := r.group.Do(key, func() (any, error) {
		intent, conf := r.classifyLLM(ctx, message)
		r.store(key, intent, conf)
		return result{intent: intent, conf: conf}, nil
	})
	if err != nil {
		return datatypes.IntentComplex, 0, err
	}
	if err := ctx.Err(); err != nil {
		return datatypes.IntentUnknown, 0, err
	}

	res := v.(result)
	span.SetAttributes(
		attribute.String("intent.value", string(res.intent)),
		attribute.Float64("intent.confidence", res.conf),
	)
	return res.intent, res.conf, nil
}

func (r *Router) classifyLLM(ctx context.Context, message string) (datatypes.Intent, float64) {
	messages := []datatypes.Message{
		datatypes.NewMessage(datatypes.RoleSystem, classifierPrompt),
		datatypes.NewMessage(datatypes.RoleUser, message),
	}
	temp := float32(0)
	reply, err := r.client.Chat(ctx, messages, llm.GenerationParams{Temperature: &temp})
	if err != nil {
		r.logger.Warn("Intent classification backend failed, using keyword fallback", "error", err)
		return r.applyThreshold(classifyKeywords(message))
	}

	parsed, err := parseClassification(reply)
	if err != nil {
		r.logger.Warn("Unparseable classifier reply, using keyword fallback", "error", err)
		return r.applyThreshold(classifyKeywords(message))
	}
	return r.applyThreshold(parsed.toIntent())
}

// applyThreshold resolves low confidence to complex. Out-of-scope in
// particular requires high confidence; a wrong redirect is worse than a
// wasted retrieval.
func (r *Router) applyThreshold(intent datatypes.Intent, conf float64) (datatypes.Intent, float64) {
	if !intent.Valid() {
		return datatypes.IntentComplex, conf
	}
	if conf < r.threshold {
		return datatypes.IntentComplex, conf
	}
	return intent, conf
}

func (c classification) toIntent() (datatypes.Intent, float64) {
	intent := datatypes.Intent(strings.ToLower(strings.TrimSpace(c.Intent)))
	conf := c.Confidence
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	return intent, conf
}

// parseClassification extracts the JSON object from the model reply,
// tolerating code fences and surrounding prose.
func parseClassification(reply string) (classification, error) {
	var c classification
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return c, fmt.Errorf("no JSON object in reply")
	}
	if err := json.Unmarshal([]byte(reply[start:end+1]), &c); err != nil {
		return c, fmt.Errorf("decode classification: %w", err)
	}
	if c.Intent == "" {
		return c, fmt.Errorf("classification missing intent")
	}
	return c, nil
}

func (r *Router) cached(key string) (datatypes.Intent, float64, bool) {
	if r.cacheTTL <= 0 {
		return datatypes.IntentUnknown, 0, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.cache[key]
	if !ok || time.Now().After(e.expires) {
		delete(r.cache, key)
		return datatypes.IntentUnknown, 0, false
	}
	return e.intent, e.confidence, true
}

func (r *Router) store(key string, intent datatypes.Intent, conf float64) {
	if r.cacheTTL <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[key] = cacheEntry{intent: intent, confidence: conf, expires: time.Now().Add(r.cacheTTL)}
}

func hashMessage(message string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(message))))
	return hex.EncodeToString(sum[:])
}
