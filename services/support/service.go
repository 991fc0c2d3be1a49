// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package support assembles the conversational support engine.
//
// SupportService is the boundary a transport layer builds on: one call per
// user message, streamed reply through a callback, everything else
// (classification, retrieval, grading, reranking, generation, escalation,
// checkpointing) behind it.
package support

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/kodiak/services/llm"
	"github.com/AleutianAI/kodiak/services/support/checkpoint"
	"github.com/AleutianAI/kodiak/services/support/config"
	"github.com/AleutianAI/kodiak/services/support/datatypes"
	"github.com/AleutianAI/kodiak/services/support/escalation"
	"github.com/AleutianAI/kodiak/services/support/generate"
	"github.com/AleutianAI/kodiak/services/support/grading"
	"github.com/AleutianAI/kodiak/services/support/history"
	"github.com/AleutianAI/kodiak/services/support/intent"
	"github.com/AleutianAI/kodiak/services/support/machine"
	"github.com/AleutianAI/kodiak/services/support/rerank"
	"github.com/AleutianAI/kodiak/services/support/retrieval"
	"github.com/AleutianAI/kodiak/services/support/transform"
)

// SupportService is the assembled engine.
//
// # Thread Safety
//
// Safe for concurrent use across sessions; turns within one session are
// serialized by the machine.
type SupportService struct {
	machine *machine.TurnStateMachine
	store   checkpoint.Store
	logger  *slog.Logger
}

// Options carries the backends the service cannot construct itself.
// Nil optional fields select built-in defaults.
type Options struct {
	// Client is the chat backend for every model-assisted component.
	// Required.
	Client llm.ChatClient

	// Store persists checkpoints. Required.
	Store checkpoint.Store

	// Embedder and Dense form the dense retrieval path. Both nil means
	// lexical-only retrieval.
	Embedder retrieval.Embedder
	Dense    retrieval.VectorIndex

	// Lexical is the keyword search backend. Nil gets an empty in-memory
	// BM25 index; useful only for tests.
	Lexical retrieval.LexicalIndex

	// Scorer reranks passages. Nil selects the LLM-backed scorer.
	Scorer rerank.CrossEncoderScorer

	// Sink receives escalation tickets. Nil logs them.
	Sink escalation.Sink

	// Consent gates persistence of raw message text. Nil allows all.
	Consent machine.ConsentGate

	// Logger for all components. Nil selects slog.Default().
	Logger *slog.Logger
}

// New assembles a SupportService from configuration and backends.
func New(cfg config.Config, opts Options) (*SupportService, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("chat client is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lexical := opts.Lexical
	if lexical == nil {
		lexical = retrieval.NewBM25Index()
	}
	scorer := opts.Scorer
	if scorer == nil {
		scorer = rerank.NewLLMScorer(opts.Client)
	}

	retriever := retrieval.NewHybridRetriever(
		opts.Embedder, opts.Dense, lexical, cfg.Retrieval.Breadth, logger)

	m, err := machine.New(machine.Deps{
		Classifier: intent.NewRouter(opts.Client,
			cfg.Retrieval.ConfidenceThreshold, cfg.Retrieval.IntentCacheTTL.Std(), logger),
		Transformer: transform.NewTransformer(opts.Client, logger),
		Retriever:   retriever,
		Grader:      grading.NewGrader(opts.Client, logger),
		Reranker:    rerank.NewReranker(scorer, cfg.Rerank.TopK, cfg.Rerank.Budget.Std(), logger),
		Generator:   generate.NewGenerator(opts.Client, cfg.LLM.MaxTokens, logger),
		History:     history.NewWindow(history.NewLLMSummarizer(opts.Client), 0, logger),
		Store:       opts.Store,
		Sink:        opts.Sink,
		Consent:     opts.Consent,
		Logger:      logger,
	}, machine.Config{
		RequireEscalationApproval: cfg.Escalation.RequireApproval,
		InterruptTimeout:          cfg.Escalation.InterruptTimeout.Std(),
	})
	if err != nil {
		return nil, fmt.Errorf("assemble turn machine: %w", err)
	}

	return &SupportService{machine: m, store: opts.Store, logger: logger}, nil
}

// HandleTurn processes one user message for a session, streaming the reply
// through emit.
func (s *SupportService) HandleTurn(ctx context.Context, sessionID, text string,
	emit llm.StreamCallback) (*machine.TurnResult, error) {

	req := datatypes.TurnRequest{SessionID: sessionID, Message: text}
	return s.machine.HandleTurn(ctx, req, emit)
}

// Resume continues a session suspended on an interrupt.
func (s *SupportService) Resume(ctx context.Context, sessionID, key, value string,
	emit llm.StreamCallback) (*machine.TurnResult, error) {

	return s.machine.Resume(ctx, sessionID, key, value, emit)
}

// ResumeIncomplete continues a turn interrupted by a process crash.
func (s *SupportService) ResumeIncomplete(ctx context.Context, sessionID string,
	emit llm.StreamCallback) (*machine.TurnResult, error) {

	return s.machine.ResumeIncomplete(ctx, sessionID, emit)
}

// History returns the session's checkpoint trail, oldest first.
func (s *SupportService) History(ctx context.Context, sessionID string) ([]*checkpoint.Checkpoint, error) {
	return s.store.History(ctx, sessionID)
}
