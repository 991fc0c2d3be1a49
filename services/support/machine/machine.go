// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package machine drives one conversation turn through the node graph
//
//	routing -> (retrieving -> grading -> reranking -> generating)
//	         | escalating | out_of_scope_reply
//	-> checkpointed -> done
//
// A checkpoint is written after every completed node, so a crash mid-turn
// resumes at the recorded NextNode instead of replaying the whole turn.
package machine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/kodiak/services/llm"
	"github.com/AleutianAI/kodiak/services/support/checkpoint"
	"github.com/AleutianAI/kodiak/services/support/datatypes"
	"github.com/AleutianAI/kodiak/services/support/escalation"
	"github.com/AleutianAI/kodiak/services/support/generate"
	"github.com/AleutianAI/kodiak/services/support/intent"
)

var tracer = otel.Tracer("kodiak.support.machine")

// ErrNoIncompleteTurn indicates ResumeIncomplete found nothing to continue.
var ErrNoIncompleteTurn = errors.New("no incomplete turn to resume")

// InterruptKeyEscalationApproval is the logical interrupt point for human
// sign-off on an escalation.
const InterruptKeyEscalationApproval = "escalation_approval"

// DefaultInterruptTimeout is how long a suspended turn waits before the
// interrupt auto-resolves to "not approved".
const DefaultInterruptTimeout = 30 * time.Minute

// Collaborator contracts. The machine owns sequencing and checkpointing;
// all domain behavior lives behind these interfaces.
type (
	// Classifier determines the turn intent.
	Classifier interface {
		Classify(ctx context.Context, state *datatypes.ConversationState) (datatypes.Intent, float64, error)
	}

	// QueryTransformer produces retrieval variants and retry rewrites.
	QueryTransformer interface {
		Transform(ctx context.Context, query string, intent datatypes.Intent) ([]string, error)
		Rewrite(ctx context.Context, query string) (string, error)
	}

	// Retriever searches the knowledge base.
	Retriever interface {
		Retrieve(ctx context.Context, variants []string, filter datatypes.PassageFilter) ([]datatypes.RetrievedPassage, bool, error)
	}

	// Grader filters candidates by relevance.
	Grader interface {
		Grade(ctx context.Context, query string, passages []datatypes.RetrievedPassage) ([]datatypes.RetrievedPassage, error)
	}

	// Reranker orders graded candidates.
	Reranker interface {
		Rerank(ctx context.Context, query string, passages []datatypes.RetrievedPassage) ([]datatypes.RerankedPassage, error)
	}

	// Generator streams the answer.
	Generator interface {
		Generate(ctx context.Context, state *datatypes.ConversationState, passages []datatypes.RerankedPassage, emit llm.StreamCallback) (*generate.GenerationResult, error)
	}

	// HistoryCompactor bounds the conversation window.
	HistoryCompactor interface {
		Compact(ctx context.Context, state *datatypes.ConversationState) error
	}
)

// Config tunes the machine.
type Config struct {
	// RequireEscalationApproval suspends escalating turns on a human
	// approval interrupt instead of escalating immediately.
	RequireEscalationApproval bool

	// InterruptTimeout bounds how long a suspended turn waits. Zero
	// selects DefaultInterruptTimeout.
	InterruptTimeout time.Duration

	// Filter restricts retrieval for every turn, e.g. to a product line.
	Filter datatypes.PassageFilter
}

// TurnResult is the outcome of one handled turn.
type TurnResult struct {
	TurnID    string           `json:"turn_id"`
	SessionID string           `json:"session_id"`
	TurnCount int              `json:"turn_count"`
	Intent    datatypes.Intent `json:"intent"`
	Answer    string           `json:"answer"`
	Citations []string         `json:"citations,omitempty"`
	Escalated bool             `json:"escalated,omitempty"`
	Degraded  bool             `json:"degraded,omitempty"`

	// Suspended is true when the turn is paused on an interrupt; Answer
	// is empty and InterruptKey names the pending interrupt point.
	Suspended    bool   `json:"suspended,omitempty"`
	InterruptKey string `json:"interrupt_key,omitempty"`
}

// TurnStateMachine executes turns. One instance serves all sessions.
//
// # Thread Safety
//
// Safe for concurrent use. Turns for the same session are serialized; a
// concurrent second turn fails fast with datatypes.ErrSessionBusy.
type TurnStateMachine struct {
	classifier  Classifier
	transformer QueryTransformer
	retriever   Retriever
	grader      Grader
	reranker    Reranker
	generator   Generator
	history     HistoryCompactor
	store       checkpoint.Store
	sink        escalation.Sink
	consent     ConsentGate
	cfg         Config
	locks       *sessionLocks
	logger      *slog.Logger
}

// Deps bundles the machine's collaborators.
type Deps struct {
	Classifier  Classifier
	Transformer QueryTransformer
	Retriever   Retriever
	Grader      Grader
	Reranker    Reranker
	Generator   Generator
	History     HistoryCompactor
	Store       checkpoint.Store
	Sink        escalation.Sink
	Consent     ConsentGate
	Logger      *slog.Logger
}

// New creates a machine. Store, Classifier, Retriever and Generator are
// required; a nil Sink gets a log-only sink and a nil Consent allows all.
func New(deps Deps, cfg Config) (*TurnStateMachine, error) {
	if deps.Store == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if deps.Classifier == nil || deps.Retriever == nil || deps.Generator == nil {
		return nil, errors.New("classifier, retriever and generator are required")
	}
	if deps.Sink == nil {
		deps.Sink = escalation.NewLogSink(deps.Logger)
	}
	if deps.Consent == nil {
		deps.Consent = AllowAll{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.InterruptTimeout <= 0 {
		cfg.InterruptTimeout = DefaultInterruptTimeout
	}
	return &TurnStateMachine{
		classifier:  deps.Classifier,
		transformer: deps.Transformer,
		retriever:   deps.Retriever,
		grader:      deps.Grader,
		reranker:    deps.Reranker,
		generator:   deps.Generator,
		history:     deps.History,
		store:       deps.Store,
		sink:        deps.Sink,
		consent:     deps.Consent,
		cfg:         cfg,
		locks:       newSessionLocks(),
		logger:      deps.Logger,
	}, nil
}

// turn is the in-flight context of one HandleTurn or Resume call.
type turn struct {
	id     string
	state  *datatypes.ConversationState
	emit   llm.StreamCallback
	seq    uint64
	query  string
	result *generate.GenerationResult

	retried       bool
	escalated     bool
	approvalKnown bool
	approvalGiven bool
}

// HandleTurn processes one user message end to end.
//
// # Inputs
//
//	ctx - Cancels generation mid-stream; already-written checkpoints stay.
//	req - The inbound message. Validated before any state changes.
//	emit - Receives the streamed answer. Must not be nil.
//
// # Outputs
//
//	*TurnResult - Turn outcome, including suspension on an interrupt.
//	error - ErrSessionBusy, ErrSessionSuspended, validation errors, stream
//	    failures, or a checkpoint store failure.
func (m *TurnStateMachine) HandleTurn(ctx context.Context, req datatypes.TurnRequest,
	emit llm.StreamCallback) (*TurnResult, error) {

	req.EnsureDefaults()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "TurnStateMachine.HandleTurn")
	defer span.End()
	span.SetAttributes(attribute.String("turn.session_id", req.SessionID))

	lock, ok := m.locks.acquire(req.SessionID)
	if !ok {
		return nil, fmt.Errorf("%w: session %s", datatypes.ErrSessionBusy, req.SessionID)
	}
	defer lock.Unlock()

	state, seq, err := m.loadSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	state.ResetTurn()
	state.AppendUserMessage(req.Message)
	state.DetectedLanguage = intent.DetectLanguage(req.Message)

	if m.history != nil {
		if err := m.history.Compact(ctx, state); err != nil {
			return nil, err
		}
	}

	t := &turn{
		id:    req.ID,
		state: state,
		emit:  emit,
		seq:   seq,
		query: req.Message,
	}
	return m.run(ctx, t, NodeRouting)
}

// loadSession reconstructs state from the latest checkpoint.
//
// A live interrupt blocks new messages with ErrSessionSuspended; an expired
// interrupt auto-resolves to denied and the new message proceeds.
func (m *TurnStateMachine) loadSession(ctx context.Context,
	sessionID string) (*datatypes.ConversationState, uint64, error) {

	cp, err := m.store.Load(ctx, sessionID)
	if errors.Is(err, checkpoint.ErrCheckpointNotFound) {
		return datatypes.NewConversationState(sessionID), 1, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if cp.Suspended() {
		if time.Now().Before(cp.Interrupt.Deadline) {
			return nil, 0, fmt.Errorf("%w: pending %s", datatypes.ErrSessionSuspended, cp.Interrupt.Key)
		}
		return m.resolveExpiredInterrupt(ctx, cp)
	}
	return cp.State, cp.Sequence + 1, nil
}

// resolveExpiredInterrupt closes a suspended turn whose deadline passed,
// applying the same resolution a denied Resume applies: the escalation is
// dropped and the turn re-labeled complex. A closing checkpoint records the
// resolution, so the suspended turn ends the same way on both expiry routes.
func (m *TurnStateMachine) resolveExpiredInterrupt(ctx context.Context,
	cp *checkpoint.Checkpoint) (*datatypes.ConversationState, uint64, error) {

	m.logger.Info("Interrupt expired, auto-resolving as not approved",
		"session_id", cp.SessionID, "key", cp.Interrupt.Key)
	state := cp.State
	state.RequiresEscalation = false
	state.EscalationReason = ""
	state.CurrentIntent = datatypes.IntentComplex
	t := &turn{state: state, seq: cp.Sequence + 1}
	if err := m.saveCheckpoint(ctx, t, NodeDone, nil); err != nil {
		return nil, 0, err
	}
	return state, t.seq, nil
}

// Resume continues a suspended turn with the external decision.
//
// # Inputs
//
//	key - Must equal the interrupt key recorded in the latest checkpoint;
//	    interrupts are matched logically, never by arrival order.
//	value - "approved" grants the pending action. Anything else, or a
//	    resume after the deadline, denies it.
func (m *TurnStateMachine) Resume(ctx context.Context, sessionID, key, value string,
	emit llm.StreamCallback) (*TurnResult, error) {

	ctx, span := tracer.Start(ctx, "TurnStateMachine.Resume")
	defer span.End()
	span.SetAttributes(
		attribute.String("turn.session_id", sessionID),
		attribute.String("turn.interrupt_key", key),
	)

	lock, ok := m.locks.acquire(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: session %s", datatypes.ErrSessionBusy, sessionID)
	}
	defer lock.Unlock()

	cp, err := m.store.Load(ctx, sessionID)
	if errors.Is(err, checkpoint.ErrCheckpointNotFound) {
		return nil, fmt.Errorf("%w: session %s", datatypes.ErrNotSuspended, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if !cp.Suspended() {
		return nil, fmt.Errorf("%w: session %s", datatypes.ErrNotSuspended, sessionID)
	}
	if cp.Interrupt.Key != key {
		return nil, fmt.Errorf("%w: pending %q, got %q",
			datatypes.ErrInterruptMismatch, cp.Interrupt.Key, key)
	}

	approved := value == "approved"
	if time.Now().After(cp.Interrupt.Deadline) {
		m.logger.Info("Resume after deadline, forcing not approved",
			"session_id", sessionID, "key", key)
		approved = false
	}

	t := &turn{
		id:            "resume_" + cp.ID,
		state:         cp.State,
		emit:          emit,
		seq:           cp.Sequence + 1,
		query:         cp.State.LastUserMessage(),
		approvalKnown: true,
		approvalGiven: approved,
	}
	node := NodeID(cp.NextNode)
	if !validNodes[node] {
		return nil, fmt.Errorf("%w: unknown node %q", checkpoint.ErrCheckpointCorrupt, cp.NextNode)
	}
	return m.run(ctx, t, node)
}

// ResumeIncomplete continues a turn the process crashed out of.
//
// # Outputs
//
//	*TurnResult - Outcome of the continued turn.
//	error - ErrNoIncompleteTurn when the latest checkpoint is a completed
//	    turn, ErrSessionSuspended when it is an interrupt.
func (m *TurnStateMachine) ResumeIncomplete(ctx context.Context, sessionID string,
	emit llm.StreamCallback) (*TurnResult, error) {

	ctx, span := tracer.Start(ctx, "TurnStateMachine.ResumeIncomplete")
	defer span.End()

	lock, ok := m.locks.acquire(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: session %s", datatypes.ErrSessionBusy, sessionID)
	}
	defer lock.Unlock()

	cp, err := m.store.Load(ctx, sessionID)
	if errors.Is(err, checkpoint.ErrCheckpointNotFound) {
		return nil, fmt.Errorf("%w: session %s", ErrNoIncompleteTurn, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if cp.Suspended() {
		return nil, fmt.Errorf("%w: pending %s", datatypes.ErrSessionSuspended, cp.Interrupt.Key)
	}
	node := NodeID(cp.NextNode)
	if node == NodeDone {
		return nil, fmt.Errorf("%w: session %s", ErrNoIncompleteTurn, sessionID)
	}
	if !validNodes[node] {
		return nil, fmt.Errorf("%w: unknown node %q", checkpoint.ErrCheckpointCorrupt, cp.NextNode)
	}

	t := &turn{
		id:    "crash_resume_" + cp.ID,
		state: cp.State,
		emit:  emit,
		seq:   cp.Sequence + 1,
		query: cp.State.LastUserMessage(),
	}
	return m.run(ctx, t, node)
}

// run executes nodes from start until done or suspension, checkpointing
// after every node.
func (m *TurnStateMachine) run(ctx context.Context, t *turn, start NodeID) (*TurnResult, error) {
	node := start
	for node != NodeDone {
		next, interrupt, err := m.step(ctx, t, node)
		if err != nil {
			return nil, err
		}
		if interrupt != nil {
			if err := m.saveCheckpoint(ctx, t, node, interrupt); err != nil {
				return nil, err
			}
			m.logger.Info("Turn suspended on interrupt",
				"session_id", t.state.SessionID, "key", interrupt.Key)
			return &TurnResult{
				TurnID:       t.id,
				SessionID:    t.state.SessionID,
				TurnCount:    t.state.TurnCount,
				Intent:       t.state.CurrentIntent,
				Suspended:    true,
				InterruptKey: interrupt.Key,
			}, nil
		}
		if err := m.saveCheckpoint(ctx, t, next, nil); err != nil {
			return nil, err
		}
		node = next
	}

	result := &TurnResult{
		TurnID:    t.id,
		SessionID: t.state.SessionID,
		TurnCount: t.state.TurnCount,
		Intent:    t.state.CurrentIntent,
		Escalated: t.escalated,
		Degraded:  t.state.Degraded,
	}
	if t.result != nil {
		result.Answer = t.result.Answer
		result.Citations = t.result.Citations
	}
	return result, nil
}

// step runs one node and names its successor.
func (m *TurnStateMachine) step(ctx context.Context, t *turn,
	node NodeID) (NodeID, *checkpoint.Interruption, error) {

	ctx, span := tracer.Start(ctx, "TurnStateMachine.step")
	defer span.End()
	span.SetAttributes(attribute.String("turn.node", string(node)))

	switch node {
	case NodeRouting:
		return m.stepRouting(ctx, t)
	case NodeRetrieving:
		return m.stepRetrieving(ctx, t)
	case NodeGrading:
		return m.stepGrading(ctx, t)
	case NodeReranking:
		return m.stepReranking(ctx, t)
	case NodeGenerating:
		return m.stepGenerating(ctx, t)
	case NodeEscalating:
		return m.stepEscalating(ctx, t)
	case NodeOutOfScopeReply:
		return m.stepGenerating(ctx, t)
	case NodeCheckpointed:
		return NodeDone, nil, nil
	default:
		return NodeDone, nil, fmt.Errorf("unknown node %q", node)
	}
}

func (m *TurnStateMachine) stepRouting(ctx context.Context, t *turn) (NodeID, *checkpoint.Interruption, error) {
	detected, confidence, err := m.classifier.Classify(ctx, t.state)
	if err != nil {
		return NodeDone, nil, err
	}
	t.state.CurrentIntent = detected
	t.state.IntentConfidence = confidence
	if detected == datatypes.IntentEscalation {
		t.state.RequiresEscalation = true
		t.state.EscalationReason = "user requested or intent classified as escalation"
	}
	next, ok := intentTransitions[detected]
	if !ok {
		next = NodeRetrieving
	}
	return next, nil, nil
}

func (m *TurnStateMachine) stepRetrieving(ctx context.Context, t *turn) (NodeID, *checkpoint.Interruption, error) {
	variants := []string{t.query}
	if m.transformer != nil {
		v, err := m.transformer.Transform(ctx, t.query, t.state.CurrentIntent)
		if err != nil {
			return NodeDone, nil, err
		}
		if len(v) > 0 {
			variants = v
		}
	}

	passages, degraded, err := m.retriever.Retrieve(ctx, variants, m.cfg.Filter)
	if err != nil {
		return NodeDone, nil, err
	}
	t.state.RetrievedPassages = passages
	if degraded {
		t.state.Degraded = true
	}
	if len(passages) == 0 {
		return NodeGenerating, nil, nil
	}
	return NodeGrading, nil, nil
}

func (m *TurnStateMachine) stepGrading(ctx context.Context, t *turn) (NodeID, *checkpoint.Interruption, error) {
	if m.grader == nil {
		t.state.GradedPassages = t.state.RetrievedPassages
		return NodeReranking, nil, nil
	}
	graded, err := m.grader.Grade(ctx, t.query, t.state.RetrievedPassages)
	if err != nil {
		return NodeDone, nil, err
	}
	// The graded subset lives on the state so a crash between grading and
	// reranking resumes with it instead of an empty context.
	t.state.GradedPassages = graded

	if len(graded) == 0 {
		if !t.retried && m.transformer != nil {
			t.retried = true
			rewritten, err := m.transformer.Rewrite(ctx, t.query)
			if err != nil {
				return NodeDone, nil, err
			}
			m.logger.Debug("No relevant passages, retrying with rewritten query",
				"session_id", t.state.SessionID)
			t.query = rewritten
			return NodeRetrieving, nil, nil
		}
		// Retry exhausted; answer without context.
		t.state.RerankedPassages = nil
		return NodeGenerating, nil, nil
	}
	return NodeReranking, nil, nil
}

func (m *TurnStateMachine) stepReranking(ctx context.Context, t *turn) (NodeID, *checkpoint.Interruption, error) {
	if m.reranker == nil {
		reranked := make([]datatypes.RerankedPassage, 0, len(t.state.GradedPassages))
		for _, p := range t.state.GradedPassages {
			reranked = append(reranked, datatypes.RerankedPassage{
				ID: p.ID, Text: p.Text, Source: p.Source, RelevanceScore: p.FusionScore,
			})
		}
		t.state.RerankedPassages = reranked
		return NodeGenerating, nil, nil
	}
	reranked, err := m.reranker.Rerank(ctx, t.query, t.state.GradedPassages)
	if err != nil {
		return NodeDone, nil, err
	}
	t.state.RerankedPassages = reranked
	return NodeGenerating, nil, nil
}

func (m *TurnStateMachine) stepGenerating(ctx context.Context, t *turn) (NodeID, *checkpoint.Interruption, error) {
	if err := t.state.CheckInvariants(); err != nil {
		return NodeDone, nil, fmt.Errorf("state invariant violated before generation: %w", err)
	}
	result, err := m.generator.Generate(ctx, t.state, t.state.RerankedPassages, t.emit)
	if err != nil {
		return NodeDone, nil, err
	}
	t.result = result
	return NodeCheckpointed, nil, nil
}

func (m *TurnStateMachine) stepEscalating(ctx context.Context, t *turn) (NodeID, *checkpoint.Interruption, error) {
	if m.cfg.RequireEscalationApproval && !t.approvalKnown {
		return NodeEscalating, &checkpoint.Interruption{
			Key:      InterruptKeyEscalationApproval,
			Deadline: time.Now().UTC().Add(m.cfg.InterruptTimeout),
		}, nil
	}
	if t.approvalKnown && !t.approvalGiven {
		// Escalation denied; answer the question on the normal path.
		m.logger.Info("Escalation not approved, continuing with retrieval",
			"session_id", t.state.SessionID)
		t.state.RequiresEscalation = false
		t.state.EscalationReason = ""
		t.state.CurrentIntent = datatypes.IntentComplex
		return NodeRetrieving, nil, nil
	}

	ticket := escalation.Ticket{
		SessionID: t.state.SessionID,
		Reason:    t.state.EscalationReason,
		Intent:    string(t.state.CurrentIntent),
		TurnCount: t.state.TurnCount,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.sink.Notify(ctx, ticket); err != nil {
		// Fire-and-forget: delivery failure never blocks the turn.
		m.logger.Error("Escalation sink notify failed",
			"session_id", t.state.SessionID, "error", err)
	}
	t.escalated = true

	result, err := m.generator.Generate(ctx, t.state, nil, t.emit)
	if err != nil {
		return NodeDone, nil, err
	}
	t.result = result
	return NodeCheckpointed, nil, nil
}

// saveCheckpoint seals and persists the turn's progress. Store failure is
// the one fatal error class and propagates unchanged.
func (m *TurnStateMachine) saveCheckpoint(ctx context.Context, t *turn,
	next NodeID, interrupt *checkpoint.Interruption) error {

	state := t.state
	if !m.consent.IsConsented(state.SessionID) {
		redacted, err := state.Redacted()
		if err != nil {
			return fmt.Errorf("redact state: %w", err)
		}
		state = redacted
	}

	cp, err := checkpoint.New(t.state.SessionID, t.seq, string(next), state)
	if err != nil {
		return err
	}
	if interrupt != nil {
		cp.Interrupt = interrupt
		if err := cp.Seal(); err != nil {
			return err
		}
	}
	if err := m.store.Save(ctx, cp); err != nil {
		return fmt.Errorf("checkpoint session %s: %w", t.state.SessionID, err)
	}
	t.seq++
	return nil
}
