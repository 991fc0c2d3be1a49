// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package escalation hands conversations off to human agents.
package escalation

import (
	"context"
	"log/slog"
	"time"
)

// Ticket describes one handoff to a human agent.
type Ticket struct {
	SessionID string    `json:"session_id"`
	Reason    string    `json:"reason"`
	Intent    string    `json:"intent"`
	TurnCount int       `json:"turn_count"`
	CreatedAt time.Time `json:"created_at"`
}

// Sink receives escalation tickets.
//
// Notify is fire-and-forget from the engine's perspective: the turn
// completes as escalated whether or not delivery succeeded. Implementations
// own retries and dead-lettering.
type Sink interface {
	Notify(ctx context.Context, ticket Ticket) error
}

// LogSink is a Sink that only logs. The default when no ticketing system
// is wired.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log-only sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Notify implements Sink.
func (s *LogSink) Notify(_ context.Context, ticket Ticket) error {
	s.logger.Info("Escalation ticket raised",
		"session_id", ticket.SessionID,
		"reason", ticket.Reason,
		"intent", ticket.Intent,
		"turn_count", ticket.TurnCount,
	)
	return nil
}
