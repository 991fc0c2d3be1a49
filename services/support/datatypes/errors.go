// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "errors"

// Sentinel errors shared across the support engine. Components wrap these
// with context via fmt.Errorf("...: %w", err) so callers can branch with
// errors.Is.
var (
	// ErrInvalidRequest indicates a structurally invalid turn request.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrEmptyMessage indicates a blank user message.
	ErrEmptyMessage = errors.New("empty message")

	// ErrSessionBusy indicates a second message arrived for a session
	// whose turn is still in flight. The caller should retry after the
	// current turn completes.
	ErrSessionBusy = errors.New("session busy")

	// ErrSessionSuspended indicates the session is paused on an interrupt
	// and must be resumed before accepting new messages.
	ErrSessionSuspended = errors.New("session suspended awaiting external input")

	// ErrNotSuspended indicates a resume was attempted on a session that
	// has no pending interrupt.
	ErrNotSuspended = errors.New("session is not suspended")

	// ErrInterruptMismatch indicates a resume value targeted a different
	// logical interrupt point than the one recorded in the checkpoint.
	ErrInterruptMismatch = errors.New("resume value does not match pending interrupt")
)
