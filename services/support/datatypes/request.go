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

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// validate is the shared validator instance. validator.Validate is safe for
// concurrent use and caches struct metadata, so one instance serves the
// whole package.
var validate = validator.New()

// TurnRequest is one inbound user message for a session.
//
// The transport layer constructs a TurnRequest per message; the engine
// validates it before the state machine is entered (error class 2 in the
// failure taxonomy: rejected synchronously, never checkpointed).
type TurnRequest struct {
	// ID uniquely identifies this turn for logging and tracing.
	// Populated by EnsureDefaults when empty.
	ID string `json:"id"`

	// SessionID is the conversation thread identity. Required.
	SessionID string `json:"session_id" validate:"required,min=1,max=128"`

	// Message is the raw user utterance. Required, non-blank.
	Message string `json:"message" validate:"required"`
}

// EnsureDefaults populates the request ID when absent.
func (r *TurnRequest) EnsureDefaults() {
	if r.ID == "" {
		r.ID = "turn_" + uuid.NewString()
	}
}

// Validate checks the request against its declared constraints.
//
// Outputs:
//
//	error - Non-nil if a field is missing or the message is blank.
func (r *TurnRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if strings.TrimSpace(r.Message) == "" {
		return fmt.Errorf("%w: message must not be blank", ErrEmptyMessage)
	}
	return nil
}
