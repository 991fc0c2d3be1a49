// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checkpoint

import "context"

// Store persists checkpoints per session.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use across sessions. Within
// one session the state machine serializes writes, so stores need not
// order concurrent saves for the same session.
type Store interface {
	// Save persists the checkpoint. Saving an already-present sequence
	// overwrites it; the machine never reuses sequences.
	Save(ctx context.Context, cp *Checkpoint) error

	// Load returns the highest-sequence checkpoint for the session, or
	// ErrCheckpointNotFound.
	Load(ctx context.Context, sessionID string) (*Checkpoint, error)

	// LoadAt returns the checkpoint with the exact sequence, or
	// ErrCheckpointNotFound.
	LoadAt(ctx context.Context, sessionID string, seq uint64) (*Checkpoint, error)

	// History returns all checkpoints for the session in ascending
	// sequence order. Empty slice when none exist.
	History(ctx context.Context, sessionID string) ([]*Checkpoint, error)
}
