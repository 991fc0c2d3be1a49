// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package checkpoint persists turn state so conversations survive process
// restarts.
//
// Checkpoints are append-only: a new checkpoint supersedes but never
// deletes its predecessors. Garbage collection of old sequences is an
// external concern.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/kodiak/services/support/datatypes"
)

// FormatVersion identifies the checkpoint serialization format. Bump on any
// incompatible change to the Checkpoint schema.
const FormatVersion = 1

// Sentinel errors for checkpoint stores.
var (
	// ErrCheckpointNotFound indicates no checkpoint exists for the query.
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrCheckpointCorrupt indicates a checkpoint failed checksum or
	// format verification on load.
	ErrCheckpointCorrupt = errors.New("checkpoint corrupt")
)

// Interruption marks a turn suspended for external input.
type Interruption struct {
	// Key is the logical interrupt point, e.g. "refund_approval". Resume
	// values are matched against this key, never positional order.
	Key string `json:"key"`

	// Payload describes what is being asked of the external party.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Deadline is when the interrupt auto-resolves to its default.
	Deadline time.Time `json:"deadline"`
}

// Checkpoint is one immutable snapshot of a session's turn progress.
//
// # Description
//
//	Written after every completed state machine node. Sequence is
//	strictly monotonic per session; NextNode names where execution resumes
//	after a crash. The checksum covers the serialized snapshot so storage
//	corruption is detected on load rather than surfacing as undefined
//	behavior mid-turn.
type Checkpoint struct {
	ID            string                       `json:"id"`
	SessionID     string                       `json:"session_id"`
	Sequence      uint64                       `json:"sequence"`
	FormatVersion int                          `json:"format_version"`
	NextNode      string                       `json:"next_node"`
	State         *datatypes.ConversationState `json:"state"`
	Interrupt     *Interruption                `json:"interrupt,omitempty"`
	CreatedAt     time.Time                    `json:"created_at"`
	Checksum      string                       `json:"checksum"`
}

// New creates a checkpoint from a deep copy of the state.
//
// # Inputs
//
//	sessionID - Owning session.
//	seq - Monotonic sequence number, owned by the caller.
//	nextNode - Node where execution continues on resume.
//	state - Live turn state; cloned so later mutation cannot leak in.
//
// # Outputs
//
//	*Checkpoint - Sealed checkpoint with checksum computed.
//	error - Non-nil if the state cannot be cloned.
func New(sessionID string, seq uint64, nextNode string,
	state *datatypes.ConversationState) (*Checkpoint, error) {

	snapshot, err := state.Clone()
	if err != nil {
		return nil, fmt.Errorf("snapshot state: %w", err)
	}
	cp := &Checkpoint{
		ID:            "cp_" + uuid.NewString(),
		SessionID:     sessionID,
		Sequence:      seq,
		FormatVersion: FormatVersion,
		NextNode:      nextNode,
		State:         snapshot,
		CreatedAt:     time.Now().UTC(),
	}
	if err := cp.Seal(); err != nil {
		return nil, err
	}
	return cp, nil
}

// Seal computes and sets the checksum. Call after any field change and
// before persisting.
func (c *Checkpoint) Seal() error {
	sum, err := c.computeChecksum()
	if err != nil {
		return err
	}
	c.Checksum = sum
	return nil
}

// Verify checks format version and checksum.
//
// # Outputs
//
//	error - ErrCheckpointCorrupt (wrapped) on any mismatch.
func (c *Checkpoint) Verify() error {
	if c.FormatVersion != FormatVersion {
		return fmt.Errorf("%w: format version %d, want %d",
			ErrCheckpointCorrupt, c.FormatVersion, FormatVersion)
	}
	sum, err := c.computeChecksum()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCheckpointCorrupt, err)
	}
	if sum != c.Checksum {
		return fmt.Errorf("%w: checksum mismatch", ErrCheckpointCorrupt)
	}
	return nil
}

// computeChecksum hashes the canonical JSON of the checkpoint with the
// checksum field zeroed.
func (c *Checkpoint) computeChecksum() (string, error) {
	shadow := *c
	shadow.Checksum = ""
	data, err := json.Marshal(&shadow)
	if err != nil {
		return "", fmt.Errorf("marshal checkpoint: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Suspended reports whether the checkpoint carries a pending interrupt.
func (c *Checkpoint) Suspended() bool {
	return c.Interrupt != nil
}
