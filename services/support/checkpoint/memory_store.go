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

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is a map-backed Store for tests and ephemeral deployments.
//
// Checkpoints are stored as serialized bytes so loads return independent
// copies, matching the persistence semantics of BadgerStore.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]map[uint64][]byte

	// FailSaves makes every Save return an error, for fault injection.
	FailSaves bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]map[uint64][]byte)}
}

// Save implements Store.
func (s *MemoryStore) Save(ctx context.Context, cp *Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSaves {
		return fmt.Errorf("persist checkpoint seq %d: store unavailable", cp.Sequence)
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	m, ok := s.sessions[cp.SessionID]
	if !ok {
		m = make(map[uint64][]byte)
		s.sessions[cp.SessionID] = m
	}
	m[cp.Sequence] = data
	return nil
}

// Load implements Store.
func (s *MemoryStore) Load(ctx context.Context, sessionID string) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.sessions[sessionID]
	if len(m) == 0 {
		return nil, ErrCheckpointNotFound
	}
	var best uint64
	for seq := range m {
		if seq >= best {
			best = seq
		}
	}
	return decode(m[best])
}

// LoadAt implements Store.
func (s *MemoryStore) LoadAt(ctx context.Context, sessionID string, seq uint64) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.sessions[sessionID][seq]
	if !ok {
		return nil, ErrCheckpointNotFound
	}
	return decode(data)
}

// History implements Store.
func (s *MemoryStore) History(ctx context.Context, sessionID string) ([]*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.sessions[sessionID]
	seqs := make([]uint64, 0, len(m))
	for seq := range m {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(a, b int) bool { return seqs[a] < seqs[b] })
	out := make([]*Checkpoint, 0, len(seqs))
	for _, seq := range seqs {
		cp, err := decode(m[seq])
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}
