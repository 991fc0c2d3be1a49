// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package machine

import "sync"

// sessionLocks serializes turn processing per session.
//
// Locks are acquired with TryLock so a second concurrent message fails fast
// with ErrSessionBusy instead of queueing; the transport owns retry policy.
// Entries are never removed: one mutex per ever-seen session is cheap and
// removal would race with TryLock.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sync.Mutex)}
}

// acquire returns the session's mutex locked, or false if a turn is in
// flight.
func (s *sessionLocks) acquire(sessionID string) (*sync.Mutex, bool) {
	s.mu.Lock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	s.mu.Unlock()

	if !l.TryLock() {
		return nil, false
	}
	return l, true
}
