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

// ConsentGate decides whether a session's raw message text may be
// persisted. Without consent checkpoints are stored with message bodies
// redacted; the turn still runs normally in memory.
type ConsentGate interface {
	IsConsented(sessionID string) bool
}

// AllowAll is the default gate: every session consented.
type AllowAll struct{}

// IsConsented implements ConsentGate.
func (AllowAll) IsConsented(string) bool { return true }

// DenyAll redacts every session. Useful for deployments that must never
// persist user text.
type DenyAll struct{}

// IsConsented implements ConsentGate.
func (DenyAll) IsConsented(string) bool { return false }
