// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"log/slog"
	"sync/atomic"
)

// DegradationMode represents the operational mode of a retrieval backend.
type DegradationMode int32

const (
	// ModeNormal indicates full functionality.
	ModeNormal DegradationMode = iota
	// ModeDegraded indicates recent failures; the backend is still tried.
	ModeDegraded
	// ModeDisabled indicates the backend is skipped until it recovers.
	ModeDisabled
)

// String returns the string representation of DegradationMode.
func (m DegradationMode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeDegraded:
		return "degraded"
	case ModeDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// disableThreshold is the consecutive-failure count at which a backend
// stops being tried on every turn.
const disableThreshold = 3

// IndexHealth tracks the availability of one retrieval backend.
//
// # Description
//
//	The retriever reports every sub-search outcome. After disableThreshold
//	consecutive failures the backend is marked disabled and skipped, so a
//	down vector store does not add its dial timeout to every turn. A single
//	success restores normal mode; a disabled backend is probed again on a
//	periodic cadence rather than every turn.
//
// # Thread Safety
//
//	Safe for concurrent use.
type IndexHealth struct {
	name     string
	mode     atomic.Int32
	failures atomic.Int32
	skipped  atomic.Int32
	logger   *slog.Logger
}

// probeEvery is how many skipped turns pass between probes of a disabled
// backend.
const probeEvery = 10

// NewIndexHealth creates a tracker in normal mode.
func NewIndexHealth(name string, logger *slog.Logger) *IndexHealth {
	if logger == nil {
		logger = slog.Default()
	}
	return &IndexHealth{
		name:   name,
		logger: logger.With(slog.String("backend", name)),
	}
}

// Mode returns the current degradation mode.
func (h *IndexHealth) Mode() DegradationMode {
	return DegradationMode(h.mode.Load())
}

// ShouldTry reports whether the backend should be attempted this turn.
// For a disabled backend it returns true once every probeEvery calls.
func (h *IndexHealth) ShouldTry() bool {
	if h.Mode() != ModeDisabled {
		return true
	}
	return h.skipped.Add(1)%probeEvery == 0
}

// OnFailure records a failed sub-search.
func (h *IndexHealth) OnFailure(reason string) {
	n := h.failures.Add(1)
	switch {
	case n >= disableThreshold:
		if h.mode.Swap(int32(ModeDisabled)) != int32(ModeDisabled) {
			h.logger.Warn("Backend disabled after repeated failures",
				"failures", n, "reason", reason)
		}
	default:
		h.mode.Store(int32(ModeDegraded))
		h.logger.Warn("Backend degraded", "failures", n, "reason", reason)
	}
}

// OnSuccess records a successful sub-search and restores normal mode.
func (h *IndexHealth) OnSuccess() {
	h.failures.Store(0)
	h.skipped.Store(0)
	if h.mode.Swap(int32(ModeNormal)) != int32(ModeNormal) {
		h.logger.Info("Backend recovered")
	}
}
