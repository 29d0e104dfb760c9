// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for user-provided inputs that are used in
// database keys, HTTP paths, or broadcast payloads. Using these validators
// prevents injection attacks (key-prefix injection, path traversal) and
// rejects out-of-range session parameters before they reach storage.
package validation

import (
	"fmt"
	"math/rand/v2"

	"github.com/google/uuid"
)

// Bounds for a customized session target. A caller may omit the target
// entirely (unbounded session) or let the system assign one, but an
// explicitly customized target must fall inside this window.
const (
	TargetMin = 100
	TargetMax = 999
)

// ValidateTarget validates an explicitly customized session target.
//
// A nil target is valid and means the session is unbounded. A non-nil
// target outside [TargetMin, TargetMax] is rejected.
//
// Example:
//
//	if err := validation.ValidateTarget(req.Target); err != nil {
//	    return fmt.Errorf("invalid target: %w", err)
//	}
func ValidateTarget(target *int) error {
	if target == nil {
		return nil
	}
	if *target < TargetMin || *target > TargetMax {
		return fmt.Errorf("target %d out of range [%d, %d]", *target, TargetMin, TargetMax)
	}
	return nil
}

// RandomTarget returns a system-assigned target in [TargetMin, TargetMax].
// Used when a caller creates a bounded session without customizing the
// target.
func RandomTarget() int {
	return TargetMin + rand.IntN(TargetMax-TargetMin+1)
}

// ValidateSessionID validates a session identifier before it is used in a
// storage key or URL path. Session ids are UUIDs.
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("invalid session id %q: %w", id, err)
	}
	return nil
}

// ValidateMaxParticipants rejects non-positive participant capacities.
func ValidateMaxParticipants(n int) error {
	if n <= 0 {
		return fmt.Errorf("max participants must be positive, got %d", n)
	}
	return nil
}
