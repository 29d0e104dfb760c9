// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import "errors"

// Error taxonomy of the engine. Lifecycle violations surface
// synchronously to the caller; transient network failures never do (they
// are absorbed into the sync queue).
var (
	// ErrNotConfigured means no remote backend is configured. The engine
	// degrades to local-only mode; only operations that require the
	// backend return this.
	ErrNotConfigured = errors.New("remote backend not configured")

	// ErrUnauthorized is returned for delete without ownership or admin
	// rights, and for public-session creation without admin rights.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound is returned when operating on a vanished session.
	ErrNotFound = errors.New("session not found")

	// ErrCapacityExceeded covers target-range violations and full
	// sessions.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrMalformed is returned when a request payload cannot be decoded
	// even by the tolerant parser.
	ErrMalformed = errors.New("malformed payload")

	// ErrTransient marks a remote failure that was absorbed into the
	// sync queue. Callers never see it; it exists for classification
	// inside the queue and for tests.
	ErrTransient = errors.New("transient network failure")

	// ErrClickUnsupported is returned by Backend.Click against backends
	// that predate the atomic increment RPC. Callers fall back to the
	// conditional upsert.
	ErrClickUnsupported = errors.New("atomic click not supported by backend")
)
