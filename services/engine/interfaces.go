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

import (
	"context"

	"github.com/AleutianAI/wird/services/sessiond/datatypes"
)

// Backend is the remote session backend as seen by the engine. The
// production implementation is services/engine/remote; tests use fakes.
//
// Every method is an async boundary: the engine never blocks UI-facing
// paths on these calls.
type Backend interface {
	// CreateSession creates a public session. Requires an admin token.
	CreateSession(ctx context.Context, req datatypes.CreateSessionRequest) (datatypes.Session, error)

	// GetSession fetches one row.
	GetSession(ctx context.Context, id string) (datatypes.Session, error)

	// UpsertSession writes a row (mirror promotion, snapshot sync). With
	// conditional set, the write applies only while the stored row is
	// active and below target.
	UpsertSession(ctx context.Context, sess datatypes.Session, conditional bool) (datatypes.ClickResponse, error)

	// Click invokes the atomic increment-with-clamp RPC.
	// ErrClickUnsupported from older backends routes the caller to the
	// conditional-write fallback.
	Click(ctx context.Context, id string) (datatypes.ClickResponse, error)

	// JoinSession adds the caller as a participant. Idempotent.
	JoinSession(ctx context.Context, id, inviteToken string) (datatypes.Participant, error)

	// LeaveSession removes the caller's participant row. Missing rows
	// are not errors.
	LeaveSession(ctx context.Context, id string) error

	// DeleteSession deletes a row and cascades participants.
	DeleteSession(ctx context.Context, id string) error

	// ListDiscoverable returns open and auto sessions.
	ListDiscoverable(ctx context.Context) ([]datatypes.Session, error)

	// ListJoined returns sessions the caller participates in (this is
	// how invited private mirrors are found).
	ListJoined(ctx context.Context) ([]datatypes.Session, error)

	// TrackEvent posts a usage beacon.
	TrackEvent(ctx context.Context, ev datatypes.TrackEventRequest) error

	// Subscribe opens the push channel. Events arrive on the handler
	// until ctx is cancelled or the connection drops; the returned error
	// reports why the subscription ended.
	Subscribe(ctx context.Context, handler func(datatypes.SessionEvent)) error
}

// Oracle is the connectivity signal: a point-in-time answer plus change
// notifications.
type Oracle interface {
	// Online reports the last known connectivity state.
	Online() bool

	// Subscribe registers a transition callback and returns an
	// unsubscribe function. The callback runs on the oracle's goroutine
	// and must not block.
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// IdentityProvider supplies the current user. Anonymous participation is
// allowed, so UserID may be empty.
type IdentityProvider interface {
	Identity() Identity
}

// Identity is the engine's view of the current user.
type Identity struct {
	// UserID is empty for anonymous users.
	UserID string

	// Admin permits public-session creation and unconditional deletes.
	Admin bool
}

// Anonymous reports whether no user is signed in.
func (i Identity) Anonymous() bool { return i.UserID == "" }

// StaticIdentity is an IdentityProvider with a fixed answer (CLI, tests).
type StaticIdentity struct {
	User    string
	IsAdmin bool
}

func (s StaticIdentity) Identity() Identity {
	return Identity{UserID: s.User, Admin: s.IsAdmin}
}

// KV is the durable local key/value store the engine persists through.
// Keys are namespaced strings; values are opaque bytes.
type KV interface {
	// Get returns nil with no error when the key is absent.
	Get(key string) ([]byte, error)

	Set(key string, value []byte) error

	// Remove is a no-op for absent keys.
	Remove(key string) error
}
