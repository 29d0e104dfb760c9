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
	"time"

	"github.com/AleutianAI/wird/services/sessiond/datatypes"
)

// Tier is the storage tier of a private session. Promotion is an
// explicit, one-way transition recorded on the row — never inferred from
// whether the invitee list happens to be empty.
type Tier string

const (
	// TierPrivate sessions live only in local storage.
	TierPrivate Tier = "private"

	// TierShared sessions additionally have a mirror row on the remote
	// backend so invitees can participate.
	TierShared Tier = "shared"
)

// PrivateSession is a session owned exclusively by one user, held
// primarily in local storage. Once promoted, the embedded Session is
// mirrored remotely with IsPrivateMirror set.
type PrivateSession struct {
	datatypes.Session

	Tier Tier `json:"tier"`

	// InvitedUsers is the set of invitees. Non-empty iff Tier is
	// TierShared.
	InvitedUsers []string `json:"invited_users,omitempty"`

	// PromotedAt records the promotion event, if any.
	PromotedAt *time.Time `json:"promoted_at,omitempty"`
}

// Shared reports whether this session has a remote mirror.
func (p *PrivateSession) Shared() bool {
	return p.Tier == TierShared
}

// Invited reports whether userID is on the invitee list.
func (p *PrivateSession) Invited(userID string) bool {
	for _, u := range p.InvitedUsers {
		if u == userID {
			return true
		}
	}
	return false
}

// Mirror returns the session row to write remotely for this private
// session.
func (p *PrivateSession) Mirror() datatypes.Session {
	m := p.Session.Clone()
	m.IsPrivateMirror = true
	m.IsOpen = false
	return m
}

// Visibility selects what CreateSession builds.
type Visibility string

const (
	// VisibilityPublic sessions are discoverable remote rows; creation
	// requires admin rights.
	VisibilityPublic Visibility = "public"

	// VisibilityPrivate sessions start as local-only rows.
	VisibilityPrivate Visibility = "private"
)

// SessionKind tags entries in the aggregated view.
type SessionKind string

const (
	KindOwned   SessionKind = "owned"
	KindInvited SessionKind = "invited"
	KindPublic  SessionKind = "public"
	KindAuto    SessionKind = "auto"
)

// SessionView is one entry of the aggregated list a user sees.
type SessionView struct {
	datatypes.Session

	Kind SessionKind `json:"kind"`

	// Tier is set for owned private sessions.
	Tier Tier `json:"tier,omitempty"`
}

// SyncStatus is the observability snapshot of the sync queue.
type SyncStatus struct {
	Online        bool      `json:"online"`
	PendingCount  int       `json:"pending_count"`
	DeadCount     int       `json:"dead_count"`
	LastDrain     time.Time `json:"last_drain,omitzero"`
	IsDraining    bool      `json:"is_draining"`
	LocalOnlyMode bool      `json:"local_only_mode"`
}
