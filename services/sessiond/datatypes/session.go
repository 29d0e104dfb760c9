// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the session rows and wire types shared by the
// sessiond backend and the client engine.
package datatypes

import (
	"time"
)

// Session is a shared recitation counter row.
//
// A session is either discoverable (IsOpen), an administratively managed
// recurring session (IsAuto), or a private mirror (IsPrivateMirror) that
// exists remotely only because its owner invited other users into an
// otherwise local-only session.
type Session struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`

	// Payload is the recitation text, usually JSON. See pkg/dhikr for the
	// tolerant parser.
	Payload string `json:"payload"`

	// TargetCount bounds the counter. Nil means unbounded.
	TargetCount  *int `json:"target_count,omitempty"`
	CurrentCount int  `json:"current_count"`

	IsActive        bool `json:"is_active"`
	IsOpen          bool `json:"is_open"`
	IsAuto          bool `json:"is_auto"`
	IsPrivateMirror bool `json:"is_private_mirror"`

	MaxParticipants int `json:"max_participants"`

	// InviteToken is set on private mirrors so invitees can locate the row.
	InviteToken string `json:"invite_token,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ApplyClick advances the counter by one, clamping at the target and
// completing the session when the target is reached.
//
// Description:
//
//	Computes next = min(current+1, target) for bounded sessions, or
//	current+1 when unbounded. Reaching the target deactivates the
//	session and stamps CompletedAt exactly once. Clicks on an inactive
//	session are no-ops.
//
// Outputs:
//
//	bool - True if the counter changed.
func (s *Session) ApplyClick(now time.Time) bool {
	if !s.IsActive {
		return false
	}

	next := s.CurrentCount + 1
	if s.TargetCount != nil {
		if next > *s.TargetCount {
			next = *s.TargetCount
		}
		s.CurrentCount = next
		if next >= *s.TargetCount {
			s.IsActive = false
			if s.CompletedAt == nil {
				done := now
				s.CompletedAt = &done
			}
		}
	} else {
		s.CurrentCount = next
	}
	s.UpdatedAt = now
	return true
}

// Completed reports whether the session reached its target.
func (s *Session) Completed() bool {
	return s.TargetCount != nil && s.CurrentCount >= *s.TargetCount
}

// Clone returns a deep copy. Sessions cross goroutine boundaries on the
// push channel, so rows handed to subscribers must not share pointers
// with store state.
func (s *Session) Clone() Session {
	out := *s
	if s.TargetCount != nil {
		t := *s.TargetCount
		out.TargetCount = &t
	}
	if s.CompletedAt != nil {
		c := *s.CompletedAt
		out.CompletedAt = &c
	}
	return out
}

// Participant records membership of one user (or one anonymous device) in
// a session. Named users have at most one row per session; anonymous
// participants each get their own row keyed by a generated id.
type Participant struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	UserID     string    `json:"user_id,omitempty"` // empty = anonymous
	JoinedAt   time.Time `json:"joined_at"`
	ClickCount int       `json:"click_count"`
}

// Anonymous reports whether this participant joined without an identity.
func (p *Participant) Anonymous() bool {
	return p.UserID == ""
}
