// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the shared validator instance. Struct tags below are
// enforced both here and by gin's binding layer.
var validate = validator.New(validator.WithRequiredStructEnabled())

// CreateSessionRequest is the body of POST /v1/sessions.
//
// Target semantics: nil lets the server assign a pseudo-random target in
// [100, 999]; an explicit value must already be inside that window; an
// explicit -1 requests an unbounded session.
type CreateSessionRequest struct {
	Payload         string `json:"payload" validate:"required"`
	Target          *int   `json:"target,omitempty"`
	Unbounded       bool   `json:"unbounded,omitempty"`
	MaxParticipants int    `json:"max_participants" validate:"required,gt=0"`
	IsAuto          bool   `json:"is_auto,omitempty"`
}

// Validate checks structural constraints. Range checks on Target are done
// by pkg/validation at the handler so the error maps to CapacityExceeded.
func (r *CreateSessionRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid create request: %w", err)
	}
	return nil
}

// JoinSessionRequest is the body of POST /v1/sessions/:id/join. UserID is
// taken from the bearer token, not the body; the body exists for the
// invite-token check on private mirrors.
type JoinSessionRequest struct {
	InviteToken string `json:"invite_token,omitempty"`
}

// UpsertSessionRequest is the body of PUT /v1/sessions/:id. Used by the
// client engine for mirror promotion and for snapshot-style conditional
// writes when the atomic click RPC is unavailable.
type UpsertSessionRequest struct {
	Session Session `json:"session" validate:"required"`

	// IfActiveBelowTarget makes the write conditional: it is applied only
	// when the stored row is active and below target. This is the legacy
	// read-then-write increment path; it is NOT atomic across clients.
	IfActiveBelowTarget bool `json:"if_active_below_target,omitempty"`
}

func (r *UpsertSessionRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid upsert request: %w", err)
	}
	return nil
}

// TrackEventRequest is the body of POST /v1/events, a fire-and-forget
// usage beacon drained from the client sync queue.
type TrackEventRequest struct {
	Name      string            `json:"name" validate:"required"`
	SessionID string            `json:"session_id,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
}

func (r *TrackEventRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid track request: %w", err)
	}
	return nil
}

// Event types pushed on the websocket channel.
const (
	EventInsert = "insert"
	EventUpdate = "update"
	EventDelete = "delete"
)

// SessionEvent is one row-change notification on the push channel.
type SessionEvent struct {
	Type    string  `json:"event"`
	Session Session `json:"session"`
}

// ClickResponse is returned by POST /v1/sessions/:id/click.
type ClickResponse struct {
	Session Session `json:"session"`

	// Applied is false when the session was already complete; the click
	// was a no-op.
	Applied bool `json:"applied"`
}

// ListSessionsResponse is returned by GET /v1/sessions.
type ListSessionsResponse struct {
	Sessions []Session `json:"sessions"`
}
