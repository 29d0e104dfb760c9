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
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/wird/pkg/dhikr"
	"github.com/AleutianAI/wird/pkg/validation"
	"github.com/AleutianAI/wird/services/engine/queue"
	"github.com/AleutianAI/wird/services/sessiond/datatypes"
)

// CreateParams describes a session to create.
type CreateParams struct {
	Payload string

	// Target bounds the counter. Nil with Unbounded false picks a random
	// target in the valid range; nil with Unbounded true leaves the
	// counter open-ended.
	Target    *int
	Unbounded bool

	MaxParticipants int

	Visibility Visibility
}

// CreateSession creates a session.
//
// Description:
//
//	Private sessions are created entirely locally and work offline.
//	Public sessions are remote rows: they require a configured backend,
//	connectivity, and admin rights.
func (m *SessionManager) CreateSession(ctx context.Context, params CreateParams) (SessionView, error) {
	parsed := dhikr.Parse(params.Payload)
	if parsed.IsEmpty() {
		return SessionView{}, fmt.Errorf("%w: no recitation text recoverable", ErrMalformed)
	}
	if err := validation.ValidateTarget(params.Target); err != nil {
		return SessionView{}, fmt.Errorf("%w: %v", ErrCapacityExceeded, err)
	}
	if params.MaxParticipants != 0 {
		if err := validation.ValidateMaxParticipants(params.MaxParticipants); err != nil {
			return SessionView{}, fmt.Errorf("%w: %v", ErrCapacityExceeded, err)
		}
	}

	target := params.Target
	if target == nil && !params.Unbounded {
		t := validation.RandomTarget()
		target = &t
	}

	ident := m.identity.Identity()

	if params.Visibility == VisibilityPublic {
		return m.createPublic(ctx, params, target, ident)
	}
	return m.createPrivate(params, target, ident)
}

func (m *SessionManager) createPublic(ctx context.Context, params CreateParams, target *int, ident Identity) (SessionView, error) {
	if m.backend == nil {
		return SessionView{}, ErrNotConfigured
	}
	if !ident.Admin {
		return SessionView{}, fmt.Errorf("%w: public sessions require admin rights", ErrUnauthorized)
	}
	if !m.oracle.Online() {
		return SessionView{}, fmt.Errorf("%w: public session creation needs connectivity", ErrTransient)
	}

	sess, err := m.backend.CreateSession(ctx, datatypes.CreateSessionRequest{
		Payload:         params.Payload,
		Target:          target,
		Unbounded:       params.Unbounded,
		MaxParticipants: params.MaxParticipants,
	})
	if err != nil {
		return SessionView{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.local.saveSnapshot(&sess); err != nil {
		return SessionView{}, fmt.Errorf("cache created session: %w", err)
	}
	return SessionView{Session: sess.Clone(), Kind: KindPublic}, nil
}

func (m *SessionManager) createPrivate(params CreateParams, target *int, ident Identity) (SessionView, error) {
	now := time.Now().UTC()
	p := &PrivateSession{
		Session: datatypes.Session{
			ID:              uuid.New().String(),
			OwnerID:         ident.UserID,
			Payload:         params.Payload,
			TargetCount:     target,
			IsActive:        true,
			MaxParticipants: params.MaxParticipants,
			CreatedAt:       now,
			UpdatedAt:       now,
		},
		Tier: TierPrivate,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.local.savePrivate(ident.UserID, p); err != nil {
		return SessionView{}, fmt.Errorf("persist private session: %w", err)
	}
	m.logger.Info("private session created",
		slog.String("session_id", p.ID),
		slog.Bool("unbounded", p.TargetCount == nil))
	return SessionView{Session: p.Session.Clone(), Kind: KindOwned, Tier: p.Tier}, nil
}

// Invite promotes a private session to the shared tier and registers
// invitees on its remote mirror.
//
// Description:
//
//	Promotion is explicit and one-way. The first invite stamps
//	PromotedAt, mints an invite token, and writes a mirror row remotely
//	(queued when offline). Later invites extend the list and refresh the
//	mirror. The local row remains authoritative for the owner.
//
// Outputs:
//
//	string - The invite token to hand to invitees.
func (m *SessionManager) Invite(ctx context.Context, sessionID string, userIDs ...string) (string, error) {
	ident := m.identity.Identity()

	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.local.loadPrivate(ident.UserID, sessionID)
	if err != nil {
		return "", err
	}

	if p.Tier == TierPrivate {
		now := time.Now().UTC()
		p.Tier = TierShared
		p.PromotedAt = &now
		p.InviteToken = uuid.New().String()
		m.logger.Info("session promoted to shared tier", slog.String("session_id", sessionID))
	}
	for _, u := range userIDs {
		if u != "" && !p.Invited(u) {
			p.InvitedUsers = append(p.InvitedUsers, u)
		}
	}
	p.UpdatedAt = time.Now().UTC()

	if err := m.local.savePrivate(ident.UserID, p); err != nil {
		return "", fmt.Errorf("persist promotion: %w", err)
	}
	m.syncMirrorLocked(ctx, p)
	return p.InviteToken, nil
}

// syncMirrorLocked pushes the mirror row remotely, queueing a snapshot
// when the backend is unreachable. Callers hold mu.
func (m *SessionManager) syncMirrorLocked(ctx context.Context, p *PrivateSession) {
	if m.backend == nil {
		return
	}
	mirror := p.Mirror()
	if m.oracle.Online() {
		_, err := m.backend.UpsertSession(ctx, mirror, false)
		if err == nil {
			return
		}
		m.logger.Debug("mirror upsert failed, queueing",
			slog.String("session_id", p.ID), slog.String("error", err.Error()))
	}
	raw, err := json.Marshal(&mirror)
	if err != nil {
		m.logger.Error("mirror encode failed", slog.String("session_id", p.ID), slog.String("error", err.Error()))
		return
	}
	m.enqueueLocked(ctx, queue.Item{Kind: queue.OpSessionSnapshot, SessionID: p.ID, Payload: raw})
}

// JoinSession joins a discoverable session or, with an invite token, a
// private mirror. Idempotent for signed-in users.
func (m *SessionManager) JoinSession(ctx context.Context, sessionID, inviteToken string) (SessionView, error) {
	if err := validation.ValidateSessionID(sessionID); err != nil {
		return SessionView{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.backend == nil {
		return SessionView{}, ErrNotConfigured
	}
	if !m.oracle.Online() {
		return SessionView{}, fmt.Errorf("%w: joining needs connectivity", ErrTransient)
	}

	if _, err := m.backend.JoinSession(ctx, sessionID, inviteToken); err != nil {
		return SessionView{}, err
	}
	sess, err := m.backend.GetSession(ctx, sessionID)
	if err != nil {
		return SessionView{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.local.saveSnapshot(&sess); err != nil {
		return SessionView{}, fmt.Errorf("cache joined session: %w", err)
	}
	return SessionView{Session: sess.Clone(), Kind: kindOf(sess, m.identity.Identity().UserID)}, nil
}

// LeaveSession leaves a session. Never an error for sessions the user is
// not in; the local snapshot is dropped either way.
func (m *SessionManager) LeaveSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	if err := m.local.removeSnapshot(sessionID); err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	if m.backend == nil || !m.oracle.Online() {
		return nil
	}
	if err := m.backend.LeaveSession(ctx, sessionID); err != nil {
		m.logger.Debug("remote leave failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
	}
	return nil
}

// DeleteSession removes a session and everything attached to it.
//
// Description:
//
//	Owners may delete their own sessions; admins may delete anything,
//	including auto sessions, which no one else may touch. The cascade
//	covers the local row, the cached snapshot, queued clicks for the
//	session, and the remote row (mirror included) when one exists.
func (m *SessionManager) DeleteSession(ctx context.Context, sessionID string) error {
	ident := m.identity.Identity()

	m.mu.Lock()
	p, perr := m.local.loadPrivate(ident.UserID, sessionID)
	if perr == nil {
		if err := m.local.removePrivate(ident.UserID, sessionID); err != nil {
			m.mu.Unlock()
			return err
		}
		_ = m.local.removeSnapshot(sessionID)
		if _, err := m.queue.PurgeSession(ctx, sessionID); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("purge queued clicks: %w", err)
		}
		m.refreshQueueGauges(ctx)
		shared := p.Shared()
		m.mu.Unlock()

		if shared && m.backend != nil && m.oracle.Online() {
			// Best effort. A surviving mirror cannot resurrect the
			// session locally; queued clicks were purged above.
			if err := m.backend.DeleteSession(ctx, sessionID); err != nil {
				m.logger.Warn("mirror delete failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
			}
		}
		m.logger.Info("session deleted", slog.String("session_id", sessionID))
		return nil
	}

	snap, err := m.local.loadSnapshot(sessionID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if snap == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if !ident.Admin {
		if snap.IsAuto {
			m.mu.Unlock()
			return fmt.Errorf("%w: auto sessions are system-managed", ErrUnauthorized)
		}
		if ident.UserID == "" || snap.OwnerID != ident.UserID {
			m.mu.Unlock()
			return fmt.Errorf("%w: not the session owner", ErrUnauthorized)
		}
	}
	if err := m.local.removeSnapshot(sessionID); err != nil {
		m.mu.Unlock()
		return err
	}
	if _, err := m.queue.PurgeSession(ctx, sessionID); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("purge queued clicks: %w", err)
	}
	m.refreshQueueGauges(ctx)
	m.mu.Unlock()

	if m.backend == nil {
		return ErrNotConfigured
	}
	if !m.oracle.Online() {
		return fmt.Errorf("%w: remote delete needs connectivity", ErrTransient)
	}
	return m.backend.DeleteSession(ctx, sessionID)
}
