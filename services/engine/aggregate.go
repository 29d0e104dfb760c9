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
	"fmt"
	"sort"
	"time"
)

// Sessions returns the user's aggregated session list: owned private
// sessions, joined sessions, and discoverable public and auto sessions.
//
// Description:
//
//	The owner's local row wins on duplicates, so a shared session never
//	appears twice when its mirror also shows up in a remote listing.
//	Offline the list degrades to local rows plus cached snapshots
//	instead of failing. Auto sessions are tagged KindAuto so callers can
//	exclude them from per-user ownership accounting.
func (m *SessionManager) Sessions(ctx context.Context) ([]SessionView, error) {
	ident := m.identity.Identity()

	m.mu.Lock()
	defer m.mu.Unlock()

	owned, err := m.local.listPrivate(ident.UserID)
	if err != nil {
		return nil, fmt.Errorf("list private sessions: %w", err)
	}

	views := make([]SessionView, 0, len(owned))
	seen := make(map[string]bool, len(owned))
	for _, p := range owned {
		views = append(views, SessionView{Session: p.Session.Clone(), Kind: KindOwned, Tier: p.Tier})
		seen[p.ID] = true
	}

	var rest []SessionView
	if m.backend != nil && m.oracle.Online() {
		rest, err = m.listRemoteLocked(ctx, seen)
		if err != nil {
			return nil, err
		}
	} else {
		rest, err = m.listCachedLocked(seen, ident.UserID)
		if err != nil {
			return nil, err
		}
	}

	sort.Slice(rest, func(i, j int) bool {
		return rest[i].CreatedAt.Before(rest[j].CreatedAt)
	})
	return append(views, rest...), nil
}

// listRemoteLocked composes joined and discoverable sessions from the
// backend, refreshing the snapshot cache for joined ones. Callers hold
// mu.
func (m *SessionManager) listRemoteLocked(ctx context.Context, seen map[string]bool) ([]SessionView, error) {
	ident := m.identity.Identity()
	now := time.Now()

	var out []SessionView

	joined, err := m.backend.ListJoined(ctx)
	if err != nil {
		return nil, err
	}
	for _, sess := range joined {
		if seen[sess.ID] {
			continue
		}
		seen[sess.ID] = true
		m.mergeIncomingLocked(sess, now)
		if cached, err := m.local.loadSnapshot(sess.ID); err == nil && cached != nil {
			sess = *cached
		}
		out = append(out, SessionView{Session: sess.Clone(), Kind: kindOf(sess, ident.UserID)})
	}

	discoverable, err := m.backend.ListDiscoverable(ctx)
	if err != nil {
		return nil, err
	}
	for _, sess := range discoverable {
		if seen[sess.ID] {
			continue
		}
		seen[sess.ID] = true
		out = append(out, SessionView{Session: sess.Clone(), Kind: kindOf(sess, ident.UserID)})
	}
	return out, nil
}

// listCachedLocked is the offline fallback: cached snapshots only.
// Callers hold mu.
func (m *SessionManager) listCachedLocked(seen map[string]bool, userID string) ([]SessionView, error) {
	snaps, err := m.local.listSnapshots()
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	var out []SessionView
	for _, sess := range snaps {
		if seen[sess.ID] {
			continue
		}
		seen[sess.ID] = true
		out = append(out, SessionView{Session: sess.Clone(), Kind: kindOf(*sess, userID)})
	}
	return out, nil
}

// GetSession returns one session, preferring the freshest source: the
// owner's local row, then the backend (when reachable), then the cached
// snapshot.
func (m *SessionManager) GetSession(ctx context.Context, sessionID string) (SessionView, error) {
	ident := m.identity.Identity()

	m.mu.Lock()
	defer m.mu.Unlock()

	if p, err := m.local.loadPrivate(ident.UserID, sessionID); err == nil {
		return SessionView{Session: p.Session.Clone(), Kind: KindOwned, Tier: p.Tier}, nil
	}

	if m.backend != nil && m.oracle.Online() {
		sess, err := m.backend.GetSession(ctx, sessionID)
		if err == nil {
			m.mergeIncomingLocked(sess, time.Now())
			if cached, cerr := m.local.loadSnapshot(sessionID); cerr == nil && cached != nil {
				sess = *cached
			}
			return SessionView{Session: sess.Clone(), Kind: kindOf(sess, ident.UserID)}, nil
		}
	}

	snap, err := m.local.loadSnapshot(sessionID)
	if err != nil {
		return SessionView{}, err
	}
	if snap == nil {
		return SessionView{}, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return SessionView{Session: snap.Clone(), Kind: kindOf(*snap, ident.UserID)}, nil
}
