// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/wird/pkg/storage/badger"
	"github.com/AleutianAI/wird/services/sessiond/datatypes"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := badger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, nil)
}

func boundedSession(target int) datatypes.Session {
	now := time.Now().UTC()
	return datatypes.Session{
		ID:              uuid.New().String(),
		OwnerID:         "owner-1",
		Payload:         `{"arabic": "سبحان الله"}`,
		TargetCount:     &target,
		IsActive:        true,
		IsOpen:          true,
		MaxParticipants: 100,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestCreateGetDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := boundedSession(500)
	require.NoError(t, s.CreateSession(ctx, sess))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, 500, *got.TargetCount)

	// Duplicate create is rejected.
	assert.ErrorIs(t, s.CreateSession(ctx, sess), ErrSessionExists)

	require.NoError(t, s.DeleteSession(ctx, sess.ID))
	_, err = s.GetSession(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// Deleting a vanished session reports not found.
	assert.ErrorIs(t, s.DeleteSession(ctx, sess.ID), ErrSessionNotFound)
}

// TestConcurrentClicksClampAtTarget is the core correctness scenario:
// 1000 clicks from two concurrent writers against a target of 500 must
// land exactly on 500, inactive, with CompletedAt set once.
func TestConcurrentClicksClampAtTarget(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := boundedSession(500)
	require.NoError(t, s.CreateSession(ctx, sess))

	var g errgroup.Group
	for w := 0; w < 2; w++ {
		g.Go(func() error {
			for i := 0; i < 500; i++ {
				if _, _, err := s.Click(ctx, sess.ID); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 500, got.CurrentCount)
	assert.False(t, got.IsActive)
	require.NotNil(t, got.CompletedAt)
}

// TestClickAfterCompletionIsNoOp verifies the idempotent completion
// transition: further clicks change nothing and CompletedAt is stable.
func TestClickAfterCompletionIsNoOp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := boundedSession(500)
	sess.CurrentCount = 499
	require.NoError(t, s.CreateSession(ctx, sess))

	got, applied, err := s.Click(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 500, got.CurrentCount)
	assert.False(t, got.IsActive)
	require.NotNil(t, got.CompletedAt)
	completedAt := *got.CompletedAt

	got, applied, err = s.Click(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 500, got.CurrentCount)
	assert.Equal(t, completedAt, *got.CompletedAt)
}

func TestUnboundedClicks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	sess := datatypes.Session{
		ID:        uuid.New().String(),
		OwnerID:   "owner-1",
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateSession(ctx, sess))

	for i := 0; i < 10; i++ {
		_, applied, err := s.Click(ctx, sess.ID)
		require.NoError(t, err)
		assert.True(t, applied)
	}
	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.CurrentCount)
	assert.True(t, got.IsActive)
	assert.Nil(t, got.CompletedAt)
}

func TestJoinIdempotentForNamedUsers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := boundedSession(500)
	require.NoError(t, s.CreateSession(ctx, sess))

	p1, created, err := s.AddParticipant(ctx, sess.ID, "user-a", "")
	require.NoError(t, err)
	assert.True(t, created)

	p2, created, err := s.AddParticipant(ctx, sess.ID, "user-a", "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, p1.ID, p2.ID)

	participants, err := s.ListParticipants(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, participants, 1)
}

func TestAnonymousJoinsGetDistinctRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := boundedSession(500)
	require.NoError(t, s.CreateSession(ctx, sess))

	_, created, err := s.AddParticipant(ctx, sess.ID, "", "")
	require.NoError(t, err)
	assert.True(t, created)
	_, created, err = s.AddParticipant(ctx, sess.ID, "", "")
	require.NoError(t, err)
	assert.True(t, created)

	participants, err := s.ListParticipants(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, participants, 2)
}

func TestCapacityEnforced(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := boundedSession(500)
	sess.MaxParticipants = 2
	require.NoError(t, s.CreateSession(ctx, sess))

	_, _, err := s.AddParticipant(ctx, sess.ID, "user-a", "")
	require.NoError(t, err)
	_, _, err = s.AddParticipant(ctx, sess.ID, "user-b", "")
	require.NoError(t, err)

	_, _, err = s.AddParticipant(ctx, sess.ID, "user-c", "")
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	// Re-join by an existing member still succeeds at capacity.
	_, created, err := s.AddParticipant(ctx, sess.ID, "user-a", "")
	require.NoError(t, err)
	assert.False(t, created)
}

func TestInviteTokenCheckedOnMirrors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := boundedSession(500)
	sess.IsOpen = false
	sess.IsPrivateMirror = true
	sess.InviteToken = "tok-123"
	require.NoError(t, s.CreateSession(ctx, sess))

	_, _, err := s.AddParticipant(ctx, sess.ID, "user-a", "wrong")
	assert.ErrorIs(t, err, ErrInviteTokenMismatch)

	_, _, err = s.AddParticipant(ctx, sess.ID, "user-a", "tok-123")
	assert.NoError(t, err)
}

func TestLeaveIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := boundedSession(500)
	require.NoError(t, s.CreateSession(ctx, sess))

	_, _, err := s.AddParticipant(ctx, sess.ID, "user-a", "")
	require.NoError(t, err)

	require.NoError(t, s.RemoveParticipant(ctx, sess.ID, "user-a"))
	// Leaving again (row gone) is fine: abandonment must not error.
	require.NoError(t, s.RemoveParticipant(ctx, sess.ID, "user-a"))
}

func TestDeleteCascadesParticipants(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := boundedSession(500)
	require.NoError(t, s.CreateSession(ctx, sess))
	_, _, err := s.AddParticipant(ctx, sess.ID, "user-a", "")
	require.NoError(t, err)
	_, _, err = s.AddParticipant(ctx, sess.ID, "", "")
	require.NoError(t, err)

	require.NoError(t, s.DeleteSession(ctx, sess.ID))

	participants, err := s.ListParticipants(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, participants)

	// Reverse index cleaned: user-a no longer lists the session.
	sessions, err := s.ListForUser(ctx, "user-a")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestListDiscoverableAndForUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	open := boundedSession(500)
	require.NoError(t, s.CreateSession(ctx, open))

	auto := boundedSession(300)
	auto.IsOpen = false
	auto.IsAuto = true
	require.NoError(t, s.CreateSession(ctx, auto))

	mirror := boundedSession(200)
	mirror.IsOpen = false
	mirror.IsPrivateMirror = true
	require.NoError(t, s.CreateSession(ctx, mirror))

	discoverable, err := s.ListDiscoverable(ctx)
	require.NoError(t, err)
	assert.Len(t, discoverable, 2) // open + auto, never the mirror

	_, _, err = s.AddParticipant(ctx, mirror.ID, "guest", "")
	require.NoError(t, err)

	forGuest, err := s.ListForUser(ctx, "guest")
	require.NoError(t, err)
	require.Len(t, forGuest, 1)
	assert.Equal(t, mirror.ID, forGuest[0].ID)
}
