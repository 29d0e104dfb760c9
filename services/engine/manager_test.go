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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/wird/pkg/storage/badger"
	"github.com/AleutianAI/wird/services/engine/queue"
	"github.com/AleutianAI/wird/services/sessiond/datatypes"
)

// fakeBackend is an in-memory Backend with scriptable failures and a
// feedable push channel.
type fakeBackend struct {
	mu       sync.Mutex
	sessions map[string]datatypes.Session

	clickErr    error
	upsertErr   error
	clickCalls  int
	upsertCalls int

	events     chan datatypes.SessionEvent
	subStarted chan struct{}
	subExited  chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		sessions:   make(map[string]datatypes.Session),
		events:     make(chan datatypes.SessionEvent, 8),
		subStarted: make(chan struct{}, 1),
		subExited:  make(chan struct{}, 1),
	}
}

func (f *fakeBackend) put(sess datatypes.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[sess.ID] = sess
}

func (f *fakeBackend) get(id string) (datatypes.Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	return s, ok
}

func (f *fakeBackend) CreateSession(_ context.Context, req datatypes.CreateSessionRequest) (datatypes.Session, error) {
	sess := datatypes.Session{
		ID:              fmt.Sprintf("remote-%d", len(f.sessions)+1),
		Payload:         req.Payload,
		TargetCount:     req.Target,
		IsActive:        true,
		IsOpen:          true,
		MaxParticipants: req.MaxParticipants,
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}
	f.put(sess)
	return sess, nil
}

func (f *fakeBackend) GetSession(_ context.Context, id string) (datatypes.Session, error) {
	if sess, ok := f.get(id); ok {
		return sess, nil
	}
	return datatypes.Session{}, ErrNotFound
}

func (f *fakeBackend) UpsertSession(_ context.Context, sess datatypes.Session, _ bool) (datatypes.ClickResponse, error) {
	f.mu.Lock()
	f.upsertCalls++
	err := f.upsertErr
	f.mu.Unlock()
	if err != nil {
		return datatypes.ClickResponse{}, err
	}
	f.put(sess)
	return datatypes.ClickResponse{Session: sess, Applied: true}, nil
}

func (f *fakeBackend) Click(_ context.Context, id string) (datatypes.ClickResponse, error) {
	f.mu.Lock()
	f.clickCalls++
	err := f.clickErr
	f.mu.Unlock()
	if err != nil {
		return datatypes.ClickResponse{}, err
	}
	sess, ok := f.get(id)
	if !ok {
		return datatypes.ClickResponse{}, ErrNotFound
	}
	applied := sess.ApplyClick(time.Now())
	f.put(sess)
	return datatypes.ClickResponse{Session: sess, Applied: applied}, nil
}

func (f *fakeBackend) JoinSession(_ context.Context, id, _ string) (datatypes.Participant, error) {
	if _, ok := f.get(id); !ok {
		return datatypes.Participant{}, ErrNotFound
	}
	return datatypes.Participant{SessionID: id}, nil
}

func (f *fakeBackend) LeaveSession(context.Context, string) error { return nil }

func (f *fakeBackend) DeleteSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, id)
	return nil
}

func (f *fakeBackend) ListDiscoverable(context.Context) ([]datatypes.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []datatypes.Session
	for _, s := range f.sessions {
		if s.IsOpen || s.IsAuto {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeBackend) ListJoined(context.Context) ([]datatypes.Session, error) {
	return nil, nil
}

func (f *fakeBackend) TrackEvent(context.Context, datatypes.TrackEventRequest) error { return nil }

func (f *fakeBackend) Subscribe(ctx context.Context, fn func(datatypes.SessionEvent)) error {
	select {
	case f.subStarted <- struct{}{}:
	default:
	}
	defer func() {
		select {
		case f.subExited <- struct{}{}:
		default:
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-f.events:
			fn(ev)
		}
	}
}

func newTestManager(t *testing.T, backend Backend, oracle Oracle, ident IdentityProvider) *SessionManager {
	t.Helper()
	db, err := badger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	m, err := NewSessionManager(Config{
		DB:       db,
		Backend:  backend,
		Oracle:   oracle,
		Identity: ident,
	})
	require.NoError(t, err)
	return m
}

func TestPrivateSessionClicksOfflineWithoutQueueing(t *testing.T) {
	backend := newFakeBackend()
	oracle := NewStaticOracle(false)
	m := newTestManager(t, backend, oracle, StaticIdentity{User: "alice"})
	ctx := context.Background()

	target := 100
	view, err := m.CreateSession(ctx, CreateParams{
		Payload:    `{"arabic": "أستغفر الله"}`,
		Target:     &target,
		Visibility: VisibilityPrivate,
	})
	require.NoError(t, err)
	assert.Equal(t, KindOwned, view.Kind)
	assert.Equal(t, TierPrivate, view.Tier)

	for i := 0; i < 5; i++ {
		view, err = m.Click(ctx, view.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, 5, view.CurrentCount)

	// Unshared private sessions have no remote side; nothing queues.
	status, err := m.SyncStatus(ctx)
	require.NoError(t, err)
	assert.Zero(t, status.PendingCount)
	assert.Zero(t, backend.clickCalls)
}

func TestPromotionMirrorsAndOfflineClicksQueue(t *testing.T) {
	backend := newFakeBackend()
	oracle := NewStaticOracle(false)
	m := newTestManager(t, backend, oracle, StaticIdentity{User: "alice"})
	ctx := context.Background()

	target := 100
	view, err := m.CreateSession(ctx, CreateParams{
		Payload:    `{"arabic": "لا إله إلا الله"}`,
		Target:     &target,
		Visibility: VisibilityPrivate,
	})
	require.NoError(t, err)

	// Promote while offline: the mirror write itself queues.
	token, err := m.Invite(ctx, view.ID, "bob")
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	for i := 0; i < 2; i++ {
		_, err = m.Click(ctx, view.ID)
		require.NoError(t, err)
	}

	status, err := m.SyncStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, status.PendingCount)

	// Connectivity returns; a drain replays mirror first, then clicks.
	oracle.Set(true)
	m.drainOnce(ctx)

	status, err = m.SyncStatus(ctx)
	require.NoError(t, err)
	assert.Zero(t, status.PendingCount)
	assert.Equal(t, 1, backend.upsertCalls)
	assert.Equal(t, 2, backend.clickCalls)

	mirror, ok := backend.get(view.ID)
	require.True(t, ok)
	assert.True(t, mirror.IsPrivateMirror)
	assert.False(t, mirror.IsOpen)
}

func TestPromotionIsExplicitAndOneWay(t *testing.T) {
	backend := newFakeBackend()
	m := newTestManager(t, backend, NewStaticOracle(true), StaticIdentity{User: "alice"})
	ctx := context.Background()

	view, err := m.CreateSession(ctx, CreateParams{
		Payload:    `{"arabic": "سبحان الله"}`,
		Unbounded:  true,
		Visibility: VisibilityPrivate,
	})
	require.NoError(t, err)

	token1, err := m.Invite(ctx, view.ID, "bob")
	require.NoError(t, err)
	token2, err := m.Invite(ctx, view.ID, "carol")
	require.NoError(t, err)
	assert.Equal(t, token1, token2, "token is minted once, at promotion")

	got, err := m.GetSession(ctx, view.ID)
	require.NoError(t, err)
	assert.Equal(t, TierShared, got.Tier)
}

func TestClickClampsAndCompletesIdempotently(t *testing.T) {
	m := newTestManager(t, nil, nil, StaticIdentity{User: "alice"})
	ctx := context.Background()

	target := 3
	view, err := m.CreateSession(ctx, CreateParams{
		Payload:    `{"arabic": "الحمد لله"}`,
		Target:     &target,
		Visibility: VisibilityPrivate,
	})
	require.NoError(t, err)

	var completedAt *time.Time
	for i := 0; i < 6; i++ {
		view, err = m.Click(ctx, view.ID)
		require.NoError(t, err)
		if view.CompletedAt != nil && completedAt == nil {
			ts := *view.CompletedAt
			completedAt = &ts
		}
	}

	assert.Equal(t, 3, view.CurrentCount)
	assert.False(t, view.IsActive)
	require.NotNil(t, view.CompletedAt)
	assert.Equal(t, *completedAt, *view.CompletedAt, "completion stamp never moves")
}

func TestMergeKeepsLocalCountWhenAhead(t *testing.T) {
	now := time.Now()
	target := 100

	local := datatypes.Session{ID: "s1", CurrentCount: 55, TargetCount: &target, IsActive: true}
	incoming := datatypes.Session{
		ID:           "s1",
		CurrentCount: 40,
		TargetCount:  &target,
		IsActive:     true,
		Payload:      `{"arabic": "updated"}`,
		UpdatedAt:    now,
	}

	merged, keptLocal := mergeSnapshot(local, incoming, now)
	assert.True(t, keptLocal)
	assert.Equal(t, 55, merged.CurrentCount, "counter never moves backwards")
	assert.Equal(t, incoming.Payload, merged.Payload, "other fields adopt the snapshot")

	t.Run("snapshot ahead adopts wholesale", func(t *testing.T) {
		incoming.CurrentCount = 60
		merged, keptLocal := mergeSnapshot(local, incoming, now)
		assert.False(t, keptLocal)
		assert.Equal(t, 60, merged.CurrentCount)
	})

	t.Run("lowered target clamps and completes", func(t *testing.T) {
		lower := 50
		incoming := datatypes.Session{ID: "s1", CurrentCount: 40, TargetCount: &lower, IsActive: true}
		merged, keptLocal := mergeSnapshot(local, incoming, now)
		assert.True(t, keptLocal)
		assert.Equal(t, 50, merged.CurrentCount)
		assert.False(t, merged.IsActive)
		require.NotNil(t, merged.CompletedAt)
	})
}

func TestPushEventMergesIntoLocalView(t *testing.T) {
	backend := newFakeBackend()
	m := newTestManager(t, backend, NewStaticOracle(true), StaticIdentity{User: "alice"})
	ctx := context.Background()

	target := 100
	sess := datatypes.Session{ID: "11111111-1111-4111-8111-111111111111", OwnerID: "admin",
		Payload: `{"arabic": "x"}`, TargetCount: &target, IsActive: true, IsOpen: true}
	backend.put(sess)

	_, err := m.JoinSession(ctx, sess.ID, "")
	require.NoError(t, err)

	// Another participant clicked; the push channel reports count 7.
	updated := sess.Clone()
	updated.CurrentCount = 7
	m.handleEvent(datatypes.SessionEvent{Type: datatypes.EventUpdate, Session: updated})

	got, err := m.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, got.CurrentCount)

	// A delete event drops the cached row.
	m.handleEvent(datatypes.SessionEvent{Type: datatypes.EventDelete, Session: updated})
	backend.mu.Lock()
	delete(backend.sessions, sess.ID)
	backend.mu.Unlock()

	_, err = m.GetSession(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClickFallsBackToConditionalUpsert(t *testing.T) {
	backend := newFakeBackend()
	backend.clickErr = ErrClickUnsupported
	m := newTestManager(t, backend, NewStaticOracle(true), StaticIdentity{User: "alice"})
	ctx := context.Background()

	target := 100
	sess := datatypes.Session{ID: "22222222-2222-4222-8222-222222222222", OwnerID: "admin",
		Payload: `{"arabic": "x"}`, TargetCount: &target, IsActive: true, IsOpen: true}
	backend.put(sess)

	_, err := m.JoinSession(ctx, sess.ID, "")
	require.NoError(t, err)

	view, err := m.Click(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, view.CurrentCount)
	assert.Equal(t, 1, backend.upsertCalls, "legacy path writes through the conditional upsert")

	status, err := m.SyncStatus(ctx)
	require.NoError(t, err)
	assert.Zero(t, status.PendingCount)
}

func TestDeleteCascadesQueuedOperations(t *testing.T) {
	backend := newFakeBackend()
	oracle := NewStaticOracle(false)
	m := newTestManager(t, backend, oracle, StaticIdentity{User: "alice"})
	ctx := context.Background()

	view, err := m.CreateSession(ctx, CreateParams{
		Payload:    `{"arabic": "x"}`,
		Unbounded:  true,
		Visibility: VisibilityPrivate,
	})
	require.NoError(t, err)

	_, err = m.Invite(ctx, view.ID, "bob")
	require.NoError(t, err)
	_, err = m.Click(ctx, view.ID)
	require.NoError(t, err)

	status, err := m.SyncStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, status.PendingCount)

	require.NoError(t, m.DeleteSession(ctx, view.ID))

	status, err = m.SyncStatus(ctx)
	require.NoError(t, err)
	assert.Zero(t, status.PendingCount, "queued operations die with the session")

	_, err = m.GetSession(ctx, view.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteAuthorization(t *testing.T) {
	backend := newFakeBackend()
	target := 100
	auto := datatypes.Session{ID: "33333333-3333-4333-8333-333333333333", OwnerID: "system",
		Payload: `{"arabic": "x"}`, TargetCount: &target, IsActive: true, IsAuto: true}
	backend.put(auto)

	t.Run("non-admin cannot delete auto sessions", func(t *testing.T) {
		m := newTestManager(t, backend, NewStaticOracle(true), StaticIdentity{User: "alice"})
		ctx := context.Background()
		_, err := m.GetSession(ctx, auto.ID)
		require.NoError(t, err)

		err = m.DeleteSession(ctx, auto.ID)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("admin can delete anything", func(t *testing.T) {
		m := newTestManager(t, backend, NewStaticOracle(true), StaticIdentity{User: "root", IsAdmin: true})
		ctx := context.Background()
		_, err := m.GetSession(ctx, auto.ID)
		require.NoError(t, err)

		require.NoError(t, m.DeleteSession(ctx, auto.ID))
		_, ok := backend.get(auto.ID)
		assert.False(t, ok)
	})
}

func TestPublicCreationRules(t *testing.T) {
	backend := newFakeBackend()

	t.Run("requires admin", func(t *testing.T) {
		m := newTestManager(t, backend, NewStaticOracle(true), StaticIdentity{User: "alice"})
		_, err := m.CreateSession(context.Background(), CreateParams{
			Payload:    `{"arabic": "x"}`,
			Unbounded:  true,
			Visibility: VisibilityPublic,
		})
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("requires backend", func(t *testing.T) {
		m := newTestManager(t, nil, nil, StaticIdentity{User: "root", IsAdmin: true})
		_, err := m.CreateSession(context.Background(), CreateParams{
			Payload:    `{"arabic": "x"}`,
			Unbounded:  true,
			Visibility: VisibilityPublic,
		})
		assert.ErrorIs(t, err, ErrNotConfigured)
	})

	t.Run("admin creates online", func(t *testing.T) {
		m := newTestManager(t, backend, NewStaticOracle(true), StaticIdentity{User: "root", IsAdmin: true})
		view, err := m.CreateSession(context.Background(), CreateParams{
			Payload:    `{"arabic": "x"}`,
			Unbounded:  true,
			Visibility: VisibilityPublic,
		})
		require.NoError(t, err)
		assert.Equal(t, KindPublic, view.Kind)
		_, ok := backend.get(view.ID)
		assert.True(t, ok)
	})
}

func TestCreateRejectsUnrecoverablePayload(t *testing.T) {
	m := newTestManager(t, nil, nil, StaticIdentity{User: "alice"})
	_, err := m.CreateSession(context.Background(), CreateParams{
		Payload:    "12345 no recitation here",
		Unbounded:  true,
		Visibility: VisibilityPrivate,
	})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestAggregatedViewDeduplicatesAndTags(t *testing.T) {
	backend := newFakeBackend()
	oracle := NewStaticOracle(true)
	m := newTestManager(t, backend, oracle, StaticIdentity{User: "alice"})
	ctx := context.Background()

	view, err := m.CreateSession(ctx, CreateParams{
		Payload:    `{"arabic": "owned"}`,
		Unbounded:  true,
		Visibility: VisibilityPrivate,
	})
	require.NoError(t, err)
	_, err = m.Invite(ctx, view.ID, "bob")
	require.NoError(t, err)

	target := 100
	backend.put(datatypes.Session{ID: "44444444-4444-4444-8444-444444444444", OwnerID: "admin",
		Payload: `{"arabic": "open"}`, TargetCount: &target, IsActive: true, IsOpen: true})
	backend.put(datatypes.Session{ID: "55555555-5555-4555-8555-555555555555", OwnerID: "system",
		Payload: `{"arabic": "auto"}`, TargetCount: &target, IsActive: true, IsAuto: true})

	views, err := m.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, views, 3)

	kinds := map[string]SessionKind{}
	for _, v := range views {
		kinds[v.ID] = v.Kind
	}
	assert.Equal(t, KindOwned, kinds[view.ID], "own local row wins over its mirror")
	assert.Equal(t, KindPublic, kinds["44444444-4444-4444-8444-444444444444"])
	assert.Equal(t, KindAuto, kinds["55555555-5555-4555-8555-555555555555"])
}

func TestSyncStatusReflectsDeadLetters(t *testing.T) {
	backend := newFakeBackend()
	backend.clickErr = ErrTransient
	oracle := NewStaticOracle(false)
	m := newTestManager(t, backend, oracle, StaticIdentity{User: "alice"})
	ctx := context.Background()

	view, err := m.CreateSession(ctx, CreateParams{
		Payload:    `{"arabic": "x"}`,
		Unbounded:  true,
		Visibility: VisibilityPrivate,
	})
	require.NoError(t, err)
	_, err = m.Invite(ctx, view.ID)
	require.NoError(t, err)

	_, err = m.Click(ctx, view.ID)
	require.NoError(t, err)

	oracle.Set(true)
	backend.upsertErr = ErrTransient
	for i := 0; i < queue.MaxRetries; i++ {
		m.drainOnce(ctx)
	}

	status, err := m.SyncStatus(ctx)
	require.NoError(t, err)
	assert.Zero(t, status.PendingCount)
	assert.Equal(t, 2, status.DeadCount, "mirror write and click both exhausted their retries")
	assert.False(t, status.LastDrain.IsZero())
}

func TestStartDrainsWhenConnectivityReturns(t *testing.T) {
	backend := newFakeBackend()
	oracle := NewStaticOracle(false)
	m := newTestManager(t, backend, oracle, StaticIdentity{User: "alice"})
	ctx := context.Background()

	view, err := m.CreateSession(ctx, CreateParams{
		Payload:    `{"arabic": "x"}`,
		Unbounded:  true,
		Visibility: VisibilityPrivate,
	})
	require.NoError(t, err)
	_, err = m.Invite(ctx, view.ID)
	require.NoError(t, err)
	_, err = m.Click(ctx, view.ID)
	require.NoError(t, err)

	status, err := m.SyncStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, status.PendingCount)

	require.NoError(t, m.Start(ctx))
	defer m.Stop()

	// Flipping the oracle online must trigger a drain with no other
	// prompting.
	oracle.Set(true)
	require.Eventually(t, func() bool {
		status, err := m.SyncStatus(ctx)
		return err == nil && status.PendingCount == 0
	}, 5*time.Second, 20*time.Millisecond, "connectivity regained must drain the queue")

	backend.mu.Lock()
	upserts, clicks := backend.upsertCalls, backend.clickCalls
	backend.mu.Unlock()
	assert.Equal(t, 1, upserts, "queued mirror write replayed")
	assert.Equal(t, 1, clicks, "queued click replayed")
}

func TestStartDeliversPushEvents(t *testing.T) {
	backend := newFakeBackend()
	oracle := NewStaticOracle(true)
	m := newTestManager(t, backend, oracle, StaticIdentity{User: "alice"})

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	backend.events <- datatypes.SessionEvent{
		Type: datatypes.EventInsert,
		Session: datatypes.Session{
			ID:           "push-1",
			Payload:      `{"arabic": "x"}`,
			CurrentCount: 4,
			IsActive:     true,
			IsOpen:       true,
		},
	}
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		snap, err := m.local.loadSnapshot("push-1")
		return err == nil && snap != nil && snap.CurrentCount == 4
	}, 5*time.Second, 20*time.Millisecond, "push insert must land in the snapshot cache")

	backend.events <- datatypes.SessionEvent{
		Type:    datatypes.EventDelete,
		Session: datatypes.Session{ID: "push-1"},
	}
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		snap, err := m.local.loadSnapshot("push-1")
		return err == nil && snap == nil
	}, 5*time.Second, 20*time.Millisecond, "push delete must drop the cached snapshot")
}

func TestStopCancelsPushSubscription(t *testing.T) {
	backend := newFakeBackend()
	oracle := NewStaticOracle(true)
	m := newTestManager(t, backend, oracle, StaticIdentity{User: "alice"})

	require.NoError(t, m.Start(context.Background()))
	select {
	case <-backend.subStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription never opened")
	}

	// The caller's context stays live; Stop alone must end the
	// subscription.
	m.Stop()
	select {
	case <-backend.subExited:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription kept running after Stop")
	}
}
