// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/wird/services/sessiond"
	"github.com/AleutianAI/wird/services/sessiond/datatypes"
)

const adminToken = "test-admin-token"

func newTestService(t *testing.T) *sessiond.Service {
	t.Helper()
	svc, err := sessiond.New(sessiond.Config{
		InMemory:   true,
		AdminToken: adminToken,
		Registry:   prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func doJSON(t *testing.T, svc *sessiond.Service, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	svc.Router().ServeHTTP(rec, req)
	return rec
}

func createPublicSession(t *testing.T, svc *sessiond.Service, req datatypes.CreateSessionRequest) datatypes.Session {
	t.Helper()
	rec := doJSON(t, svc, http.MethodPost, "/v1/sessions", adminToken, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var sess datatypes.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	return sess
}

func TestCreateSessionRequiresAdmin(t *testing.T) {
	svc := newTestService(t)
	req := datatypes.CreateSessionRequest{Payload: "x", MaxParticipants: 10}

	rec := doJSON(t, svc, http.MethodPost, "/v1/sessions", "user:alice", req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, svc, http.MethodPost, "/v1/sessions", "", req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateSessionTargetRules(t *testing.T) {
	svc := newTestService(t)
	intp := func(n int) *int { return &n }

	t.Run("custom target out of range rejected", func(t *testing.T) {
		rec := doJSON(t, svc, http.MethodPost, "/v1/sessions", adminToken,
			datatypes.CreateSessionRequest{Payload: "x", MaxParticipants: 10, Target: intp(1000)})
		assert.Equal(t, http.StatusConflict, rec.Code)

		rec = doJSON(t, svc, http.MethodPost, "/v1/sessions", adminToken,
			datatypes.CreateSessionRequest{Payload: "x", MaxParticipants: 10, Target: intp(99)})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("omitted target assigned in range", func(t *testing.T) {
		sess := createPublicSession(t, svc, datatypes.CreateSessionRequest{Payload: "x", MaxParticipants: 10})
		require.NotNil(t, sess.TargetCount)
		assert.GreaterOrEqual(t, *sess.TargetCount, 100)
		assert.LessOrEqual(t, *sess.TargetCount, 999)
	})

	t.Run("explicit unbounded honored", func(t *testing.T) {
		sess := createPublicSession(t, svc, datatypes.CreateSessionRequest{Payload: "x", MaxParticipants: 10, Unbounded: true})
		assert.Nil(t, sess.TargetCount)
	})
}

func TestClickEndpointClampsAndCompletes(t *testing.T) {
	svc := newTestService(t)
	intp := func(n int) *int { return &n }
	sess := createPublicSession(t, svc, datatypes.CreateSessionRequest{Payload: "x", MaxParticipants: 10, Target: intp(100)})

	var last datatypes.ClickResponse
	for i := 0; i < 100; i++ {
		rec := doJSON(t, svc, http.MethodPost, fmt.Sprintf("/v1/sessions/%s/click", sess.ID), "user:alice", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &last))
		assert.True(t, last.Applied)
	}
	assert.Equal(t, 100, last.Session.CurrentCount)
	assert.False(t, last.Session.IsActive)
	require.NotNil(t, last.Session.CompletedAt)

	// Click past completion is acknowledged but not applied.
	rec := doJSON(t, svc, http.MethodPost, fmt.Sprintf("/v1/sessions/%s/click", sess.ID), "user:alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &last))
	assert.False(t, last.Applied)
	assert.Equal(t, 100, last.Session.CurrentCount)
}

func TestClickMissingSession(t *testing.T) {
	svc := newTestService(t)
	rec := doJSON(t, svc, http.MethodPost, "/v1/sessions/nope/click", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// TestDeleteAuthorizationMatrix: a plain participant cannot delete; the
// session and its participants survive the attempt.
func TestDeleteAuthorizationMatrix(t *testing.T) {
	svc := newTestService(t)
	sess := createPublicSession(t, svc, datatypes.CreateSessionRequest{Payload: "x", MaxParticipants: 10})

	rec := doJSON(t, svc, http.MethodPost, fmt.Sprintf("/v1/sessions/%s/join", sess.ID), "user:bob", nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	t.Run("participant rejected", func(t *testing.T) {
		rec := doJSON(t, svc, http.MethodDelete, "/v1/sessions/"+sess.ID, "user:bob", nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)

		// Row and membership intact.
		rec = doJSON(t, svc, http.MethodGet, "/v1/sessions/"+sess.ID, "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		participants, err := svc.Store().ListParticipants(t.Context(), sess.ID)
		require.NoError(t, err)
		assert.Len(t, participants, 1)
	})

	t.Run("anonymous rejected", func(t *testing.T) {
		rec := doJSON(t, svc, http.MethodDelete, "/v1/sessions/"+sess.ID, "", nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("admin allowed", func(t *testing.T) {
		rec := doJSON(t, svc, http.MethodDelete, "/v1/sessions/"+sess.ID, adminToken, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		rec = doJSON(t, svc, http.MethodGet, "/v1/sessions/"+sess.ID, "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

// TestAutoSessionAdminOnlyDelete: even the creator cannot delete an auto
// session; only an admin can.
func TestAutoSessionAdminOnlyDelete(t *testing.T) {
	svc := newTestService(t)
	sess := createPublicSession(t, svc, datatypes.CreateSessionRequest{Payload: "x", MaxParticipants: 10, IsAuto: true})

	// The creator here is the admin identity; simulate a non-admin owner
	// by rewriting the owner on the stored row.
	sess.OwnerID = "alice"
	require.NoError(t, svc.Store().PutSession(t.Context(), sess))

	rec := doJSON(t, svc, http.MethodDelete, "/v1/sessions/"+sess.ID, "user:alice", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, svc, http.MethodDelete, "/v1/sessions/"+sess.ID, adminToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestJoinCapacityAndIdempotency(t *testing.T) {
	svc := newTestService(t)
	sess := createPublicSession(t, svc, datatypes.CreateSessionRequest{Payload: "x", MaxParticipants: 2})

	rec := doJSON(t, svc, http.MethodPost, fmt.Sprintf("/v1/sessions/%s/join", sess.ID), "user:a", nil)
	assert.Equal(t, http.StatusCreated, rec.Code)
	rec = doJSON(t, svc, http.MethodPost, fmt.Sprintf("/v1/sessions/%s/join", sess.ID), "user:b", nil)
	assert.Equal(t, http.StatusCreated, rec.Code)

	// Full: a third user bounces.
	rec = doJSON(t, svc, http.MethodPost, fmt.Sprintf("/v1/sessions/%s/join", sess.ID), "user:c", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Re-join is idempotent, even at capacity.
	rec = doJSON(t, svc, http.MethodPost, fmt.Sprintf("/v1/sessions/%s/join", sess.ID), "user:a", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLeaveAbandonmentNeverErrors(t *testing.T) {
	svc := newTestService(t)
	sess := createPublicSession(t, svc, datatypes.CreateSessionRequest{Payload: "x", MaxParticipants: 10})

	// Leave without ever joining.
	rec := doJSON(t, svc, http.MethodPost, fmt.Sprintf("/v1/sessions/%s/leave", sess.ID), "user:ghost", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// Anonymous leave is a no-op.
	rec = doJSON(t, svc, http.MethodPost, fmt.Sprintf("/v1/sessions/%s/leave", sess.ID), "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestUpsertMirrorPromotionAndOwnership(t *testing.T) {
	svc := newTestService(t)

	mirror := datatypes.Session{
		ID:              "b3b9c1f0-0000-4000-8000-000000000001",
		OwnerID:         "alice",
		Payload:         "x",
		IsActive:        true,
		IsPrivateMirror: true,
		InviteToken:     "tok",
		MaxParticipants: 10,
	}

	// A stranger cannot introduce a row owned by someone else.
	rec := doJSON(t, svc, http.MethodPut, "/v1/sessions/"+mirror.ID, "user:mallory",
		datatypes.UpsertSessionRequest{Session: mirror})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// The owner can (mirror promotion).
	rec = doJSON(t, svc, http.MethodPut, "/v1/sessions/"+mirror.ID, "user:alice",
		datatypes.UpsertSessionRequest{Session: mirror})
	assert.Equal(t, http.StatusOK, rec.Code)

	// Conditional write against a completed row is a reported no-op.
	done := mirror
	target := 100
	done.TargetCount = &target
	done.CurrentCount = 100
	done.IsActive = false
	rec = doJSON(t, svc, http.MethodPut, "/v1/sessions/"+mirror.ID, "user:alice",
		datatypes.UpsertSessionRequest{Session: done})
	require.Equal(t, http.StatusOK, rec.Code)

	bump := done
	bump.CurrentCount = 101
	rec = doJSON(t, svc, http.MethodPut, "/v1/sessions/"+mirror.ID, "user:alice",
		datatypes.UpsertSessionRequest{Session: bump, IfActiveBelowTarget: true})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp datatypes.ClickResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Applied)
	assert.Equal(t, 100, resp.Session.CurrentCount)
}

func TestInvitedSessionsDiscoveredViaParticipantFilter(t *testing.T) {
	svc := newTestService(t)

	mirror := datatypes.Session{
		ID:              "b3b9c1f0-0000-4000-8000-000000000002",
		OwnerID:         "alice",
		Payload:         "x",
		IsActive:        true,
		IsPrivateMirror: true,
		InviteToken:     "tok",
		MaxParticipants: 10,
	}
	rec := doJSON(t, svc, http.MethodPut, "/v1/sessions/"+mirror.ID, "user:alice",
		datatypes.UpsertSessionRequest{Session: mirror})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, svc, http.MethodPost, fmt.Sprintf("/v1/sessions/%s/join", mirror.ID), "user:bob",
		datatypes.JoinSessionRequest{InviteToken: "tok"})
	require.Equal(t, http.StatusCreated, rec.Code)

	// The mirror never shows up in the public browse list.
	rec = doJSON(t, svc, http.MethodGet, "/v1/sessions", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list datatypes.ListSessionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Empty(t, list.Sessions)

	// But bob finds it through the membership filter.
	rec = doJSON(t, svc, http.MethodGet, "/v1/sessions?participant=me", "user:bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, mirror.ID, list.Sessions[0].ID)
}

func TestTrackEventAccepted(t *testing.T) {
	svc := newTestService(t)
	rec := doJSON(t, svc, http.MethodPost, "/v1/events", "",
		datatypes.TrackEventRequest{Name: "session_click", SessionID: "s1"})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}
