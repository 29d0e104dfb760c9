// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/wird/pkg/validation"
	"github.com/AleutianAI/wird/services/sessiond/datatypes"
	"github.com/AleutianAI/wird/services/sessiond/middleware"
	"github.com/AleutianAI/wird/services/sessiond/observability"
	"github.com/AleutianAI/wird/services/sessiond/store"
)

// Publisher fans row-change events out to push-channel subscribers.
type Publisher interface {
	Publish(event datatypes.SessionEvent)
}

// CreateSession handles POST /v1/sessions.
//
// Sessions created through this endpoint are public (discoverable), so a
// privileged caller is required. Omitting the target assigns a
// pseudo-random one in [100, 999]; an explicit target outside that range
// is rejected; unbounded sessions are requested explicitly.
func CreateSession(st *store.Store, hub Publisher) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := middleware.GetIdentity(c)
		if !id.Admin {
			c.JSON(http.StatusForbidden, gin.H{"error": "public session creation requires admin"})
			return
		}

		var req datatypes.CreateSessionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := validation.ValidateTarget(req.Target); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		if err := validation.ValidateMaxParticipants(req.MaxParticipants); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}

		target := req.Target
		if target == nil && !req.Unbounded {
			assigned := validation.RandomTarget()
			target = &assigned
		}

		now := time.Now().UTC()
		sess := datatypes.Session{
			ID:              uuid.New().String(),
			OwnerID:         id.UserID,
			Payload:         req.Payload,
			TargetCount:     target,
			IsActive:        true,
			IsOpen:          true,
			IsAuto:          req.IsAuto,
			MaxParticipants: req.MaxParticipants,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := st.CreateSession(c.Request.Context(), sess); err != nil {
			slog.Error("failed to create session", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
			return
		}

		slog.Info("session created", "session_id", sess.ID, "owner", sess.OwnerID, "auto", sess.IsAuto)
		hub.Publish(datatypes.SessionEvent{Type: datatypes.EventInsert, Session: sess.Clone()})
		c.JSON(http.StatusCreated, sess)
	}
}

// GetSession handles GET /v1/sessions/:sessionId.
func GetSession(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, err := st.GetSession(c.Request.Context(), c.Param("sessionId"))
		if err != nil {
			respondStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, sess)
	}
}

// UpsertSession handles PUT /v1/sessions/:sessionId.
//
// Two callers use this: mirror promotion (the client engine pushes a
// fresh private-mirror row) and the legacy conditional-write increment
// for backends without the click RPC. The conditional form checks
// "active and below target" against the stored row, but read and write
// are the caller's two separate steps; under concurrent writers two
// clients can base their snapshot on the same count and one increment is
// silently lost. The click RPC is the corrected path.
func UpsertSession(st *store.Store, hub Publisher) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.UpsertSessionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		sessionID := c.Param("sessionId")
		if req.Session.ID != sessionID {
			c.JSON(http.StatusBadRequest, gin.H{"error": "session id mismatch"})
			return
		}

		id := middleware.GetIdentity(c)
		ctx := c.Request.Context()

		existing, err := st.GetSession(ctx, sessionID)
		eventType := datatypes.EventUpdate
		switch {
		case errors.Is(err, store.ErrSessionNotFound):
			// First write creates the row (mirror promotion). Only the
			// owner may introduce a row under their name.
			if id.UserID != req.Session.OwnerID && !id.Admin {
				c.JSON(http.StatusForbidden, gin.H{"error": "not session owner"})
				return
			}
			eventType = datatypes.EventInsert
		case err != nil:
			respondStoreError(c, err)
			return
		default:
			if id.UserID != existing.OwnerID && !id.Admin {
				c.JSON(http.StatusForbidden, gin.H{"error": "not session owner"})
				return
			}
			if req.IfActiveBelowTarget && !(existing.IsActive && !existing.Completed()) {
				// Condition failed: the row is complete. Report the stored
				// state; the caller treats this as a no-op, not an error.
				c.JSON(http.StatusOK, datatypes.ClickResponse{Session: existing, Applied: false})
				return
			}
		}

		sess := req.Session
		sess.UpdatedAt = time.Now().UTC()
		if err := st.PutSession(ctx, sess); err != nil {
			slog.Error("failed to upsert session", "session_id", sessionID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to write session"})
			return
		}

		hub.Publish(datatypes.SessionEvent{Type: eventType, Session: sess.Clone()})
		c.JSON(http.StatusOK, datatypes.ClickResponse{Session: sess, Applied: true})
	}
}

// Click handles POST /v1/sessions/:sessionId/click: the atomic
// increment-with-clamp RPC. Participation is not checked — anyone who can
// name the session may count.
func Click(st *store.Store, hub Publisher, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")
		sess, applied, err := st.Click(c.Request.Context(), sessionID)
		if err != nil {
			respondStoreError(c, err)
			return
		}

		if applied {
			metrics.ClicksTotal.Inc()
			if sess.Completed() {
				metrics.CompletionsTotal.Inc()
				slog.Info("session completed", "session_id", sessionID, "count", sess.CurrentCount)
			}
			hub.Publish(datatypes.SessionEvent{Type: datatypes.EventUpdate, Session: sess.Clone()})
		}
		c.JSON(http.StatusOK, datatypes.ClickResponse{Session: sess, Applied: applied})
	}
}

// JoinSession handles POST /v1/sessions/:sessionId/join. Idempotent for
// named users; anonymous joins are permitted.
func JoinSession(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.JoinSessionRequest
		// Body is optional; ignore decode errors on an empty body.
		_ = c.ShouldBindJSON(&req)

		id := middleware.GetIdentity(c)
		p, created, err := st.AddParticipant(c.Request.Context(), c.Param("sessionId"), id.UserID, req.InviteToken)
		if err != nil {
			respondStoreError(c, err)
			return
		}

		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		c.JSON(status, p)
	}
}

// LeaveSession handles POST /v1/sessions/:sessionId/leave. A missing
// participant row is not an error.
func LeaveSession(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := middleware.GetIdentity(c)
		if id.Anonymous() {
			// Nothing to remove: anonymous rows are not addressable.
			c.Status(http.StatusNoContent)
			return
		}
		if err := st.RemoveParticipant(c.Request.Context(), c.Param("sessionId"), id.UserID); err != nil {
			respondStoreError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// ListSessions handles GET /v1/sessions. Without a filter it returns the
// discoverable list (open + auto). With ?participant=me it returns the
// caller's membership list, which is how invited private mirrors are
// found.
func ListSessions(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		if c.Query("participant") == "me" {
			id := middleware.GetIdentity(c)
			if id.Anonymous() {
				c.JSON(http.StatusOK, datatypes.ListSessionsResponse{})
				return
			}
			sessions, err := st.ListForUser(ctx, id.UserID)
			if err != nil {
				respondStoreError(c, err)
				return
			}
			c.JSON(http.StatusOK, datatypes.ListSessionsResponse{Sessions: sessions})
			return
		}

		sessions, err := st.ListDiscoverable(ctx)
		if err != nil {
			respondStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, datatypes.ListSessionsResponse{Sessions: sessions})
	}
}

// DeleteSession handles DELETE /v1/sessions/:sessionId.
//
// Authorization matrix: auto sessions are deletable by admins only;
// everything else by its creator or an admin. The cascade over
// participant rows happens inside the store transaction.
func DeleteSession(st *store.Store, hub Publisher) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")
		id := middleware.GetIdentity(c)
		ctx := c.Request.Context()

		sess, err := st.GetSession(ctx, sessionID)
		if err != nil {
			respondStoreError(c, err)
			return
		}

		allowed := id.Admin || (!sess.IsAuto && !id.Anonymous() && id.UserID == sess.OwnerID)
		if !allowed {
			slog.Warn("unauthorized delete rejected", "session_id", sessionID, "user", id.UserID)
			c.JSON(http.StatusForbidden, gin.H{"error": "delete requires session owner or admin"})
			return
		}

		if err := st.DeleteSession(ctx, sessionID); err != nil {
			respondStoreError(c, err)
			return
		}

		slog.Info("session deleted", "session_id", sessionID, "by", id.UserID)
		hub.Publish(datatypes.SessionEvent{Type: datatypes.EventDelete, Session: sess.Clone()})
		c.JSON(http.StatusOK, gin.H{"status": "success", "deleted_session_id": sessionID})
	}
}

// TrackEvent handles POST /v1/events, the fire-and-forget usage beacon
// drained from client sync queues. Events are logged and acknowledged;
// there is nothing durable to do with them server-side yet.
func TrackEvent() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.TrackEventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		slog.Info("tracking event", "name", req.Name, "session_id", req.SessionID)
		c.Status(http.StatusAccepted)
	}
}

// HealthCheck handles GET /health. Also serves as the connectivity probe
// target for client-side online detection.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func respondStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrCapacityExceeded):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrInviteTokenMismatch):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	default:
		slog.Error("store operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
