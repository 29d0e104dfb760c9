// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine is the client-side session engine: it keeps an
// offline-first local view of recitation sessions, applies clicks
// optimistically, and reconciles with the remote backend through a
// durable write-behind queue.
//
// Lifecycle errors (not found, unauthorized, capacity) surface
// synchronously; transient network failures never do.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/AleutianAI/wird/pkg/storage/badger"
	"github.com/AleutianAI/wird/services/engine/queue"
	"github.com/AleutianAI/wird/services/sessiond/datatypes"
)

// Config assembles a SessionManager.
type Config struct {
	// DB is the local store. Required.
	DB *badger.DB

	// Backend is the remote session service. Nil selects local-only
	// mode: private sessions work, everything remote returns
	// ErrNotConfigured.
	Backend Backend

	// Identity supplies the current user. Nil means anonymous.
	Identity IdentityProvider

	// Oracle supplies connectivity. Nil defaults to always-online when a
	// backend is configured, always-offline otherwise.
	Oracle Oracle

	Logger *slog.Logger

	// Registry receives engine metrics. Nil keeps them unexported.
	Registry prometheus.Registerer
}

// SessionManager is the single entry point for session operations on
// one client. Mutating operations are serialized; the local store is
// the source of truth between drains.
type SessionManager struct {
	backend  Backend
	identity IdentityProvider
	oracle   Oracle
	local    *localStore
	queue    *queue.Queue
	drainer  *queue.Drainer
	logger   *slog.Logger
	metrics  *metrics

	// mu serializes session mutations so optimistic writes and push
	// merges never interleave.
	mu sync.Mutex

	drainCh  chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	started  bool
	cancel   context.CancelFunc
}

// NewSessionManager builds a manager over an opened local database.
func NewSessionManager(cfg Config) (*SessionManager, error) {
	if cfg.DB == nil {
		return nil, errors.New("session manager requires a local database")
	}
	if cfg.Identity == nil {
		cfg.Identity = StaticIdentity{}
	}
	if cfg.Oracle == nil {
		cfg.Oracle = NewStaticOracle(cfg.Backend != nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With(slog.String("component", "session_manager"))

	scope := userKeyPart(cfg.Identity.Identity().UserID)
	q, err := queue.New(cfg.DB, scope, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("open sync queue: %w", err)
	}

	m := &SessionManager{
		backend:  cfg.Backend,
		identity: cfg.Identity,
		oracle:   cfg.Oracle,
		local:    &localStore{kv: NewBadgerKV(cfg.DB)},
		queue:    q,
		logger:   logger,
		metrics:  newMetrics(cfg.Registry),
		drainCh:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	m.drainer = queue.NewDrainer(q, queue.DispatchFunc(m.dispatch), cfg.Logger)
	return m, nil
}

// Start launches the background machinery: an initial drain, a drain on
// every offline-to-online transition, and the push subscription.
//
// Drains are event-driven. There is no reconciliation polling loop; the
// push channel and the atomic click RPC carry the state.
func (m *SessionManager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("session manager already started")
	}
	m.started = true
	// The push subscription blocks inside Subscribe until its context
	// ends, so Stop must be able to cancel it even while the caller's
	// ctx stays live.
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	unsubscribe := m.oracle.Subscribe(func(online bool) {
		if !online {
			m.metrics.Online.Set(0)
			return
		}
		m.metrics.Online.Set(1)
		m.RequestDrain()
	})
	if m.oracle.Online() {
		m.metrics.Online.Set(1)
	}

	go m.run(ctx, unsubscribe)
	if m.backend != nil {
		go m.subscribeLoop(ctx)
	}

	m.RequestDrain()
	return nil
}

// Stop halts background work. Safe to call once Start has returned.
func (m *SessionManager) Stop() {
	m.mu.Lock()
	started := m.started
	cancel := m.cancel
	m.mu.Unlock()

	m.stopOnce.Do(func() { close(m.stopCh) })
	if cancel != nil {
		cancel()
	}
	if started {
		<-m.doneCh
	}
	m.queue.Close()
}

// RequestDrain schedules a drain pass. Triggers coalesce; callers never
// block. Invoked on startup, connectivity regained, and app foreground.
func (m *SessionManager) RequestDrain() {
	select {
	case m.drainCh <- struct{}{}:
	default:
	}
}

// NotifyForeground is the app-foreground hook. It requests a drain when
// pending work exists.
func (m *SessionManager) NotifyForeground() {
	m.RequestDrain()
}

func (m *SessionManager) run(ctx context.Context, unsubscribe func()) {
	defer close(m.doneCh)
	defer unsubscribe()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-m.drainCh:
			m.drainOnce(ctx)
		}
	}
}

// Drain runs one synchronous drain pass. The background machinery
// drains on its own; this exists for one-shot callers like the CLI.
func (m *SessionManager) Drain(ctx context.Context) error {
	if m.backend == nil {
		return ErrNotConfigured
	}
	if !m.oracle.Online() {
		return fmt.Errorf("%w: backend unreachable", ErrTransient)
	}
	_, err := m.drainer.Drain(ctx)
	m.refreshQueueGauges(ctx)
	return err
}

func (m *SessionManager) drainOnce(ctx context.Context) {
	if m.backend == nil || !m.oracle.Online() {
		return
	}
	res, err := m.drainer.Drain(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Warn("drain pass aborted", slog.String("error", err.Error()))
	}
	m.metrics.DrainsTotal.Inc()
	m.metrics.DrainFailuresTotal.Add(float64(res.Failed))
	m.refreshQueueGauges(ctx)
}

func (m *SessionManager) refreshQueueGauges(ctx context.Context) {
	if pending, err := m.queue.Len(ctx); err == nil {
		m.metrics.QueueDepth.Set(float64(pending))
	}
	if dead, err := m.queue.DeadLen(ctx); err == nil {
		m.metrics.DeadLetters.Set(float64(dead))
	}
}

// subscribeLoop keeps the push channel open, reconnecting with jittered
// backoff for as long as the manager runs.
func (m *SessionManager) subscribeLoop(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		err := m.backend.Subscribe(ctx, m.handleEvent)
		if errors.Is(err, context.Canceled) {
			return
		}
		if err != nil && !errors.Is(err, ErrNotConfigured) {
			m.logger.Debug("push channel closed", slog.String("error", err.Error()))
		}

		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// handleEvent folds one push notification into the local view under the
// monotonic merge rule.
func (m *SessionManager) handleEvent(ev datatypes.SessionEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	switch ev.Type {
	case datatypes.EventDelete:
		if err := m.local.removeSnapshot(ev.Session.ID); err != nil {
			m.logger.Warn("snapshot removal failed", slog.String("session_id", ev.Session.ID), slog.String("error", err.Error()))
		}
	case datatypes.EventInsert, datatypes.EventUpdate:
		m.mergeIncomingLocked(ev.Session, now)
	default:
		m.logger.Debug("ignoring unknown event type", slog.String("type", ev.Type))
	}
}

// mergeIncomingLocked reconciles an incoming remote row with both the
// snapshot cache and, for mirrors of our own shared sessions, the
// private row. Callers hold mu.
func (m *SessionManager) mergeIncomingLocked(incoming datatypes.Session, now time.Time) {
	userID := m.identity.Identity().UserID

	if p, err := m.local.loadPrivate(userID, incoming.ID); err == nil {
		merged, stale := mergeSnapshot(p.Session, incoming, now)
		if stale {
			m.metrics.StaleMergesTotal.Inc()
		}
		p.Session = merged
		if err := m.local.savePrivate(userID, p); err != nil {
			m.logger.Warn("private merge write failed", slog.String("session_id", incoming.ID), slog.String("error", err.Error()))
		}
		return
	}

	local, err := m.local.loadSnapshot(incoming.ID)
	if err != nil {
		m.logger.Warn("snapshot load failed", slog.String("session_id", incoming.ID), slog.String("error", err.Error()))
		return
	}
	merged := incoming
	if local != nil {
		var stale bool
		merged, stale = mergeSnapshot(*local, incoming, now)
		if stale {
			m.metrics.StaleMergesTotal.Inc()
		}
	}
	if err := m.local.saveSnapshot(&merged); err != nil {
		m.logger.Warn("snapshot write failed", slog.String("session_id", incoming.ID), slog.String("error", err.Error()))
	}
}

// Click applies one click: local first, always; remote after, when the
// session has a remote side.
//
// Description:
//
//	The local row advances immediately (clamped at target, completing
//	the session when reached), so the caller sees the new count with no
//	round trip. For shared and remote sessions the click then goes to
//	the backend's atomic increment RPC; offline or failing, it is
//	absorbed into the sync queue instead. Completed sessions swallow
//	clicks as no-ops.
func (m *SessionManager) Click(ctx context.Context, sessionID string) (SessionView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	userID := m.identity.Identity().UserID

	if p, err := m.local.loadPrivate(userID, sessionID); err == nil {
		applied := applyOptimisticClick(&p.Session, now)
		if applied {
			if err := m.local.savePrivate(userID, p); err != nil {
				return SessionView{}, fmt.Errorf("persist click: %w", err)
			}
			if p.Shared() {
				m.syncClickLocked(ctx, p.Session)
			}
		}
		return SessionView{Session: p.Session.Clone(), Kind: KindOwned, Tier: p.Tier}, nil
	}

	snap, err := m.local.loadSnapshot(sessionID)
	if err != nil {
		return SessionView{}, err
	}
	if snap == nil {
		return SessionView{}, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}

	applied := applyOptimisticClick(snap, now)
	if applied {
		if err := m.local.saveSnapshot(snap); err != nil {
			return SessionView{}, fmt.Errorf("persist click: %w", err)
		}
		m.syncClickLocked(ctx, *snap)
	}
	return SessionView{Session: snap.Clone(), Kind: kindOf(*snap, userID)}, nil
}

// syncClickLocked runs the remote phase of a click. Never fails the
// caller: errors queue the click for replay. Callers hold mu.
func (m *SessionManager) syncClickLocked(ctx context.Context, sess datatypes.Session) {
	if m.backend == nil {
		return
	}
	if !m.oracle.Online() {
		m.enqueueLocked(ctx, queue.Item{Kind: queue.OpCounterIncrement, SessionID: sess.ID})
		m.metrics.ClicksTotal.WithLabelValues("queued").Inc()
		return
	}

	resp, err := m.remoteClick(ctx, sess)
	if err != nil {
		m.logger.Debug("remote click failed, queueing",
			slog.String("session_id", sess.ID), slog.String("error", err.Error()))
		m.enqueueLocked(ctx, queue.Item{Kind: queue.OpCounterIncrement, SessionID: sess.ID})
		m.metrics.ClicksTotal.WithLabelValues("queued").Inc()
		return
	}
	m.metrics.ClicksTotal.WithLabelValues("confirmed").Inc()
	m.mergeIncomingLocked(resp.Session, time.Now())
}

// remoteClick prefers the atomic RPC and falls back to the conditional
// upsert against backends that predate it. The fallback is lossy under
// concurrency, which is why it is a fallback.
func (m *SessionManager) remoteClick(ctx context.Context, sess datatypes.Session) (datatypes.ClickResponse, error) {
	resp, err := m.backend.Click(ctx, sess.ID)
	if errors.Is(err, ErrClickUnsupported) {
		return m.backend.UpsertSession(ctx, sess, true)
	}
	return resp, err
}

// enqueueLocked appends to the sync queue, logging rather than failing:
// the local write already succeeded and must stand.
func (m *SessionManager) enqueueLocked(ctx context.Context, item queue.Item) {
	if _, err := m.queue.Enqueue(ctx, item); err != nil {
		m.logger.Error("enqueue failed, operation will not replay",
			slog.String("kind", string(item.Kind)),
			slog.String("session_id", item.SessionID),
			slog.String("error", err.Error()))
		return
	}
	m.refreshQueueGauges(ctx)
}

// dispatch replays one queued operation. Used by the drainer.
func (m *SessionManager) dispatch(ctx context.Context, item queue.Item) error {
	if m.backend == nil {
		return ErrNotConfigured
	}
	switch item.Kind {
	case queue.OpCounterIncrement:
		return m.dispatchClick(ctx, item)
	case queue.OpSessionSnapshot:
		var sess datatypes.Session
		if err := json.Unmarshal(item.Payload, &sess); err != nil {
			return queue.ErrUnknownKind
		}
		_, err := m.backend.UpsertSession(ctx, sess, false)
		return err
	case queue.OpTrackingEvent:
		var ev datatypes.TrackEventRequest
		if err := json.Unmarshal(item.Payload, &ev); err != nil {
			return queue.ErrUnknownKind
		}
		return m.backend.TrackEvent(ctx, ev)
	default:
		return queue.ErrUnknownKind
	}
}

func (m *SessionManager) dispatchClick(ctx context.Context, item queue.Item) error {
	resp, err := m.backend.Click(ctx, item.SessionID)
	if errors.Is(err, ErrClickUnsupported) {
		m.mu.Lock()
		sess := m.currentRowLocked(item.SessionID)
		m.mu.Unlock()
		if sess == nil {
			// Row vanished locally; nothing left to reconcile.
			return nil
		}
		resp, err = m.backend.UpsertSession(ctx, *sess, true)
	}
	if errors.Is(err, ErrNotFound) {
		// Session deleted remotely while the click was queued. Dropping
		// the click is correct; resurrecting the session is not.
		return nil
	}
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.mergeIncomingLocked(resp.Session, time.Now())
	m.mu.Unlock()
	return nil
}

// currentRowLocked returns the freshest local row for a session,
// whichever store holds it. Callers hold mu.
func (m *SessionManager) currentRowLocked(sessionID string) *datatypes.Session {
	userID := m.identity.Identity().UserID
	if p, err := m.local.loadPrivate(userID, sessionID); err == nil {
		s := p.Session.Clone()
		return &s
	}
	snap, err := m.local.loadSnapshot(sessionID)
	if err != nil || snap == nil {
		return nil
	}
	return snap
}

// SyncStatus reports queue and connectivity state for display.
func (m *SessionManager) SyncStatus(ctx context.Context) (SyncStatus, error) {
	pending, err := m.queue.Len(ctx)
	if err != nil {
		return SyncStatus{}, err
	}
	dead, err := m.queue.DeadLen(ctx)
	if err != nil {
		return SyncStatus{}, err
	}
	return SyncStatus{
		Online:        m.backend != nil && m.oracle.Online(),
		PendingCount:  pending,
		DeadCount:     dead,
		LastDrain:     m.drainer.LastDrain(),
		IsDraining:    m.drainer.Draining(),
		LocalOnlyMode: m.backend == nil,
	}, nil
}

// TrackEvent posts a usage beacon, queueing it when offline.
func (m *SessionManager) TrackEvent(ctx context.Context, ev datatypes.TrackEventRequest) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.backend == nil {
		return nil
	}
	if m.oracle.Online() {
		if err := m.backend.TrackEvent(ctx, ev); err == nil {
			return nil
		}
	}
	raw, err := json.Marshal(&ev)
	if err != nil {
		return fmt.Errorf("encode tracking event: %w", err)
	}
	m.mu.Lock()
	m.enqueueLocked(ctx, queue.Item{Kind: queue.OpTrackingEvent, SessionID: ev.SessionID, Payload: raw})
	m.mu.Unlock()
	return nil
}

func kindOf(sess datatypes.Session, userID string) SessionKind {
	switch {
	case sess.IsAuto:
		return KindAuto
	case userID != "" && sess.OwnerID == userID:
		return KindOwned
	case sess.IsOpen:
		return KindPublic
	default:
		return KindInvited
	}
}
