// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package queue implements the durable write-behind queue of pending
// remote operations.
//
// Operations that cannot reach the backend (offline, transient failure)
// are appended here synchronously before the caller continues; draining
// replays them when connectivity returns. Items that keep failing are
// moved to a dead-letter prefix instead of silently deleted, so data
// loss past the retry cap is at least visible.
//
// Key format: "pending:{user}:{seq_num:016d}" and
// "dead:{user}:{seq_num:016d}". Sequence numbers give replay order;
// writes are synchronous (the database is opened with sync writes) which
// is what makes this a write-behind cache rather than a best-effort
// buffer.
//
// Thread Safety: Safe for concurrent use.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/wird/pkg/storage/badger"
)

// MaxRetries is the retry cap. After this many recorded failures an item
// moves to the dead-letter log.
const MaxRetries = 5

// OpKind is the operation discriminator used for drain dispatch.
type OpKind string

const (
	// OpCounterIncrement replays one click against a session.
	OpCounterIncrement OpKind = "counter-increment"

	// OpSessionSnapshot pushes a full session row (mirror promotion and
	// snapshot sync).
	OpSessionSnapshot OpKind = "session-snapshot"

	// OpTrackingEvent posts a usage beacon.
	OpTrackingEvent OpKind = "tracking-event"
)

var (
	// ErrQueueClosed is returned when operations are called on a closed queue.
	ErrQueueClosed = errors.New("sync queue is closed")

	// ErrUnknownKind is returned by dispatchers for unrecognized items.
	ErrUnknownKind = errors.New("unknown operation kind")
)

// Item is one pending remote operation.
type Item struct {
	ID         string          `json:"id"`
	Kind       OpKind          `json:"kind"`
	SessionID  string          `json:"session_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	UserID     string          `json:"user_id,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	RetryCount int             `json:"retry_count"`
	SeqNum     uint64          `json:"seq_num"`
}

// Queue is the Badger-backed pending-operation log for one user scope.
type Queue struct {
	db     *badger.DB
	scope  string
	logger *slog.Logger

	seqNum atomic.Uint64
	closed atomic.Bool
}

// New opens a queue scoped to one user (or "anon").
//
// Description:
//
//	Scans existing pending keys to restore the sequence counter so that
//	items enqueued after a restart keep their replay order.
func New(db *badger.DB, scope string, logger *slog.Logger) (*Queue, error) {
	if scope == "" {
		scope = "anon"
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		db:     db,
		scope:  scope,
		logger: logger.With(slog.String("component", "sync_queue"), slog.String("scope", scope)),
	}
	if err := q.initSeqNum(); err != nil {
		return nil, fmt.Errorf("init sequence number: %w", err)
	}
	return q, nil
}

func (q *Queue) pendingPrefix() string { return "pending:" + q.scope + ":" }
func (q *Queue) deadPrefix() string    { return "dead:" + q.scope + ":" }

func (q *Queue) pendingKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%016d", q.pendingPrefix(), seq))
}

func (q *Queue) deadKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%016d", q.deadPrefix(), seq))
}

func (q *Queue) initSeqNum() error {
	return q.db.View(func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(q.pendingPrefix())
		// Reverse iteration: seek just past the prefix range.
		seek := append(append([]byte{}, prefix...), 0xFF)
		it.Seek(seek)
		if it.ValidForPrefix(prefix) {
			key := string(it.Item().Key())
			var seq uint64
			if _, err := fmt.Sscanf(strings.TrimPrefix(key, q.pendingPrefix()), "%d", &seq); err == nil {
				q.seqNum.Store(seq)
			}
		}
		return nil
	})
}

// Enqueue appends an operation with RetryCount 0.
//
// Inputs:
//
//	item - Kind is required; ID, SeqNum, EnqueuedAt and RetryCount are
//	assigned here.
func (q *Queue) Enqueue(ctx context.Context, item Item) (Item, error) {
	if q.closed.Load() {
		return item, ErrQueueClosed
	}
	if err := ctx.Err(); err != nil {
		return item, err
	}

	item.ID = uuid.New().String()
	item.SeqNum = q.seqNum.Add(1)
	item.UserID = q.scope
	item.EnqueuedAt = time.Now().UTC()
	item.RetryCount = 0

	raw, err := json.Marshal(&item)
	if err != nil {
		return item, fmt.Errorf("encode queue item: %w", err)
	}
	err = q.db.Update(func(txn *dgbadger.Txn) error {
		return txn.Set(q.pendingKey(item.SeqNum), raw)
	})
	if err != nil {
		return item, fmt.Errorf("append queue item: %w", err)
	}

	q.logger.Debug("operation queued",
		slog.String("kind", string(item.Kind)),
		slog.String("session_id", item.SessionID),
		slog.Uint64("seq", item.SeqNum))
	return item, nil
}

// Items returns pending operations in replay order.
func (q *Queue) Items(ctx context.Context) ([]Item, error) {
	if q.closed.Load() {
		return nil, ErrQueueClosed
	}
	return q.collect(ctx, q.pendingPrefix())
}

// DeadLetters returns items dropped past the retry cap, oldest first.
func (q *Queue) DeadLetters(ctx context.Context) ([]Item, error) {
	if q.closed.Load() {
		return nil, ErrQueueClosed
	}
	return q.collect(ctx, q.deadPrefix())
}

func (q *Queue) collect(ctx context.Context, prefix string) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Item
	err := q.db.View(func(txn *dgbadger.Txn) error {
		it := txn.NewIterator(dgbadger.DefaultIteratorOptions)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			var item Item
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &item)
			})
			if err != nil {
				return err
			}
			out = append(out, item)
		}
		return nil
	})
	return out, err
}

// Remove deletes a confirmed item. Called only after the corresponding
// remote operation reported success.
func (q *Queue) Remove(ctx context.Context, item Item) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return q.db.Update(func(txn *dgbadger.Txn) error {
		return txn.Delete(q.pendingKey(item.SeqNum))
	})
}

// RecordFailure increments the retry count. At MaxRetries the item
// moves to the dead-letter log and will not be replayed again.
//
// Outputs:
//
//	bool - True when the item was dead-lettered.
func (q *Queue) RecordFailure(ctx context.Context, item Item) (bool, error) {
	if q.closed.Load() {
		return false, ErrQueueClosed
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	item.RetryCount++
	dead := item.RetryCount >= MaxRetries

	raw, err := json.Marshal(&item)
	if err != nil {
		return false, fmt.Errorf("encode queue item: %w", err)
	}
	err = q.db.Update(func(txn *dgbadger.Txn) error {
		if dead {
			if err := txn.Delete(q.pendingKey(item.SeqNum)); err != nil {
				return err
			}
			return txn.Set(q.deadKey(item.SeqNum), raw)
		}
		return txn.Set(q.pendingKey(item.SeqNum), raw)
	})
	if err != nil {
		return false, err
	}

	if dead {
		q.logger.Warn("operation dead-lettered after retry cap",
			slog.String("kind", string(item.Kind)),
			slog.String("session_id", item.SessionID),
			slog.Int("retries", item.RetryCount))
	}
	return dead, nil
}

// PurgeSession removes pending clicks and snapshots for a deleted
// session. Part of the delete cascade: a queued operation must never
// resurrect a session the user explicitly removed. Tracking events are
// kept; they reference the session but do not recreate it.
func (q *Queue) PurgeSession(ctx context.Context, sessionID string) (int, error) {
	if q.closed.Load() {
		return 0, ErrQueueClosed
	}
	items, err := q.Items(ctx)
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, item := range items {
		if item.SessionID != sessionID || item.Kind == OpTrackingEvent {
			continue
		}
		if err := q.Remove(ctx, item); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

// Len returns the pending count.
func (q *Queue) Len(ctx context.Context) (int, error) {
	items, err := q.Items(ctx)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// DeadLen returns the dead-letter count.
func (q *Queue) DeadLen(ctx context.Context) (int, error) {
	items, err := q.DeadLetters(ctx)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// Close marks the queue closed. The database is owned by the caller and
// is not closed here.
func (q *Queue) Close() {
	q.closed.Store(true)
}
