// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store implements the authoritative session row store for
// sessiond on BadgerDB.
//
// Key layout:
//
//	session:{sessionID}                  -> JSON Session
//	participant:{sessionID}:u:{userID}   -> JSON Participant (named)
//	participant:{sessionID}:a:{partID}   -> JSON Participant (anonymous)
//	byuser:{userID}:{sessionID}          -> sessionID (reverse index)
//
// All row mutations run inside a single Badger transaction, which is what
// makes the click RPC an atomic increment-with-clamp: two concurrent
// clicks serialize on transaction conflict and neither increment is lost.
// This is the hardened replacement for the lossy read-then-conditional-
// write pattern the client engine falls back to against older backends.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/wird/pkg/storage/badger"
	"github.com/AleutianAI/wird/services/sessiond/datatypes"
)

var (
	// ErrSessionNotFound is returned when operating on a vanished session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExists is returned when creating a session whose id is taken.
	ErrSessionExists = errors.New("session already exists")

	// ErrCapacityExceeded is returned when a join would exceed MaxParticipants.
	ErrCapacityExceeded = errors.New("session at participant capacity")

	// ErrInviteTokenMismatch is returned when joining a private mirror with
	// the wrong invite token.
	ErrInviteTokenMismatch = errors.New("invite token mismatch")
)

const (
	sessionPrefix     = "session:"
	participantPrefix = "participant:"
	byUserPrefix      = "byuser:"
)

// clickRetries bounds transaction-conflict retries on the click path.
const clickRetries = 16

// Store is the Badger-backed session row store.
type Store struct {
	db         *badger.DB
	logger     *slog.Logger
	clock      func() time.Time
	onConflict func()
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source (tests).
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// WithConflictHook installs a callback invoked once per transaction
// conflict retry. Used to feed the contention metric.
func WithConflictHook(hook func()) Option {
	return func(s *Store) { s.onConflict = hook }
}

// New creates a Store on top of an opened database.
func New(db *badger.DB, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		db:     db,
		logger: logger.With(slog.String("component", "session_store")),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func sessionKey(id string) []byte {
	return []byte(sessionPrefix + id)
}

func participantKey(p *datatypes.Participant) []byte {
	if p.Anonymous() {
		return []byte(participantPrefix + p.SessionID + ":a:" + p.ID)
	}
	return []byte(participantPrefix + p.SessionID + ":u:" + p.UserID)
}

func byUserKey(userID, sessionID string) []byte {
	return []byte(byUserPrefix + userID + ":" + sessionID)
}

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, sess datatypes.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *dgbadger.Txn) error {
		key := sessionKey(sess.ID)
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("%w: %s", ErrSessionExists, sess.ID)
		} else if !errors.Is(err, dgbadger.ErrKeyNotFound) {
			return err
		}
		return putJSON(txn, key, &sess)
	})
}

// GetSession loads one session row.
func (s *Store) GetSession(ctx context.Context, id string) (datatypes.Session, error) {
	var sess datatypes.Session
	if err := ctx.Err(); err != nil {
		return sess, err
	}
	err := s.db.View(func(txn *dgbadger.Txn) error {
		return getJSON(txn, sessionKey(id), &sess)
	})
	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		return sess, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, err
}

// PutSession writes a session row unconditionally (upsert).
func (s *Store) PutSession(ctx context.Context, sess datatypes.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *dgbadger.Txn) error {
		return putJSON(txn, sessionKey(sess.ID), &sess)
	})
}

// UpdateSession applies fn to the stored row inside one transaction.
// fn may return an error to abort; ErrSessionNotFound is returned when
// the row does not exist.
func (s *Store) UpdateSession(ctx context.Context, id string, fn func(*datatypes.Session) error) (datatypes.Session, error) {
	var updated datatypes.Session
	if err := ctx.Err(); err != nil {
		return updated, err
	}

	// Badger aborts conflicting transactions rather than blocking, so the
	// read-modify-write loop retries on ErrConflict.
	var lastErr error
	for attempt := 0; attempt < clickRetries; attempt++ {
		err := s.db.Update(func(txn *dgbadger.Txn) error {
			var sess datatypes.Session
			if err := getJSON(txn, sessionKey(id), &sess); err != nil {
				if errors.Is(err, dgbadger.ErrKeyNotFound) {
					return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
				}
				return err
			}
			if err := fn(&sess); err != nil {
				return err
			}
			updated = sess
			return putJSON(txn, sessionKey(id), &sess)
		})
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, dgbadger.ErrConflict) {
			return updated, err
		}
		if s.onConflict != nil {
			s.onConflict()
		}
		lastErr = err
	}
	return updated, fmt.Errorf("update session %s: retries exhausted: %w", id, lastErr)
}

// Click atomically increments the counter with clamp-and-complete.
//
// Outputs:
//
//	datatypes.Session - The row after the click.
//	bool - False when the session was already complete (no-op click).
//	error - ErrSessionNotFound or a storage failure.
func (s *Store) Click(ctx context.Context, id string) (datatypes.Session, bool, error) {
	applied := false
	sess, err := s.UpdateSession(ctx, id, func(sess *datatypes.Session) error {
		applied = sess.ApplyClick(s.clock())
		return nil
	})
	return sess, applied, err
}

// DeleteSession removes a session row, cascading over its participants
// and reverse-index entries.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *dgbadger.Txn) error {
		key := sessionKey(id)
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, dgbadger.ErrKeyNotFound) {
				return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
			}
			return err
		}

		// Cascade: participant rows first, then the session row.
		participants, err := collectParticipants(txn, id)
		if err != nil {
			return err
		}
		for i := range participants {
			p := &participants[i]
			if err := txn.Delete(participantKey(p)); err != nil {
				return err
			}
			if !p.Anonymous() {
				if err := txn.Delete(byUserKey(p.UserID, id)); err != nil {
					return err
				}
			}
		}
		return txn.Delete(key)
	})
}

// AddParticipant joins a user (or anonymous device) to a session.
//
// Description:
//
//	Idempotent for named users: an existing row is returned unchanged
//	with created=false. Enforces MaxParticipants and, for private
//	mirrors, the invite token.
func (s *Store) AddParticipant(ctx context.Context, sessionID, userID, inviteToken string) (datatypes.Participant, bool, error) {
	var out datatypes.Participant
	created := false
	if err := ctx.Err(); err != nil {
		return out, false, err
	}

	err := s.db.Update(func(txn *dgbadger.Txn) error {
		var sess datatypes.Session
		if err := getJSON(txn, sessionKey(sessionID), &sess); err != nil {
			if errors.Is(err, dgbadger.ErrKeyNotFound) {
				return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
			}
			return err
		}
		if sess.IsPrivateMirror && sess.InviteToken != "" && sess.InviteToken != inviteToken {
			return ErrInviteTokenMismatch
		}

		// Idempotent join for named users.
		if userID != "" {
			probe := datatypes.Participant{SessionID: sessionID, UserID: userID}
			var existing datatypes.Participant
			if err := getJSON(txn, participantKey(&probe), &existing); err == nil {
				out = existing
				return nil
			} else if !errors.Is(err, dgbadger.ErrKeyNotFound) {
				return err
			}
		}

		participants, err := collectParticipants(txn, sessionID)
		if err != nil {
			return err
		}
		if sess.MaxParticipants > 0 && len(participants) >= sess.MaxParticipants {
			return fmt.Errorf("%w: %d/%d", ErrCapacityExceeded, len(participants), sess.MaxParticipants)
		}

		p := datatypes.Participant{
			ID:        uuid.New().String(),
			SessionID: sessionID,
			UserID:    userID,
			JoinedAt:  s.clock(),
		}
		if err := putJSON(txn, participantKey(&p), &p); err != nil {
			return err
		}
		if userID != "" {
			if err := txn.Set(byUserKey(userID, sessionID), []byte(sessionID)); err != nil {
				return err
			}
		}
		out = p
		created = true
		return nil
	})
	return out, created, err
}

// RemoveParticipant removes a named user's participant row. A missing row
// is not an error: leave is used for session abandonment and must be
// idempotent.
func (s *Store) RemoveParticipant(ctx context.Context, sessionID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *dgbadger.Txn) error {
		probe := datatypes.Participant{SessionID: sessionID, UserID: userID}
		if err := txn.Delete(participantKey(&probe)); err != nil && !errors.Is(err, dgbadger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Delete(byUserKey(userID, sessionID)); err != nil && !errors.Is(err, dgbadger.ErrKeyNotFound) {
			return err
		}
		return nil
	})
}

// ListParticipants returns every participant row for a session.
func (s *Store) ListParticipants(ctx context.Context, sessionID string) ([]datatypes.Participant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []datatypes.Participant
	err := s.db.View(func(txn *dgbadger.Txn) error {
		var err error
		out, err = collectParticipants(txn, sessionID)
		return err
	})
	return out, err
}

// ListDiscoverable returns open and auto sessions, the public browse list.
func (s *Store) ListDiscoverable(ctx context.Context) ([]datatypes.Session, error) {
	return s.listSessions(ctx, func(sess *datatypes.Session) bool {
		return sess.IsOpen || sess.IsAuto
	})
}

// ListForUser returns sessions the user participates in, via the reverse
// index. Includes private mirrors the user was invited into.
func (s *Store) ListForUser(ctx context.Context, userID string) ([]datatypes.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []datatypes.Session
	err := s.db.View(func(txn *dgbadger.Txn) error {
		it := txn.NewIterator(dgbadger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(byUserPrefix + userID + ":")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			sessionID := strings.TrimPrefix(string(it.Item().Key()), string(prefix))
			var sess datatypes.Session
			if err := getJSON(txn, sessionKey(sessionID), &sess); err != nil {
				if errors.Is(err, dgbadger.ErrKeyNotFound) {
					continue // dangling index entry
				}
				return err
			}
			out = append(out, sess)
		}
		return nil
	})
	return out, err
}

func (s *Store) listSessions(ctx context.Context, keep func(*datatypes.Session) bool) ([]datatypes.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []datatypes.Session
	err := s.db.View(func(txn *dgbadger.Txn) error {
		it := txn.NewIterator(dgbadger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(sessionPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var sess datatypes.Session
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &sess)
			})
			if err != nil {
				return err
			}
			if keep(&sess) {
				out = append(out, sess)
			}
		}
		return nil
	})
	return out, err
}

func collectParticipants(txn *dgbadger.Txn, sessionID string) ([]datatypes.Participant, error) {
	it := txn.NewIterator(dgbadger.DefaultIteratorOptions)
	defer it.Close()

	var out []datatypes.Participant
	prefix := []byte(participantPrefix + sessionID + ":")
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var p datatypes.Participant
		err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &p)
		})
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func putJSON(txn *dgbadger.Txn, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return txn.Set(key, raw)
}

func getJSON(txn *dgbadger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}
