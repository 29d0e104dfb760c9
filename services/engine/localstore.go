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
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	dgbadger "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/wird/pkg/storage/badger"
	"github.com/AleutianAI/wird/services/sessiond/datatypes"
)

// Key layout of the engine's local store:
//
//	private:{user}:{sessionID}  -> JSON PrivateSession
//	snapshot:{sessionID}        -> JSON Session (remote rows we follow)
//
// The sync queue and dead-letter log own their own prefixes; see the
// queue package.
const (
	privatePrefix  = "private:"
	snapshotPrefix = "snapshot:"
)

// anonUserKey stands in for the empty user id in key paths.
const anonUserKey = "anon"

func userKeyPart(userID string) string {
	if userID == "" {
		return anonUserKey
	}
	return userID
}

// BadgerKV adapts pkg/storage/badger to the KV interface.
type BadgerKV struct {
	db *badger.DB
}

// NewBadgerKV wraps an opened database.
func NewBadgerKV(db *badger.DB) *BadgerKV {
	return &BadgerKV{db: db}
}

func (b *BadgerKV) Get(key string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(txn *dgbadger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		return nil, nil
	}
	return out, err
}

func (b *BadgerKV) Set(key string, value []byte) error {
	return b.db.Update(func(txn *dgbadger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

func (b *BadgerKV) Remove(key string) error {
	return b.db.Update(func(txn *dgbadger.Txn) error {
		err := txn.Delete([]byte(key))
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// Scan visits every key with the given prefix. Used by the engine to
// load the private-session list; not part of the KV contract the spec
// collaborators rely on.
func (b *BadgerKV) Scan(prefix string, visit func(key string, value []byte) error) error {
	return b.db.View(func(txn *dgbadger.Txn) error {
		it := txn.NewIterator(dgbadger.DefaultIteratorOptions)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := visit(string(item.Key()), val); err != nil {
				return err
			}
		}
		return nil
	})
}

// scanner is implemented by KV stores that support prefix scans. The
// in-memory test store and BadgerKV both do.
type scanner interface {
	Scan(prefix string, visit func(key string, value []byte) error) error
}

// localStore wraps the KV with the engine's key discipline.
type localStore struct {
	kv KV
}

func (l *localStore) savePrivate(userID string, p *PrivateSession) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode private session: %w", err)
	}
	return l.kv.Set(privatePrefix+userKeyPart(userID)+":"+p.ID, raw)
}

func (l *localStore) loadPrivate(userID, sessionID string) (*PrivateSession, error) {
	raw, err := l.kv.Get(privatePrefix + userKeyPart(userID) + ":" + sessionID)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	var p PrivateSession
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode private session: %w", err)
	}
	return &p, nil
}

func (l *localStore) removePrivate(userID, sessionID string) error {
	return l.kv.Remove(privatePrefix + userKeyPart(userID) + ":" + sessionID)
}

func (l *localStore) listPrivate(userID string) ([]*PrivateSession, error) {
	sc, ok := l.kv.(scanner)
	if !ok {
		return nil, nil
	}
	var out []*PrivateSession
	prefix := privatePrefix + userKeyPart(userID) + ":"
	err := sc.Scan(prefix, func(key string, value []byte) error {
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		var p PrivateSession
		if err := json.Unmarshal(value, &p); err != nil {
			return fmt.Errorf("decode private session %s: %w", key, err)
		}
		out = append(out, &p)
		return nil
	})
	return out, err
}

func (l *localStore) saveSnapshot(sess *datatypes.Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return l.kv.Set(snapshotPrefix+sess.ID, raw)
}

func (l *localStore) loadSnapshot(sessionID string) (*datatypes.Session, error) {
	raw, err := l.kv.Get(snapshotPrefix + sessionID)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	var s datatypes.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &s, nil
}

func (l *localStore) removeSnapshot(sessionID string) error {
	return l.kv.Remove(snapshotPrefix + sessionID)
}

func (l *localStore) listSnapshots() ([]*datatypes.Session, error) {
	sc, ok := l.kv.(scanner)
	if !ok {
		return nil, nil
	}
	var out []*datatypes.Session
	err := sc.Scan(snapshotPrefix, func(key string, value []byte) error {
		var s datatypes.Session
		if err := json.Unmarshal(value, &s); err != nil {
			return fmt.Errorf("decode snapshot %s: %w", key, err)
		}
		out = append(out, &s)
		return nil
	})
	return out, err
}
