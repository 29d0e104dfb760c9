// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/AleutianAI/wird/pkg/logging"
	"github.com/AleutianAI/wird/pkg/storage/badger"
	"github.com/AleutianAI/wird/services/engine"
	"github.com/AleutianAI/wird/services/engine/remote"
)

// runtime wires the engine for one CLI invocation.
type runtime struct {
	cfg     Config
	logger  *logging.Logger
	db      *badger.DB
	oracle  *engine.ProbeOracle
	manager *engine.SessionManager
}

// newRuntime opens the local store and builds a session manager from
// the loaded config. Local-only mode (no backend_url) is not an error.
func newRuntime() (*runtime, error) {
	logger, err := logging.New(logging.Config{
		Level:   config.LogLevel,
		Service: "wird",
		LogDir:  config.LogDir,
	})
	if err != nil {
		return nil, err
	}

	dataDir, err := expandHome(config.DataDir)
	if err != nil {
		return nil, err
	}
	dbCfg := badger.DefaultConfig()
	dbCfg.Path = dataDir
	dbCfg.Logger = logger.Logger
	db, err := badger.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open local store at %s: %w", dataDir, err)
	}

	r := &runtime{cfg: config, logger: logger, db: db}

	var backend engine.Backend
	var oracle engine.Oracle
	if config.BackendURL != "" {
		client, err := remote.New(remote.Config{
			BaseURL: config.BackendURL,
			Token:   config.token(),
			Logger:  logger.Logger,
		})
		if err != nil {
			db.Close()
			return nil, err
		}
		backend = client
		r.oracle = engine.NewProbeOracle(client.HealthURL(), 0, logger.Logger)
		r.oracle.Report(probeOnce(client.HealthURL()))
		oracle = r.oracle
	}

	manager, err := engine.NewSessionManager(engine.Config{
		DB:      db,
		Backend: backend,
		Oracle:  oracle,
		Identity: engine.StaticIdentity{
			User:    config.UserID,
			IsAdmin: config.AdminToken != "",
		},
		Logger: logger.Logger,
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	r.manager = manager
	return r, nil
}

// probeOnce answers the connectivity question synchronously so one-shot
// commands do not race the oracle's first tick.
func probeOnce(healthURL string) bool {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(healthURL)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (r *runtime) Close() {
	r.manager.Stop()
	_ = r.db.Close()
	_ = r.logger.Close()
}

// withRuntime runs fn with a wired runtime, handling setup and teardown.
func withRuntime(fn func(ctx context.Context, r *runtime) error) error {
	r, err := newRuntime()
	if err != nil {
		return err
	}
	defer r.Close()
	return fn(context.Background(), r)
}
