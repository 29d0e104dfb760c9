// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sessiond is the authoritative backend for shared recitation
// sessions: row storage, the atomic click RPC, membership, and the
// websocket push channel that feeds client-side reconciliation.
package sessiond

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/wird/pkg/storage/badger"
	"github.com/AleutianAI/wird/services/sessiond/handlers"
	"github.com/AleutianAI/wird/services/sessiond/observability"
	"github.com/AleutianAI/wird/services/sessiond/routes"
	"github.com/AleutianAI/wird/services/sessiond/store"
)

// Config holds sessiond settings, read from environment variables by
// cmd/wirdd.
type Config struct {
	// Port is the HTTP listen port.
	Port int

	// DataDir is the BadgerDB directory. Required unless InMemory.
	DataDir string

	// AdminToken is the shared admin secret. Empty disables admin access
	// (no public sessions can then be created).
	AdminToken string

	// InMemory runs the row store without persistence (tests).
	InMemory bool

	// Registry receives the Prometheus metrics. Nil uses the default
	// registry.
	Registry prometheus.Registerer
}

// Service is a running sessiond instance.
type Service struct {
	cfg     Config
	db      *badger.DB
	store   *store.Store
	hub     *handlers.Hub
	metrics *observability.Metrics
	router  *gin.Engine
	logger  *slog.Logger
}

// New assembles a sessiond service.
//
// Outputs:
//
//	*Service - Ready for Run(). Call Close() if Run() is never invoked.
//	error - Non-nil when storage cannot be opened.
func New(cfg Config) (*Service, error) {
	logger := slog.Default().With(slog.String("service", "sessiond"))

	dbCfg := badger.DefaultConfig()
	dbCfg.Path = cfg.DataDir
	dbCfg.InMemory = cfg.InMemory
	dbCfg.Logger = logger
	db, err := badger.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	metrics := observability.NewMetrics(cfg.Registry)
	st := store.New(db, logger, store.WithConflictHook(func() {
		metrics.ClickConflictRetriesTotal.Inc()
	}))
	hub := handlers.NewHub(logger, metrics)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	routes.SetupRoutes(router, st, hub, metrics, cfg.AdminToken)

	return &Service{
		cfg:     cfg,
		db:      db,
		store:   st,
		hub:     hub,
		metrics: metrics,
		router:  router,
		logger:  logger,
	}, nil
}

// Store exposes the row store for in-process tests.
func (s *Service) Store() *store.Store {
	return s.store
}

// Router exposes the HTTP handler for httptest servers.
func (s *Service) Router() http.Handler {
	return s.router
}

// Run starts the push hub and the HTTP server, blocking until ctx is
// cancelled, then shuts both down gracefully.
func (s *Service) Run(ctx context.Context) error {
	s.hub.Start()
	defer s.hub.Stop()
	defer s.db.Close()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("sessiond listening", slog.Int("port", s.cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Close releases resources without running the server (tests, failed
// startups).
func (s *Service) Close() error {
	s.hub.Stop()
	return s.db.Close()
}
