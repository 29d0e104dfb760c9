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
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// defaultProbeInterval spaces connectivity probes. Transitions also fire
// opportunistically when remote calls fail, so this only bounds how long
// a recovery can go unnoticed.
const defaultProbeInterval = 15 * time.Second

// ProbeOracle determines connectivity by polling the backend health
// endpoint. It is the production Oracle.
type ProbeOracle struct {
	healthURL string
	interval  time.Duration
	client    *http.Client
	logger    *slog.Logger

	mu     sync.Mutex
	online bool
	subs   map[int]func(online bool)
	nextID int

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// NewProbeOracle builds an oracle probing healthURL every interval.
// Zero interval selects the default.
func NewProbeOracle(healthURL string, interval time.Duration, logger *slog.Logger) *ProbeOracle {
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProbeOracle{
		healthURL: healthURL,
		interval:  interval,
		client:    &http.Client{Timeout: 5 * time.Second},
		logger:    logger.With(slog.String("component", "connectivity_oracle")),
		subs:      make(map[int]func(online bool)),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start probes once immediately, then on the interval until Stop.
func (o *ProbeOracle) Start() {
	go func() {
		defer close(o.doneCh)

		o.probe()
		ticker := time.NewTicker(o.interval)
		defer ticker.Stop()
		for {
			select {
			case <-o.stopCh:
				return
			case <-ticker.C:
				o.probe()
			}
		}
	}()
}

// Stop halts probing and waits for the prober goroutine to exit.
func (o *ProbeOracle) Stop() {
	o.once.Do(func() { close(o.stopCh) })
	<-o.doneCh
}

// Online reports the last probed state.
func (o *ProbeOracle) Online() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.online
}

// Subscribe registers a transition callback.
func (o *ProbeOracle) Subscribe(fn func(online bool)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextID
	o.nextID++
	o.subs[id] = fn
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.subs, id)
	}
}

// Report feeds an observation from outside the probe loop, typically a
// failed or recovered remote call. Cheaper than waiting out the ticker.
func (o *ProbeOracle) Report(online bool) {
	o.setOnline(online)
}

func (o *ProbeOracle) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.healthURL, nil)
	if err != nil {
		o.setOnline(false)
		return
	}
	resp, err := o.client.Do(req)
	if err != nil {
		o.setOnline(false)
		return
	}
	defer resp.Body.Close()
	o.setOnline(resp.StatusCode == http.StatusOK)
}

func (o *ProbeOracle) setOnline(online bool) {
	o.mu.Lock()
	changed := o.online != online
	o.online = online
	var fns []func(online bool)
	if changed {
		for _, fn := range o.subs {
			fns = append(fns, fn)
		}
	}
	o.mu.Unlock()

	if changed {
		o.logger.Info("connectivity changed", slog.Bool("online", online))
		for _, fn := range fns {
			fn(online)
		}
	}
}

// StaticOracle is an Oracle with a settable state, for tests and for
// local-only mode.
type StaticOracle struct {
	mu     sync.Mutex
	online bool
	subs   map[int]func(online bool)
	nextID int
}

// NewStaticOracle starts in the given state.
func NewStaticOracle(online bool) *StaticOracle {
	return &StaticOracle{online: online, subs: make(map[int]func(online bool))}
}

func (s *StaticOracle) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *StaticOracle) Subscribe(fn func(online bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// Set flips the state, notifying subscribers on transitions.
func (s *StaticOracle) Set(online bool) {
	s.mu.Lock()
	changed := s.online != online
	s.online = online
	var fns []func(online bool)
	if changed {
		for _, fn := range s.subs {
			fns = append(fns, fn)
		}
	}
	s.mu.Unlock()
	if changed {
		for _, fn := range fns {
			fn(online)
		}
	}
}
