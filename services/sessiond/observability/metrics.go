// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for sessiond.
//
// # Description
//
// Metrics cover the request surface and the counter-contention behavior
// that matters operationally:
//   - Request counters by route and status
//   - Click totals and completion transitions
//   - Transaction-conflict retries on the click path (the contention signal)
//   - Active push-channel subscribers
//
// Metrics are exposed via the /metrics endpoint. All operations are
// thread-safe via Prometheus's internal locking.
package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "wird"
	subsystem        = "sessiond"
)

// Metrics holds all Prometheus metrics for sessiond. Initialize once at
// startup via NewMetrics().
type Metrics struct {
	// RequestsTotal counts HTTP requests by route and status code.
	RequestsTotal *prometheus.CounterVec

	// RequestDurationSeconds measures handler latency by route.
	RequestDurationSeconds *prometheus.HistogramVec

	// ClicksTotal counts applied click increments.
	ClicksTotal prometheus.Counter

	// CompletionsTotal counts sessions reaching their target.
	CompletionsTotal prometheus.Counter

	// ClickConflictRetriesTotal counts Badger transaction conflicts on the
	// click path. A rising rate means heavy concurrent writers on one row.
	ClickConflictRetriesTotal prometheus.Counter

	// ActiveSubscribers tracks connected push-channel websockets.
	ActiveSubscribers prometheus.Gauge

	// EventsBroadcastTotal counts row events fanned out to subscribers.
	EventsBroadcastTotal *prometheus.CounterVec
}

// NewMetrics registers sessiond metrics on a registry. Pass nil to use
// the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "status"}),
		RequestDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "request_duration_seconds",
			Help:      "Handler latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		ClicksTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "clicks_total",
			Help:      "Applied click increments.",
		}),
		CompletionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "completions_total",
			Help:      "Sessions that reached their target.",
		}),
		ClickConflictRetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "click_conflict_retries_total",
			Help:      "Badger transaction conflicts retried on the click path.",
		}),
		ActiveSubscribers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "active_subscribers",
			Help:      "Connected push-channel websocket clients.",
		}),
		EventsBroadcastTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "events_broadcast_total",
			Help:      "Row-change events fanned out, by event type.",
		}, []string{"event"}),
	}
}

// GinMiddleware records request count and latency per route.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RequestsTotal.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
		m.RequestDurationSeconds.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}
