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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics instruments the engine. All series live under wird_engine_*.
type metrics struct {
	QueueDepth         prometheus.Gauge
	DeadLetters        prometheus.Gauge
	Online             prometheus.Gauge
	DrainsTotal        prometheus.Counter
	DrainFailuresTotal prometheus.Counter
	ClicksTotal        *prometheus.CounterVec
	StaleMergesTotal   prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &metrics{
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "wird",
			Subsystem: "engine",
			Name:      "queue_depth",
			Help:      "Pending operations awaiting replay.",
		}),
		DeadLetters: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "wird",
			Subsystem: "engine",
			Name:      "dead_letters",
			Help:      "Operations dropped past the retry cap.",
		}),
		Online: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "wird",
			Subsystem: "engine",
			Name:      "online",
			Help:      "1 when the backend is reachable.",
		}),
		DrainsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "wird",
			Subsystem: "engine",
			Name:      "drains_total",
			Help:      "Completed drain passes.",
		}),
		DrainFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "wird",
			Subsystem: "engine",
			Name:      "drain_failures_total",
			Help:      "Replay attempts that failed within drain passes.",
		}),
		ClicksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wird",
			Subsystem: "engine",
			Name:      "clicks_total",
			Help:      "Clicks by remote outcome.",
		}, []string{"outcome"}),
		StaleMergesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "wird",
			Subsystem: "engine",
			Name:      "stale_merges_total",
			Help:      "Incoming snapshots discarded for being behind the local count.",
		}),
	}
}
