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
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/wird/services/sessiond/datatypes"
	"github.com/AleutianAI/wird/services/sessiond/observability"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 4 * 1024,
}

const (
	// writeWait bounds a single WriteJSON to a slow client.
	writeWait = 10 * time.Second

	// subscriberBuffer is the per-connection event backlog. A subscriber
	// that falls further behind is dropped; it can reconnect and refetch.
	subscriberBuffer = 64
)

// Hub fans session row events out to websocket subscribers.
//
// Description:
//
//	Publish is safe from any goroutine and never blocks the mutating
//	request handler: events go onto a buffered channel and a single
//	run goroutine distributes them. Slow subscribers are disconnected
//	rather than allowed to stall the fan-out.
//
// Thread Safety: Safe for concurrent use after Start().
type Hub struct {
	logger  *slog.Logger
	metrics *observability.Metrics

	mu          sync.Mutex
	subscribers map[*subscriber]struct{}

	broadcast chan datatypes.SessionEvent
	stopCh    chan struct{}
	doneCh    chan struct{}
	started   bool
	stopOnce  sync.Once
}

type subscriber struct {
	conn *websocket.Conn
	send chan datatypes.SessionEvent
}

// NewHub creates a hub. Call Start() before publishing.
func NewHub(logger *slog.Logger, metrics *observability.Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:      logger.With(slog.String("component", "push_hub")),
		metrics:     metrics,
		subscribers: make(map[*subscriber]struct{}),
		broadcast:   make(chan datatypes.SessionEvent, 256),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start begins the fan-out goroutine. Safe to call once.
func (h *Hub) Start() {
	h.mu.Lock()
	h.started = true
	h.mu.Unlock()
	go h.run()
}

// Stop halts fan-out and closes every subscriber connection. Safe to
// call more than once and safe on a hub that was never started.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
		h.mu.Lock()
		started := h.started
		h.mu.Unlock()
		if started {
			<-h.doneCh
		}

		h.mu.Lock()
		defer h.mu.Unlock()
		for sub := range h.subscribers {
			close(sub.send)
			delete(h.subscribers, sub)
		}
	})
}

// Publish enqueues an event for fan-out. Drops the event if the hub
// backlog is full; the push channel is best-effort by design and clients
// reconcile from list/get reads.
func (h *Hub) Publish(event datatypes.SessionEvent) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("push backlog full, dropping event",
			slog.String("event", event.Type),
			slog.String("session_id", event.Session.ID))
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	for {
		select {
		case <-h.stopCh:
			return
		case event := <-h.broadcast:
			if h.metrics != nil {
				h.metrics.EventsBroadcastTotal.WithLabelValues(event.Type).Inc()
			}
			h.mu.Lock()
			for sub := range h.subscribers {
				select {
				case sub.send <- event:
				default:
					// Subscriber stalled; cut it loose.
					close(sub.send)
					delete(h.subscribers, sub)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) register(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers[sub] = struct{}{}
	if h.metrics != nil {
		h.metrics.ActiveSubscribers.Set(float64(len(h.subscribers)))
	}
}

func (h *Hub) unregister(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[sub]; ok {
		close(sub.send)
		delete(h.subscribers, sub)
	}
	if h.metrics != nil {
		h.metrics.ActiveSubscribers.Set(float64(len(h.subscribers)))
	}
}

// Subscribe handles GET /v1/sessions/ws: upgrades to a websocket and
// streams session row events until the client disconnects.
func Subscribe(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("failed to upgrade the websocket", "error", err)
			return
		}
		defer ws.Close()
		slog.Info("push subscriber connected", "remote", ws.RemoteAddr().String())

		sub := &subscriber{conn: ws, send: make(chan datatypes.SessionEvent, subscriberBuffer)}
		hub.register(sub)
		defer hub.unregister(sub)

		// Reader goroutine: we never expect client frames, but reading is
		// what surfaces the close.
		disconnected := make(chan struct{})
		go func() {
			defer close(disconnected)
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-disconnected:
				slog.Info("push subscriber disconnected")
				return
			case event, ok := <-sub.send:
				if !ok {
					// Hub dropped us (stall or shutdown).
					return
				}
				_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
				if err := ws.WriteJSON(event); err != nil {
					slog.Warn("failed to write push event", "error", err)
					return
				}
			}
		}
	}
}
