// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package remote

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/AleutianAI/wird/services/engine"
	"github.com/AleutianAI/wird/services/sessiond/datatypes"
)

// Subscribe opens the push channel and delivers row-change events to
// handler until ctx is cancelled or the connection drops.
//
// Description:
//
//	Blocks for the life of the subscription. The caller (the session
//	manager's subscribe loop) owns reconnection policy; this method
//	reports a single connection's lifetime.
func (c *Client) Subscribe(ctx context.Context, handler func(datatypes.SessionEvent)) error {
	wsURL := c.endpoint("/v1/sessions/ws")
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return fmt.Errorf("%w: dial push channel: %v", engine.ErrTransient, err)
	}
	defer conn.Close()
	c.logger.Debug("push channel open", slog.String("url", wsURL))

	// Tear the connection down when ctx ends so the read loop unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var ev datatypes.SessionEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("%w: push channel read: %v", engine.ErrTransient, err)
		}
		handler(ev)
	}
}
