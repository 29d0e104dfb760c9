// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package remote is the HTTP and websocket client for sessiond,
// implementing the engine's Backend interface. HTTP status codes map
// onto the engine error taxonomy so callers never see transport detail.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AleutianAI/wird/services/engine"
	"github.com/AleutianAI/wird/services/sessiond/datatypes"
)

// Config holds client settings.
type Config struct {
	// BaseURL is the sessiond root, e.g. "http://localhost:12310".
	BaseURL string

	// Token is the bearer token. Empty requests anonymously.
	Token string

	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Client talks to one sessiond instance.
type Client struct {
	base   *url.URL
	token  string
	http   *http.Client
	logger *slog.Logger
}

// New validates the base URL and builds a client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, engine.ErrNotConfigured
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		base:   base,
		token:  cfg.Token,
		http:   cfg.HTTPClient,
		logger: cfg.Logger.With(slog.String("component", "remote_client")),
	}, nil
}

// HealthURL returns the health endpoint, for the connectivity oracle.
func (c *Client) HealthURL() string {
	return c.endpoint("/health")
}

// endpoint joins a path (possibly carrying a query string) onto the
// base URL.
func (c *Client) endpoint(path string) string {
	return strings.TrimRight(c.base.String(), "/") + path
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", engine.ErrTransient, err)
	}
	defer resp.Body.Close()

	if err := mapStatus(resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// mapStatus translates an HTTP error status into the engine taxonomy.
func mapStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	msg := readError(resp.Body)
	switch resp.StatusCode {
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", engine.ErrMalformed, msg)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", engine.ErrUnauthorized, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", engine.ErrNotFound, msg)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", engine.ErrCapacityExceeded, msg)
	case http.StatusMethodNotAllowed:
		// Backends predating the click RPC reject the route itself.
		return engine.ErrClickUnsupported
	default:
		return fmt.Errorf("%w: backend returned %d: %s", engine.ErrTransient, resp.StatusCode, msg)
	}
}

func readError(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil {
		return ""
	}
	var wire struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &wire) == nil && wire.Error != "" {
		return wire.Error
	}
	return strings.TrimSpace(string(raw))
}

func (c *Client) CreateSession(ctx context.Context, req datatypes.CreateSessionRequest) (datatypes.Session, error) {
	var sess datatypes.Session
	err := c.do(ctx, http.MethodPost, "/v1/sessions", &req, &sess)
	return sess, err
}

func (c *Client) GetSession(ctx context.Context, id string) (datatypes.Session, error) {
	var sess datatypes.Session
	err := c.do(ctx, http.MethodGet, "/v1/sessions/"+id, nil, &sess)
	return sess, err
}

func (c *Client) UpsertSession(ctx context.Context, sess datatypes.Session, conditional bool) (datatypes.ClickResponse, error) {
	req := datatypes.UpsertSessionRequest{Session: sess, IfActiveBelowTarget: conditional}
	var resp datatypes.ClickResponse
	err := c.do(ctx, http.MethodPut, "/v1/sessions/"+sess.ID, &req, &resp)
	return resp, err
}

func (c *Client) Click(ctx context.Context, id string) (datatypes.ClickResponse, error) {
	var resp datatypes.ClickResponse
	err := c.do(ctx, http.MethodPost, "/v1/sessions/"+id+"/click", nil, &resp)
	return resp, err
}

func (c *Client) JoinSession(ctx context.Context, id, inviteToken string) (datatypes.Participant, error) {
	req := datatypes.JoinSessionRequest{InviteToken: inviteToken}
	var p datatypes.Participant
	err := c.do(ctx, http.MethodPost, "/v1/sessions/"+id+"/join", &req, &p)
	return p, err
}

func (c *Client) LeaveSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/sessions/"+id+"/leave", nil, nil)
}

func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/sessions/"+id, nil, nil)
}

func (c *Client) ListDiscoverable(ctx context.Context) ([]datatypes.Session, error) {
	var resp datatypes.ListSessionsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/sessions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

func (c *Client) ListJoined(ctx context.Context) ([]datatypes.Session, error) {
	var resp datatypes.ListSessionsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/sessions?participant=me", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

func (c *Client) TrackEvent(ctx context.Context, ev datatypes.TrackEventRequest) error {
	return c.do(ctx, http.MethodPost, "/v1/events", &ev, nil)
}
