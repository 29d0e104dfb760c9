// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for sessiond.
//
// # Authentication Flow
//
// The auth middleware extracts a bearer token from the Authorization
// header and stores the resulting Identity in the Gin context for
// downstream handlers.
//
//	Request
//	   │
//	   ▼
//	AuthMiddleware
//	   │
//	   ├─► Extract token from "Authorization: Bearer <token>"
//	   │
//	   ├─► admin token        ⇒ Identity{UserID: "admin", Admin: true}
//	   ├─► "user:<id>" token  ⇒ Identity{UserID: id}
//	   └─► absent             ⇒ anonymous Identity
//	           │
//	           ▼
//	       Handler (retrieves via GetIdentity)
//
// Anonymous requests are permitted: anonymous participation is part of
// the product. Handlers that need ownership or admin rights check the
// Identity themselves and answer 401/403.
//
// The "user:<id>" scheme is the reference backend's self-issued identity;
// deployments fronted by a real identity provider replace this middleware
// only, not the handlers.
package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// identityKey is the context key for storing Identity.
const identityKey = "wird_identity"

// userTokenPrefix marks self-issued identity tokens.
const userTokenPrefix = "user:"

// Identity is the authenticated caller of a request.
type Identity struct {
	// UserID is empty for anonymous callers.
	UserID string

	// Admin grants public-session creation, auto-session deletion, and
	// unconditional session deletion.
	Admin bool
}

// Anonymous reports whether the caller has no identity.
func (i Identity) Anonymous() bool {
	return i.UserID == ""
}

// GetIdentity retrieves the caller identity stored by AuthMiddleware.
// Returns an anonymous identity when the middleware did not run.
func GetIdentity(c *gin.Context) Identity {
	if v, ok := c.Get(identityKey); ok {
		if id, ok := v.(Identity); ok {
			return id
		}
	}
	return Identity{}
}

// AuthMiddleware resolves the bearer token to an Identity.
//
// Inputs:
//
//	adminToken - The shared admin secret. Empty disables admin access.
func AuthMiddleware(adminToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(identityKey, resolve(c.GetHeader("Authorization"), adminToken))
		c.Next()
	}
}

func resolve(header, adminToken string) Identity {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return Identity{}
	}
	token = strings.TrimSpace(token)
	switch {
	case token == "":
		return Identity{}
	case adminToken != "" && token == adminToken:
		return Identity{UserID: "admin", Admin: true}
	case strings.HasPrefix(token, userTokenPrefix):
		return Identity{UserID: strings.TrimPrefix(token, userTokenPrefix)}
	default:
		// Opaque tokens double as user ids in the reference backend.
		return Identity{UserID: token}
	}
}
