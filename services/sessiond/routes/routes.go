// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/wird/services/sessiond/handlers"
	"github.com/AleutianAI/wird/services/sessiond/middleware"
	"github.com/AleutianAI/wird/services/sessiond/observability"
	"github.com/AleutianAI/wird/services/sessiond/store"
)

// SetupRoutes wires the sessiond HTTP surface.
func SetupRoutes(router *gin.Engine, st *store.Store, hub *handlers.Hub,
	metrics *observability.Metrics, adminToken string) {

	router.Use(metrics.GinMiddleware())
	router.Use(middleware.AuthMiddleware(adminToken))

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	{
		v1.POST("/events", handlers.TrackEvent())

		sessions := v1.Group("/sessions")
		{
			sessions.GET("", handlers.ListSessions(st))
			sessions.POST("", handlers.CreateSession(st, hub))
			sessions.GET("/ws", handlers.Subscribe(hub))
			sessions.GET("/:sessionId", handlers.GetSession(st))
			sessions.PUT("/:sessionId", handlers.UpsertSession(st, hub))
			sessions.DELETE("/:sessionId", handlers.DeleteSession(st, hub))
			sessions.POST("/:sessionId/click", handlers.Click(st, hub, metrics))
			sessions.POST("/:sessionId/join", handlers.JoinSession(st))
			sessions.POST("/:sessionId/leave", handlers.LeaveSession(st))
		}
	}
}
