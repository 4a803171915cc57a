// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package statusapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// RegisterRoutes registers the migration routes with the router.
//
// Description:
//
//	Registers all /v1/migrate/* endpoints with the given Gin router group.
//	The router group should already have any required middleware applied.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//
// Endpoints:
//
//	GET  /v1/migrate/state - Current status and phase
//	GET  /v1/migrate/history - Finished migrations, newest first
//	GET  /v1/migrate/config - Active configuration
//	GET  /v1/migrate/health - Liveness and rollback health
//	POST /v1/migrate/run - Run a migration (rate limited)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	m := rg.Group("/migrate")
	{
		m.GET("/state", handlers.HandleState)
		m.GET("/history", handlers.HandleHistory)
		m.GET("/config", handlers.HandleConfig)
		m.GET("/health", handlers.HandleHealth)
		m.POST("/run", handlers.HandleRun)
	}
}

// NewRouter builds the status API router.
//
// Description:
//
//	Installs recovery and OpenTelemetry middleware, serves metrics on
//	GET /metrics when metricsHandler is non-nil and registers the
//	migration routes under /v1.
func NewRouter(handlers *Handlers, metricsHandler http.Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("livemigrate"))

	if metricsHandler != nil {
		router.GET("/metrics", gin.WrapH(metricsHandler))
	}

	RegisterRoutes(router.Group("/v1"), handlers)
	return router
}
