// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package devserver

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/glows777/mini-vite/services/devserver/telemetry"
)

// serviceName labels request spans.
const serviceName = "mini-vite"

// newRouter builds the middleware stack of an instance.
//
// # Description
//
// HMR upgrades are taken first so the socket can share a path with pages.
// Diagnostic routes are registered explicitly. Every other request falls
// through the module transform, index HTML, static file, and SPA fallback
// handlers in that order; the first one that answers aborts the chain and
// an unanswered request gets gin's 404.
func newRouter(inst *instance) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(serviceName))
	r.Use(requestLogger(inst.logger))
	if inst.cfg.Server.HMR.Enabled {
		r.Use(hmrUpgrade(inst))
	}
	r.Use(stripBase(inst.cfg.Base))

	r.GET("/__graph", graphHandler(inst))
	r.GET("/__metrics", metricsHandler())

	r.NoRoute(
		transformHandler(inst),
		indexHTMLHandler(inst),
		staticHandler(inst),
		spaFallbackHandler(inst),
	)
	return r
}

// requestLogger logs each request at debug level.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.RequestURI()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)),
		)
	}
}

// hmrUpgrade hands WebSocket upgrades on the HMR path to the hub.
func hmrUpgrade(inst *instance) gin.HandlerFunc {
	path := inst.cfg.Server.HMR.Path
	serve := inst.hub.Handler()
	return func(c *gin.Context) {
		if c.Request.URL.Path == path && websocket.IsWebSocketUpgrade(c.Request) {
			serve(c)
			c.Abort()
			return
		}
		c.Next()
	}
}

// stripBase removes the public base path so handlers see root-relative
// paths. A bare "/" is redirected to the base.
func stripBase(base string) gin.HandlerFunc {
	prefix := strings.TrimSuffix(base, "/")
	return func(c *gin.Context) {
		if prefix == "" {
			c.Next()
			return
		}
		p := c.Request.URL.Path
		switch {
		case p == "/":
			c.Redirect(http.StatusFound, prefix+"/")
			c.Abort()
			return
		case p == prefix:
			c.Request.URL.Path = "/"
		case strings.HasPrefix(p, prefix+"/"):
			c.Request.URL.Path = p[len(prefix):]
		}
		c.Request.URL.RawPath = ""
		c.Next()
	}
}

// metricsHandler serves the Prometheus exporter when telemetry set one up,
// and the default registry otherwise.
func metricsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := telemetry.MetricsHandler()
		if h == nil {
			h = promhttp.Handler()
		}
		h.ServeHTTP(c.Writer, c.Request)
	}
}
