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
	"encoding/base64"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/glows777/mini-vite/services/devserver/modpath"
	"github.com/glows777/mini-vite/services/devserver/plugin"
	"github.com/glows777/mini-vite/services/devserver/transform"
)

const (
	contentTypeJS   = "application/javascript; charset=utf-8"
	contentTypeHTML = "text/html; charset=utf-8"

	cacheNoCache   = "no-cache"
	cacheImmutable = "max-age=31536000,immutable"
)

func isReadMethod(r *http.Request) bool {
	return r.Method == http.MethodGet || r.Method == http.MethodHead
}

// isNavigation reports whether the browser is loading a page.
func isNavigation(r *http.Request) bool {
	if dest := r.Header.Get("Sec-Fetch-Dest"); dest != "" {
		return dest == "document" || dest == "iframe"
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// wantsRawCSS reports whether a stylesheet is requested by a <link> tag
// rather than imported from a module.
func wantsRawCSS(r *http.Request) bool {
	if r.Header.Get("Sec-Fetch-Dest") == "style" {
		return true
	}
	return strings.HasPrefix(r.Header.Get("Accept"), "text/css")
}

// isModuleRequest decides whether a request goes through the transform
// pipeline.
func isModuleRequest(r *http.Request) bool {
	uri := r.URL.RequestURI()
	p := r.URL.Path
	switch {
	case modpath.IsHTMLFile(p):
		return false
	case strings.HasPrefix(p, modpath.IDPrefix), modpath.IsInternalRequest(p), modpath.IsImportRequest(uri):
		return true
	case modpath.IsCSSRequest(p):
		return !wantsRawCSS(r)
	case modpath.IsJSRequest(p):
		return !isNavigation(r)
	}
	return false
}

// transformHandler serves modules from the transform pipeline.
func transformHandler(inst *instance) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !isReadMethod(c.Request) || !isModuleRequest(c.Request) {
			return
		}
		uri := c.Request.URL.RequestURI()
		res, err := inst.transform.TransformRequest(c.Request.Context(), uri)
		if err != nil {
			writeTransformError(c, inst, uri, err)
			return
		}

		code := withInlineSourceMap(res.Code, res.Map)
		etag := weakETag(code)
		c.Header("ETag", etag)
		c.Header("Cache-Control", cacheControl(inst, res.ID))
		if c.GetHeader("If-None-Match") == etag {
			c.AbortWithStatus(http.StatusNotModified)
			return
		}
		c.Data(http.StatusOK, contentTypeJS, []byte(code))
		c.Abort()
	}
}

// writeTransformError maps pipeline failures to status codes. Failures
// stay local to the request.
func writeTransformError(c *gin.Context, inst *instance, uri string, err error) {
	var (
		resErr    *plugin.ResolutionError
		pluginErr *plugin.PluginError
	)
	switch {
	case errors.As(err, &resErr), errors.Is(err, transform.ErrNoLoader):
		inst.logger.Debug("module not found", slog.String("url", uri), slog.Any("error", err))
		c.String(http.StatusNotFound, err.Error())
	case errors.As(err, &pluginErr):
		inst.logger.Error("plugin failed",
			slog.String("url", uri),
			slog.String("plugin", pluginErr.Plugin),
			slog.String("hook", pluginErr.Hook),
			slog.Any("error", pluginErr.Err),
		)
		c.String(http.StatusInternalServerError, err.Error())
	default:
		inst.logger.Error("transform failed", slog.String("url", uri), slog.Any("error", err))
		c.String(http.StatusInternalServerError, err.Error())
	}
	c.Abort()
}

// cacheControl marks content-hashed dependency chunks immutable.
func cacheControl(inst *instance, id string) string {
	file := modpath.CleanURL(id)
	if inst.optimizer != nil && inst.optimizer.IsOptimizedFile(file) && strings.HasPrefix(path.Base(file), "chunk-") {
		return cacheImmutable
	}
	return cacheNoCache
}

func weakETag(code string) string {
	return fmt.Sprintf(`W/"%x-%08x"`, len(code), crc32.ChecksumIEEE([]byte(code)))
}

// withInlineSourceMap appends the map as a data URL unless the code
// already references one.
func withInlineSourceMap(code, sourceMap string) string {
	if sourceMap == "" || strings.Contains(code, "//# sourceMappingURL=") {
		return code
	}
	return code + "\n//# sourceMappingURL=data:application/json;base64," +
		base64.StdEncoding.EncodeToString([]byte(sourceMap)) + "\n"
}

// rootFile maps a URL path to a regular file under the root.
func (i *instance) rootFile(urlPath string) (string, bool) {
	clean := path.Clean("/" + urlPath)
	file := filepath.Join(i.cfg.Root, filepath.FromSlash(clean))
	info, err := os.Stat(file)
	if err != nil || !info.Mode().IsRegular() {
		return "", false
	}
	return file, true
}

// serveHTML sends an HTML file after the TransformIndexHTML hooks.
func serveHTML(c *gin.Context, inst *instance, file string) {
	content, err := os.ReadFile(file)
	if err != nil {
		c.String(http.StatusInternalServerError, err.Error())
		c.Abort()
		return
	}
	html, err := inst.container.TransformIndexHTML(c.Request.Context(), string(content))
	if err != nil {
		inst.logger.Error("index html transform failed", slog.String("file", file), slog.Any("error", err))
		c.String(http.StatusInternalServerError, err.Error())
		c.Abort()
		return
	}
	c.Header("Cache-Control", cacheNoCache)
	c.Data(http.StatusOK, contentTypeHTML, []byte(html))
	c.Abort()
}

// indexHTMLHandler serves HTML pages, mapping directories to index.html.
func indexHTMLHandler(inst *instance) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !isReadMethod(c.Request) {
			return
		}
		p := c.Request.URL.Path
		if strings.HasSuffix(p, "/") {
			p += "index.html"
		}
		if !modpath.IsHTMLFile(p) {
			return
		}
		if file, ok := inst.rootFile(p); ok {
			serveHTML(c, inst, file)
		}
	}
}

// staticHandler serves any other file under the root as is.
func staticHandler(inst *instance) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !isReadMethod(c.Request) {
			return
		}
		file, ok := inst.rootFile(c.Request.URL.Path)
		if !ok {
			return
		}
		c.Header("Cache-Control", cacheNoCache)
		c.File(file)
		c.Abort()
	}
}

// spaFallbackHandler answers unknown page navigations with /index.html.
func spaFallbackHandler(inst *instance) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !isReadMethod(c.Request) || !isNavigation(c.Request) {
			return
		}
		if path.Ext(c.Request.URL.Path) != "" {
			return
		}
		if file, ok := inst.rootFile("/index.html"); ok {
			serveHTML(c, inst, file)
		}
	}
}

// graphHandler dumps the module graph as JSON, or as Mermaid or DOT with
// ?format=mermaid and ?format=dot.
func graphHandler(inst *instance) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap := inst.graph.Snapshot()
		var write func(io.Writer) error
		switch c.Query("format") {
		case "mermaid":
			write = snap.WriteMermaid
		case "dot":
			write = snap.WriteDOT
		default:
			c.JSON(http.StatusOK, snap)
			return
		}
		c.Header("Content-Type", "text/plain; charset=utf-8")
		c.Status(http.StatusOK)
		if err := write(c.Writer); err != nil {
			inst.logger.Warn("graph export failed", slog.Any("error", err))
		}
	}
}
