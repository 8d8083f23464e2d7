// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/glows777/mini-vite/services/devserver/graph"
	"github.com/glows777/mini-vite/services/devserver/modpath"
	"github.com/glows777/mini-vite/services/devserver/plugin"
	"github.com/glows777/mini-vite/services/devserver/protocol"
)

// Result is the transformed code of one module.
type Result struct {
	// Code is the module source to send to the browser.
	Code string

	// Map is the source map, empty when no plugin produced one.
	Map string

	// URL is the request URL with cache-busting and other queries removed.
	URL string

	// ID is the resolved module id.
	ID string

	// Cached is true when the result came from the node's cache.
	Cached bool
}

// NewResolver adapts a plugin container into the module graph's resolver.
//
// URLs carrying an id prefix are unwrapped before resolution. An
// unresolved URL yields an empty id, which the graph treats as the URL
// itself.
func NewResolver(c *plugin.Container) graph.ResolveFunc {
	return func(ctx context.Context, url string) (string, error) {
		res, err := c.ResolveID(ctx, modpath.UnwrapID(url), "", plugin.ResolveOptions{IsEntry: true})
		if err != nil {
			return "", err
		}
		if res == nil {
			return "", nil
		}
		return res.ID, nil
	}
}

// Orchestrator answers module requests from the graph cache or the plugin
// pipeline.
//
// # Thread Safety
//
// Safe for concurrent use. At most one Load and Transform pipeline runs
// per module and cache generation at a time; concurrent requests for the
// same module share its result.
type Orchestrator struct {
	root      string
	graph     *graph.ModuleGraph
	container *plugin.Container
	sender    protocol.Sender
	flight    singleflight.Group
	logger    *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithSender sets where client-visible log messages are sent.
func WithSender(s protocol.Sender) Option {
	return func(o *Orchestrator) {
		o.sender = s
	}
}

// New creates an Orchestrator.
//
// # Inputs
//
//   - root: Absolute project root, used for display paths.
//   - g: The module graph. Must not be nil.
//   - c: The plugin container. Must not be nil.
//   - opts: Optional configuration.
//
// # Outputs
//
//   - *Orchestrator: Ready to serve requests.
//   - error: ErrNilGraph or ErrNilContainer.
func New(root string, g *graph.ModuleGraph, c *plugin.Container, opts ...Option) (*Orchestrator, error) {
	if g == nil {
		return nil, ErrNilGraph
	}
	if c == nil {
		return nil, ErrNilContainer
	}
	o := &Orchestrator{
		root:      modpath.NormalizePath(root),
		graph:     g,
		container: c,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// RequestURL derives the graph URL of a request: percent-decoded, without
// hash, cache-busting parameter, or any query other than the import marker.
func RequestURL(rawURL string) string {
	decoded := modpath.DecodeURL(rawURL)
	clean := modpath.CleanURL(decoded)
	if modpath.IsImportRequest(decoded) {
		return modpath.InjectQuery(clean, "import")
	}
	return clean
}

// TransformRequest returns the transformed code for a request URL.
//
// # Description
//
// A request whose "t" parameter is newer than the module's last HMR
// timestamp advances that timestamp and bypasses the cache. Otherwise a
// cached result is returned when present. A computed result is cached
// unless the module was invalidated while it was being computed.
//
// A loader reporting plugin.ErrNotFoundOnDisk yields an empty, uncached
// result and a log message to clients.
//
// # Outputs
//
//   - *Result: The module code.
//   - error: A *plugin.ResolutionError when the URL maps to no file,
//     ErrNoLoader when no plugin loads it, or a *plugin.PluginError.
func (o *Orchestrator) TransformRequest(ctx context.Context, rawURL string) (*Result, error) {
	start := time.Now()
	ts, _ := modpath.TimestampFromURL(rawURL)
	url := RequestURL(rawURL)

	ctx, span := tracer.Start(ctx, "transform.TransformRequest",
		trace.WithAttributes(
			attribute.String("url", url),
			attribute.Int64("timestamp", ts),
		))
	defer span.End()

	res, oc, err := o.transform(ctx, url, ts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transform failed")
		recordRequest(ctx, outcomeError, time.Since(start))
		return nil, err
	}
	span.SetAttributes(attribute.String("outcome", string(oc)))
	recordRequest(ctx, oc, time.Since(start))
	return res, nil
}

func (o *Orchestrator) transform(ctx context.Context, url string, ts int64) (*Result, outcome, error) {
	node, err := o.graph.EnsureEntryFromURL(ctx, url, false)
	if err != nil {
		return nil, outcomeError, err
	}
	id := node.ID()

	if !modpath.IsVirtual(id) && !modpath.IsInternalRequest(id) && !fileExists(node.File()) {
		return nil, outcomeError, &plugin.ResolutionError{Specifier: url}
	}

	cached, gen := o.graph.CachedResult(node, ts)
	if cached != nil {
		return &Result{Code: cached.Code, Map: cached.Map, URL: node.URL(), ID: id, Cached: true}, outcomeCached, nil
	}

	// The shared run outlives any one caller. Values such as the span are
	// kept but cancellation is not, so a closed request does not fail the
	// requests joined to it.
	key := fmt.Sprintf("%s#%d", id, gen)
	flightCtx := context.WithoutCancel(ctx)
	v, err, shared := o.flight.Do(key, func() (interface{}, error) {
		return o.compute(flightCtx, node, gen)
	})
	if err != nil {
		return nil, outcomeError, err
	}
	if shared {
		o.logger.Debug("joined in-flight transform", slog.String("id", id))
	}

	c := v.(*computed)
	res := &Result{Code: c.code, Map: c.sourceMap, URL: node.URL(), ID: id}
	if c.missing {
		return res, outcomeMissing, nil
	}
	return res, outcomeComputed, nil
}

// computed is the shared result of one pipeline run.
type computed struct {
	code      string
	sourceMap string
	missing   bool
}

func (o *Orchestrator) compute(ctx context.Context, node *graph.ModuleNode, gen uint64) (*computed, error) {
	id := node.ID()

	loaded, err := o.container.Load(ctx, id)
	if errors.Is(err, plugin.ErrNotFoundOnDisk) {
		short := modpath.ShortName(node.File(), o.root)
		o.logger.Warn("module file vanished during request", slog.String("file", short))
		if o.sender != nil {
			o.sender.Send(protocol.Log("file %s was removed while it was being served", short))
		}
		return &computed{missing: true}, nil
	}
	if err != nil {
		return nil, err
	}
	if loaded == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoLoader, id)
	}

	out, err := o.container.Transform(ctx, loaded.Code, id)
	if err != nil {
		return nil, err
	}
	sourceMap := out.Map
	if sourceMap == "" {
		sourceMap = loaded.Map
	}

	if !o.graph.StoreResult(node, &graph.TransformResult{Code: out.Code, Map: sourceMap}, gen) {
		o.logger.Debug("module invalidated during transform, result not cached",
			slog.String("id", id))
	}
	return &computed{code: out.Code, sourceMap: sourceMap}, nil
}

func fileExists(p string) bool {
	info, err := os.Stat(filepath.FromSlash(p))
	return err == nil && !info.IsDir()
}
