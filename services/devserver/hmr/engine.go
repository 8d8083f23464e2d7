// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package hmr turns file changes into hot-update notifications.
//
// The Engine looks up the graph nodes backed by a changed file, walks
// importers to find accepting boundaries, invalidates cached transforms
// along the way, and sends exactly one payload per change: an update
// listing every boundary, or a full reload when any branch reaches an
// entry module or a cycle.
package hmr

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/glows777/mini-vite/services/devserver/config"
	"github.com/glows777/mini-vite/services/devserver/graph"
	"github.com/glows777/mini-vite/services/devserver/modpath"
	"github.com/glows777/mini-vite/services/devserver/plugin"
	"github.com/glows777/mini-vite/services/devserver/protocol"
	"github.com/glows777/mini-vite/services/devserver/watcher"
)

// ErrNilGraph is returned when the engine is used without a graph.
var ErrNilGraph = errors.New("hmr engine has no module graph")

// RestartFunc restarts the server after a config file change.
type RestartFunc func(ctx context.Context) error

// Engine dispatches file changes to HMR clients.
//
// # Description
//
// All dispatch runs under one mutex, so payloads leave in the order the
// file events arrived. The engine holds no state of its own beyond the
// last issued timestamp; everything else lives in the graph.
//
// # Thread Safety
//
// Safe for concurrent use.
type Engine struct {
	root      string
	graph     *graph.ModuleGraph
	container *plugin.Container
	sender    protocol.Sender
	restart   RestartFunc
	enabled   bool
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	lastTS int64
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithRestart sets the hook run when a config file changes.
func WithRestart(fn RestartFunc) Option {
	return func(e *Engine) {
		e.restart = fn
	}
}

// WithHMR enables or disables update dispatch. A disabled engine still
// invalidates changed files so the next request recompiles them.
func WithHMR(enabled bool) Option {
	return func(e *Engine) {
		e.enabled = enabled
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New creates an engine over g. container may be nil, in which case no
// HandleHotUpdate hooks run.
func New(root string, g *graph.ModuleGraph, container *plugin.Container, sender protocol.Sender, opts ...Option) *Engine {
	if sender == nil {
		sender = protocol.SenderFunc(func(protocol.Payload) {})
	}
	e := &Engine{
		root:      modpath.NormalizePath(root),
		graph:     g,
		container: container,
		sender:    sender,
		enabled:   true,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// timestamp returns a strictly increasing millisecond timestamp, so two
// changes within one millisecond still produce distinct cache-busting urls.
func (e *Engine) timestamp() int64 {
	ts := e.now().UnixMilli()
	if ts <= e.lastTS {
		ts = e.lastTS + 1
	}
	e.lastTS = ts
	return ts
}

// WatchHandler adapts the engine to a watcher callback. Events in a batch
// are handled in order; failures are logged and reported to clients.
func (e *Engine) WatchHandler(ctx context.Context) watcher.Handler {
	return func(events []watcher.Event) {
		for _, ev := range events {
			if err := e.HandleFileEvent(ctx, ev); err != nil {
				e.logger.Error("hmr dispatch failed",
					slog.String("file", ev.Path),
					slog.String("op", ev.Op.String()),
					slog.Any("error", err),
				)
			}
		}
	}
}

// HandleFileEvent reacts to one watcher event.
//
// # Description
//
// A change invalidates every node backed by the file and then runs the HMR
// update. An add or unlink sends updates for the file's nodes, if any.
// Failures are also sent to clients as an error payload.
func (e *Engine) HandleFileEvent(ctx context.Context, ev watcher.Event) error {
	if e.graph == nil {
		return ErrNilGraph
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	file := modpath.NormalizePath(ev.Path)
	ctx, span := tracer.Start(ctx, "hmr.HandleFileEvent",
		trace.WithAttributes(
			attribute.String("file", file),
			attribute.String("op", ev.Op.String()),
		),
	)
	defer span.End()

	var err error
	switch ev.Op {
	case watcher.OpChange:
		e.graph.OnFileChange(file)
		if e.enabled {
			err = e.handleHMRUpdate(ctx, file)
		}
	case watcher.OpAdd, watcher.OpUnlink:
		nodes := e.graph.GetModulesByFile(file)
		if e.enabled && len(nodes) > 0 {
			e.updateModules(ctx, modpath.ShortName(file, e.root), nodes, e.timestamp())
		}
	}
	if err != nil {
		errorStatus(span, err)
		e.sendError(err)
	}
	return err
}

// HandleHMRUpdate dispatches a changed file.
//
// # Description
//
// Config files bypass the graph and trigger a restart. Otherwise the
// file's nodes are offered to plugin HandleHotUpdate hooks and the final
// set is passed to UpdateModules. A change that affects no module sends
// nothing, except for HTML files, which reload the pages showing them.
func (e *Engine) HandleHMRUpdate(ctx context.Context, file string) error {
	if e.graph == nil {
		return ErrNilGraph
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handleHMRUpdate(ctx, modpath.NormalizePath(file))
}

func (e *Engine) handleHMRUpdate(ctx context.Context, file string) error {
	short := modpath.ShortName(file, e.root)

	if config.IsConfigFile(file) {
		e.logger.Info("[hmr] config changed, restarting server", slog.String("file", short))
		recordDispatch(ctx, resultRestart, 0, 0)
		if e.restart == nil {
			return nil
		}
		if err := e.restart(ctx); err != nil {
			e.logger.Error("server restart failed", slog.Any("error", err))
		}
		return nil
	}

	e.logger.Debug("[hmr] file changed", slog.String("file", short))

	ts := e.timestamp()
	hc := &plugin.HotUpdateContext{
		File:      file,
		Timestamp: ts,
		Modules:   e.graph.GetModulesByFile(file),
		Read: func() (string, error) {
			b, err := os.ReadFile(file)
			if err != nil {
				return "", err
			}
			return string(b), nil
		},
	}
	modules := hc.Modules
	if e.container != nil {
		hc.Server = e.container.Server()
		var err error
		modules, err = e.container.HandleHotUpdate(ctx, hc)
		if err != nil {
			return err
		}
	}

	if len(modules) == 0 {
		if modpath.IsHTMLFile(file) {
			e.logger.Info("[hmr] page reload", slog.String("file", short))
			e.sender.Send(protocol.FullReload(short))
			recordDispatch(ctx, resultFullReload, 0, 0)
			return nil
		}
		e.logger.Debug("[hmr] no modules matched", slog.String("file", short))
		recordDispatch(ctx, resultNoop, 0, 0)
		return nil
	}

	e.updateModules(ctx, short, modules, ts)
	return nil
}

// UpdateModules propagates and invalidates each node and sends one payload.
//
// # Description
//
// Every node is invalidated even after a dead end is found. A dead end on
// any node sends a single full-reload and drops the partial updates.
// Otherwise every distinct boundary goes into one update payload. No
// boundaries sends nothing.
//
// # Inputs
//
//   - ctx: Context for tracing.
//   - file: Root-relative path of the change, for logs.
//   - nodes: The affected modules.
//   - timestamp: The update timestamp.
func (e *Engine) UpdateModules(ctx context.Context, file string, nodes []*graph.ModuleNode, timestamp int64) {
	if e.graph == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if timestamp > e.lastTS {
		e.lastTS = timestamp
	}
	e.updateModules(ctx, file, nodes, timestamp)
}

func (e *Engine) updateModules(ctx context.Context, file string, nodes []*graph.ModuleNode, timestamp int64) {
	ctx, span := tracer.Start(ctx, "hmr.UpdateModules",
		trace.WithAttributes(
			attribute.String("file", file),
			attribute.Int("modules", len(nodes)),
		),
	)
	defer span.End()
	start := time.Now()

	var (
		updates    []protocol.Update
		fullReload bool
		seen       = make(map[*graph.ModuleNode]struct{})
		sent       = make(map[[2]graph.NodeKey]struct{})
	)
	for _, n := range nodes {
		var boundaries []Boundary
		deadEnd := PropagateUpdate(n, &boundaries, []*graph.ModuleNode{n})
		Invalidate(e.graph, n, timestamp, seen)

		if fullReload {
			continue
		}
		if deadEnd {
			fullReload = true
			continue
		}
		for _, b := range boundaries {
			key := [2]graph.NodeKey{b.Boundary.Key(), b.AcceptedVia.Key()}
			if _, dup := sent[key]; dup {
				continue
			}
			sent[key] = struct{}{}
			updates = append(updates, protocol.Update{
				Type:         updateType(b.Boundary),
				Path:         b.Boundary.URL(),
				AcceptedPath: b.AcceptedVia.URL(),
				Timestamp:    timestamp,
			})
		}
	}

	switch {
	case fullReload:
		e.logger.Info("[hmr] page reload", slog.String("file", file))
		span.SetAttributes(attribute.Bool("full_reload", true))
		e.sender.Send(protocol.FullReload(""))
		recordDispatch(ctx, resultFullReload, 0, time.Since(start))
	case len(updates) == 0:
		e.logger.Debug("[hmr] no update happened", slog.String("file", file))
		recordDispatch(ctx, resultNoop, 0, time.Since(start))
	default:
		paths := make([]string, len(updates))
		for i, u := range updates {
			paths[i] = u.Path
		}
		e.logger.Info("[hmr] hot updated", slog.String("paths", strings.Join(paths, ", ")))
		span.SetAttributes(attribute.Int("boundaries", len(updates)))
		e.sender.Send(protocol.NewUpdate(updates...))
		recordDispatch(ctx, resultUpdate, len(updates), time.Since(start))
	}
}

func updateType(n *graph.ModuleNode) protocol.UpdateType {
	if n.Type() == graph.ModuleTypeCSS {
		return protocol.UpdateCSS
	}
	return protocol.UpdateJS
}

// HandlePrunedModules stamps modules that lost their last importer and
// tells clients to run their prune callbacks. Their caches are kept, so a
// later re-import is served without recompiling.
func (e *Engine) HandlePrunedModules(ctx context.Context, nodes []*graph.ModuleNode) {
	if len(nodes) == 0 || e.graph == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	ts := e.timestamp()
	paths := make([]string, 0, len(nodes))
	for _, n := range nodes {
		e.graph.TouchTimestamp(n, ts)
		paths = append(paths, n.URL())
	}
	e.logger.Debug("[hmr] pruned modules", slog.Any("paths", paths))
	e.sender.Send(protocol.Prune(paths))
	recordDispatch(ctx, resultPrune, 0, 0)
}

// sendError reports a dispatch failure to clients.
func (e *Engine) sendError(err error) {
	info := protocol.ErrorInfo{Message: err.Error()}
	var pe *plugin.PluginError
	if errors.As(err, &pe) {
		info.Plugin = pe.Plugin
		info.ID = pe.ID
		info.Message = pe.Err.Error()
	}
	e.sender.Send(protocol.Error(info))
}

// errorStatus marks span as failed.
func errorStatus(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
