// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package plugin

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/glows777/mini-vite/services/devserver/graph"
)

// ResolveOptions are the options of Container.ResolveID.
type ResolveOptions struct {
	// Skip names plugins to bypass.
	Skip SkipSet

	// IsEntry marks a top-level resolution.
	IsEntry bool
}

// Container runs hooks across an ordered plugin list.
//
// # Description
//
// The container holds no per-request state. Each hook invocation gets a
// fresh Context carrying the skip set of the resolution chain it belongs
// to, so nested Context.Resolve calls can never re-enter a skipped plugin.
//
// # Thread Safety
//
// Safe for concurrent use. Hooks may be called concurrently for different
// ids and must synchronize any state they keep.
type Container struct {
	plugins []*Plugin
	logger  *slog.Logger

	mu     sync.RWMutex
	server *ServerContext

	closeOnce sync.Once
	closed    atomic.Bool
	closeErr  error
}

// Option configures a Container.
type Option func(*Container)

// WithLogger sets the container logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Container) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewContainer creates a container over plugins, which must already be ordered.
func NewContainer(plugins []*Plugin, opts ...Option) *Container {
	c := &Container{
		plugins: plugins,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Plugins returns the ordered plugin list.
func (c *Container) Plugins() []*Plugin {
	out := make([]*Plugin, len(c.plugins))
	copy(out, c.plugins)
	return out
}

// Server returns the server set by ConfigureServer.
func (c *Container) Server() *ServerContext {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.server
}

// ConfigureServer records the server and calls every ConfigureServer hook in order.
func (c *Container) ConfigureServer(ctx context.Context, s *ServerContext) error {
	c.mu.Lock()
	c.server = s
	c.mu.Unlock()

	for _, p := range c.plugins {
		if p.ConfigureServer == nil {
			continue
		}
		if err := p.ConfigureServer(s); err != nil {
			return wrapHookError(p, HookConfigureServer, "", err)
		}
	}
	return nil
}

// BuildStart calls every BuildStart hook concurrently and waits for all of them.
func (c *Container) BuildStart(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "plugin.BuildStart")
	defer span.End()

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range c.plugins {
		if p.BuildStart == nil {
			continue
		}
		g.Go(func() error {
			return wrapHookError(p, HookBuildStart, "", p.BuildStart(c.newContext(gctx, p, SkipSet{})))
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "buildStart failed")
		return err
	}
	return nil
}

// ResolveID maps an import specifier to a module id.
//
// # Description
//
// Plugins are tried in order, skipping any named in opts.Skip. The first
// plugin returning a non-nil result with a non-empty id wins.
//
// # Inputs
//
//   - ctx: Request context.
//   - id: The specifier as written in source or requested by URL.
//   - importer: The importing module's id, empty for top-level requests.
//   - opts: Skip set and entry flag.
//
// # Outputs
//
//   - *ResolveResult: The winning result, nil when no plugin resolved id.
//   - error: A *PluginError when a hook failed.
func (c *Container) ResolveID(ctx context.Context, id, importer string, opts ResolveOptions) (*ResolveResult, error) {
	if c.closed.Load() {
		return nil, ErrContainerClosed
	}
	start := time.Now()

	for _, p := range c.plugins {
		if p.ResolveID == nil || opts.Skip.Has(p.Name) {
			continue
		}
		res, err := p.ResolveID(c.newContext(ctx, p, opts.Skip), id, importer, HookResolveOptions{IsEntry: opts.IsEntry})
		if err != nil {
			recordHook(ctx, p.Name, HookResolveID, time.Since(start), false)
			return nil, wrapHookError(p, HookResolveID, id, err)
		}
		if res == nil || res.ID == "" {
			continue
		}
		recordHook(ctx, p.Name, HookResolveID, time.Since(start), true)
		return res, nil
	}
	return nil, nil
}

// Load returns the source of a module.
//
// The first plugin returning a non-nil result wins, including a result
// with empty Code. Nil means no plugin could load id.
func (c *Container) Load(ctx context.Context, id string) (*LoadResult, error) {
	if c.closed.Load() {
		return nil, ErrContainerClosed
	}
	ctx, span := tracer.Start(ctx, "plugin.Load", trace.WithAttributes(attribute.String("id", id)))
	defer span.End()

	for _, p := range c.plugins {
		if p.Load == nil {
			continue
		}
		start := time.Now()
		res, err := p.Load(c.newContext(ctx, p, SkipSet{}), id)
		recordHook(ctx, p.Name, HookLoad, time.Since(start), err == nil)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "load failed")
			return nil, wrapHookError(p, HookLoad, id, err)
		}
		if res != nil {
			span.SetAttributes(attribute.String("plugin", p.Name))
			return res, nil
		}
	}
	return nil, nil
}

// Transform runs code through every Transform hook in order.
//
// # Description
//
// Each hook receives the previous hook's output. A nil result leaves the
// code unchanged. The first error aborts the chain and is returned as a
// *PluginError naming the failing plugin.
//
// # Outputs
//
//   - *TransformResult: The final code and the last source map produced.
//   - error: A *PluginError when a hook failed.
func (c *Container) Transform(ctx context.Context, code, id string) (*TransformResult, error) {
	if c.closed.Load() {
		return nil, ErrContainerClosed
	}
	ctx, span := tracer.Start(ctx, "plugin.Transform", trace.WithAttributes(attribute.String("id", id)))
	defer span.End()

	out := &TransformResult{Code: code}
	for _, p := range c.plugins {
		if p.Transform == nil {
			continue
		}
		start := time.Now()
		res, err := p.Transform(c.newContext(ctx, p, SkipSet{}), out.Code, id)
		recordHook(ctx, p.Name, HookTransform, time.Since(start), err == nil)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "transform failed")
			return nil, wrapHookError(p, HookTransform, id, err)
		}
		if res == nil {
			continue
		}
		out.Code = res.Code
		if res.Map != "" {
			out.Map = res.Map
		}
	}
	return out, nil
}

// TransformIndexHTML runs html through every TransformIndexHTML hook in order.
func (c *Container) TransformIndexHTML(ctx context.Context, html string) (string, error) {
	for _, p := range c.plugins {
		if p.TransformIndexHTML == nil {
			continue
		}
		next, err := p.TransformIndexHTML(c.newContext(ctx, p, SkipSet{}), html)
		if err != nil {
			return "", wrapHookError(p, HookTransformIndexHTML, "", err)
		}
		html = next
	}
	return html, nil
}

// HandleHotUpdate lets plugins narrow or replace the modules affected by a
// file change. Each non-nil result replaces hc.Modules for later plugins.
func (c *Container) HandleHotUpdate(ctx context.Context, hc *HotUpdateContext) ([]*graph.ModuleNode, error) {
	for _, p := range c.plugins {
		if p.HandleHotUpdate == nil {
			continue
		}
		mods, err := p.HandleHotUpdate(c.newContext(ctx, p, SkipSet{}), hc)
		if err != nil {
			return nil, wrapHookError(p, HookHandleHotUpdate, hc.File, err)
		}
		if mods != nil {
			hc.Modules = mods
		}
	}
	return hc.Modules, nil
}

// Close runs every BuildEnd hook and then every CloseBundle hook.
// Only the first call has any effect; later calls return its result.
func (c *Container) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		var errs []error
		if err := c.fanOut(ctx, HookBuildEnd, func(pc Context, p *Plugin) error {
			if p.BuildEnd == nil {
				return nil
			}
			return p.BuildEnd(pc, nil)
		}); err != nil {
			errs = append(errs, err)
		}
		if err := c.fanOut(ctx, HookCloseBundle, func(pc Context, p *Plugin) error {
			if p.CloseBundle == nil {
				return nil
			}
			return p.CloseBundle(pc)
		}); err != nil {
			errs = append(errs, err)
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}

// fanOut runs fn for every plugin concurrently and waits for all of them.
func (c *Container) fanOut(ctx context.Context, hook string, fn func(pc Context, p *Plugin) error) error {
	var g errgroup.Group
	for _, p := range c.plugins {
		g.Go(func() error {
			return wrapHookError(p, hook, "", fn(c.newContext(ctx, p, SkipSet{}), p))
		})
	}
	return g.Wait()
}
