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
	"log/slog"
	"sort"
)

// SkipSet is an immutable set of plugin names bypassed during resolution.
//
// The zero value is empty. With returns a new set and never modifies the
// receiver, so a set can be shared down a recursive resolve chain.
type SkipSet struct {
	names map[string]struct{}
}

// NewSkipSet returns a set holding names.
func NewSkipSet(names ...string) SkipSet {
	var s SkipSet
	for _, n := range names {
		s = s.With(n)
	}
	return s
}

// Has reports whether name is in the set.
func (s SkipSet) Has(name string) bool {
	_, ok := s.names[name]
	return ok
}

// With returns a copy of the set with name added.
func (s SkipSet) With(name string) SkipSet {
	if s.Has(name) {
		return s
	}
	names := make(map[string]struct{}, len(s.names)+1)
	for n := range s.names {
		names[n] = struct{}{}
	}
	names[name] = struct{}{}
	return SkipSet{names: names}
}

// Len returns the number of names.
func (s SkipSet) Len() int { return len(s.names) }

// Names returns the names in sorted order.
func (s SkipSet) Names() []string {
	out := make([]string, 0, len(s.names))
	for n := range s.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ResolveCallOptions are the options of Context.Resolve.
type ResolveCallOptions struct {
	// SkipSelf bypasses the calling plugin for this resolution and every
	// resolution nested inside it.
	SkipSelf bool

	// IsEntry marks a top-level resolution.
	IsEntry bool
}

// Context is passed to every hook invocation.
//
// It is a context.Context carrying the request's cancellation and values,
// plus access to the container for re-entrant resolution.
type Context interface {
	context.Context

	// Resolve runs the container's ResolveID from inside a hook.
	Resolve(id, importer string, opts ResolveCallOptions) (*ResolveResult, error)

	// PluginName is the name of the plugin being invoked.
	PluginName() string

	// Server returns the running server, nil before ConfigureServer.
	Server() *ServerContext

	// Logger returns a logger tagged with the plugin name.
	Logger() *slog.Logger
}

// pluginContext is the Context implementation handed to hooks.
type pluginContext struct {
	context.Context
	container *Container
	plugin    *Plugin
	skip      SkipSet
}

func (c *Container) newContext(ctx context.Context, p *Plugin, skip SkipSet) *pluginContext {
	if pc, ok := ctx.(*pluginContext); ok {
		ctx = pc.Context
	}
	return &pluginContext{Context: ctx, container: c, plugin: p, skip: skip}
}

func (c *pluginContext) Resolve(id, importer string, opts ResolveCallOptions) (*ResolveResult, error) {
	skip := c.skip
	if opts.SkipSelf && c.plugin != nil {
		skip = skip.With(c.plugin.Name)
	}
	return c.container.ResolveID(c.Context, id, importer, ResolveOptions{
		Skip:    skip,
		IsEntry: opts.IsEntry,
	})
}

func (c *pluginContext) PluginName() string {
	if c.plugin == nil {
		return ""
	}
	return c.plugin.Name
}

func (c *pluginContext) Server() *ServerContext {
	return c.container.Server()
}

func (c *pluginContext) Logger() *slog.Logger {
	return c.container.logger.With(slog.String("plugin", c.PluginName()))
}
