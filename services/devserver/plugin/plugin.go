// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package plugin defines the rollup-style plugin hook contract and the
// container that runs an ordered plugin list against it.
//
// # Hook Semantics
//
//   - ResolveID and Load are short-circuiting: the first plugin returning a
//     non-nil result wins.
//   - Transform is a pipeline: every plugin runs in order on the previous
//     plugin's output.
//   - BuildStart, BuildEnd and CloseBundle fan out to every plugin.
//
// Hooks are optional func fields. A nil field means the plugin does not
// implement that hook.
package plugin

import (
	"context"
	"log/slog"
	"sort"

	"github.com/glows777/mini-vite/services/devserver/graph"
	"github.com/glows777/mini-vite/services/devserver/protocol"
)

// Enforce places a user plugin before or after the built-in plugins.
type Enforce string

const (
	// EnforceNone runs the plugin after the built-ins.
	EnforceNone Enforce = ""

	// EnforcePre runs the plugin before the built-ins.
	EnforcePre Enforce = "pre"

	// EnforcePost runs the plugin after every other plugin.
	EnforcePost Enforce = "post"
)

// Commands a plugin can be applied to.
const (
	CommandServe = "serve"
	CommandBuild = "build"
)

// ResolveResult is a successful resolution.
type ResolveResult struct {
	// ID is the canonical module id.
	ID string

	// External marks ids the server must not load or transform.
	External bool

	// Meta carries plugin-specific data alongside the id.
	Meta map[string]any
}

// LoadResult is loaded module source. An empty Code is a valid result.
type LoadResult struct {
	Code string
	Map  string
}

// TransformResult is the output of one transform step.
type TransformResult struct {
	Code string
	Map  string
}

// HookResolveOptions is passed to ResolveID hooks.
type HookResolveOptions struct {
	// IsEntry is true when resolving a top-level request rather than an import.
	IsEntry bool
}

// HotUpdateContext describes a file change for HandleHotUpdate hooks.
type HotUpdateContext struct {
	// File is the absolute path of the changed file.
	File string

	// Timestamp is the millisecond time of the change.
	Timestamp int64

	// Modules are the graph nodes backed by File.
	Modules []*graph.ModuleNode

	// Read returns the current file contents.
	Read func() (string, error)

	// Server is the running server.
	Server *ServerContext
}

// PrunedHandler receives modules that lost their last importer.
type PrunedHandler interface {
	HandlePrunedModules(ctx context.Context, nodes []*graph.ModuleNode)
}

// ServerContext is the running server state handed to plugins.
type ServerContext struct {
	// Root is the absolute project root.
	Root string

	// Graph is the module graph.
	Graph *graph.ModuleGraph

	// Container runs plugin hooks.
	Container *Container

	// Sender pushes HMR payloads to clients.
	Sender protocol.Sender

	// Pruned is notified when import analysis prunes modules. May be nil.
	Pruned PrunedHandler

	// Logger is the server logger.
	Logger *slog.Logger
}

// Plugin is a named set of optional hooks.
type Plugin struct {
	// Name identifies the plugin in errors and skip sets. Must be unique.
	Name string

	// Enforce orders user plugins relative to the built-ins.
	Enforce Enforce

	// Apply limits the plugin to one command. Empty applies to all.
	Apply string

	// ApplyFunc decides applicability per command. Overrides Apply.
	ApplyFunc func(command string) bool

	ConfigureServer    func(s *ServerContext) error
	BuildStart         func(c Context) error
	ResolveID          func(c Context, id, importer string, opts HookResolveOptions) (*ResolveResult, error)
	Load               func(c Context, id string) (*LoadResult, error)
	Transform          func(c Context, code, id string) (*TransformResult, error)
	TransformIndexHTML func(c Context, html string) (string, error)
	HandleHotUpdate    func(c Context, hc *HotUpdateContext) ([]*graph.ModuleNode, error)
	BuildEnd           func(c Context, buildErr error) error
	CloseBundle        func(c Context) error
}

// appliesTo reports whether the plugin runs for command.
func (p *Plugin) appliesTo(command string) bool {
	if p.ApplyFunc != nil {
		return p.ApplyFunc(command)
	}
	return p.Apply == "" || p.Apply == command
}

// Order assembles the final plugin list for a command.
//
// # Description
//
// User plugins that do not apply to command are dropped. The rest are
// placed around the built-ins by Enforce: pre plugins first, then the
// built-ins, then normal plugins, then post plugins. The last group
// (import analysis) runs after every user plugin, so it sees the final
// code and mutates the graph only once the rest of the chain succeeded.
// Relative order within each group is preserved.
func Order(command string, builtins, user, last []*Plugin) []*Plugin {
	applied := make([]*Plugin, 0, len(user))
	for _, p := range user {
		if p != nil && p.appliesTo(command) {
			applied = append(applied, p)
		}
	}

	rank := func(e Enforce) int {
		switch e {
		case EnforcePre:
			return 0
		case EnforcePost:
			return 2
		default:
			return 1
		}
	}
	sort.SliceStable(applied, func(i, j int) bool {
		return rank(applied[i].Enforce) < rank(applied[j].Enforce)
	})

	out := make([]*Plugin, 0, len(builtins)+len(applied)+len(last))
	i := 0
	for ; i < len(applied) && applied[i].Enforce == EnforcePre; i++ {
		out = append(out, applied[i])
	}
	out = append(out, builtins...)
	out = append(out, applied[i:]...)
	out = append(out, last...)
	return out
}
