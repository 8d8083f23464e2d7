// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package plugins provides the built-in plugins of the dev server.
//
// Builtins returns them in pipeline order: alias, client-inject, resolve,
// deps, esbuild, css, asset, and import-analysis. User plugins are placed
// between the core plugins and import analysis by Set.Order.
package plugins

import (
	"log/slog"
	"slices"

	"github.com/glows777/mini-vite/services/devserver/lexer"
	"github.com/glows777/mini-vite/services/devserver/plugin"
)

// Plugin names. Each is unique within a container.
const (
	NameAlias          = "mini-vite:alias"
	NameClientInject   = "mini-vite:client-inject"
	NameResolve        = "mini-vite:resolve"
	NameDeps           = "mini-vite:deps"
	NameEsbuild        = "mini-vite:esbuild"
	NameCSS            = "mini-vite:css"
	NameImportAnalysis = "mini-vite:import-analysis"
	NameAsset          = "mini-vite:asset"
	NameVirtual        = "mini-vite:virtual"
)

// DefaultExtensions are probed in order for extension-less imports.
var DefaultExtensions = []string{".tsx", ".ts", ".jsx", ".js", ".mjs"}

// Options configures the built-in plugins.
type Options struct {
	// Root is the absolute project root.
	Root string

	// Alias rewrites import prefixes before resolution.
	Alias []Alias

	// Extensions overrides DefaultExtensions when non-empty.
	Extensions []string

	// HMRHost and HMRPath locate the HMR socket for the client runtime.
	HMRHost string
	HMRPath string

	// Deps maps bare imports to pre-bundled files. May be nil.
	Deps DepsLookup

	// Lexer scans modules for imports. Nil uses a default lexer.
	Lexer *lexer.Lexer

	// Logger receives plugin warnings. Nil uses slog.Default().
	Logger *slog.Logger
}

// Set is the built-in plugins split around the user plugins.
type Set struct {
	// Core runs between pre and normal user plugins.
	Core []*plugin.Plugin

	// Analysis runs after every user plugin.
	Analysis []*plugin.Plugin
}

// All returns the built-ins in pipeline order without user plugins.
func (s Set) All() []*plugin.Plugin {
	return append(slices.Clip(s.Core), s.Analysis...)
}

// Order places user plugins around the built-ins for command.
func (s Set) Order(command string, user []*plugin.Plugin) []*plugin.Plugin {
	return plugin.Order(command, s.Core, user, s.Analysis)
}

// Builtins returns the built-in plugins.
//
// # Inputs
//
//   - opts: Plugin configuration. Root is required.
//
// # Outputs
//
//   - Set: Core plugins and import analysis, ready for Set.Order.
func Builtins(opts Options) Set {
	exts := opts.Extensions
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	lex := opts.Lexer
	if lex == nil {
		lex = lexer.New(lexer.WithLogger(opts.Logger))
	}

	core := make([]*plugin.Plugin, 0, 7)
	if len(opts.Alias) > 0 {
		core = append(core, AliasPlugin(opts.Alias))
	}
	core = append(core,
		ClientInjectPlugin(opts.HMRHost, opts.HMRPath),
		ResolvePlugin(opts.Root, exts),
		DepsPlugin(opts.Root, opts.Deps),
		EsbuildPlugin(),
		CSSPlugin(),
		AssetPlugin(opts.Root),
	)
	return Set{
		Core:     core,
		Analysis: []*plugin.Plugin{ImportAnalysisPlugin(opts.Root, lex)},
	}
}
