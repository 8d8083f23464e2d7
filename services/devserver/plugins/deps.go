// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package plugins

import (
	"encoding/json"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/glows777/mini-vite/services/devserver/modpath"
	"github.com/glows777/mini-vite/services/devserver/plugin"
)

// DepsLookup returns the pre-bundled file for a bare import.
type DepsLookup func(spec string) (file string, ok bool)

// DepsPlugin resolves bare imports.
//
// # Description
//
// A specifier known to lookup resolves to its pre-bundled file. Otherwise
// the package is looked up in root/node_modules and resolved through the
// "module" or "main" field of its package.json, falling back to index.js.
// Subpath imports ("pkg/sub") resolve against the package directory.
//
// # Inputs
//
//   - root: Absolute project root.
//   - lookup: Pre-bundle index. May be nil.
func DepsPlugin(root string, lookup DepsLookup) *plugin.Plugin {
	root = modpath.NormalizePath(root)
	return &plugin.Plugin{
		Name: NameDeps,
		ResolveID: func(c plugin.Context, id, _ string, _ plugin.HookResolveOptions) (*plugin.ResolveResult, error) {
			if !modpath.IsBareImport(id) {
				return nil, nil
			}
			if lookup != nil {
				if file, ok := lookup(id); ok {
					return &plugin.ResolveResult{ID: modpath.NormalizePath(file)}, nil
				}
			}
			if file := resolveNodeModule(root, id); file != "" {
				return &plugin.ResolveResult{ID: file}, nil
			}
			return nil, nil
		},
	}
}

// packageJSON holds the entry fields read from a package manifest.
type packageJSON struct {
	Module string `json:"module"`
	Main   string `json:"main"`
}

// splitPackage splits "@scope/pkg/sub" into "@scope/pkg" and "sub".
func splitPackage(spec string) (string, string) {
	parts := strings.Split(spec, "/")
	n := 1
	if strings.HasPrefix(spec, "@") && len(parts) > 1 {
		n = 2
	}
	return strings.Join(parts[:n], "/"), strings.Join(parts[n:], "/")
}

func resolveNodeModule(root, spec string) string {
	name, sub := splitPackage(modpath.CleanURL(spec))
	dir := path.Join(root, "node_modules", name)
	if sub != "" {
		return probeFile(path.Join(dir, sub), []string{".js", ".mjs"})
	}

	data, err := os.ReadFile(filepath.Join(filepath.FromSlash(dir), "package.json"))
	if err != nil {
		return ""
	}
	var pkg packageJSON
	if err := json.Unmarshal(data, &pkg); err != nil {
		return ""
	}
	for _, entry := range []string{pkg.Module, pkg.Main, "index.js"} {
		if entry == "" {
			continue
		}
		if found := probeFile(path.Join(dir, entry), []string{".js", ".mjs"}); found != "" {
			return found
		}
	}
	return ""
}
