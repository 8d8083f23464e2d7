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
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/glows777/mini-vite/services/devserver/modpath"
	"github.com/glows777/mini-vite/services/devserver/plugin"
)

// ResolvePlugin maps file specifiers to absolute module ids.
//
// # Description
//
// Handles "/@fs/" URLs, absolute paths that exist on disk, root-relative
// paths, and "./" or "../" specifiers relative to the importer. A path
// without a file behind it is retried with each extension, then as a
// directory index. The query string of the specifier is kept on the id.
// Bare imports and virtual ids are left to other plugins.
//
// # Inputs
//
//   - root: Absolute project root.
//   - exts: Extensions probed in order.
func ResolvePlugin(root string, exts []string) *plugin.Plugin {
	root = modpath.NormalizePath(root)
	return &plugin.Plugin{
		Name: NameResolve,
		ResolveID: func(c plugin.Context, id, importer string, _ plugin.HookResolveOptions) (*plugin.ResolveResult, error) {
			if modpath.IsVirtual(id) {
				return nil, nil
			}
			clean := modpath.CleanURL(id)
			query := id[len(clean):]

			var candidates []string
			switch {
			case strings.HasPrefix(clean, modpath.FSPrefix):
				candidates = []string{"/" + clean[len(modpath.FSPrefix):]}
			case strings.HasPrefix(clean, "/"):
				if strings.HasPrefix(clean, root+"/") {
					candidates = []string{clean}
				} else {
					candidates = []string{path.Join(root, clean), clean}
				}
			case strings.HasPrefix(clean, "./"), strings.HasPrefix(clean, "../"):
				if importer == "" {
					return nil, plugin.ErrMissingImporter
				}
				dir := path.Dir(modpath.CleanURL(importer))
				candidates = []string{path.Join(dir, clean)}
			default:
				return nil, nil
			}

			for _, cand := range candidates {
				if found := probeFile(cand, exts); found != "" {
					return &plugin.ResolveResult{ID: found + query}, nil
				}
			}
			return nil, nil
		},
	}
}

// probeFile returns the first existing file among p, p+ext, and
// p/index+ext, or "" when none exists.
func probeFile(p string, exts []string) string {
	p = modpath.NormalizePath(p)
	info, err := os.Stat(filepath.FromSlash(p))
	if err == nil && info.Mode().IsRegular() {
		return p
	}
	for _, ext := range exts {
		if isFile(p + ext) {
			return p + ext
		}
	}
	if err == nil && info.IsDir() {
		for _, ext := range exts {
			idx := path.Join(p, "index"+ext)
			if isFile(idx) {
				return idx
			}
		}
	}
	return ""
}

func isFile(p string) bool {
	info, err := os.Stat(filepath.FromSlash(p))
	return err == nil && info.Mode().IsRegular()
}
