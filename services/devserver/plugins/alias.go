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
	"strings"

	"github.com/glows777/mini-vite/services/devserver/plugin"
)

// Alias replaces an import prefix before resolution.
type Alias struct {
	// Find matches the whole specifier or a "Find/" prefix of it.
	Find string

	// Replacement is substituted for Find.
	Replacement string
}

// apply returns the rewritten specifier and whether the alias matched.
func (a Alias) apply(id string) (string, bool) {
	if a.Find == "" {
		return id, false
	}
	if id == a.Find {
		return a.Replacement, true
	}
	if strings.HasPrefix(id, a.Find+"/") {
		return a.Replacement + id[len(a.Find):], true
	}
	return id, false
}

// AliasPlugin rewrites aliased specifiers and resolves the result through
// the remaining plugins. The first matching alias wins.
//
// A rewritten specifier that no other plugin resolves is returned as is.
func AliasPlugin(aliases []Alias) *plugin.Plugin {
	list := append([]Alias(nil), aliases...)
	return &plugin.Plugin{
		Name: NameAlias,
		ResolveID: func(c plugin.Context, id, importer string, opts plugin.HookResolveOptions) (*plugin.ResolveResult, error) {
			for _, a := range list {
				rewritten, ok := a.apply(id)
				if !ok {
					continue
				}
				res, err := c.Resolve(rewritten, importer, plugin.ResolveCallOptions{
					SkipSelf: true,
					IsEntry:  opts.IsEntry,
				})
				if err != nil {
					return nil, err
				}
				if res != nil {
					return res, nil
				}
				return &plugin.ResolveResult{ID: rewritten}, nil
			}
			return nil, nil
		},
	}
}
