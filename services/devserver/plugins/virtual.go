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

	"github.com/glows777/mini-vite/services/devserver/modpath"
	"github.com/glows777/mini-vite/services/devserver/plugin"
)

// VirtualPlugin serves in-memory modules.
//
// # Description
//
// Each key of modules is an import specifier such as "virtual:env". It
// resolves to the key prefixed with a null byte, which hides it from the
// file-based plugins, and loads the mapped source. Source starting with a
// loader comment such as "/*ts*/" is compiled with that loader by the
// esbuild plugin.
func VirtualPlugin(name string, modules map[string]string) *plugin.Plugin {
	if name == "" {
		name = NameVirtual
	}
	src := make(map[string]string, len(modules))
	for k, v := range modules {
		src[k] = v
	}
	return &plugin.Plugin{
		Name:    name,
		Enforce: plugin.EnforcePre,
		ResolveID: func(_ plugin.Context, id, _ string, _ plugin.HookResolveOptions) (*plugin.ResolveResult, error) {
			key := strings.TrimPrefix(id, modpath.NullByte)
			if _, ok := src[key]; !ok {
				return nil, nil
			}
			return &plugin.ResolveResult{ID: modpath.NullByte + key}, nil
		},
		Load: func(_ plugin.Context, id string) (*plugin.LoadResult, error) {
			if !strings.HasPrefix(id, modpath.NullByte) {
				return nil, nil
			}
			code, ok := src[id[len(modpath.NullByte):]]
			if !ok {
				return nil, nil
			}
			return &plugin.LoadResult{Code: code}, nil
		},
	}
}
