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
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/glows777/mini-vite/services/devserver/modpath"
	"github.com/glows777/mini-vite/services/devserver/plugin"
)

// loaders maps the extensions the esbuild plugin reads from disk to the
// esbuild loader that compiles them. LoaderNone means no compile step.
var loaders = map[string]api.Loader{
	".ts":  api.LoaderTS,
	".tsx": api.LoaderTSX,
	".jsx": api.LoaderJSX,
	".js":  api.LoaderNone,
	".mjs": api.LoaderNone,
	".css": api.LoaderNone,
}

// headerLoaders are the loader comments accepted at the top of virtual
// module source.
var headerLoaders = map[string]api.Loader{
	"/*js*/":  api.LoaderJS,
	"/*jsx*/": api.LoaderJSX,
	"/*ts*/":  api.LoaderTS,
	"/*tsx*/": api.LoaderTSX,
}

// EsbuildPlugin loads source files from disk and compiles TypeScript and
// JSX to plain ES modules.
//
// # Description
//
// Load reads any id with a known script or stylesheet extension. A file
// that disappeared returns an error wrapping plugin.ErrNotFoundOnDisk.
// Transform compiles .ts, .tsx, and .jsx files, plus virtual modules
// whose source starts with a loader comment. Output keeps ESM syntax and
// carries an external source map.
func EsbuildPlugin() *plugin.Plugin {
	return &plugin.Plugin{
		Name: NameEsbuild,
		Load: func(_ plugin.Context, id string) (*plugin.LoadResult, error) {
			if modpath.IsVirtual(id) || modpath.IsImportRequest(id) {
				return nil, nil
			}
			file := modpath.CleanURL(id)
			if _, ok := loaders[path.Ext(file)]; !ok {
				return nil, nil
			}
			data, err := os.ReadFile(filepath.FromSlash(file))
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", plugin.ErrNotFoundOnDisk, file)
			}
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", file, err)
			}
			return &plugin.LoadResult{Code: string(data)}, nil
		},
		Transform: func(_ plugin.Context, code, id string) (*plugin.TransformResult, error) {
			loader, file := transformLoader(code, id)
			if loader == api.LoaderNone {
				return nil, nil
			}
			return esbuildTransform(code, file, loader)
		},
	}
}

// transformLoader picks the loader for a module and the file name shown in
// diagnostics.
func transformLoader(code, id string) (api.Loader, string) {
	if modpath.IsVirtual(id) {
		for header, loader := range headerLoaders {
			if strings.HasPrefix(code, header) {
				return loader, strings.TrimPrefix(id, modpath.NullByte)
			}
		}
		return api.LoaderNone, id
	}
	if modpath.IsImportRequest(id) {
		return api.LoaderNone, id
	}
	file := modpath.CleanURL(id)
	return loaders[path.Ext(file)], file
}

func esbuildTransform(code, file string, loader api.Loader) (*plugin.TransformResult, error) {
	result := api.Transform(code, api.TransformOptions{
		Loader:     loader,
		Sourcefile: file,
		Target:     api.ESNext,
		Format:     api.FormatESModule,
		Sourcemap:  api.SourceMapExternal,
	})
	if len(result.Errors) > 0 {
		msgs := api.FormatMessages(result.Errors, api.FormatMessagesOptions{Kind: api.ErrorMessage})
		return nil, fmt.Errorf("esbuild transform %s: %s", file, strings.TrimSpace(strings.Join(msgs, "\n")))
	}
	return &plugin.TransformResult{Code: string(result.Code), Map: string(result.Map)}, nil
}
