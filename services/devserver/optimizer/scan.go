// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package optimizer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/evanw/esbuild/pkg/api"
	"golang.org/x/sync/errgroup"

	"github.com/glows777/mini-vite/services/devserver/lexer"
	"github.com/glows777/mini-vite/services/devserver/modpath"
)

// entry is one module to scan: a file on disk or an inline script.
type entry struct {
	file   string
	inline string
}

// scanLoaders keeps non-JS imports from failing the scan.
var scanLoaders = map[string]api.Loader{
	".css":  api.LoaderEmpty,
	".svg":  api.LoaderEmpty,
	".png":  api.LoaderEmpty,
	".jpg":  api.LoaderEmpty,
	".jpeg": api.LoaderEmpty,
	".gif":  api.LoaderEmpty,
	".webp": api.LoaderEmpty,
	".json": api.LoaderJSON,
}

// metafile is the subset of esbuild's metafile the scan reads.
type metafile struct {
	Inputs map[string]struct {
		Imports []struct {
			Path     string `json:"path"`
			External bool   `json:"external,omitempty"`
		} `json:"imports"`
	} `json:"inputs"`
}

// findEntries returns the module scripts of root/index.html.
func findEntries(ctx context.Context, root string) ([]entry, error) {
	content, err := os.ReadFile(filepath.Join(root, "index.html"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	doc, err := lexer.ParseHTML(ctx, content)
	if err != nil {
		return nil, err
	}

	var entries []entry
	for _, s := range doc.Scripts {
		if !s.Module {
			continue
		}
		switch {
		case s.Src == "":
			if strings.TrimSpace(s.Inline) != "" {
				entries = append(entries, entry{inline: s.Inline})
			}
		case strings.Contains(s.Src, "://"), s.Src == modpath.ClientPublicPath:
		default:
			src := modpath.CleanURL(s.Src)
			entries = append(entries, entry{file: filepath.Join(root, filepath.FromSlash(src))})
		}
	}
	return entries, nil
}

// scan collects the bare imports reachable from entries without following
// them into node_modules. Entries are scanned concurrently.
func scan(ctx context.Context, root string, entries []entry, logger *slog.Logger) ([]string, error) {
	var (
		mu   sync.Mutex
		deps = make(map[string]struct{})
	)
	g, _ := errgroup.WithContext(ctx)
	for _, e := range entries {
		g.Go(func() error {
			found, err := scanEntry(root, e, logger)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			for _, d := range found {
				deps[d] = struct{}{}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(deps))
	for d := range deps {
		out = append(out, d)
	}
	sort.Strings(out)
	return out, nil
}

func scanEntry(root string, e entry, logger *slog.Logger) ([]string, error) {
	opts := api.BuildOptions{
		AbsWorkingDir: root,
		Bundle:        true,
		Write:         false,
		Metafile:      true,
		Format:        api.FormatESModule,
		Platform:      api.PlatformBrowser,
		Loader:        scanLoaders,
		LogLevel:      api.LogLevelSilent,
		Plugins:       []api.Plugin{scanPlugin(root)},
	}
	if e.inline != "" {
		opts.Stdin = &api.StdinOptions{
			Contents:   e.inline,
			ResolveDir: root,
			Sourcefile: "index.html",
			Loader:     api.LoaderTS,
		}
	} else {
		opts.EntryPoints = []string{e.file}
	}

	result := api.Build(opts)
	for _, msg := range api.FormatMessages(result.Errors, api.FormatMessagesOptions{Kind: api.WarningMessage}) {
		logger.Warn("dependency scan", slog.String("message", strings.TrimSpace(msg)))
	}
	if result.Metafile == "" {
		return nil, nil
	}

	var meta metafile
	if err := json.Unmarshal([]byte(result.Metafile), &meta); err != nil {
		return nil, fmt.Errorf("parse scan metafile: %w", err)
	}
	var deps []string
	for _, in := range meta.Inputs {
		for _, imp := range in.Imports {
			if imp.External && modpath.IsBareImport(imp.Path) {
				deps = append(deps, imp.Path)
			}
		}
	}
	return deps, nil
}

// scanPlugin marks bare imports external and maps root-absolute imports
// onto the project root.
func scanPlugin(root string) api.Plugin {
	return api.Plugin{
		Name: "mini-vite:dep-scan",
		Setup: func(build api.PluginBuild) {
			build.OnResolve(api.OnResolveOptions{Filter: `.*`}, func(args api.OnResolveArgs) (api.OnResolveResult, error) {
				p := args.Path
				switch {
				case modpath.IsVirtual(p), strings.Contains(p, "://"), p == modpath.ClientPublicPath:
					return api.OnResolveResult{Path: p, External: true}, nil
				case modpath.IsBareImport(p):
					return api.OnResolveResult{Path: p, External: true}, nil
				case strings.HasPrefix(p, "/"):
					candidate := filepath.Join(root, filepath.FromSlash(modpath.CleanURL(p)))
					if _, err := os.Stat(candidate); err == nil {
						return api.OnResolveResult{Path: candidate}, nil
					}
				}
				return api.OnResolveResult{}, nil
			})
		},
	}
}
