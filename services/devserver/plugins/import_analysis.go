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
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/glows777/mini-vite/services/devserver/graph"
	"github.com/glows777/mini-vite/services/devserver/lexer"
	"github.com/glows777/mini-vite/services/devserver/modpath"
	"github.com/glows777/mini-vite/services/devserver/plugin"
)

// ImportAnalysisPlugin rewrites import specifiers to server URLs and
// records the module's edges in the graph.
//
// # Description
//
// Runs on the output of every other transform. For each static, re-export,
// and literal dynamic import it resolves the specifier through the
// container, rewrites it to the URL the browser should request, and adds
// "?t=" for dependencies that were hot updated. Dependencies named in
// import.meta.hot.accept are rewritten the same way. Modules that use
// import.meta.hot get a hot context bound to their URL, except files under
// node_modules.
//
// The collected imports, bindings, and accepts replace the node's edges
// through graph.UpdateModuleInfo. Pruned modules are passed to the
// server's PrunedHandler.
//
// # Outputs
//
// A local specifier that resolves to nothing fails the transform with a
// *plugin.ResolutionError. Unresolved bare and virtual specifiers are left
// untouched with a warning.
func ImportAnalysisPlugin(root string, lex *lexer.Lexer) *plugin.Plugin {
	root = modpath.NormalizePath(root)
	if lex == nil {
		lex = lexer.New()
	}
	return &plugin.Plugin{
		Name: NameImportAnalysis,
		Transform: func(c plugin.Context, code, id string) (*plugin.TransformResult, error) {
			if modpath.IsInternalRequest(id) || modpath.IsHTMLFile(id) {
				return nil, nil
			}
			a := &analyzer{c: c, root: root, id: id, server: c.Server()}
			return a.run(lex, code)
		},
	}
}

// analyzer holds the state of one import-analysis pass.
type analyzer struct {
	c      plugin.Context
	root   string
	id     string
	server *plugin.ServerContext
}

// resolved is a specifier mapped to its graph URL.
type resolved struct {
	// url is the clean URL recorded in the graph.
	url string

	// codeURL is the URL written into the module source.
	codeURL string
}

func (a *analyzer) run(lex *lexer.Lexer, code string) (*plugin.TransformResult, error) {
	res, err := lex.Parse(a.c, []byte(code), a.id)
	if err != nil {
		return nil, fmt.Errorf("analyze imports: %w", err)
	}

	var (
		edits     []lexer.Edit
		imported  []string
		bindings  = make(map[string][]string)
		unknown   = make(map[string]bool)
		accepted  []string
		seenEdges = make(map[string]bool)
	)

	for _, imp := range res.Imports {
		if skipSpecifier(imp.Specifier) {
			continue
		}
		r, err := a.resolve(imp.Specifier)
		if err != nil {
			return nil, err
		}
		if r == nil {
			continue
		}
		if r.codeURL != imp.Specifier {
			edits = append(edits, lexer.Edit{Start: imp.Start, End: imp.End, Text: r.codeURL})
		}
		if !seenEdges[r.url] {
			seenEdges[r.url] = true
			imported = append(imported, r.url)
		}
		if imp.Bindings == nil {
			unknown[r.url] = true
		} else {
			bindings[r.url] = append(bindings[r.url], imp.Bindings...)
		}
	}
	for u := range unknown {
		delete(bindings, u)
	}

	for _, dep := range res.AcceptedDeps {
		if skipSpecifier(dep.Specifier) {
			continue
		}
		r, err := a.resolve(dep.Specifier)
		if err != nil {
			return nil, err
		}
		if r == nil {
			continue
		}
		accepted = append(accepted, r.url)
		if r.url != dep.Specifier {
			edits = append(edits, lexer.Edit{Start: dep.Start, End: dep.End, Text: r.url})
		}
	}

	out := lexer.ApplyEdits(code, edits)
	if res.HasHotUsage && !strings.Contains(a.id, "/node_modules/") {
		out = a.hotContextPrelude() + out
	}

	if err := a.updateGraph(graph.ModuleInfo{
		ImportedURLs:     imported,
		ImportedBindings: bindings,
		AcceptedURLs:     accepted,
		AcceptedExports:  res.AcceptedExports,
		SelfAccepting:    res.SelfAccepting,
	}); err != nil {
		return nil, err
	}
	return &plugin.TransformResult{Code: out}, nil
}

// skipSpecifier reports specifiers the browser fetches directly.
func skipSpecifier(spec string) bool {
	return spec == "" ||
		strings.Contains(spec, "://") ||
		strings.HasPrefix(spec, "data:") ||
		modpath.IsInternalRequest(spec)
}

// resolve maps a specifier to its URLs. Nil with a nil error means the
// specifier is left as written.
func (a *analyzer) resolve(spec string) (*resolved, error) {
	res, err := a.c.Resolve(spec, a.id, plugin.ResolveCallOptions{})
	if err != nil {
		return nil, err
	}
	if res == nil || res.ID == "" {
		if modpath.IsLocalImport(spec) {
			return nil, &plugin.ResolutionError{Specifier: spec, Importer: a.id}
		}
		a.c.Logger().Warn("unresolved import left as written",
			slog.String("specifier", spec),
			slog.String("importer", a.id),
		)
		return nil, nil
	}
	if res.External {
		return nil, nil
	}

	url := toURL(res.ID, a.root)
	if !modpath.IsJSRequest(url) && !modpath.IsCSSRequest(url) && !modpath.IsImportRequest(url) {
		url = modpath.InjectQuery(url, "import")
	}
	r := &resolved{url: url, codeURL: url}

	if a.server != nil && a.server.Graph != nil {
		dep, err := a.server.Graph.EnsureEntryFromURL(a.c, url, false)
		if err != nil {
			return nil, err
		}
		if ts := dep.LastHMRTimestamp(); ts > 0 {
			r.codeURL = modpath.InjectQuery(url, "t="+strconv.FormatInt(ts, 10))
		}
	}
	return r, nil
}

// toURL returns the URL a browser uses to request a resolved id.
func toURL(id, root string) string {
	if modpath.IsVirtual(id) {
		return modpath.WrapID(id)
	}
	clean := modpath.CleanURL(id)
	return modpath.ShortName(clean, root) + id[len(clean):]
}

func (a *analyzer) hotContextPrelude() string {
	url := toURL(a.id, a.root)
	if a.server != nil && a.server.Graph != nil {
		if n := a.server.Graph.GetModuleByID(a.id); n != nil {
			url = n.URL()
		}
	}
	urlJSON, _ := json.Marshal(url)
	return fmt.Sprintf("import { createHotContext as __vite__createHotContext } from %q;"+
		"import.meta.hot = __vite__createHotContext(%s);", modpath.ClientPublicPath, urlJSON)
}

func (a *analyzer) updateGraph(info graph.ModuleInfo) error {
	if a.server == nil || a.server.Graph == nil {
		return nil
	}
	n := a.server.Graph.GetModuleByID(a.id)
	if n == nil {
		return nil
	}
	pruned, err := a.server.Graph.UpdateModuleInfo(a.c, n, info)
	if err != nil {
		return err
	}
	if len(pruned) > 0 && a.server.Pruned != nil {
		a.server.Pruned.HandlePrunedModules(a.c, pruned)
	}
	return nil
}
