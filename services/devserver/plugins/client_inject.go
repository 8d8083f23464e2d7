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

	"github.com/glows777/mini-vite/services/devserver/client"
	"github.com/glows777/mini-vite/services/devserver/lexer"
	"github.com/glows777/mini-vite/services/devserver/modpath"
	"github.com/glows777/mini-vite/services/devserver/plugin"
)

// clientScriptTag loads the HMR runtime into a page.
const clientScriptTag = `<script type="module" src="` + modpath.ClientPublicPath + `"></script>`

// ClientInjectPlugin serves the HMR client runtime and adds it to HTML pages.
//
// # Inputs
//
//   - host: host:port of the HMR socket, empty for the page host.
//   - hmrPath: URL path of the HMR socket.
func ClientInjectPlugin(host, hmrPath string) *plugin.Plugin {
	source := client.Source(client.Options{Host: host, Path: hmrPath})
	return &plugin.Plugin{
		Name: NameClientInject,
		ResolveID: func(_ plugin.Context, id, _ string, _ plugin.HookResolveOptions) (*plugin.ResolveResult, error) {
			if modpath.CleanURL(id) != modpath.ClientPublicPath {
				return nil, nil
			}
			return &plugin.ResolveResult{ID: modpath.ClientPublicPath}, nil
		},
		Load: func(_ plugin.Context, id string) (*plugin.LoadResult, error) {
			if id != modpath.ClientPublicPath {
				return nil, nil
			}
			return &plugin.LoadResult{Code: source}, nil
		},
		TransformIndexHTML: func(c plugin.Context, html string) (string, error) {
			return injectClient(c, html)
		},
	}
}

// injectClient inserts the runtime script right after <head>, or at the
// top of documents without one. Pages that already load it are unchanged.
func injectClient(c plugin.Context, html string) (string, error) {
	doc, err := lexer.ParseHTML(c, []byte(html))
	if err != nil {
		return "", err
	}
	for _, s := range doc.Scripts {
		if modpath.CleanURL(s.Src) == modpath.ClientPublicPath {
			return html, nil
		}
	}
	if doc.HeadOpenEnd < 0 {
		return clientScriptTag + "\n" + html, nil
	}
	var b strings.Builder
	b.Grow(len(html) + len(clientScriptTag) + 1)
	b.WriteString(html[:doc.HeadOpenEnd])
	b.WriteString("\n    ")
	b.WriteString(clientScriptTag)
	b.WriteString(html[doc.HeadOpenEnd:])
	return b.String(), nil
}
