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

	"github.com/glows777/mini-vite/services/devserver/modpath"
	"github.com/glows777/mini-vite/services/devserver/plugin"
)

// CSSPlugin turns stylesheets into self-accepting JS modules that install
// the CSS through the client runtime and remove it when pruned.
func CSSPlugin() *plugin.Plugin {
	return &plugin.Plugin{
		Name: NameCSS,
		Transform: func(_ plugin.Context, code, id string) (*plugin.TransformResult, error) {
			if !modpath.IsCSSRequest(id) || modpath.IsImportRequest(id) {
				return nil, nil
			}
			return &plugin.TransformResult{Code: cssModule(id, code)}, nil
		},
	}
}

func cssModule(id, css string) string {
	idJSON, _ := json.Marshal(id)
	cssJSON, _ := json.Marshal(css)
	return fmt.Sprintf(`import { updateStyle as __vite__updateStyle, removeStyle as __vite__removeStyle } from %q
const __vite__id = %s
const __vite__css = %s
__vite__updateStyle(__vite__id, __vite__css)
import.meta.hot.accept()
import.meta.hot.prune(() => __vite__removeStyle(__vite__id))
export default __vite__css
`, modpath.ClientPublicPath, idJSON, cssJSON)
}
