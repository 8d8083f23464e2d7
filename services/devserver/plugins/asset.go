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

	"github.com/glows777/mini-vite/services/devserver/modpath"
	"github.com/glows777/mini-vite/services/devserver/plugin"
)

// AssetPlugin serves imported static assets as modules exporting their URL.
func AssetPlugin(root string) *plugin.Plugin {
	return &plugin.Plugin{
		Name: NameAsset,
		Load: func(_ plugin.Context, id string) (*plugin.LoadResult, error) {
			if !modpath.IsImportRequest(id) || modpath.IsVirtual(id) {
				return nil, nil
			}
			file := modpath.CleanURL(id)
			if modpath.IsCSSRequest(file) {
				return nil, nil
			}
			url, _ := json.Marshal(modpath.ShortName(file, root))
			return &plugin.LoadResult{Code: "export default " + string(url)}, nil
		},
	}
}
