// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package client embeds the browser-side HMR runtime.
package client

import (
	_ "embed"
	"encoding/json"
	"strings"
)

//go:embed client.js
var source string

// Options are the values substituted into the runtime.
type Options struct {
	// Host is the host:port of the HMR socket. Empty uses the page host.
	Host string

	// Path is the URL path of the HMR socket.
	Path string
}

// Source returns the runtime with opts substituted.
func Source(opts Options) string {
	host, _ := json.Marshal(opts.Host)
	path, _ := json.Marshal(opts.Path)
	return strings.NewReplacer(
		"__HMR_HOST__", string(host),
		"__HMR_PATH__", string(path),
	).Replace(source)
}
