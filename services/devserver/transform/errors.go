// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transform serves module requests.
//
// The Orchestrator turns a request URL into transformed module code: it
// registers the URL in the module graph, checks the file exists, answers
// from the node's cache when the request is not stale, and otherwise runs
// the plugin container's Load and Transform hooks once per module even
// under concurrent requests.
package transform

import "errors"

var (
	// ErrNoLoader indicates no plugin could load a resolved module.
	ErrNoLoader = errors.New("no plugin loaded module")

	// ErrNilGraph indicates the orchestrator was built without a graph.
	ErrNilGraph = errors.New("module graph must not be nil")

	// ErrNilContainer indicates the orchestrator was built without a container.
	ErrNilContainer = errors.New("plugin container must not be nil")
)
