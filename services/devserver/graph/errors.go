// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph tracks the modules the dev server has served and the import
// relationships between them.
//
// # Ownership Model
//
// Nodes live in an arena owned by the ModuleGraph and are addressed by a
// dense NodeKey. Edges are stored as key sets on both endpoints, so the
// cyclic import structure never forms owning pointer cycles. Nodes are never
// removed; a graph lives as long as the server that created it.
//
// # Thread Safety
//
// All node state is guarded by a single graph-wide RWMutex. Node accessors
// take the read lock; mutations go through ModuleGraph methods that take the
// write lock. The resolver is always called without any lock held.
//
// # Invariants
//
//   - b is in a.ImportedModules() iff a is in b.Importers().
//   - Every URL alias maps to the same node as that node's id.
//   - GetModulesByFile reflects exactly the nodes backed by that file.
package graph

import "errors"

// Sentinel errors for module graph operations.
var (
	// ErrNilNode is returned when a nil node is passed to a graph mutation.
	ErrNilNode = errors.New("module node is nil")

	// ErrForeignNode is returned when a node from another graph is passed in.
	// This happens when a request straddles a server restart.
	ErrForeignNode = errors.New("module node belongs to a different graph")

	// ErrEmptyURL is returned when an empty URL is given to EnsureEntryFromURL.
	ErrEmptyURL = errors.New("module url is empty")
)
