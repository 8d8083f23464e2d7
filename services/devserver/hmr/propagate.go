// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package hmr

import (
	"slices"

	"github.com/glows777/mini-vite/services/devserver/graph"
)

// Boundary is a module that applies an update without a page reload.
type Boundary struct {
	// Boundary is the module whose accept callbacks run.
	Boundary *graph.ModuleNode

	// AcceptedVia is the changed module the boundary accepts. Equal to
	// Boundary for self-updates.
	AcceptedVia *graph.ModuleNode
}

// PropagateUpdate walks importers of node looking for update boundaries.
//
// # Description
//
// A self-accepting node is its own boundary. A node declaring accepted
// exports is its own boundary for importers whose bindings it fully
// accepts. An importer that accepts node through acceptedHmrDeps becomes
// a boundary and its branch stops there. Any other importer is searched
// recursively with chain extended by that importer.
//
// # Inputs
//
//   - node: The changed module.
//   - boundaries: Receives every (boundary, via) pair found.
//   - chain: The traversal path ending at node. Callers start with {node}.
//
// # Outputs
//
//   - bool: True on a dead end: an entry module with no importers, or an
//     import cycle with no accepting module. The caller must full-reload.
func PropagateUpdate(node *graph.ModuleNode, boundaries *[]Boundary, chain []*graph.ModuleNode) bool {
	if node.IsSelfAccepting() {
		*boundaries = append(*boundaries, Boundary{Boundary: node, AcceptedVia: node})
		return false
	}

	acceptedExports := node.AcceptedHMRExports()
	importers := node.Importers()
	if acceptedExports != nil {
		*boundaries = append(*boundaries, Boundary{Boundary: node, AcceptedVia: node})
	} else if len(importers) == 0 {
		return true
	}

	for _, importer := range importers {
		if importer.AcceptsHMRDep(node) {
			*boundaries = append(*boundaries, Boundary{Boundary: importer, AcceptedVia: node})
			continue
		}
		if acceptedExports != nil && bindingsAccepted(importer.ImportedBindings(node), acceptedExports) {
			continue
		}
		if slices.Contains(chain, importer) {
			return true
		}
		sub := append(slices.Clip(chain), importer)
		if PropagateUpdate(importer, boundaries, sub) {
			return true
		}
	}
	return false
}

// bindingsAccepted reports whether every imported binding is an accepted
// export. Unknown bindings (nil) are never accepted.
func bindingsAccepted(imported, accepted []string) bool {
	if imported == nil {
		return false
	}
	for _, name := range imported {
		if !slices.Contains(accepted, name) {
			return false
		}
	}
	return true
}

// Invalidate clears cached output for node and every importer that does not
// accept it, stamping each with timestamp.
//
// # Description
//
// Each node is visited at most once per pass through seen, which guards
// against cycles and diamonds. An importer that declared node in its
// acceptedHmrDeps keeps its cache.
//
// # Inputs
//
//   - g: The graph owning node.
//   - node: The changed module.
//   - timestamp: The update timestamp.
//   - seen: Nodes already invalidated in this pass. Must be non-nil.
func Invalidate(g *graph.ModuleGraph, node *graph.ModuleNode, timestamp int64, seen map[*graph.ModuleNode]struct{}) {
	if _, ok := seen[node]; ok {
		return
	}
	seen[node] = struct{}{}
	g.InvalidateAt(node, timestamp)
	for _, importer := range node.Importers() {
		if !importer.AcceptsHMRDep(node) {
			Invalidate(g, importer, timestamp, seen)
		}
	}
}
