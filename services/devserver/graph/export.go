// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"fmt"
	"io"
	"strings"
)

// Snapshot is a point-in-time copy of the graph for debugging endpoints.
type Snapshot struct {
	Nodes []SnapshotNode `json:"nodes"`
}

// SnapshotNode is one module in a Snapshot.
type SnapshotNode struct {
	URL              string   `json:"url"`
	ID               string   `json:"id"`
	Type             string   `json:"type"`
	SelfAccepting    string   `json:"selfAccepting"`
	Cached           bool     `json:"cached"`
	LastHMRTimestamp int64    `json:"lastHMRTimestamp"`
	Imports          []string `json:"imports,omitempty"`
	AcceptedDeps     []string `json:"acceptedDeps,omitempty"`
}

// Snapshot copies the graph under a single read lock.
func (g *ModuleGraph) Snapshot() Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	snap := Snapshot{Nodes: make([]SnapshotNode, 0, len(g.nodes))}
	for _, n := range g.nodes {
		sn := SnapshotNode{
			URL:              n.url,
			ID:               n.id,
			Type:             n.typ.String(),
			SelfAccepting:    n.selfAccepting.String(),
			Cached:           n.transformResult != nil,
			LastHMRTimestamp: n.lastHMRTimestamp,
		}
		for _, key := range n.importedModules.sorted() {
			sn.Imports = append(sn.Imports, g.nodes[key].url)
		}
		for _, key := range n.acceptedHmrDeps.sorted() {
			sn.AcceptedDeps = append(sn.AcceptedDeps, g.nodes[key].url)
		}
		snap.Nodes = append(snap.Nodes, sn)
	}
	return snap
}

// WriteMermaid renders the snapshot as a Mermaid flowchart.
//
// Edges point from importer to imported module. Edges the importer accepts
// are drawn dashed and self-accepting modules are highlighted.
func (s Snapshot) WriteMermaid(w io.Writer) error {
	ids := make(map[string]string, len(s.Nodes))
	for i, n := range s.Nodes {
		ids[n.URL] = fmt.Sprintf("m%d", i)
	}

	if _, err := fmt.Fprintln(w, "graph LR"); err != nil {
		return err
	}
	for _, n := range s.Nodes {
		fmt.Fprintf(w, "    %s[\"%s\"]\n", ids[n.URL], escapeMermaid(n.URL))
	}
	for _, n := range s.Nodes {
		accepted := make(map[string]bool, len(n.AcceptedDeps))
		for _, dep := range n.AcceptedDeps {
			accepted[dep] = true
		}
		for _, dep := range n.Imports {
			arrow := "-->"
			if accepted[dep] {
				arrow = "-.->"
			}
			fmt.Fprintf(w, "    %s %s %s\n", ids[n.URL], arrow, ids[dep])
		}
	}
	for _, n := range s.Nodes {
		if n.SelfAccepting == SelfAcceptingTrue.String() {
			fmt.Fprintf(w, "    style %s fill:#9f9,stroke:#393\n", ids[n.URL])
		}
	}
	return nil
}

func escapeMermaid(s string) string {
	return strings.ReplaceAll(s, `"`, "#quot;")
}

// WriteDOT renders the snapshot as a Graphviz digraph with the same edge
// and highlight conventions as WriteMermaid.
func (s Snapshot) WriteDOT(w io.Writer) error {
	if _, err := fmt.Fprintln(w, "digraph modules {"); err != nil {
		return err
	}
	fmt.Fprintln(w, "    rankdir=LR;")
	for _, n := range s.Nodes {
		attrs := ""
		if n.SelfAccepting == SelfAcceptingTrue.String() {
			attrs = `, style=filled, fillcolor="#99ff99"`
		}
		fmt.Fprintf(w, "    %q [label=%q%s];\n", n.URL, n.URL, attrs)
	}
	for _, n := range s.Nodes {
		accepted := make(map[string]bool, len(n.AcceptedDeps))
		for _, dep := range n.AcceptedDeps {
			accepted[dep] = true
		}
		for _, dep := range n.Imports {
			if accepted[dep] {
				fmt.Fprintf(w, "    %q -> %q [style=dashed];\n", n.URL, dep)
				continue
			}
			fmt.Fprintf(w, "    %q -> %q;\n", n.URL, dep)
		}
	}
	_, err := fmt.Fprintln(w, "}")
	return err
}
