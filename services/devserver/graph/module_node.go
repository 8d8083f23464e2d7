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
	"sort"
)

// NodeKey addresses a node in its graph's arena.
type NodeKey int

// ModuleType is the kind of content a module produces.
type ModuleType int

const (
	// ModuleTypeJS is any module served as JavaScript.
	ModuleTypeJS ModuleType = iota

	// ModuleTypeCSS is a stylesheet served as a JS module.
	ModuleTypeCSS
)

// String returns "js" or "css", the values used in update payloads.
func (t ModuleType) String() string {
	if t == ModuleTypeCSS {
		return "css"
	}
	return "js"
}

// SelfAccepting is the tri-state self-accept flag of a module.
type SelfAccepting int8

const (
	// SelfAcceptingUnknown means the module has not been analyzed yet.
	SelfAcceptingUnknown SelfAccepting = iota

	// SelfAcceptingFalse means the module does not accept its own updates.
	SelfAcceptingFalse

	// SelfAcceptingTrue means the module calls import.meta.hot.accept() on itself.
	SelfAcceptingTrue
)

// String returns the flag name.
func (s SelfAccepting) String() string {
	switch s {
	case SelfAcceptingFalse:
		return "false"
	case SelfAcceptingTrue:
		return "true"
	default:
		return "unknown"
	}
}

// TransformResult is the cached compiled output of a module.
type TransformResult struct {
	// Code is the JavaScript sent to the browser.
	Code string

	// Map is the source map, empty when none was produced.
	Map string
}

// keySet is a set of node keys.
type keySet map[NodeKey]struct{}

func (s keySet) sorted() []NodeKey {
	keys := make([]NodeKey, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// ModuleNode is one served module.
//
// # Description
//
// Identity fields (URL, ID, File, Type) are fixed at creation and may be read
// without locking. Everything else is mutable graph state and is only
// reachable through accessors that take the owning graph's lock.
type ModuleNode struct {
	key   NodeKey
	graph *ModuleGraph

	url  string
	id   string
	file string
	typ  ModuleType

	importers          keySet
	importedModules    keySet
	acceptedHmrDeps    keySet
	acceptedHmrExports map[string]struct{}
	importedBindings   map[NodeKey]map[string]struct{}
	selfAccepting      SelfAccepting
	transformResult    *TransformResult
	lastHMRTimestamp   int64

	// generation counts invalidations so an in-flight transform that
	// started before an invalidation cannot store a stale result.
	generation uint64
}

func newModuleNode(g *ModuleGraph, key NodeKey, url, id, file string, typ ModuleType) *ModuleNode {
	return &ModuleNode{
		key:             key,
		graph:           g,
		url:             url,
		id:              id,
		file:            file,
		typ:             typ,
		importers:       make(keySet),
		importedModules: make(keySet),
		acceptedHmrDeps: make(keySet),
	}
}

// Key returns the node's arena key.
func (n *ModuleNode) Key() NodeKey { return n.key }

// URL returns the request-facing URL the node was first created for.
func (n *ModuleNode) URL() string { return n.url }

// ID returns the canonical resolved id.
func (n *ModuleNode) ID() string { return n.id }

// File returns the id without query or hash.
func (n *ModuleNode) File() string { return n.file }

// Type returns the module type derived from the URL.
func (n *ModuleNode) Type() ModuleType { return n.typ }

// Importers returns the modules that import this one, ordered by creation.
func (n *ModuleNode) Importers() []*ModuleNode {
	n.graph.mu.RLock()
	defer n.graph.mu.RUnlock()
	return n.graph.nodesLocked(n.importers)
}

// ImportedModules returns the modules this one imports, ordered by creation.
func (n *ModuleNode) ImportedModules() []*ModuleNode {
	n.graph.mu.RLock()
	defer n.graph.mu.RUnlock()
	return n.graph.nodesLocked(n.importedModules)
}

// AcceptedHMRDeps returns the imported modules whose updates this module handles.
func (n *ModuleNode) AcceptedHMRDeps() []*ModuleNode {
	n.graph.mu.RLock()
	defer n.graph.mu.RUnlock()
	return n.graph.nodesLocked(n.acceptedHmrDeps)
}

// AcceptsHMRDep reports whether this module accepts updates of dep.
func (n *ModuleNode) AcceptsHMRDep(dep *ModuleNode) bool {
	if dep == nil {
		return false
	}
	n.graph.mu.RLock()
	defer n.graph.mu.RUnlock()
	_, ok := n.acceptedHmrDeps[dep.key]
	return ok
}

// AcceptedHMRExports returns the export names accepted through
// import.meta.hot.acceptExports, or nil when none were declared.
func (n *ModuleNode) AcceptedHMRExports() []string {
	n.graph.mu.RLock()
	defer n.graph.mu.RUnlock()
	if n.acceptedHmrExports == nil {
		return nil
	}
	names := make([]string, 0, len(n.acceptedHmrExports))
	for name := range n.acceptedHmrExports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ImportedBindings returns the binding names this module imports from dep,
// or nil when unknown.
func (n *ModuleNode) ImportedBindings(dep *ModuleNode) []string {
	if dep == nil {
		return nil
	}
	n.graph.mu.RLock()
	defer n.graph.mu.RUnlock()
	set, ok := n.importedBindings[dep.key]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SelfAccepting returns the tri-state self-accept flag.
func (n *ModuleNode) SelfAccepting() SelfAccepting {
	n.graph.mu.RLock()
	defer n.graph.mu.RUnlock()
	return n.selfAccepting
}

// IsSelfAccepting reports whether the module is known to accept itself.
func (n *ModuleNode) IsSelfAccepting() bool {
	return n.SelfAccepting() == SelfAcceptingTrue
}

// TransformResult returns the cached output, nil when stale.
func (n *ModuleNode) TransformResult() *TransformResult {
	n.graph.mu.RLock()
	defer n.graph.mu.RUnlock()
	return n.transformResult
}

// LastHMRTimestamp returns the last invalidation or request timestamp.
func (n *ModuleNode) LastHMRTimestamp() int64 {
	n.graph.mu.RLock()
	defer n.graph.mu.RUnlock()
	return n.lastHMRTimestamp
}
