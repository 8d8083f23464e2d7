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
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/glows777/mini-vite/services/devserver/modpath"
)

// ResolveFunc maps a request URL to a canonical module id.
//
// An empty id with a nil error means the URL could not be resolved; the
// graph then falls back to using the URL itself as the id.
type ResolveFunc func(ctx context.Context, url string) (string, error)

// ModuleInfo is the result of analyzing one transformed module.
type ModuleInfo struct {
	// ImportedURLs are the clean URLs of every static and dynamic import.
	ImportedURLs []string

	// ImportedBindings maps an imported URL to the binding names taken from it.
	// A nil map leaves bindings unknown.
	ImportedBindings map[string][]string

	// AcceptedURLs are the dependencies passed to import.meta.hot.accept.
	AcceptedURLs []string

	// AcceptedExports are the names passed to import.meta.hot.acceptExports.
	// Nil means no partial accept was declared.
	AcceptedExports []string

	// SelfAccepting is true when the module accepts its own updates.
	SelfAccepting bool
}

// ModuleGraph indexes served modules by URL, id, and backing file.
//
// # Description
//
// Nodes are created lazily by EnsureEntryFromURL and rewired on every
// transform by UpdateModuleInfo. Several URLs may alias one node when they
// resolve to the same id; several nodes may share one file when they differ
// only by query string.
//
// # Thread Safety
//
// Safe for concurrent use.
type ModuleGraph struct {
	mu            sync.RWMutex
	nodes         []*ModuleNode
	urlToModule   map[string]NodeKey
	idToModule    map[string]NodeKey
	fileToModules map[string]keySet

	resolve ResolveFunc
	logger  *slog.Logger
}

// Option configures a ModuleGraph.
type Option func(*ModuleGraph)

// WithLogger sets the logger used for debug output.
func WithLogger(logger *slog.Logger) Option {
	return func(g *ModuleGraph) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewModuleGraph creates an empty graph.
//
// # Inputs
//
//   - resolve: Maps URLs to ids. Nil makes every URL its own id.
//   - opts: Optional configuration.
func NewModuleGraph(resolve ResolveFunc, opts ...Option) *ModuleGraph {
	g := &ModuleGraph{
		urlToModule:   make(map[string]NodeKey),
		idToModule:    make(map[string]NodeKey),
		fileToModules: make(map[string]keySet),
		resolve:       resolve,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// EnsureEntryFromURL returns the node for a URL, creating it if needed.
//
// # Description
//
// Strips the "t" cache-busting parameter, then resolves the URL to an id
// outside the lock. A URL that resolves to an id already in the graph is
// registered as an alias of the existing node. The id index is re-checked
// under the write lock before insertion, so concurrent first requests for
// the same id always share one node.
//
// # Inputs
//
//   - ctx: Context passed to the resolver.
//   - rawURL: Request URL, possibly carrying a "t" parameter.
//   - setIsSelfAccepting: When true a newly created node is marked as not
//     self-accepting instead of unknown.
//
// # Outputs
//
//   - *ModuleNode: The existing or new node.
//   - error: Non-nil if the URL is empty or the resolver failed.
func (g *ModuleGraph) EnsureEntryFromURL(ctx context.Context, rawURL string, setIsSelfAccepting bool) (*ModuleNode, error) {
	if rawURL == "" {
		return nil, ErrEmptyURL
	}
	url := modpath.RemoveTimestampQuery(rawURL)

	g.mu.RLock()
	if key, ok := g.urlToModule[url]; ok {
		n := g.nodes[key]
		g.mu.RUnlock()
		return n, nil
	}
	g.mu.RUnlock()

	ctx, span := tracer.Start(ctx, "graph.EnsureEntryFromURL",
		trace.WithAttributes(attribute.String("url", url)))
	defer span.End()
	start := time.Now()

	id, err := g.resolveURL(ctx, url)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve failed")
		return nil, fmt.Errorf("resolve %s: %w", url, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if key, ok := g.urlToModule[url]; ok {
		return g.nodes[key], nil
	}
	if key, ok := g.idToModule[id]; ok {
		g.urlToModule[url] = key
		span.SetAttributes(attribute.Bool("alias", true))
		return g.nodes[key], nil
	}

	typ := ModuleTypeJS
	if modpath.IsCSSRequest(url) {
		typ = ModuleTypeCSS
	}
	file := modpath.CleanURL(id)
	key := NodeKey(len(g.nodes))
	n := newModuleNode(g, key, url, id, file, typ)
	if setIsSelfAccepting {
		n.selfAccepting = SelfAcceptingFalse
	}

	g.nodes = append(g.nodes, n)
	g.urlToModule[url] = key
	g.idToModule[id] = key
	files, ok := g.fileToModules[file]
	if !ok {
		files = make(keySet)
		g.fileToModules[file] = files
	}
	files[key] = struct{}{}

	recordNodeCreated(ctx, typ, time.Since(start))
	g.logger.Debug("module graph entry created",
		slog.String("url", url),
		slog.String("id", id),
	)
	return n, nil
}

// resolveURL maps a URL to an id without touching graph state.
func (g *ModuleGraph) resolveURL(ctx context.Context, url string) (string, error) {
	if modpath.IsVirtual(url) || g.resolve == nil {
		return url, nil
	}
	id, err := g.resolve(ctx, url)
	if err != nil {
		return "", err
	}
	if id == "" {
		return url, nil
	}
	return id, nil
}

// GetModuleByURL returns the node a URL maps to without creating one.
//
// # Outputs
//
//   - *ModuleNode: The node, or nil when the URL is unknown.
//   - error: Non-nil if resolution failed.
func (g *ModuleGraph) GetModuleByURL(ctx context.Context, rawURL string) (*ModuleNode, error) {
	url := modpath.RemoveTimestampQuery(rawURL)

	g.mu.RLock()
	if key, ok := g.urlToModule[url]; ok {
		n := g.nodes[key]
		g.mu.RUnlock()
		return n, nil
	}
	g.mu.RUnlock()

	id, err := g.resolveURL(ctx, url)
	if err != nil {
		return nil, err
	}
	return g.GetModuleByID(id), nil
}

// GetModuleByID returns the node with the given id, or nil.
func (g *ModuleGraph) GetModuleByID(id string) *ModuleNode {
	id = modpath.RemoveTimestampQuery(id)
	g.mu.RLock()
	defer g.mu.RUnlock()
	if key, ok := g.idToModule[id]; ok {
		return g.nodes[key]
	}
	return nil
}

// GetModulesByFile returns every node backed by file, ordered by creation.
func (g *ModuleGraph) GetModulesByFile(file string) []*ModuleNode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodesLocked(g.fileToModules[file])
}

// Nodes returns every node, ordered by creation.
func (g *ModuleGraph) Nodes() []*ModuleNode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*ModuleNode, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// Len returns the number of nodes.
func (g *ModuleGraph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// UpdateModuleInfo rewires a node after it has been transformed.
//
// # Description
//
// Ensures a node exists for every imported and accepted URL, then under one
// write lock: sets the self-accept flag, adds n as an importer of each new
// import, removes n from each dropped import, and replaces the accepted
// deps, accepted exports, and imported bindings.
//
// # Outputs
//
//   - []*ModuleNode: Dropped imports left with no importers at all. The
//     caller should report them to clients as pruned.
//   - error: Non-nil if n is invalid or an import failed to resolve.
func (g *ModuleGraph) UpdateModuleInfo(ctx context.Context, n *ModuleNode, info ModuleInfo) ([]*ModuleNode, error) {
	if err := g.check(n); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "graph.UpdateModuleInfo",
		trace.WithAttributes(
			attribute.String("url", n.url),
			attribute.Int("imports", len(info.ImportedURLs)),
		))
	defer span.End()

	imported := make(keySet, len(info.ImportedURLs))
	for _, u := range info.ImportedURLs {
		dep, err := g.EnsureEntryFromURL(ctx, u, false)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("update %s: %w", n.url, err)
		}
		imported[dep.key] = struct{}{}
	}

	accepted := make(keySet, len(info.AcceptedURLs))
	for _, u := range info.AcceptedURLs {
		dep, err := g.EnsureEntryFromURL(ctx, u, false)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("update %s: %w", n.url, err)
		}
		accepted[dep.key] = struct{}{}
	}

	var bindings map[NodeKey]map[string]struct{}
	if info.ImportedBindings != nil {
		bindings = make(map[NodeKey]map[string]struct{}, len(info.ImportedBindings))
		for u, names := range info.ImportedBindings {
			dep, err := g.EnsureEntryFromURL(ctx, u, false)
			if err != nil {
				span.RecordError(err)
				return nil, fmt.Errorf("update %s: %w", n.url, err)
			}
			set := bindings[dep.key]
			if set == nil {
				set = make(map[string]struct{}, len(names))
				bindings[dep.key] = set
			}
			for _, name := range names {
				set[name] = struct{}{}
			}
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if info.SelfAccepting {
		n.selfAccepting = SelfAcceptingTrue
	} else {
		n.selfAccepting = SelfAcceptingFalse
	}

	for key := range imported {
		g.nodes[key].importers[n.key] = struct{}{}
	}

	var pruned []*ModuleNode
	for _, key := range n.importedModules.sorted() {
		if _, still := imported[key]; still {
			continue
		}
		dep := g.nodes[key]
		delete(dep.importers, n.key)
		if len(dep.importers) == 0 {
			pruned = append(pruned, dep)
		}
	}

	n.importedModules = imported
	n.acceptedHmrDeps = accepted
	n.importedBindings = bindings
	if info.AcceptedExports != nil {
		n.acceptedHmrExports = make(map[string]struct{}, len(info.AcceptedExports))
		for _, name := range info.AcceptedExports {
			n.acceptedHmrExports[name] = struct{}{}
		}
	} else {
		n.acceptedHmrExports = nil
	}

	if len(pruned) > 0 {
		recordPruned(ctx, len(pruned))
	}
	return pruned, nil
}

// InvalidateModule clears a node's cached transform result. Idempotent.
func (g *ModuleGraph) InvalidateModule(n *ModuleNode) {
	if g.check(n) != nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.invalidateLocked(n)
}

// InvalidateAll clears every cached transform result.
func (g *ModuleGraph) InvalidateAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, n := range g.nodes {
		g.invalidateLocked(n)
	}
}

// OnFileChange invalidates every node backed by file, and nothing else.
func (g *ModuleGraph) OnFileChange(file string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key := range g.fileToModules[file] {
		g.invalidateLocked(g.nodes[key])
	}
}

// InvalidateAt clears a node's cache and advances its HMR timestamp to ts.
// The timestamp never moves backwards.
func (g *ModuleGraph) InvalidateAt(n *ModuleNode, ts int64) {
	if g.check(n) != nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.invalidateLocked(n)
	if ts > n.lastHMRTimestamp {
		n.lastHMRTimestamp = ts
	}
}

// TouchTimestamp advances a node's HMR timestamp without clearing its cache.
func (g *ModuleGraph) TouchTimestamp(n *ModuleNode, ts int64) {
	if g.check(n) != nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if ts > n.lastHMRTimestamp {
		n.lastHMRTimestamp = ts
	}
}

// CachedResult applies the cache rule for a request carrying timestamp ts.
//
// # Description
//
// A request timestamp strictly newer than the node's lastHMRTimestamp
// advances the node's timestamp and reports a miss. Otherwise the cached
// result (possibly nil) is returned. Zero means the request had no
// timestamp.
//
// # Outputs
//
//   - *TransformResult: The cached result, nil on a miss.
//   - uint64: The node's invalidation generation, to pass to StoreResult.
func (g *ModuleGraph) CachedResult(n *ModuleNode, ts int64) (*TransformResult, uint64) {
	if g.check(n) != nil {
		return nil, 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if ts > n.lastHMRTimestamp {
		n.lastHMRTimestamp = ts
		return nil, n.generation
	}
	return n.transformResult, n.generation
}

// StoreResult caches a transform result unless the node was invalidated
// since generation gen was observed.
//
// # Outputs
//
//   - bool: True if the result was stored.
func (g *ModuleGraph) StoreResult(n *ModuleNode, result *TransformResult, gen uint64) bool {
	if g.check(n) != nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if n.generation != gen {
		return false
	}
	n.transformResult = result
	return true
}

func (g *ModuleGraph) invalidateLocked(n *ModuleNode) {
	n.transformResult = nil
	n.generation++
}

func (g *ModuleGraph) check(n *ModuleNode) error {
	if n == nil {
		return ErrNilNode
	}
	if n.graph != g {
		return ErrForeignNode
	}
	return nil
}

// nodesLocked maps a key set to nodes. Caller holds mu.
func (g *ModuleGraph) nodesLocked(set keySet) []*ModuleNode {
	if len(set) == 0 {
		return nil
	}
	out := make([]*ModuleNode, 0, len(set))
	for _, key := range set.sorted() {
		out = append(out, g.nodes[key])
	}
	return out
}
