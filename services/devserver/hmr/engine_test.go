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
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glows777/mini-vite/services/devserver/graph"
	"github.com/glows777/mini-vite/services/devserver/plugin"
	"github.com/glows777/mini-vite/services/devserver/protocol"
	"github.com/glows777/mini-vite/services/devserver/watcher"
)

// =============================================================================
// Test Fixtures
// =============================================================================

const testRoot = "/proj"

// recorder is a protocol.Sender that keeps every payload.
type recorder struct {
	mu       sync.Mutex
	payloads []protocol.Payload
}

func (r *recorder) Send(p protocol.Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, p)
}

func (r *recorder) all() []protocol.Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Payload(nil), r.payloads...)
}

func (r *recorder) last(t *testing.T) protocol.Payload {
	t.Helper()
	all := r.all()
	require.NotEmpty(t, all, "no payload sent")
	return all[len(all)-1]
}

type fixture struct {
	g    *graph.ModuleGraph
	sent *recorder
	e    *Engine
}

func fixedClock(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}

func newFixture(t *testing.T, plugins []*plugin.Plugin, opts ...Option) *fixture {
	t.Helper()
	g := graph.NewModuleGraph(func(ctx context.Context, url string) (string, error) {
		return testRoot + url, nil
	})
	var c *plugin.Container
	if plugins != nil {
		c = plugin.NewContainer(plugins)
	}
	sent := &recorder{}
	opts = append([]Option{WithClock(fixedClock(1000))}, opts...)
	return &fixture{g: g, sent: sent, e: New(testRoot, g, c, sent, opts...)}
}

func (f *fixture) node(t *testing.T, url string) *graph.ModuleNode {
	t.Helper()
	n, err := f.g.EnsureEntryFromURL(context.Background(), url, false)
	require.NoError(t, err)
	return n
}

func (f *fixture) wire(t *testing.T, url string, info graph.ModuleInfo) *graph.ModuleNode {
	t.Helper()
	n := f.node(t, url)
	_, err := f.g.UpdateModuleInfo(context.Background(), n, info)
	require.NoError(t, err)
	return n
}

// cache stores a transform result for n.
func (f *fixture) cache(t *testing.T, n *graph.ModuleNode) {
	t.Helper()
	_, gen := f.g.CachedResult(n, 0)
	require.True(t, f.g.StoreResult(n, &graph.TransformResult{Code: "// " + n.URL()}, gen))
}

func (f *fixture) change(t *testing.T, url string) error {
	t.Helper()
	return f.e.HandleFileEvent(context.Background(), watcher.Event{Path: testRoot + url, Op: watcher.OpChange})
}

func pairs(bs []Boundary) [][2]string {
	out := make([][2]string, 0, len(bs))
	for _, b := range bs {
		out = append(out, [2]string{b.Boundary.URL(), b.AcceptedVia.URL()})
	}
	return out
}

// =============================================================================
// PropagateUpdate
// =============================================================================

// TestPropagateUpdate_SelfAccepting verifies a self-accepting module is its
// own boundary even when its importer is an entry.
func TestPropagateUpdate_SelfAccepting(t *testing.T) {
	f := newFixture(t, nil)
	f.wire(t, "/b.js", graph.ModuleInfo{ImportedURLs: []string{"/a.js"}})
	a := f.wire(t, "/a.js", graph.ModuleInfo{SelfAccepting: true})

	var bs []Boundary
	assert.False(t, PropagateUpdate(a, &bs, []*graph.ModuleNode{a}))
	assert.Equal(t, [][2]string{{"/a.js", "/a.js"}}, pairs(bs))
}

// TestPropagateUpdate_Entry verifies an entry module is a dead end.
func TestPropagateUpdate_Entry(t *testing.T) {
	f := newFixture(t, nil)
	e := f.wire(t, "/main.js", graph.ModuleInfo{})

	var bs []Boundary
	assert.True(t, PropagateUpdate(e, &bs, []*graph.ModuleNode{e}))
	assert.Empty(t, bs)
}

// TestPropagateUpdate_Cycle verifies an import cycle without acceptance
// is a dead end from either side.
func TestPropagateUpdate_Cycle(t *testing.T) {
	f := newFixture(t, nil)
	a := f.wire(t, "/a.js", graph.ModuleInfo{ImportedURLs: []string{"/b.js"}})
	b := f.wire(t, "/b.js", graph.ModuleInfo{ImportedURLs: []string{"/a.js"}})

	for _, n := range []*graph.ModuleNode{a, b} {
		var bs []Boundary
		assert.True(t, PropagateUpdate(n, &bs, []*graph.ModuleNode{n}), n.URL())
	}
}

// TestPropagateUpdate_AcceptedDep verifies an accepting importer is the
// boundary for its dependency.
func TestPropagateUpdate_AcceptedDep(t *testing.T) {
	f := newFixture(t, nil)
	f.wire(t, "/a.js", graph.ModuleInfo{
		ImportedURLs: []string{"/b.js"},
		AcceptedURLs: []string{"/b.js"},
	})
	b := f.node(t, "/b.js")

	var bs []Boundary
	assert.False(t, PropagateUpdate(b, &bs, []*graph.ModuleNode{b}))
	assert.Equal(t, [][2]string{{"/a.js", "/b.js"}}, pairs(bs))
}

// TestPropagateUpdate_Transitive verifies boundaries are found through
// non-accepting intermediate modules on every branch.
func TestPropagateUpdate_Transitive(t *testing.T) {
	f := newFixture(t, nil)
	// main accepts left; right self-accepts; both import util.
	f.wire(t, "/main.js", graph.ModuleInfo{
		ImportedURLs: []string{"/left.js", "/right.js"},
		AcceptedURLs: []string{"/left.js"},
	})
	f.wire(t, "/left.js", graph.ModuleInfo{ImportedURLs: []string{"/util.js"}})
	f.wire(t, "/right.js", graph.ModuleInfo{ImportedURLs: []string{"/util.js"}, SelfAccepting: true})
	util := f.node(t, "/util.js")

	var bs []Boundary
	assert.False(t, PropagateUpdate(util, &bs, []*graph.ModuleNode{util}))
	assert.ElementsMatch(t, [][2]string{{"/main.js", "/left.js"}, {"/right.js", "/right.js"}}, pairs(bs))
}

// TestPropagateUpdate_OneDeadBranch verifies one unaccepted branch forces
// a dead end even when another branch found a boundary.
func TestPropagateUpdate_OneDeadBranch(t *testing.T) {
	f := newFixture(t, nil)
	f.wire(t, "/a.js", graph.ModuleInfo{ImportedURLs: []string{"/util.js"}, SelfAccepting: true})
	f.wire(t, "/main.js", graph.ModuleInfo{ImportedURLs: []string{"/util.js"}})
	util := f.node(t, "/util.js")

	var bs []Boundary
	assert.True(t, PropagateUpdate(util, &bs, []*graph.ModuleNode{util}))
}

// TestPropagateUpdate_AcceptedExports verifies partial acceptance covers
// importers that only use accepted exports.
func TestPropagateUpdate_AcceptedExports(t *testing.T) {
	tests := []struct {
		name     string
		bindings []string
		deadEnd  bool
	}{
		{"all accepted", []string{"count"}, false},
		{"side effect import", []string{}, false},
		{"unaccepted binding", []string{"count", "reset"}, true},
		{"unknown bindings", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			info := graph.ModuleInfo{ImportedURLs: []string{"/store.js"}}
			if tt.name != "unknown bindings" {
				info.ImportedBindings = map[string][]string{"/store.js": tt.bindings}
			}
			f.wire(t, "/main.js", info)
			store := f.wire(t, "/store.js", graph.ModuleInfo{AcceptedExports: []string{"count"}})

			var bs []Boundary
			assert.Equal(t, tt.deadEnd, PropagateUpdate(store, &bs, []*graph.ModuleNode{store}))
			assert.Contains(t, pairs(bs), [2]string{"/store.js", "/store.js"})
		})
	}
}

// =============================================================================
// Invalidate
// =============================================================================

// TestInvalidate_SkipsAcceptingImporter verifies an accepting importer keeps
// its cache while the changed module is cleared and stamped.
func TestInvalidate_SkipsAcceptingImporter(t *testing.T) {
	f := newFixture(t, nil)
	a := f.wire(t, "/a.js", graph.ModuleInfo{
		ImportedURLs: []string{"/b.js"},
		AcceptedURLs: []string{"/b.js"},
	})
	b := f.node(t, "/b.js")
	f.cache(t, a)
	f.cache(t, b)

	Invalidate(f.g, b, 42, map[*graph.ModuleNode]struct{}{})

	assert.NotNil(t, a.TransformResult())
	assert.Nil(t, b.TransformResult())
	assert.Equal(t, int64(42), b.LastHMRTimestamp())
	assert.Zero(t, a.LastHMRTimestamp())
}

// TestInvalidate_Diamond verifies each node is stamped once and cycles end.
func TestInvalidate_Diamond(t *testing.T) {
	f := newFixture(t, nil)
	top := f.wire(t, "/top.js", graph.ModuleInfo{ImportedURLs: []string{"/l.js", "/r.js"}})
	l := f.wire(t, "/l.js", graph.ModuleInfo{ImportedURLs: []string{"/base.js"}})
	r := f.wire(t, "/r.js", graph.ModuleInfo{ImportedURLs: []string{"/base.js"}})
	base := f.wire(t, "/base.js", graph.ModuleInfo{ImportedURLs: []string{"/top.js"}})
	for _, n := range []*graph.ModuleNode{top, l, r, base} {
		f.cache(t, n)
	}

	seen := map[*graph.ModuleNode]struct{}{}
	Invalidate(f.g, base, 7, seen)

	assert.Len(t, seen, 4)
	for _, n := range []*graph.ModuleNode{top, l, r, base} {
		assert.Nil(t, n.TransformResult(), n.URL())
		assert.Equal(t, int64(7), n.LastHMRTimestamp(), n.URL())
	}
}

// =============================================================================
// UpdateModules
// =============================================================================

// TestUpdateModules_SelfAccepting verifies a self-accepting module sends a
// scoped js-update.
func TestUpdateModules_SelfAccepting(t *testing.T) {
	f := newFixture(t, nil)
	f.wire(t, "/b.js", graph.ModuleInfo{ImportedURLs: []string{"/a.js"}})
	a := f.wire(t, "/a.js", graph.ModuleInfo{SelfAccepting: true})

	f.e.UpdateModules(context.Background(), "/a.js", []*graph.ModuleNode{a}, 5000)

	p := f.sent.last(t)
	require.Equal(t, protocol.TypeUpdate, p.Type)
	assert.Equal(t, []protocol.Update{{Type: protocol.UpdateJS, Path: "/a.js", AcceptedPath: "/a.js", Timestamp: 5000}}, p.Updates)
}

// TestUpdateModules_DeadEndSuppressesUpdates verifies any dead end sends a
// single full reload and no partial update.
func TestUpdateModules_DeadEndSuppressesUpdates(t *testing.T) {
	f := newFixture(t, nil)
	f.wire(t, "/b.js", graph.ModuleInfo{ImportedURLs: []string{"/a.js"}})
	a := f.wire(t, "/a.js", graph.ModuleInfo{SelfAccepting: true})
	entry := f.wire(t, "/main.js", graph.ModuleInfo{})
	f.cache(t, entry)

	f.e.UpdateModules(context.Background(), "/x", []*graph.ModuleNode{a, entry}, 5000)

	all := f.sent.all()
	require.Len(t, all, 1)
	assert.Equal(t, protocol.TypeFullReload, all[0].Type)
	assert.Empty(t, all[0].Path)
	assert.Nil(t, entry.TransformResult())
}

// TestUpdateModules_DedupBoundaries verifies shared boundaries are sent once.
func TestUpdateModules_DedupBoundaries(t *testing.T) {
	f := newFixture(t, nil)
	f.wire(t, "/main.js", graph.ModuleInfo{
		ImportedURLs: []string{"/a.js", "/a.js?raw"},
		AcceptedURLs: []string{"/a.js"},
	})
	a := f.node(t, "/a.js")

	f.e.UpdateModules(context.Background(), "/a.js", []*graph.ModuleNode{a, a}, 9)

	p := f.sent.last(t)
	require.Equal(t, protocol.TypeUpdate, p.Type)
	assert.Len(t, p.Updates, 1)
	assert.Equal(t, "/main.js", p.Updates[0].Path)
	assert.Equal(t, "/a.js", p.Updates[0].AcceptedPath)
}

// TestUpdateModules_CSSUpdate verifies stylesheet boundaries use css-update.
func TestUpdateModules_CSSUpdate(t *testing.T) {
	f := newFixture(t, nil)
	f.wire(t, "/main.js", graph.ModuleInfo{ImportedURLs: []string{"/style.css"}})
	css := f.wire(t, "/style.css", graph.ModuleInfo{SelfAccepting: true})

	f.e.UpdateModules(context.Background(), "/style.css", []*graph.ModuleNode{css}, 3)

	p := f.sent.last(t)
	require.Len(t, p.Updates, 1)
	assert.Equal(t, protocol.UpdateCSS, p.Updates[0].Type)
}

// =============================================================================
// HandleFileEvent / HandleHMRUpdate
// =============================================================================

// TestHandleFileEvent_MainUtilScenario walks the edit cycle of a two-module
// app: no accepts reloads the page; a self-accepting main hot-updates.
func TestHandleFileEvent_MainUtilScenario(t *testing.T) {
	f := newFixture(t, nil)
	main := f.wire(t, "/main.js", graph.ModuleInfo{ImportedURLs: []string{"/util.js"}})
	util := f.node(t, "/util.js")
	f.cache(t, main)
	f.cache(t, util)

	require.NoError(t, f.change(t, "/util.js"))
	p := f.sent.last(t)
	assert.Equal(t, protocol.TypeFullReload, p.Type)
	assert.Nil(t, util.TransformResult())
	assert.Nil(t, main.TransformResult())

	// main now declares import.meta.hot.accept().
	_, err := f.g.UpdateModuleInfo(context.Background(), main, graph.ModuleInfo{
		ImportedURLs:  []string{"/util.js"},
		SelfAccepting: true,
	})
	require.NoError(t, err)

	require.NoError(t, f.change(t, "/main.js"))
	p = f.sent.last(t)
	require.Equal(t, protocol.TypeUpdate, p.Type)
	require.Len(t, p.Updates, 1)
	assert.Equal(t, "/main.js", p.Updates[0].Path)
	assert.Equal(t, "/main.js", p.Updates[0].AcceptedPath)
	assert.Equal(t, main.LastHMRTimestamp(), p.Updates[0].Timestamp)
}

// TestHandleFileEvent_UnknownFile verifies a change backing no module
// sends nothing.
func TestHandleFileEvent_UnknownFile(t *testing.T) {
	f := newFixture(t, nil)
	f.wire(t, "/main.js", graph.ModuleInfo{})

	require.NoError(t, f.change(t, "/README.md"))
	assert.Empty(t, f.sent.all())
}

// TestHandleFileEvent_HTML verifies an HTML change reloads pages showing it.
func TestHandleFileEvent_HTML(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.change(t, "/index.html"))
	p := f.sent.last(t)
	assert.Equal(t, protocol.TypeFullReload, p.Type)
	assert.Equal(t, "/index.html", p.Path)
}

// TestHandleFileEvent_ConfigRestart verifies config changes restart the
// server without touching the graph or clients.
func TestHandleFileEvent_ConfigRestart(t *testing.T) {
	restarts := 0
	f := newFixture(t, nil, WithRestart(func(ctx context.Context) error {
		restarts++
		return errors.New("bad config")
	}))

	require.NoError(t, f.change(t, "/mini-vite.config.yaml"))
	assert.Equal(t, 1, restarts)
	assert.Empty(t, f.sent.all())
}

// TestHandleFileEvent_AddUnlink verifies add and unlink update the file's
// modules without clearing caches through OnFileChange.
func TestHandleFileEvent_AddUnlink(t *testing.T) {
	f := newFixture(t, nil)
	f.wire(t, "/main.js", graph.ModuleInfo{
		ImportedURLs: []string{"/gone.js"},
		AcceptedURLs: []string{"/gone.js"},
	})

	err := f.e.HandleFileEvent(context.Background(), watcher.Event{Path: testRoot + "/gone.js", Op: watcher.OpUnlink})
	require.NoError(t, err)
	p := f.sent.last(t)
	require.Equal(t, protocol.TypeUpdate, p.Type)
	assert.Equal(t, "/main.js", p.Updates[0].Path)

	err = f.e.HandleFileEvent(context.Background(), watcher.Event{Path: testRoot + "/new.js", Op: watcher.OpAdd})
	require.NoError(t, err)
	assert.Len(t, f.sent.all(), 1)
}

// TestHandleFileEvent_Disabled verifies a disabled engine only invalidates.
func TestHandleFileEvent_Disabled(t *testing.T) {
	f := newFixture(t, nil, WithHMR(false))
	main := f.wire(t, "/main.js", graph.ModuleInfo{})
	f.cache(t, main)

	require.NoError(t, f.change(t, "/main.js"))
	assert.Nil(t, main.TransformResult())
	assert.Empty(t, f.sent.all())
}

// TestHandleHMRUpdate_HookOverridesModules verifies HandleHotUpdate hooks
// can narrow the affected modules.
func TestHandleHMRUpdate_HookOverridesModules(t *testing.T) {
	var got *plugin.HotUpdateContext
	f := newFixture(t, []*plugin.Plugin{{
		Name: "narrow",
		HandleHotUpdate: func(c plugin.Context, hc *plugin.HotUpdateContext) ([]*graph.ModuleNode, error) {
			got = hc
			return []*graph.ModuleNode{}, nil
		},
	}})
	f.wire(t, "/main.js", graph.ModuleInfo{})

	require.NoError(t, f.e.HandleHMRUpdate(context.Background(), testRoot+"/main.js"))
	require.NotNil(t, got)
	assert.Equal(t, testRoot+"/main.js", got.File)
	assert.Len(t, got.Modules, 1)
	assert.Empty(t, f.sent.all())
}

// TestHandleHMRUpdate_HookRead verifies hooks can read the changed file.
func TestHandleHMRUpdate_HookRead(t *testing.T) {
	dir := t.TempDir()
	file := filepath.ToSlash(filepath.Join(dir, "note.txt"))
	require.NoError(t, os.WriteFile(file, []byte("hello"), 0o644))

	var content string
	f := newFixture(t, []*plugin.Plugin{{
		Name: "reader",
		HandleHotUpdate: func(c plugin.Context, hc *plugin.HotUpdateContext) ([]*graph.ModuleNode, error) {
			var err error
			content, err = hc.Read()
			return nil, err
		},
	}})

	require.NoError(t, f.e.HandleHMRUpdate(context.Background(), file))
	assert.Equal(t, "hello", content)
}

// TestHandleHMRUpdate_HookSeesServer verifies hooks receive the server
// recorded by ConfigureServer.
func TestHandleHMRUpdate_HookSeesServer(t *testing.T) {
	var got *plugin.ServerContext
	c := plugin.NewContainer([]*plugin.Plugin{{
		Name: "server-aware",
		HandleHotUpdate: func(_ plugin.Context, hc *plugin.HotUpdateContext) ([]*graph.ModuleNode, error) {
			got = hc.Server
			return nil, nil
		},
	}})
	g := graph.NewModuleGraph(func(ctx context.Context, url string) (string, error) {
		return testRoot + url, nil
	})
	server := &plugin.ServerContext{Root: testRoot, Graph: g, Container: c}
	require.NoError(t, c.ConfigureServer(context.Background(), server))

	e := New(testRoot, g, c, &recorder{}, WithClock(fixedClock(1000)))
	require.NoError(t, e.HandleHMRUpdate(context.Background(), testRoot+"/main.js"))
	assert.Same(t, server, got)
}

// TestHandleFileEvent_HookError verifies hook failures reach clients as an
// error payload tagged with the plugin.
func TestHandleFileEvent_HookError(t *testing.T) {
	f := newFixture(t, []*plugin.Plugin{{
		Name: "broken",
		HandleHotUpdate: func(c plugin.Context, hc *plugin.HotUpdateContext) ([]*graph.ModuleNode, error) {
			return nil, errors.New("boom")
		},
	}})
	f.wire(t, "/main.js", graph.ModuleInfo{})

	err := f.change(t, "/main.js")
	var pe *plugin.PluginError
	require.ErrorAs(t, err, &pe)

	p := f.sent.last(t)
	require.Equal(t, protocol.TypeError, p.Type)
	assert.Equal(t, "broken", p.Err.Plugin)
	assert.Equal(t, "boom", p.Err.Message)
}

// =============================================================================
// Pruning, ordering, timestamps
// =============================================================================

// TestHandlePrunedModules verifies pruned modules are stamped, keep their
// cache, and are announced.
func TestHandlePrunedModules(t *testing.T) {
	f := newFixture(t, nil)
	dep := f.node(t, "/dep.js")
	f.cache(t, dep)

	f.e.HandlePrunedModules(context.Background(), []*graph.ModuleNode{dep})

	p := f.sent.last(t)
	assert.Equal(t, protocol.TypePrune, p.Type)
	assert.Equal(t, []string{"/dep.js"}, p.Paths)
	assert.Equal(t, int64(1000), dep.LastHMRTimestamp())
	assert.NotNil(t, dep.TransformResult())
}

// TestEngine_TimestampsIncrease verifies changes within one millisecond
// still get distinct timestamps.
func TestEngine_TimestampsIncrease(t *testing.T) {
	f := newFixture(t, nil)
	a := f.wire(t, "/a.js", graph.ModuleInfo{SelfAccepting: true})
	f.wire(t, "/main.js", graph.ModuleInfo{ImportedURLs: []string{"/a.js"}})

	require.NoError(t, f.change(t, "/a.js"))
	first := a.LastHMRTimestamp()
	require.NoError(t, f.change(t, "/a.js"))

	assert.Equal(t, int64(1000), first)
	assert.Equal(t, first+1, a.LastHMRTimestamp())
}

// TestWatchHandler_Order verifies a batch is dispatched in event order.
func TestWatchHandler_Order(t *testing.T) {
	f := newFixture(t, nil)
	f.wire(t, "/main.js", graph.ModuleInfo{ImportedURLs: []string{"/a.js"}})
	f.wire(t, "/a.js", graph.ModuleInfo{SelfAccepting: true})

	handler := f.e.WatchHandler(context.Background())
	handler([]watcher.Event{
		{Path: testRoot + "/a.js", Op: watcher.OpChange},
		{Path: testRoot + "/index.html", Op: watcher.OpChange},
		{Path: testRoot + "/main.js", Op: watcher.OpChange},
	})

	all := f.sent.all()
	require.Len(t, all, 3)
	assert.Equal(t, protocol.TypeUpdate, all[0].Type)
	assert.Equal(t, "/index.html", all[1].Path)
	assert.Equal(t, protocol.TypeFullReload, all[2].Type)
	assert.Empty(t, all[2].Path)
}

// TestEngine_NilGraph verifies a misconfigured engine reports ErrNilGraph.
func TestEngine_NilGraph(t *testing.T) {
	e := New(testRoot, nil, nil, nil)
	err := e.HandleFileEvent(context.Background(), watcher.Event{Path: "/x", Op: watcher.OpChange})
	assert.ErrorIs(t, err, ErrNilGraph)
}
