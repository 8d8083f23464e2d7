// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transform

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glows777/mini-vite/services/devserver/graph"
	"github.com/glows777/mini-vite/services/devserver/modpath"
	"github.com/glows777/mini-vite/services/devserver/plugin"
	"github.com/glows777/mini-vite/services/devserver/plugins"
	"github.com/glows777/mini-vite/services/devserver/protocol"
)

// =============================================================================
// Fixtures
// =============================================================================

// fixture is an orchestrator over a temp project with a counting loader.
type fixture struct {
	root  string
	graph *graph.ModuleGraph
	orch  *Orchestrator
	loads atomic.Int32
	sent  []protocol.Payload
	mu    sync.Mutex

	// loadHook, when set, runs inside Load before the file is read.
	loadHook func(id string) error
}

func newFixture(t *testing.T, files map[string]string, extra ...*plugin.Plugin) *fixture {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	root = modpath.NormalizePath(root)
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}

	f := &fixture{root: root}
	counting := &plugin.Plugin{
		Name: "counting-loader",
		Load: func(_ plugin.Context, id string) (*plugin.LoadResult, error) {
			if modpath.IsVirtual(id) {
				return nil, nil
			}
			f.loads.Add(1)
			if f.loadHook != nil {
				if err := f.loadHook(id); err != nil {
					return nil, err
				}
			}
			data, err := os.ReadFile(filepath.FromSlash(modpath.CleanURL(id)))
			if err != nil {
				return nil, fmt.Errorf("%w: %s", plugin.ErrNotFoundOnDisk, id)
			}
			return &plugin.LoadResult{Code: string(data)}, nil
		},
		Transform: func(_ plugin.Context, code, id string) (*plugin.TransformResult, error) {
			return &plugin.TransformResult{Code: code + "\n//transformed", Map: `{"version":3}`}, nil
		},
	}
	ps := append([]*plugin.Plugin{plugins.ResolvePlugin(root, plugins.DefaultExtensions)}, extra...)
	ps = append(ps, counting)
	c := plugin.NewContainer(ps)
	f.graph = graph.NewModuleGraph(NewResolver(c))

	sender := protocol.SenderFunc(func(p protocol.Payload) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.sent = append(f.sent, p)
	})
	f.orch, err = New(root, f.graph, c, WithSender(sender))
	require.NoError(t, err)
	return f
}

func (f *fixture) payloads() []protocol.Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Payload(nil), f.sent...)
}

// =============================================================================
// Construction and URLs
// =============================================================================

// TestNew_RequiresDependencies verifies nil graph and container are rejected.
func TestNew_RequiresDependencies(t *testing.T) {
	c := plugin.NewContainer(nil)
	_, err := New("/proj", nil, c)
	assert.ErrorIs(t, err, ErrNilGraph)

	_, err = New("/proj", graph.NewModuleGraph(nil), nil)
	assert.ErrorIs(t, err, ErrNilContainer)
}

// TestRequestURL verifies query handling for graph URLs.
func TestRequestURL(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"/src/main.ts", "/src/main.ts"},
		{"/src/main.ts?t=1700000000000", "/src/main.ts"},
		{"/src/main.ts#frag", "/src/main.ts"},
		{"/src/logo.svg?import&t=12", "/src/logo.svg?import"},
		{"/src/my%20file.ts", "/src/my file.ts"},
		{"/src/a.ts?v=abc", "/src/a.ts"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, RequestURL(tt.raw))
		})
	}
}

// =============================================================================
// Caching
// =============================================================================

// TestTransformRequest_Caches verifies a second request is served from cache.
func TestTransformRequest_Caches(t *testing.T) {
	f := newFixture(t, map[string]string{"src/a.js": "export const a = 1"})
	ctx := context.Background()

	first, err := f.orch.TransformRequest(ctx, "/src/a.js")
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, "export const a = 1\n//transformed", first.Code)
	assert.Equal(t, `{"version":3}`, first.Map)
	assert.Equal(t, "/src/a.js", first.URL)
	assert.Equal(t, f.root+"/src/a.js", first.ID)

	second, err := f.orch.TransformRequest(ctx, "/src/a.js")
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Code, second.Code)
	assert.Equal(t, int32(1), f.loads.Load())
}

// TestTransformRequest_AliasURLsShareCache verifies URLs resolving to one id
// share a node and its cache.
func TestTransformRequest_AliasURLsShareCache(t *testing.T) {
	f := newFixture(t, map[string]string{"src/a.ts": "x"})
	ctx := context.Background()

	_, err := f.orch.TransformRequest(ctx, "/src/a.ts")
	require.NoError(t, err)
	res, err := f.orch.TransformRequest(ctx, "/src/a")
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Equal(t, int32(1), f.loads.Load())
	assert.Equal(t, 1, f.graph.Len())
}

// TestTransformRequest_TimestampRules verifies the cache rule for "t".
func TestTransformRequest_TimestampRules(t *testing.T) {
	f := newFixture(t, map[string]string{"src/a.js": "a"})
	ctx := context.Background()

	_, err := f.orch.TransformRequest(ctx, "/src/a.js")
	require.NoError(t, err)

	res, err := f.orch.TransformRequest(ctx, "/src/a.js?t=100")
	require.NoError(t, err)
	assert.False(t, res.Cached, "newer timestamp recomputes")
	assert.Equal(t, int32(2), f.loads.Load())

	node := f.graph.GetModuleByID(f.root + "/src/a.js")
	require.NotNil(t, node)
	assert.Equal(t, int64(100), node.LastHMRTimestamp())

	res, err = f.orch.TransformRequest(ctx, "/src/a.js?t=100")
	require.NoError(t, err)
	assert.True(t, res.Cached, "equal timestamp is served from cache")

	res, err = f.orch.TransformRequest(ctx, "/src/a.js?t=50")
	require.NoError(t, err)
	assert.True(t, res.Cached, "older timestamp is served from cache")
	assert.Equal(t, int32(2), f.loads.Load())
}

// TestTransformRequest_StaleAfterInvalidation verifies a request older than
// the node's HMR timestamp still gets fresh output after invalidation.
func TestTransformRequest_StaleAfterInvalidation(t *testing.T) {
	f := newFixture(t, map[string]string{"src/a.js": "v1"})
	ctx := context.Background()

	_, err := f.orch.TransformRequest(ctx, "/src/a.js")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(filepath.FromSlash(f.root), "src", "a.js"), []byte("v2"), 0o644))
	node := f.graph.GetModuleByID(f.root + "/src/a.js")
	f.graph.InvalidateAt(node, 200)

	res, err := f.orch.TransformRequest(ctx, "/src/a.js?t=150")
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, "v2\n//transformed", res.Code)
}

// TestTransformRequest_InvalidatedDuringCompute verifies a result computed
// across an invalidation is returned but not cached.
func TestTransformRequest_InvalidatedDuringCompute(t *testing.T) {
	f := newFixture(t, map[string]string{"src/a.js": "v1"})
	ctx := context.Background()

	var once sync.Once
	f.loadHook = func(id string) error {
		once.Do(func() {
			f.graph.InvalidateAt(f.graph.GetModuleByID(id), 10)
		})
		return nil
	}

	res, err := f.orch.TransformRequest(ctx, "/src/a.js")
	require.NoError(t, err)
	assert.Equal(t, "v1\n//transformed", res.Code)

	node := f.graph.GetModuleByID(f.root + "/src/a.js")
	assert.Nil(t, node.TransformResult())

	res, err = f.orch.TransformRequest(ctx, "/src/a.js")
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, int32(2), f.loads.Load())
}

// TestTransformRequest_ConcurrentSingleLoad verifies concurrent requests for
// one module run the pipeline once.
func TestTransformRequest_ConcurrentSingleLoad(t *testing.T) {
	f := newFixture(t, map[string]string{"src/a.js": "a"})
	release := make(chan struct{})
	f.loadHook = func(string) error {
		<-release
		return nil
	}

	const n = 16
	var wg sync.WaitGroup
	results := make([]*Result, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.orch.TransformRequest(context.Background(), "/src/a.js")
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "a\n//transformed", results[i].Code)
	}
	assert.Equal(t, int32(1), f.loads.Load())
	assert.Equal(t, 1, f.graph.Len())
}

// TestTransformRequest_CallerCancelDoesNotFailJoined verifies a cancelled
// request does not fail other requests sharing its in-flight transform.
func TestTransformRequest_CallerCancelDoesNotFailJoined(t *testing.T) {
	ctxAware := &plugin.Plugin{
		Name: "ctx-aware",
		Transform: func(c plugin.Context, code, id string) (*plugin.TransformResult, error) {
			if err := c.Err(); err != nil {
				return nil, err
			}
			return nil, nil
		},
	}
	f := newFixture(t, map[string]string{"src/a.js": "a"}, ctxAware)
	started := make(chan struct{})
	release := make(chan struct{})
	f.loadHook = func(string) error {
		close(started)
		<-release
		return nil
	}

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := f.orch.TransformRequest(firstCtx, "/src/a.js")
		firstErr <- err
	}()
	<-started

	type outcome struct {
		res *Result
		err error
	}
	joined := make(chan outcome, 1)
	go func() {
		res, err := f.orch.TransformRequest(context.Background(), "/src/a.js")
		joined <- outcome{res, err}
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	close(release)

	got := <-joined
	require.NoError(t, got.err)
	assert.Equal(t, "a\n//transformed", got.res.Code)
	assert.NoError(t, <-firstErr)
	assert.Equal(t, int32(1), f.loads.Load())
}

// =============================================================================
// Errors
// =============================================================================

// TestTransformRequest_ResolutionError verifies a missing file is reported
// without running the pipeline.
func TestTransformRequest_ResolutionError(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.orch.TransformRequest(context.Background(), "/src/missing.js")
	require.Error(t, err)
	var re *plugin.ResolutionError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "/src/missing.js", re.Specifier)
	assert.Equal(t, int32(0), f.loads.Load())
}

// TestTransformRequest_VanishedFile verifies a file removed mid-request
// yields an empty uncached result and a client log.
func TestTransformRequest_VanishedFile(t *testing.T) {
	f := newFixture(t, map[string]string{"src/a.js": "a"})
	f.loadHook = func(id string) error {
		return os.Remove(filepath.FromSlash(modpath.CleanURL(id)))
	}

	res, err := f.orch.TransformRequest(context.Background(), "/src/a.js")
	require.NoError(t, err)
	assert.Empty(t, res.Code)
	assert.False(t, res.Cached)

	node := f.graph.GetModuleByID(f.root + "/src/a.js")
	assert.Nil(t, node.TransformResult())

	sent := f.payloads()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.TypeLog, sent[0].Type)
	assert.Contains(t, sent[0].Data, "/src/a.js")
}

// TestTransformRequest_PluginErrorNotCached verifies hook failures surface
// and leave no cache entry.
func TestTransformRequest_PluginErrorNotCached(t *testing.T) {
	boom := errors.New("boom")
	failing := &plugin.Plugin{
		Name: "failing",
		Transform: func(plugin.Context, string, string) (*plugin.TransformResult, error) {
			return nil, boom
		},
	}
	f := newFixture(t, map[string]string{"src/a.js": "a"}, failing)

	_, err := f.orch.TransformRequest(context.Background(), "/src/a.js")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	var pe *plugin.PluginError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "failing", pe.Plugin)

	node := f.graph.GetModuleByID(f.root + "/src/a.js")
	assert.Nil(t, node.TransformResult())
}

// TestTransformRequest_VirtualModules verifies id URLs are served without a
// file and that modules nothing loads are reported.
func TestTransformRequest_VirtualModules(t *testing.T) {
	virtual := plugins.VirtualPlugin("v", map[string]string{"virtual:x": "export default 1"})
	resolveOnly := &plugin.Plugin{
		Name: "resolve-only",
		ResolveID: func(_ plugin.Context, id, _ string, _ plugin.HookResolveOptions) (*plugin.ResolveResult, error) {
			if id == "\x00virtual:empty" {
				return &plugin.ResolveResult{ID: id}, nil
			}
			return nil, nil
		},
	}
	f := newFixture(t, nil, virtual, resolveOnly)
	ctx := context.Background()

	res, err := f.orch.TransformRequest(ctx, "/@id/__x00__virtual:x")
	require.NoError(t, err)
	assert.Equal(t, "export default 1\n//transformed", res.Code)
	assert.Equal(t, "\x00virtual:x", res.ID)

	_, err = f.orch.TransformRequest(ctx, "/@id/__x00__virtual:empty")
	assert.ErrorIs(t, err, ErrNoLoader)

	_, err = f.orch.TransformRequest(ctx, "/@id/virtual:unknown")
	require.Error(t, err)
	var re *plugin.ResolutionError
	assert.True(t, errors.As(err, &re), "an unresolved id URL has no file")
}
