// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package optimizer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Fixtures
// =============================================================================

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

// newProject creates an app importing two packages, one of them only
// from an inline script.
func newProject(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"index.html": `<!doctype html>
<html>
  <head><script type="module" src="/@vite/client"></script></head>
  <body>
    <script type="module" src="/src/main.js"></script>
    <script type="module">import { b } from "pkg-b"; console.log(b)</script>
    <script src="https://cdn.example.com/x.js"></script>
  </body>
</html>`,
		"src/main.js":   "import { a } from 'pkg-a'\nimport { local } from './local.js'\nimport '/src/style.css'\nconsole.log(a, local)\n",
		"src/local.js":  "export const local = 1\n",
		"src/style.css": "body { color: red }\n",
		"node_modules/pkg-a/package.json": `{"name":"pkg-a","module":"index.js"}`,
		"node_modules/pkg-a/index.js":     "import { shared } from 'pkg-shared'\nexport const a = shared + 1\n",
		"node_modules/pkg-b/package.json": `{"name":"pkg-b","main":"index.js"}`,
		"node_modules/pkg-b/index.js":     "export const b = process.env.NODE_ENV\n",
		"node_modules/pkg-shared/package.json": `{"name":"pkg-shared","module":"index.js"}`,
		"node_modules/pkg-shared/index.js":     "export const shared = 41\n",
		"package-lock.json":                    `{"lockfileVersion":3}`,
	})
	return root
}

func newOptimizer(t *testing.T, root string, mutate func(*Options)) *Optimizer {
	t.Helper()
	opts := Options{Root: root, CacheDir: filepath.Join(root, "node_modules", ".mini-vite")}
	if mutate != nil {
		mutate(&opts)
	}
	o, err := New(opts)
	require.NoError(t, err)
	return o
}

// =============================================================================
// Tests
// =============================================================================

// TestNew_Validation verifies required options.
func TestNew_Validation(t *testing.T) {
	_, err := New(Options{CacheDir: "/c"})
	assert.ErrorIs(t, err, ErrEmptyRoot)
	_, err = New(Options{Root: "/r"})
	assert.ErrorIs(t, err, ErrEmptyCacheDir)
}

// TestRun_ScansAndBundles verifies bare imports from file and inline
// entries are bundled and looked up.
func TestRun_ScansAndBundles(t *testing.T) {
	root := newProject(t)
	o := newOptimizer(t, root, nil)

	m, rebuilt, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, rebuilt)
	assert.Equal(t, []string{"pkg-a", "pkg-b"}, m.Deps())

	file, ok := o.Lookup("pkg-a")
	require.True(t, ok)
	assert.Equal(t, filepath.ToSlash(filepath.Join(o.DepsDir(), "pkg-a.js")), file)
	assert.True(t, o.IsOptimizedFile(file))

	bundled, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(bundled), "41")

	b, err := os.ReadFile(filepath.Join(o.DepsDir(), "pkg-b.js"))
	require.NoError(t, err)
	assert.Contains(t, string(b), `"development"`)

	_, ok = o.Lookup("pkg-shared")
	assert.False(t, ok)
	_, err = os.Stat(filepath.Join(o.DepsDir(), MetadataFile))
	assert.NoError(t, err)
}

// TestRun_ReusesMatchingHash verifies a second run keeps the bundles and a
// forced run rebuilds them.
func TestRun_ReusesMatchingHash(t *testing.T) {
	root := newProject(t)
	_, _, err := newOptimizer(t, root, nil).Run(context.Background())
	require.NoError(t, err)

	o := newOptimizer(t, root, nil)
	m, rebuilt, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, rebuilt)
	assert.Len(t, m.Optimized, 2)
	_, ok := o.Lookup("pkg-b")
	assert.True(t, ok)

	_, rebuilt, err = newOptimizer(t, root, func(opts *Options) { opts.Force = true }).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, rebuilt)
}

// TestRun_LockfileChangeRebuilds verifies the hash follows the lockfile.
func TestRun_LockfileChangeRebuilds(t *testing.T) {
	root := newProject(t)
	_, _, err := newOptimizer(t, root, nil).Run(context.Background())
	require.NoError(t, err)

	writeFiles(t, root, map[string]string{"package-lock.json": `{"lockfileVersion":3,"packages":{}}`})
	_, rebuilt, err := newOptimizer(t, root, nil).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, rebuilt)
}

// TestRun_ForceOnce verifies Force rebuilds only the first run.
func TestRun_ForceOnce(t *testing.T) {
	root := newProject(t)
	o := newOptimizer(t, root, func(opts *Options) { opts.Force = true })

	_, rebuilt, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, rebuilt)

	_, rebuilt, err = o.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, rebuilt)
}

// TestIsLockfile verifies only root lockfiles match.
func TestIsLockfile(t *testing.T) {
	root := t.TempDir()
	o := newOptimizer(t, root, nil)
	slash := filepath.ToSlash(root)

	assert.True(t, o.IsLockfile(slash+"/package-lock.json"))
	assert.True(t, o.IsLockfile(slash+"/pnpm-lock.yaml"))
	assert.False(t, o.IsLockfile(slash+"/package.json"))
	assert.False(t, o.IsLockfile(slash+"/sub/yarn.lock"))
}

// TestRun_IncludeExclude verifies explicit include and exclude lists.
func TestRun_IncludeExclude(t *testing.T) {
	root := newProject(t)
	o := newOptimizer(t, root, func(opts *Options) {
		opts.Include = []string{"pkg-shared"}
		opts.Exclude = []string{"pkg-b"}
	})

	m, _, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"pkg-a", "pkg-shared"}, m.Deps())
}

// TestRun_NoIndexHTML verifies a project without entries gets empty metadata.
func TestRun_NoIndexHTML(t *testing.T) {
	root := t.TempDir()
	o := newOptimizer(t, root, nil)

	m, rebuilt, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, rebuilt)
	assert.Empty(t, m.Optimized)
	_, ok := o.Lookup("anything")
	assert.False(t, ok)
}

// TestRun_BundleFailure verifies unresolvable includes fail the run and
// leave the previous bundles in place.
func TestRun_BundleFailure(t *testing.T) {
	root := newProject(t)
	o := newOptimizer(t, root, nil)
	_, _, err := o.Run(context.Background())
	require.NoError(t, err)

	bad := newOptimizer(t, root, func(opts *Options) {
		opts.Include = []string{"does-not-exist"}
	})
	_, _, err = bad.Run(context.Background())
	assert.ErrorIs(t, err, ErrBundleFailed)
	assert.Nil(t, bad.Metadata())

	_, err = os.Stat(filepath.Join(o.DepsDir(), "pkg-a.js"))
	assert.NoError(t, err)
	_, ok := o.Lookup("pkg-a")
	assert.True(t, ok)
}

// TestDepsHash verifies option order does not change the hash.
func TestDepsHash(t *testing.T) {
	root := t.TempDir()
	a := depsHash(root, "development", []string{"x", "y"}, nil)
	b := depsHash(root, "development", []string{"y", "x"}, nil)
	c := depsHash(root, "production", []string{"x", "y"}, nil)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 8)
}
