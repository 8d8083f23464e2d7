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
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/evanw/esbuild/pkg/api"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/glows777/mini-vite/services/devserver/modpath"
)

var tracer = otel.Tracer("minivite.optimizer")

// Options configures an Optimizer.
type Options struct {
	// Root is the absolute project root.
	Root string

	// CacheDir is the absolute cache directory. Bundles go to CacheDir/deps.
	CacheDir string

	// Mode is folded into the metadata hash and process.env.NODE_ENV.
	Mode string

	// Include lists specifiers to bundle even when the scan misses them.
	Include []string

	// Exclude lists specifiers never to bundle.
	Exclude []string

	// Force rebuilds even when the metadata hash matches.
	Force bool

	// Logger receives progress messages. Defaults to slog.Default().
	Logger *slog.Logger
}

// Optimizer owns the pre-bundled dependency cache.
//
// # Thread Safety
//
// Run must not be called concurrently with itself. Lookup and Metadata
// are safe for concurrent use.
type Optimizer struct {
	opts    Options
	depsDir string
	logger  *slog.Logger

	mu   sync.RWMutex
	meta *Metadata
}

// New creates an optimizer. Nothing is read or built until Run.
func New(opts Options) (*Optimizer, error) {
	if opts.Root == "" {
		return nil, ErrEmptyRoot
	}
	if opts.CacheDir == "" {
		return nil, ErrEmptyCacheDir
	}
	if opts.Mode == "" {
		opts.Mode = "development"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Optimizer{
		opts:    opts,
		depsDir: filepath.Join(opts.CacheDir, "deps"),
		logger:  logger,
	}, nil
}

// DepsDir returns the directory holding the bundles.
func (o *Optimizer) DepsDir() string {
	return o.depsDir
}

// Run makes the deps directory current.
//
// # Description
//
// When the stored metadata hash matches and Force is off, the existing
// bundles are reused. Otherwise index.html entries are scanned for bare
// imports, Include and Exclude are applied, and every dependency is
// bundled by esbuild into one ESM file with shared chunks split out.
// Force applies to the first successful run only.
//
// # Outputs
//
//   - *Metadata: The metadata now in effect.
//   - bool: True if the bundles were rebuilt.
//   - error: Non-nil when scanning or bundling failed. The previous
//     metadata, if any, stays in effect.
func (o *Optimizer) Run(ctx context.Context) (*Metadata, bool, error) {
	ctx, span := tracer.Start(ctx, "optimizer.Run",
		trace.WithAttributes(attribute.Bool("force", o.opts.Force)),
	)
	defer span.End()
	start := time.Now()

	hash := depsHash(o.opts.Root, o.opts.Mode, o.opts.Include, o.opts.Exclude)
	if !o.opts.Force {
		if m, err := readMetadata(o.depsDir); err == nil && m.Hash == hash {
			o.setMetadata(m)
			span.SetAttributes(attribute.Bool("reused", true))
			o.logger.Debug("reusing pre-bundled dependencies", slog.Int("deps", len(m.Optimized)))
			return m, false, nil
		}
	}

	entries, err := findEntries(ctx, o.opts.Root)
	if err != nil {
		return nil, false, o.fail(span, fmt.Errorf("find entries: %w", err))
	}
	scanned, err := scan(ctx, o.opts.Root, entries, o.logger)
	if err != nil {
		return nil, false, o.fail(span, fmt.Errorf("scan dependencies: %w", err))
	}
	deps := o.selectDeps(scanned)

	// Build into a staging directory so a failed run leaves the current
	// bundles in place.
	staging := o.depsDir + "_temp"
	if err := os.RemoveAll(staging); err != nil {
		return nil, false, o.fail(span, err)
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return nil, false, o.fail(span, err)
	}
	defer os.RemoveAll(staging)

	m := &Metadata{Hash: hash, Optimized: make(map[string]OptimizedDep, len(deps))}
	if len(deps) > 0 {
		if err := o.bundle(deps, staging); err != nil {
			return nil, false, o.fail(span, err)
		}
		for _, d := range deps {
			m.Optimized[d] = OptimizedDep{File: modpath.FlattenID(d) + ".js"}
		}
	}
	// Bundles are ESM regardless of the package's own type.
	if err := os.WriteFile(filepath.Join(staging, "package.json"), []byte(`{"type":"module"}`), 0o644); err != nil {
		return nil, false, o.fail(span, err)
	}
	if err := writeMetadata(staging, m); err != nil {
		return nil, false, o.fail(span, err)
	}
	if err := os.RemoveAll(o.depsDir); err != nil {
		return nil, false, o.fail(span, err)
	}
	if err := os.Rename(staging, o.depsDir); err != nil {
		return nil, false, o.fail(span, err)
	}

	o.setMetadata(m)
	o.opts.Force = false
	span.SetAttributes(attribute.Int("deps", len(deps)))
	o.logger.Info("pre-bundled dependencies",
		slog.String("deps", strings.Join(deps, ", ")),
		slog.Duration("duration", time.Since(start)),
	)
	return m, true, nil
}

func (o *Optimizer) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// selectDeps merges Include into the scan result and drops Exclude.
func (o *Optimizer) selectDeps(scanned []string) []string {
	deps := append([]string(nil), scanned...)
	for _, inc := range o.opts.Include {
		if !slices.Contains(deps, inc) {
			deps = append(deps, inc)
		}
	}
	deps = slices.DeleteFunc(deps, func(d string) bool {
		return slices.Contains(o.opts.Exclude, d)
	})
	slices.Sort(deps)
	return deps
}

// bundle builds every dependency into outdir in one esbuild run.
func (o *Optimizer) bundle(deps []string, outdir string) error {
	entryPoints := make([]api.EntryPoint, 0, len(deps))
	for _, d := range deps {
		entryPoints = append(entryPoints, api.EntryPoint{InputPath: d, OutputPath: modpath.FlattenID(d)})
	}
	result := api.Build(api.BuildOptions{
		AbsWorkingDir:       o.opts.Root,
		EntryPointsAdvanced: entryPoints,
		Bundle:              true,
		Splitting:           true,
		Format:              api.FormatESModule,
		Platform:            api.PlatformBrowser,
		Target:              api.ESNext,
		Outdir:              outdir,
		Write:               true,
		LogLevel:            api.LogLevelSilent,
		Define: map[string]string{
			"process.env.NODE_ENV": fmt.Sprintf("%q", o.opts.Mode),
		},
	})
	if len(result.Errors) > 0 {
		msgs := api.FormatMessages(result.Errors, api.FormatMessagesOptions{Kind: api.ErrorMessage})
		return fmt.Errorf("%w: %s", ErrBundleFailed, strings.TrimSpace(strings.Join(msgs, "\n")))
	}
	return nil
}

func (o *Optimizer) setMetadata(m *Metadata) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.meta = m
}

// Metadata returns the metadata in effect, nil before a successful Run.
func (o *Optimizer) Metadata() *Metadata {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.meta
}

// Lookup returns the absolute bundle path for a bare specifier. It has
// the signature of plugins.DepsLookup.
func (o *Optimizer) Lookup(spec string) (string, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.meta == nil {
		return "", false
	}
	dep, ok := o.meta.Optimized[spec]
	if !ok {
		return "", false
	}
	return filepath.ToSlash(filepath.Join(o.depsDir, dep.File)), true
}

// IsOptimizedFile reports whether file lies inside the deps directory.
func (o *Optimizer) IsOptimizedFile(file string) bool {
	dir := filepath.ToSlash(o.depsDir) + "/"
	return strings.HasPrefix(filepath.ToSlash(file), dir)
}

// IsLockfile reports whether file is a package manager lockfile at the
// project root, whose change invalidates the bundles.
func (o *Optimizer) IsLockfile(file string) bool {
	if filepath.Dir(filepath.FromSlash(file)) != filepath.Clean(o.opts.Root) {
		return false
	}
	return slices.Contains(lockfiles, filepath.Base(file))
}
