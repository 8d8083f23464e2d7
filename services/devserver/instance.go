// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package devserver

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/glows777/mini-vite/services/devserver/config"
	"github.com/glows777/mini-vite/services/devserver/graph"
	"github.com/glows777/mini-vite/services/devserver/hmr"
	"github.com/glows777/mini-vite/services/devserver/lexer"
	"github.com/glows777/mini-vite/services/devserver/modpath"
	"github.com/glows777/mini-vite/services/devserver/optimizer"
	"github.com/glows777/mini-vite/services/devserver/plugin"
	"github.com/glows777/mini-vite/services/devserver/plugins"
	"github.com/glows777/mini-vite/services/devserver/protocol"
	"github.com/glows777/mini-vite/services/devserver/transform"
	"github.com/glows777/mini-vite/services/devserver/watcher"
	"github.com/glows777/mini-vite/services/devserver/ws"
)

// instance is one generation of server state built from one config.
// A restart replaces the whole instance.
type instance struct {
	cfg       config.Config
	root      string
	logger    *slog.Logger
	graph     *graph.ModuleGraph
	container *plugin.Container
	transform *transform.Orchestrator
	engine    *hmr.Engine
	hub       *ws.Hub
	optimizer *optimizer.Optimizer
	watcher   *watcher.FileWatcher
	router    *gin.Engine
	cancel    context.CancelFunc
}

// newInstance wires every component for cfg and runs plugin setup hooks.
//
// # Description
//
// Dependencies are pre-bundled first so the deps plugin can see them; a
// pre-bundling failure is logged and bare imports then resolve straight
// from node_modules. The watcher is created but not started.
//
// # Inputs
//
//   - ctx: Lives as long as the instance.
//   - cfg: A validated config with an absolute Root.
//   - opts: Server options.
//   - restart: Called by the HMR engine when the config file changes.
func newInstance(ctx context.Context, cfg config.Config, opts Options, restart hmr.RestartFunc) (*instance, error) {
	logger := opts.Logger
	root := modpath.NormalizePath(cfg.Root)
	inst := &instance{cfg: cfg, root: root, logger: logger}

	var lookup plugins.DepsLookup
	if !cfg.OptimizeDeps.Disabled {
		opt, err := optimizer.New(optimizer.Options{
			Root:     cfg.Root,
			CacheDir: cfg.CacheDirPath(),
			Mode:     cfg.Mode,
			Include:  cfg.OptimizeDeps.Include,
			Exclude:  cfg.OptimizeDeps.Exclude,
			Force:    cfg.OptimizeDeps.Force || opts.Force,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		if _, _, err := opt.Run(ctx); err != nil {
			logger.Warn("dependency pre-bundling failed, serving bare imports from node_modules",
				slog.Any("error", err))
		}
		inst.optimizer = opt
		lookup = opt.Lookup
	}

	aliases := make([]plugins.Alias, 0, len(cfg.Resolve.Alias))
	for _, a := range cfg.Resolve.Alias {
		aliases = append(aliases, plugins.Alias{Find: a.Find, Replacement: a.Replacement})
	}
	builtins := plugins.Builtins(plugins.Options{
		Root:       root,
		Alias:      aliases,
		Extensions: cfg.Resolve.Extensions,
		HMRHost:    cfg.Server.HMR.Host,
		HMRPath:    cfg.Server.HMR.Path,
		Deps:       lookup,
		Lexer:      lexer.New(lexer.WithLogger(logger)),
		Logger:     logger,
	})
	inst.container = plugin.NewContainer(
		builtins.Order(plugin.CommandServe, opts.Plugins),
		plugin.WithLogger(logger),
	)

	inst.graph = graph.NewModuleGraph(transform.NewResolver(inst.container), graph.WithLogger(logger))
	inst.hub = ws.NewHub(ws.WithLogger(logger), ws.WithQueueSize(cfg.Server.HMR.QueueSize))
	inst.engine = hmr.New(root, inst.graph, inst.container, inst.hub,
		hmr.WithLogger(logger),
		hmr.WithRestart(restart),
		hmr.WithHMR(cfg.Server.HMR.Enabled),
	)

	var err error
	inst.transform, err = transform.New(root, inst.graph, inst.container,
		transform.WithLogger(logger),
		transform.WithSender(inst.hub),
	)
	if err != nil {
		return nil, err
	}

	if err := inst.container.ConfigureServer(ctx, &plugin.ServerContext{
		Root:      root,
		Graph:     inst.graph,
		Container: inst.container,
		Sender:    inst.hub,
		Pruned:    inst.engine,
		Logger:    logger,
	}); err != nil {
		return nil, fmt.Errorf("configure plugins: %w", err)
	}
	if err := inst.container.BuildStart(ctx); err != nil {
		return nil, fmt.Errorf("plugin build start: %w", err)
	}

	inst.router = newRouter(inst)
	return inst, nil
}

// start begins watching the project root.
func (i *instance) start(ctx context.Context, watch bool) error {
	ctx, i.cancel = context.WithCancel(ctx)
	if !watch {
		return nil
	}
	w, err := watcher.New(i.cfg.Root, i.watchHandler(ctx), watcher.Options{
		Debounce: i.cfg.Server.Watch.Debounce,
		Ignore:   i.cfg.IsIgnored,
		Logger:   i.logger,
	})
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	i.watcher = w
	return nil
}

// watchHandler sends lockfile changes to the optimizer and every other
// event to the HMR engine, one event at a time in arrival order.
func (i *instance) watchHandler(ctx context.Context) watcher.Handler {
	dispatch := i.engine.WatchHandler(ctx)
	return func(events []watcher.Event) {
		for _, ev := range events {
			if i.optimizer != nil && ev.Op != watcher.OpUnlink && i.optimizer.IsLockfile(ev.Path) {
				i.reoptimize(ctx)
				continue
			}
			dispatch([]watcher.Event{ev})
		}
	}
}

// reoptimize re-runs dependency pre-bundling. When the bundles change
// every cached transform is dropped, since rewritten bare imports may
// point at files that no longer exist, and clients reload.
func (i *instance) reoptimize(ctx context.Context) {
	_, rebuilt, err := i.optimizer.Run(ctx)
	if err != nil {
		i.logger.Warn("dependency re-optimization failed", slog.Any("error", err))
		return
	}
	if !rebuilt {
		return
	}
	i.graph.InvalidateAll()
	i.logger.Info("[optimizer] dependencies changed, reloading page")
	i.hub.Send(protocol.FullReload(""))
}

// close stops the watcher, disconnects HMR clients, and closes plugins.
func (i *instance) close(ctx context.Context) error {
	if i.cancel != nil {
		i.cancel()
	}
	if i.watcher != nil {
		i.watcher.Stop()
	}
	i.hub.Close()
	return i.container.Close(ctx)
}
