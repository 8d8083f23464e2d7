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
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/glows777/mini-vite/services/devserver/config"
	"github.com/glows777/mini-vite/services/devserver/graph"
	"github.com/glows777/mini-vite/services/devserver/plugin"
)

// Options configures a Server beyond its config file.
type Options struct {
	// ConfigFile is an explicit config path. Empty searches the root.
	ConfigFile string

	// Overrides adjusts every loaded config, including on restart.
	// Command-line flags are applied here.
	Overrides func(*config.Config)

	// Plugins are user plugins placed around the built-ins by Enforce.
	Plugins []*plugin.Plugin

	// Force rebuilds pre-bundled dependencies on the first start.
	Force bool

	// DisableWatch turns off the file watcher.
	DisableWatch bool

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Server is a restartable dev server.
//
// # Description
//
// The listener and http.Server live for the whole process. Everything
// derived from the config (plugins, graph, HMR hub, watcher, router) is
// held in an instance that Restart swaps atomically. Requests always see
// one complete instance.
//
// # Thread Safety
//
// Safe for concurrent use.
type Server struct {
	root   string
	opts   Options
	logger *slog.Logger

	current atomic.Pointer[instance]

	mu       sync.Mutex
	baseCtx  context.Context
	http     *http.Server
	listener net.Listener
	closed   bool
}

// New loads the config for root and builds the first instance.
//
// # Inputs
//
//   - ctx: Lifetime of the server's background work.
//   - root: Project directory searched for a config file.
//   - opts: Server options.
//
// # Outputs
//
//   - *Server: Ready to Listen, or to serve through Handler.
//   - error: Config or plugin setup failure.
func New(ctx context.Context, root string, opts Options) (*Server, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		root:    root,
		opts:    opts,
		logger:  opts.Logger,
		baseCtx: ctx,
	}

	inst, err := s.build(ctx, opts.Force)
	if err != nil {
		return nil, err
	}
	s.current.Store(inst)
	return s, nil
}

// build loads the config and creates a started instance.
func (s *Server) build(ctx context.Context, force bool) (*instance, error) {
	cfg, err := config.Resolve(s.root, s.opts.ConfigFile)
	if err != nil {
		return nil, err
	}
	if s.opts.Overrides != nil {
		s.opts.Overrides(&cfg)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	opts := s.opts
	opts.Force = force
	inst, err := newInstance(ctx, cfg, opts, s.requestRestart)
	if err != nil {
		return nil, err
	}
	if err := inst.start(ctx, !s.opts.DisableWatch); err != nil {
		_ = inst.close(ctx)
		return nil, err
	}
	return inst, nil
}

// Config returns the config in effect.
func (s *Server) Config() config.Config {
	return s.current.Load().cfg
}

// Graph returns the current module graph.
func (s *Server) Graph() *graph.ModuleGraph {
	return s.current.Load().graph
}

// Router returns the current router.
func (s *Server) Router() *gin.Engine {
	return s.current.Load().router
}

// ServeHTTP dispatches to the current instance.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.current.Load().router.ServeHTTP(w, r)
}

// Listen binds the configured address and serves until ctx is canceled.
//
// # Outputs
//
//   - error: Non-nil if the address could not be bound or serving failed.
//     Cancellation returns nil after a graceful shutdown.
func (s *Server) Listen(ctx context.Context) error {
	cfg := s.Config()

	s.mu.Lock()
	if s.http != nil {
		s.mu.Unlock()
		return ErrAlreadyListening
	}
	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen %s: %w", cfg.Addr(), err)
	}
	s.listener = ln
	s.http = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.http
	s.mu.Unlock()

	s.logger.Info("dev server ready",
		slog.String("url", fmt.Sprintf("http://%s%s", ln.Addr().String(), cfg.Base)),
		slog.String("root", cfg.Root),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Close(shutdownCtx)
	}
}

// Addr returns the bound address, nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// requestRestart is the HMR engine's restart hook. It runs on the watcher
// goroutine of the instance being replaced, so the restart itself runs
// elsewhere.
func (s *Server) requestRestart(ctx context.Context) error {
	go func() {
		if err := s.Restart(s.baseCtx); err != nil {
			s.logger.Error("server restart failed, keeping the previous configuration",
				slog.Any("error", err))
		}
	}()
	return nil
}

// Restart reloads the config and swaps in a new instance.
//
// # Description
//
// If the new config or plugin setup fails, the running instance is kept
// and the error returned. Otherwise the old instance is closed after the
// swap, which disconnects its HMR clients; their runtime reloads the page
// once the server answers again.
func (s *Server) Restart(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServerClosed
	}

	next, err := s.build(ctx, false)
	if err != nil {
		return err
	}
	prev := s.current.Load()
	if s.listener != nil && next.cfg.Addr() != prev.cfg.Addr() {
		s.logger.Warn("listen address changes take effect after a full restart",
			slog.String("address", s.listener.Addr().String()))
	}

	s.current.Store(next)
	if err := prev.close(ctx); err != nil {
		s.logger.Warn("closing previous server state", slog.Any("error", err))
	}
	s.logger.Info("server restarted")
	return nil
}

// Close shuts down the HTTP server and the current instance.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	srv := s.http
	s.mu.Unlock()

	var errs []error
	// Hijacked WebSocket connections are not tracked by Shutdown; the hub
	// closes them.
	if err := s.current.Load().close(ctx); err != nil {
		errs = append(errs, err)
	}
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
