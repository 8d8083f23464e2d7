// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command minivite runs the no-bundle dev server.
//
// Usage:
//
//	minivite                 # serve the current directory
//	minivite dev ./app --port 3000
//	MINIVITE_PORT=3000 minivite serve
//	minivite init            # write mini-vite.config.yaml
//
// Every flag can also be set through a MINIVITE_ environment variable,
// e.g. --log-dir as MINIVITE_LOG_DIR. Flags win over the environment,
// which wins over the config file.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/glows777/mini-vite/pkg/logging"
	"github.com/glows777/mini-vite/services/devserver"
	"github.com/glows777/mini-vite/services/devserver/config"
	"github.com/glows777/mini-vite/services/devserver/telemetry"
)

var (
	rootCmd = &cobra.Command{
		Use:   "minivite [root]",
		Short: "No-bundle ES module dev server with hot module replacement",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runDev,
	}
	devCmd = &cobra.Command{
		Use:     "dev [root]",
		Aliases: []string{"serve"},
		Short:   "Start the dev server",
		Args:    cobra.MaximumNArgs(1),
		RunE:    runDev,
	}
	initCmd = &cobra.Command{
		Use:   "init [root]",
		Short: "Write a default config file",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runInit,
	}

	settings = newSettings()
)

func init() {
	f := rootCmd.PersistentFlags()
	f.StringP("config", "c", "", "config file (default: search the root)")
	f.String("host", "", "listen host")
	f.IntP("port", "p", 0, "listen port")
	f.StringP("mode", "m", "", "server mode")
	f.String("base", "", "public base path")
	f.Bool("force", false, "rebuild pre-bundled dependencies")
	f.Bool("no-watch", false, "disable the file watcher")
	f.BoolP("debug", "d", false, "verbose logging")
	f.String("log-dir", "", "also write JSON logs to this directory")
	if err := settings.BindPFlags(f); err != nil {
		panic(err)
	}
	rootCmd.AddCommand(devCmd, initCmd)
}

// newSettings returns a viper instance reading MINIVITE_* variables.
func newSettings() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("minivite")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runDev(cmd *cobra.Command, args []string) error {
	root, err := rootDir(args)
	if err != nil {
		return err
	}
	debug := settings.GetBool("debug")
	logger, closeLog, err := logging.New(logging.Config{
		Debug:   debug,
		Service: "minivite",
		LogDir:  settings.GetString("log-dir"),
	})
	if err != nil {
		logger.Warn("file logging disabled", slog.Any("error", err))
	}
	defer closeLog()
	slog.SetDefault(logger)
	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Telemetry is process-wide, so it follows the config found at startup
	// and is not reinstalled on restart.
	configFile := settings.GetString("config")
	cfg, err := config.Resolve(root, configFile)
	if err != nil {
		return err
	}
	shutdown, err := telemetry.Init(ctx, telemetryConfig(cfg))
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.Any("error", err))
		}
	}()

	srv, err := devserver.New(ctx, root, devserver.Options{
		ConfigFile:   configFile,
		Overrides:    overrides(settings),
		Force:        settings.GetBool("force"),
		DisableWatch: settings.GetBool("no-watch"),
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	if err := srv.Listen(ctx); err != nil && !errors.Is(err, devserver.ErrServerClosed) {
		return err
	}
	return nil
}

func runInit(_ *cobra.Command, args []string) error {
	root, err := rootDir(args)
	if err != nil {
		return err
	}
	path := filepath.Join(root, config.ConfigFileNames[0])
	if err := config.WriteDefault(path); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", path)
	return nil
}

// overrides returns a hook that overlays set flags and variables on every
// loaded config, including after a restart.
func overrides(v *viper.Viper) func(*config.Config) {
	return func(cfg *config.Config) {
		if host := v.GetString("host"); host != "" {
			cfg.Server.Host = host
		}
		if port := v.GetInt("port"); port != 0 {
			cfg.Server.Port = port
		}
		if mode := v.GetString("mode"); mode != "" {
			cfg.Mode = mode
		}
		if base := v.GetString("base"); base != "" {
			cfg.Base = base
		}
	}
}

// telemetryConfig prefers OTEL_* environment variables over the config file.
func telemetryConfig(cfg config.Config) telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.Environment = cfg.Mode
	if cfg.Telemetry.TraceExporter != "" && os.Getenv("OTEL_TRACES_EXPORTER") == "" {
		tc.TraceExporter = cfg.Telemetry.TraceExporter
	}
	if cfg.Telemetry.MetricExporter != "" && os.Getenv("OTEL_METRICS_EXPORTER") == "" {
		tc.MetricExporter = cfg.Telemetry.MetricExporter
	}
	if cfg.Telemetry.OTLPEndpoint != "" && os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
		tc.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	return tc
}

func rootDir(args []string) (string, error) {
	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}
	return filepath.Abs(dir)
}
