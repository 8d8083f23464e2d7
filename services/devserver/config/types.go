// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads dev server settings from a YAML file.
package config

import (
	"errors"
	"time"
)

// ErrInvalidConfig indicates a configuration value is out of range.
var ErrInvalidConfig = errors.New("invalid config")

// ConfigFileNames are looked up in the project root, in order.
var ConfigFileNames = []string{
	"mini-vite.config.yaml",
	"mini-vite.config.yml",
	"vite.config.yaml",
}

// Trace and metric exporter names.
const (
	ExporterNone       = "none"
	ExporterStdout     = "stdout"
	ExporterOTLP       = "otlp"
	ExporterPrometheus = "prometheus"
)

type Config struct {
	// Root is the project root. Relative roots are taken from the config
	// file's directory.
	Root string `yaml:"root"`

	// Base is the public path the app is served under.
	Base string `yaml:"base"`

	// Mode is passed to plugins, e.g. "development".
	Mode string `yaml:"mode"`

	// CacheDir holds pre-bundled dependencies, relative to Root.
	CacheDir string `yaml:"cache_dir"`

	Server       ServerConfig       `yaml:"server"`
	Resolve      ResolveConfig      `yaml:"resolve"`
	OptimizeDeps OptimizeDepsConfig `yaml:"optimize_deps"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`

	// Path is the file the config was read from, empty for defaults.
	Path string `yaml:"-"`
}

type ServerConfig struct {
	Host  string      `yaml:"host"`
	Port  int         `yaml:"port"`
	HMR   HMRConfig   `yaml:"hmr"`
	Watch WatchConfig `yaml:"watch"`
}

type HMRConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`

	// Host is the host:port clients connect to, empty for the page host.
	Host string `yaml:"host,omitempty"`

	// QueueSize bounds the pending messages per client.
	QueueSize int `yaml:"queue_size"`
}

type WatchConfig struct {
	// Ignored are glob patterns matched against root-relative paths.
	Ignored []string `yaml:"ignored"`

	// Debounce coalesces bursts of file events.
	Debounce time.Duration `yaml:"debounce"`
}

type ResolveConfig struct {
	Alias      []AliasConfig `yaml:"alias"`
	Extensions []string      `yaml:"extensions"`
}

type AliasConfig struct {
	Find        string `yaml:"find"`
	Replacement string `yaml:"replacement"`
}

type OptimizeDepsConfig struct {
	// Include adds bare imports the scanner cannot find.
	Include []string `yaml:"include"`

	// Exclude keeps packages out of pre-bundling.
	Exclude []string `yaml:"exclude"`

	// Force re-bundles even when the cached metadata is current.
	Force bool `yaml:"force"`

	Disabled bool `yaml:"disabled"`
}

type TelemetryConfig struct {
	TraceExporter  string `yaml:"trace_exporter"`
	MetricExporter string `yaml:"metric_exporter"`
	OTLPEndpoint   string `yaml:"otlp_endpoint,omitempty"`
}

// DefaultConfig returns the settings used when no config file exists.
func DefaultConfig() Config {
	return Config{
		Root:     ".",
		Base:     "/",
		Mode:     "development",
		CacheDir: "node_modules/.mini-vite",
		Server: ServerConfig{
			Host: "localhost",
			Port: 5173,
			HMR: HMRConfig{
				Enabled:   true,
				Path:      "/",
				QueueSize: 64,
			},
			Watch: WatchConfig{
				Ignored:  []string{"**/.git/**", "**/node_modules/**"},
				Debounce: 50 * time.Millisecond,
			},
		},
		Resolve: ResolveConfig{
			Extensions: []string{".tsx", ".ts", ".jsx", ".js", ".mjs"},
		},
		Telemetry: TelemetryConfig{
			TraceExporter:  ExporterNone,
			MetricExporter: ExporterPrometheus,
		},
	}
}
