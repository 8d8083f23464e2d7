// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Discover returns the first config file present in root.
func Discover(root string) (string, bool) {
	for _, name := range ConfigFileNames {
		p := filepath.Join(root, name)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, true
		}
	}
	return "", false
}

// IsConfigFile reports whether path names a config file.
func IsConfigFile(path string) bool {
	base := filepath.Base(filepath.FromSlash(path))
	for _, name := range ConfigFileNames {
		if base == name {
			return true
		}
	}
	return false
}

// Load reads a config file over the defaults and validates it.
//
// # Inputs
//
//   - path: The YAML file to read.
//
// # Outputs
//
//   - Config: Defaults overlaid with the file, Root made absolute.
//   - error: Non-nil if the file cannot be read, parsed, or validated.
func Load(path string) (Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path %s: %w", path, err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read the config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse the config file %s: %w", abs, err)
	}
	cfg.Path = abs
	if !filepath.IsAbs(cfg.Root) {
		cfg.Root = filepath.Join(filepath.Dir(abs), cfg.Root)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Resolve loads the config for a project.
//
// # Description
//
// An explicit path is loaded as is. Otherwise the root is searched with
// Discover. Without a config file the defaults are used with Root set to
// root.
func Resolve(root, explicit string) (Config, error) {
	if explicit != "" {
		return Load(explicit)
	}
	if p, ok := Discover(root); ok {
		return Load(p)
	}
	cfg := DefaultConfig()
	abs, err := filepath.Abs(root)
	if err != nil {
		return Config{}, fmt.Errorf("resolve root %s: %w", root, err)
	}
	cfg.Root = abs
	return cfg, cfg.Validate()
}

// WriteDefault writes the default config to path unless a file exists.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists: %w", path, fs.ErrExist)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks value ranges.
func (c Config) Validate() error {
	var errs []error
	if c.Root == "" {
		errs = append(errs, errors.New("root must not be empty"))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if !strings.HasPrefix(c.Server.HMR.Path, "/") {
		errs = append(errs, fmt.Errorf("server.hmr.path %q must start with /", c.Server.HMR.Path))
	}
	if c.Server.HMR.QueueSize < 1 {
		errs = append(errs, errors.New("server.hmr.queue_size must be positive"))
	}
	if c.Server.Watch.Debounce < 0 {
		errs = append(errs, errors.New("server.watch.debounce must not be negative"))
	}
	if !strings.HasPrefix(c.Base, "/") {
		errs = append(errs, fmt.Errorf("base %q must start with /", c.Base))
	}
	for i, a := range c.Resolve.Alias {
		if a.Find == "" {
			errs = append(errs, fmt.Errorf("resolve.alias[%d].find must not be empty", i))
		}
	}
	switch c.Telemetry.TraceExporter {
	case ExporterNone, ExporterStdout, ExporterOTLP:
	default:
		errs = append(errs, fmt.Errorf("telemetry.trace_exporter %q unknown", c.Telemetry.TraceExporter))
	}
	switch c.Telemetry.MetricExporter {
	case ExporterNone, ExporterStdout, ExporterPrometheus:
	default:
		errs = append(errs, fmt.Errorf("telemetry.metric_exporter %q unknown", c.Telemetry.MetricExporter))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// CacheDirPath returns the absolute cache directory.
func (c Config) CacheDirPath() string {
	if filepath.IsAbs(c.CacheDir) {
		return c.CacheDir
	}
	return filepath.Join(c.Root, c.CacheDir)
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// IsIgnored reports whether a root-relative slash path matches a watch
// ignore pattern. "**" matches any number of path segments.
func (c Config) IsIgnored(rel string) bool {
	for _, pattern := range c.Server.Watch.Ignored {
		if matchGlob(pattern, rel) {
			return true
		}
	}
	return false
}

func matchGlob(pattern, name string) bool {
	return matchSegments(strings.Split(pattern, "/"), strings.Split(name, "/"))
}

func matchSegments(pattern, name []string) bool {
	for len(pattern) > 0 {
		if pattern[0] == "**" {
			rest := pattern[1:]
			for i := 0; i <= len(name); i++ {
				if matchSegments(rest, name[i:]) {
					return true
				}
			}
			return false
		}
		if len(name) == 0 {
			return false
		}
		if ok, err := filepath.Match(pattern[0], name[0]); err != nil || !ok {
			return false
		}
		pattern, name = pattern[1:], name[1:]
	}
	return len(name) == 0
}
