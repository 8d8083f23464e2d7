// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package plugin

import (
	"errors"
	"fmt"
)

// Sentinel errors for plugin operations.
var (
	// ErrNotFoundOnDisk is wrapped by loaders when the file behind an id
	// vanished between resolution and load. The request yields an empty
	// result and a client-visible log message instead of failing.
	ErrNotFoundOnDisk = errors.New("module file not found on disk")

	// ErrContainerClosed is returned by hooks invoked after Close.
	ErrContainerClosed = errors.New("plugin container is closed")

	// ErrMissingImporter is returned when a relative id is resolved without an importer.
	ErrMissingImporter = errors.New("relative import requires an importer")
)

// Hook names used in PluginError.
const (
	HookResolveID          = "resolveId"
	HookLoad               = "load"
	HookTransform          = "transform"
	HookBuildStart         = "buildStart"
	HookBuildEnd           = "buildEnd"
	HookCloseBundle        = "closeBundle"
	HookConfigureServer    = "configureServer"
	HookHandleHotUpdate    = "handleHotUpdate"
	HookTransformIndexHTML = "transformIndexHtml"
)

// PluginError records which plugin hook failed for which module.
//
// # Description
//
// Every error returned from a hook is wrapped in a PluginError by the
// container. Use errors.As to recover the plugin identity and errors.Is
// to match the underlying cause.
type PluginError struct {
	// Plugin is the failing plugin's name.
	Plugin string

	// Hook is the hook that failed.
	Hook string

	// ID is the module id being processed, empty for lifecycle hooks.
	ID string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *PluginError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("[plugin %s] %s: %v", e.Plugin, e.Hook, e.Err)
	}
	return fmt.Sprintf("[plugin %s] %s %s: %v", e.Plugin, e.Hook, e.ID, e.Err)
}

// Unwrap returns the underlying error.
func (e *PluginError) Unwrap() error {
	return e.Err
}

// wrapHookError tags err with the plugin identity unless it already is a
// PluginError from a nested container call.
func wrapHookError(p *Plugin, hook, id string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PluginError
	if errors.As(err, &pe) {
		return err
	}
	return &PluginError{Plugin: p.Name, Hook: hook, ID: id, Err: err}
}

// ResolutionError reports a local import or request path that maps to no file.
type ResolutionError struct {
	// Specifier is the import specifier or request URL.
	Specifier string

	// Importer is the importing module id, empty for top-level requests.
	Importer string
}

// Error implements the error interface.
func (e *ResolutionError) Error() string {
	if e.Importer == "" {
		return fmt.Sprintf("failed to resolve %q: no such file under the project root", e.Specifier)
	}
	return fmt.Sprintf("failed to resolve import %q from %q: does the file exist?", e.Specifier, e.Importer)
}
