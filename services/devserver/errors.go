// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package devserver serves an ES-module application without bundling.
//
// Each request for a module runs through the plugin pipeline on demand
// and is cached in the module graph. File changes are turned into hot
// updates over a WebSocket. A change to the config file rebuilds the
// whole pipeline behind the same listener.
package devserver

import (
	"errors"
)

var (
	// ErrServerClosed is returned by Restart after Close.
	ErrServerClosed = errors.New("dev server closed")

	// ErrAlreadyListening is returned when Listen is called twice.
	ErrAlreadyListening = errors.New("dev server already listening")
)
