// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// New Tests
// =============================================================================

// TestNew_BufferIsJSON verifies a non-terminal writer gets JSON records.
func TestNew_BufferIsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, closeFn, err := New(Config{Output: &buf, Service: "minivite"})
	require.NoError(t, err)
	defer closeFn()

	logger.Info("dev server ready", "addr", "localhost:5173")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "dev server ready", rec["msg"])
	assert.Equal(t, "minivite", rec["service"])
	assert.Equal(t, "localhost:5173", rec["addr"])
}

// TestNew_Levels verifies Debug toggles debug records.
func TestNew_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := New(Config{Output: &buf})
	require.NoError(t, err)
	logger.Debug("hidden")
	assert.Empty(t, buf.String())

	logger, _, err = New(Config{Output: &buf, Debug: true})
	require.NoError(t, err)
	logger.Debug("shown")
	assert.Contains(t, buf.String(), "shown")
}

// TestNew_LogDir verifies records reach both stderr and the dated file.
func TestNew_LogDir(t *testing.T) {
	var buf bytes.Buffer
	dir := filepath.Join(t.TempDir(), "logs")
	day := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	logger, closeFn, err := New(Config{
		Output: &buf,
		LogDir: dir,
		Now:    func() time.Time { return day },
	})
	require.NoError(t, err)

	logger.Warn("hmr client dropped", "client", "abc")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(filepath.Join(dir, "minivite_2026-03-04.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "hmr client dropped")
	assert.Contains(t, buf.String(), "hmr client dropped")
}

// TestNew_Quiet verifies quiet mode writes only to the file.
func TestNew_Quiet(t *testing.T) {
	var buf bytes.Buffer
	dir := t.TempDir()
	logger, closeFn, err := New(Config{Output: &buf, LogDir: dir, Quiet: true, Service: "svc"})
	require.NoError(t, err)
	logger.Info("only in file")
	require.NoError(t, closeFn())

	assert.Empty(t, buf.String())
	matches, err := filepath.Glob(filepath.Join(dir, "svc_*.log"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
}

// TestNew_BadLogDir verifies an unusable dir still yields a stderr logger.
func TestNew_BadLogDir(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	var buf bytes.Buffer
	logger, closeFn, err := New(Config{Output: &buf, LogDir: filepath.Join(blocker, "logs")})
	require.Error(t, err)
	require.NotNil(t, logger)
	assert.NoError(t, closeFn())

	logger.Info("still logging")
	assert.True(t, strings.Contains(buf.String(), "still logging"))

	buf.Reset()
	logger.Warn("file logging disabled", slog.Any("error", err))
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, err.Error(), entry["error"])
}

// TestExpandPath verifies home expansion leaves other paths alone.
func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".minivite/logs"), expandPath("~/.minivite/logs"))
	assert.Equal(t, "/var/log", expandPath("/var/log"))
	assert.Equal(t, "rel/path", expandPath("rel/path"))
}
