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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Metadata describes the current set of pre-bundled dependencies.
type Metadata struct {
	// Hash identifies the lockfiles and options the bundles were built from.
	Hash string `json:"hash"`

	// Optimized maps a bare specifier to its bundle.
	Optimized map[string]OptimizedDep `json:"optimized"`
}

// OptimizedDep is one pre-bundled dependency.
type OptimizedDep struct {
	// File is the bundle path relative to the deps directory.
	File string `json:"file"`
}

// Deps returns the optimized specifiers, sorted.
func (m *Metadata) Deps() []string {
	deps := make([]string, 0, len(m.Optimized))
	for spec := range m.Optimized {
		deps = append(deps, spec)
	}
	sort.Strings(deps)
	return deps
}

// readMetadata loads dir/_metadata.json.
func readMetadata(dir string) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		return nil, err
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", MetadataFile, err)
	}
	if m.Optimized == nil {
		m.Optimized = make(map[string]OptimizedDep)
	}
	return &m, nil
}

// writeMetadata stores m as dir/_metadata.json.
func writeMetadata(dir string, m *Metadata) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, MetadataFile), data, 0o644)
}

// depsHash hashes the project lockfiles and the options that change what
// gets bundled.
func depsHash(root, mode string, include, exclude []string) string {
	h := sha256.New()
	for _, name := range lockfiles {
		data, err := os.ReadFile(filepath.Join(root, name))
		if err != nil {
			continue
		}
		fmt.Fprintf(h, "%s\x00", name)
		h.Write(data)
	}
	inc := append([]string(nil), include...)
	exc := append([]string(nil), exclude...)
	sort.Strings(inc)
	sort.Strings(exc)
	fmt.Fprintf(h, "mode=%s\x00include=%s\x00exclude=%s",
		mode, strings.Join(inc, ","), strings.Join(exc, ","))
	return hex.EncodeToString(h.Sum(nil))[:8]
}
