// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package optimizer pre-bundles bare dependencies with esbuild.
//
// Entry modules listed in index.html are scanned for bare imports. Each
// dependency found is bundled into one ESM file under <cacheDir>/deps,
// named by its flattened id, and recorded in _metadata.json together with
// a hash of the lockfiles. A later start with the same hash reuses the
// bundles unless forced.
package optimizer

import (
	"errors"
)

var (
	// ErrEmptyRoot is returned when no project root is configured.
	ErrEmptyRoot = errors.New("optimizer root is empty")

	// ErrEmptyCacheDir is returned when no cache directory is configured.
	ErrEmptyCacheDir = errors.New("optimizer cache dir is empty")

	// ErrBundleFailed wraps esbuild errors from pre-bundling.
	ErrBundleFailed = errors.New("dependency pre-bundling failed")
)

// MetadataFile is the name of the metadata file inside the deps directory.
const MetadataFile = "_metadata.json"

// lockfiles contribute to the metadata hash when present.
var lockfiles = []string{
	"package-lock.json",
	"yarn.lock",
	"pnpm-lock.yaml",
	"bun.lockb",
}
