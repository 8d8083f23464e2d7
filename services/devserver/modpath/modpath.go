// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package modpath classifies and normalizes the URLs and file paths that flow
// through the dev server.
//
// Every function here is pure and safe for concurrent use. URLs are the
// request-facing form ("/src/main.ts?t=1700000000000"); ids are the canonical
// resolved form (an absolute slash-separated path or a virtual specifier).
package modpath

import (
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

const (
	// ClientPublicPath is the URL the HMR client runtime is served from.
	ClientPublicPath = "/@vite/client"

	// FSPrefix marks a URL that addresses an absolute path outside the root.
	FSPrefix = "/@fs/"

	// VirtualPrefix marks a plugin-provided module with no backing file.
	VirtualPrefix = "virtual:"

	// NullByte prefixes ids that plugins want hidden from other plugins.
	NullByte = "\x00"

	// ImportQuery marks a non-JS asset requested through an import statement.
	ImportQuery = "?import"

	// IDPrefix marks a URL that carries a module id with no file path.
	IDPrefix = "/@id/"

	// nullByteURLPlaceholder stands in for NullByte inside URLs.
	nullByteURLPlaceholder = "__x00__"
)

var (
	jsTypesRE    = regexp.MustCompile(`\.(?:j|t)sx?$|\.mjs$`)
	bareImportRE = regexp.MustCompile(`^[\w@][^:]`)
	timestampRE  = regexp.MustCompile(`\bt=\d+&?`)
	timestampVal = regexp.MustCompile(`[?&]t=(\d+)`)
	trailingSep  = regexp.MustCompile(`[?&]$`)
	importParam  = regexp.MustCompile(`(\?|&)import=?(?:&|$)`)
	queryOrHash  = regexp.MustCompile(`[?#].*$`)
)

// internalRequests are served by the server itself rather than read from disk.
var internalRequests = map[string]struct{}{
	ClientPublicPath:  {},
	"/@react-refresh": {},
}

// CleanURL strips the query string and hash from a URL or id.
func CleanURL(u string) string {
	return queryOrHash.ReplaceAllString(u, "")
}

// IsJSRequest reports whether the URL addresses a JavaScript-like module.
// Extension-less URLs that do not end in "/" are treated as JS.
func IsJSRequest(u string) bool {
	u = CleanURL(u)
	if jsTypesRE.MatchString(u) {
		return true
	}
	return path.Ext(u) == "" && !strings.HasSuffix(u, "/")
}

// IsCSSRequest reports whether the URL addresses a stylesheet.
func IsCSSRequest(u string) bool {
	return strings.HasSuffix(CleanURL(u), ".css")
}

// IsHTMLFile reports whether a path is an HTML document.
func IsHTMLFile(p string) bool {
	return strings.HasSuffix(CleanURL(p), ".html")
}

// IsImportRequest reports whether the URL carries the "import" query marker.
func IsImportRequest(u string) bool {
	return importParam.MatchString(u)
}

// RemoveImportQuery drops the "import" query marker.
func RemoveImportQuery(u string) string {
	return trailingSep.ReplaceAllString(importParam.ReplaceAllString(u, "$1"), "")
}

// InjectQuery appends a raw query fragment to a URL, keeping any hash last.
func InjectQuery(u, query string) string {
	hash := ""
	if i := strings.IndexByte(u, '#'); i >= 0 {
		u, hash = u[:i], u[i:]
	}
	if strings.Contains(u, "?") {
		return u + "&" + query + hash
	}
	return u + "?" + query + hash
}

// RemoveTimestampQuery drops the "t" cache-busting parameter.
func RemoveTimestampQuery(u string) string {
	return trailingSep.ReplaceAllString(timestampRE.ReplaceAllString(u, ""), "")
}

// TimestampFromURL returns the value of the "t" query parameter.
//
// # Outputs
//
//   - int64: The timestamp in milliseconds.
//   - bool: False when the URL has no well-formed "t" parameter.
func TimestampFromURL(u string) (int64, bool) {
	m := timestampVal.FindStringSubmatch(u)
	if m == nil {
		return 0, false
	}
	ts, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}

// IsVirtual reports whether an id has no file on disk behind it.
func IsVirtual(id string) bool {
	return strings.HasPrefix(id, NullByte) || strings.HasPrefix(id, VirtualPrefix)
}

// WrapID turns an id that is not a path into a URL the browser can request.
// Absolute paths are returned unchanged.
func WrapID(id string) string {
	if strings.HasPrefix(id, "/") {
		return id
	}
	return IDPrefix + strings.Replace(id, NullByte, nullByteURLPlaceholder, 1)
}

// UnwrapID reverses WrapID. Other URLs are returned unchanged.
func UnwrapID(u string) string {
	if !strings.HasPrefix(u, IDPrefix) {
		return u
	}
	return strings.Replace(u[len(IDPrefix):], nullByteURLPlaceholder, NullByte, 1)
}

// IsInternalRequest reports whether the URL is served by the server itself.
func IsInternalRequest(u string) bool {
	_, ok := internalRequests[CleanURL(u)]
	return ok
}

// IsBareImport reports whether a specifier names a package rather than a path.
func IsBareImport(spec string) bool {
	return bareImportRE.MatchString(spec) && !IsVirtual(spec) && !strings.Contains(spec, "://")
}

// IsLocalImport reports whether a specifier is relative or root-absolute.
func IsLocalImport(spec string) bool {
	return strings.HasPrefix(spec, "./") || strings.HasPrefix(spec, "../") || strings.HasPrefix(spec, "/")
}

// Slash converts OS separators to forward slashes.
func Slash(p string) string {
	return filepath.ToSlash(p)
}

// NormalizePath returns a cleaned slash-separated path.
func NormalizePath(p string) string {
	return path.Clean(Slash(p))
}

// DecodeURL percent-decodes a URL path, returning the input when it is malformed.
func DecodeURL(u string) string {
	d, err := url.PathUnescape(u)
	if err != nil {
		return u
	}
	return d
}

// ShortName returns the root-relative request path for an absolute file,
// or the input unchanged when it lies outside root.
//
// # Example
//
//	ShortName("/proj/src/a.ts", "/proj") == "/src/a.ts"
//	ShortName("/elsewhere/a.ts", "/proj") == "/@fs/elsewhere/a.ts"
func ShortName(file, root string) string {
	file = NormalizePath(file)
	root = strings.TrimSuffix(NormalizePath(root), "/")
	if strings.HasPrefix(file, root+"/") {
		return file[len(root):]
	}
	if path.IsAbs(file) && !IsVirtual(file) {
		return FSPrefix + strings.TrimPrefix(file, "/")
	}
	return file
}

// FlattenID turns a package specifier into a single file-name-safe token.
//
// # Example
//
//	FlattenID("@scope/pkg/sub") == "@scope_pkg_sub"
//	FlattenID("react-dom/client.js") == "react-dom_client__js"
func FlattenID(id string) string {
	r := strings.NewReplacer("/", "_", ":", "_", ".", "__", ">", "___")
	return r.Replace(id)
}
