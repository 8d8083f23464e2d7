// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lexer extracts module-level facts from JavaScript and HTML source
// using tree-sitter: import specifiers with their byte ranges, the bindings
// each import takes, and import.meta.hot accept declarations.
//
// The lexer runs on already-compiled JavaScript, after TypeScript and JSX
// have been stripped.
package lexer

import (
	"errors"
	"fmt"
)

// Sentinel errors for lexing.
var (
	// ErrFileTooLarge is returned when content exceeds the configured limit.
	ErrFileTooLarge = errors.New("file too large to lex")

	// ErrInvalidContent is returned when content is not valid UTF-8.
	ErrInvalidContent = errors.New("invalid content")

	// ErrParseFailed is returned when tree-sitter produced no tree.
	ErrParseFailed = errors.New("parse failed")
)

// ParseError locates a syntax error in lexed source.
type ParseError struct {
	// Path is the module being lexed.
	Path string

	// Line is the 1-indexed line of the first error node.
	Line int

	// Column is the 0-indexed column of the first error node.
	Column int

	// Cause is the underlying sentinel, if any.
	Cause error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d:%d: syntax error", e.Path, e.Line, e.Column)
}

// Unwrap returns the underlying cause.
func (e *ParseError) Unwrap() error {
	return e.Cause
}
