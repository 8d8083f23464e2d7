// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lexer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
)

const (
	// DefaultMaxFileSize is the largest module the lexer accepts.
	DefaultMaxFileSize = 10 * 1024 * 1024

	// WarnFileSize logs a warning for modules larger than this.
	WarnFileSize = 1024 * 1024
)

// ImportKind is the syntactic form of an import.
type ImportKind int

const (
	// ImportStatic is an import declaration.
	ImportStatic ImportKind = iota

	// ImportExportFrom is an export ... from declaration.
	ImportExportFrom

	// ImportDynamic is an import() expression.
	ImportDynamic
)

// String returns the kind name.
func (k ImportKind) String() string {
	switch k {
	case ImportExportFrom:
		return "export-from"
	case ImportDynamic:
		return "dynamic"
	default:
		return "static"
	}
}

// Import is one import specifier found in source.
type Import struct {
	// Specifier is the literal text between the quotes.
	// Empty for dynamic imports of a non-literal expression.
	Specifier string

	// Start and End are the byte range of Specifier within the source.
	Start int
	End   int

	// Kind is the syntactic form.
	Kind ImportKind

	// Bindings are the imported names: "default", "*", or export names.
	// Empty for side-effect imports, nil when unknown (dynamic imports
	// and re-exports).
	Bindings []string
}

// AcceptedDep is a dependency named in import.meta.hot.accept.
type AcceptedDep struct {
	Specifier string
	Start     int
	End       int
}

// Result is everything the lexer found in one module.
type Result struct {
	// Imports are in source order.
	Imports []Import

	// HasHotUsage is true if the module references import.meta.hot.
	HasHotUsage bool

	// SelfAccepting is true if the module calls import.meta.hot.accept
	// with no arguments or with a callback only.
	SelfAccepting bool

	// AcceptedDeps are the dependencies passed to import.meta.hot.accept.
	AcceptedDeps []AcceptedDep

	// AcceptedExports are the names passed to import.meta.hot.acceptExports.
	// Nil when acceptExports is never called.
	AcceptedExports []string

	// HasSyntaxErrors is true if tree-sitter recovered from errors.
	HasSyntaxErrors bool
}

// Option configures a Lexer.
type Option func(*Lexer)

// WithMaxFileSize sets the largest accepted module size in bytes.
func WithMaxFileSize(bytes int64) Option {
	return func(l *Lexer) {
		if bytes > 0 {
			l.maxFileSize = bytes
		}
	}
}

// WithLogger sets the logger used for size warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Lexer) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// Lexer scans JavaScript modules.
//
// # Thread Safety
//
// Safe for concurrent use. Each Parse call creates its own tree-sitter
// parser.
type Lexer struct {
	maxFileSize int64
	logger      *slog.Logger
}

// New creates a Lexer.
func New(opts ...Option) *Lexer {
	l := &Lexer{
		maxFileSize: DefaultMaxFileSize,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Parse scans a JavaScript module.
//
// # Description
//
// Parsing is error tolerant: syntax errors set HasSyntaxErrors and the
// imports that could be recognized are still returned.
//
// # Inputs
//
//   - ctx: Context for cancellation, checked before and after parsing.
//   - content: JavaScript source. Must be valid UTF-8.
//   - path: Module path, used in warnings and errors only.
//
// # Outputs
//
//   - *Result: Never nil on success.
//   - error: ErrFileTooLarge, ErrInvalidContent, ErrParseFailed, or a
//     context error.
func (l *Lexer) Parse(ctx context.Context, content []byte, path string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("lex canceled before start: %w", err)
	}
	if int64(len(content)) > l.maxFileSize {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrFileTooLarge, path, len(content), l.maxFileSize)
	}
	if len(content) > WarnFileSize {
		l.logger.Warn("lexing large module",
			slog.String("path", path),
			slog.Int("size_bytes", len(content)))
	}
	if !utf8.Valid(content) {
		return nil, fmt.Errorf("%w: %s is not valid UTF-8", ErrInvalidContent, path)
	}

	parser := sitter.NewParser()
	parser.SetLanguage(javascript.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrParseFailed, path, err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil {
		return nil, fmt.Errorf("%w: %s: nil root node", ErrParseFailed, path)
	}

	s := &scanner{content: content, result: &Result{HasSyntaxErrors: root.HasError()}}
	s.walk(root)

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("lex canceled after parse: %w", err)
	}
	return s.result, nil
}

// scanner accumulates a Result while walking one tree.
type scanner struct {
	content []byte
	result  *Result
}

func (s *scanner) text(n *sitter.Node) string {
	return string(s.content[n.StartByte():n.EndByte()])
}

// walk visits every node in document order without recursion.
func (s *scanner) walk(root *sitter.Node) {
	stack := []*sitter.Node{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		switch n.Type() {
		case "import_statement":
			s.importStatement(n)
		case "export_statement":
			s.exportStatement(n)
		case "call_expression":
			s.callExpression(n)
		case "member_expression":
			if strings.HasPrefix(compact(s.text(n)), "import.meta.hot") {
				s.result.HasHotUsage = true
			}
		}

		for i := int(n.ChildCount()) - 1; i >= 0; i-- {
			if c := n.Child(i); c != nil {
				stack = append(stack, c)
			}
		}
	}
}

// importStatement handles `import x, { a as b } from "spec"` and `import "spec"`.
func (s *scanner) importStatement(n *sitter.Node) {
	src := n.ChildByFieldName("source")
	if src == nil {
		return
	}
	spec, start, end := s.stringLiteral(src)

	bindings := []string{}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if c := n.NamedChild(i); c.Type() == "import_clause" {
			bindings = s.importClause(c)
		}
	}
	s.result.Imports = append(s.result.Imports, Import{
		Specifier: spec,
		Start:     start,
		End:       end,
		Kind:      ImportStatic,
		Bindings:  bindings,
	})
}

// importClause returns the names an import declaration binds.
func (s *scanner) importClause(n *sitter.Node) []string {
	var names []string
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		switch c.Type() {
		case "identifier":
			names = append(names, "default")
		case "namespace_import":
			names = append(names, "*")
		case "named_imports":
			for j := 0; j < int(c.NamedChildCount()); j++ {
				spec := c.NamedChild(j)
				if spec.Type() != "import_specifier" {
					continue
				}
				if name := spec.ChildByFieldName("name"); name != nil {
					names = append(names, strings.Trim(s.text(name), `"'`))
				}
			}
		}
	}
	return names
}

// exportStatement handles `export { a } from "spec"` and `export * from "spec"`.
func (s *scanner) exportStatement(n *sitter.Node) {
	src := n.ChildByFieldName("source")
	if src == nil {
		return
	}
	spec, start, end := s.stringLiteral(src)
	s.result.Imports = append(s.result.Imports, Import{
		Specifier: spec,
		Start:     start,
		End:       end,
		Kind:      ImportExportFrom,
	})
}

// callExpression handles import() and import.meta.hot.accept*().
func (s *scanner) callExpression(n *sitter.Node) {
	fn := n.ChildByFieldName("function")
	args := n.ChildByFieldName("arguments")
	if fn == nil {
		return
	}

	if fn.Type() == "import" {
		imp := Import{Kind: ImportDynamic, Start: -1, End: -1}
		if args != nil && args.NamedChildCount() > 0 {
			if first := args.NamedChild(0); first.Type() == "string" {
				imp.Specifier, imp.Start, imp.End = s.stringLiteral(first)
			}
		}
		s.result.Imports = append(s.result.Imports, imp)
		return
	}

	switch compact(s.text(fn)) {
	case "import.meta.hot.accept":
		s.result.HasHotUsage = true
		s.hotAccept(args)
	case "import.meta.hot.acceptExports":
		s.result.HasHotUsage = true
		s.hotAcceptExports(args)
	}
}

// hotAccept records accept(), accept(cb), accept("dep", cb) and accept(["a", "b"], cb).
func (s *scanner) hotAccept(args *sitter.Node) {
	if args == nil || args.NamedChildCount() == 0 {
		s.result.SelfAccepting = true
		return
	}
	first := args.NamedChild(0)
	switch first.Type() {
	case "string":
		spec, start, end := s.stringLiteral(first)
		s.result.AcceptedDeps = append(s.result.AcceptedDeps, AcceptedDep{Specifier: spec, Start: start, End: end})
	case "array":
		for i := 0; i < int(first.NamedChildCount()); i++ {
			if el := first.NamedChild(i); el.Type() == "string" {
				spec, start, end := s.stringLiteral(el)
				s.result.AcceptedDeps = append(s.result.AcceptedDeps, AcceptedDep{Specifier: spec, Start: start, End: end})
			}
		}
	default:
		s.result.SelfAccepting = true
	}
}

// hotAcceptExports records acceptExports("name") and acceptExports(["a", "b"]).
func (s *scanner) hotAcceptExports(args *sitter.Node) {
	if s.result.AcceptedExports == nil {
		s.result.AcceptedExports = []string{}
	}
	if args == nil || args.NamedChildCount() == 0 {
		return
	}
	first := args.NamedChild(0)
	switch first.Type() {
	case "string":
		name, _, _ := s.stringLiteral(first)
		s.result.AcceptedExports = append(s.result.AcceptedExports, name)
	case "array":
		for i := 0; i < int(first.NamedChildCount()); i++ {
			if el := first.NamedChild(i); el.Type() == "string" {
				name, _, _ := s.stringLiteral(el)
				s.result.AcceptedExports = append(s.result.AcceptedExports, name)
			}
		}
	}
}

// stringLiteral returns the text between the quotes of a string node and
// its byte range.
func (s *scanner) stringLiteral(n *sitter.Node) (string, int, int) {
	start := int(n.StartByte()) + 1
	end := int(n.EndByte()) - 1
	if end < start {
		return "", start, start
	}
	return string(s.content[start:end]), start, end
}

// compact removes whitespace so member chains split across lines compare equal.
func compact(s string) string {
	return strings.Join(strings.Fields(s), "")
}
