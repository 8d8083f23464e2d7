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
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/html"
)

// Script is a <script> element found in an HTML document.
type Script struct {
	// Src is the src attribute, empty for inline scripts.
	Src string

	// Inline is the element body for scripts without src.
	Inline string

	// Module is true for type="module".
	Module bool
}

// HTMLDocument is the result of scanning an HTML document.
type HTMLDocument struct {
	// Scripts are in document order.
	Scripts []Script

	// HeadOpenEnd is the byte offset just past the <head> start tag,
	// or -1 when the document has no head element.
	HeadOpenEnd int
}

// ParseHTML scans an HTML document for script elements and the head tag.
func ParseHTML(ctx context.Context, content []byte) (*HTMLDocument, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(html.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("%w: html: %v", ErrParseFailed, err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil {
		return nil, fmt.Errorf("%w: html: nil root node", ErrParseFailed)
	}

	doc := &HTMLDocument{HeadOpenEnd: -1}
	stack := []*sitter.Node{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		switch n.Type() {
		case "script_element":
			doc.Scripts = append(doc.Scripts, scriptElement(n, content))
		case "element":
			if doc.HeadOpenEnd < 0 {
				if start := firstChildOfType(n, "start_tag"); start != nil && tagName(start, content) == "head" {
					doc.HeadOpenEnd = int(start.EndByte())
				}
			}
		}

		for i := int(n.ChildCount()) - 1; i >= 0; i-- {
			if c := n.Child(i); c != nil {
				stack = append(stack, c)
			}
		}
	}
	return doc, nil
}

func scriptElement(n *sitter.Node, content []byte) Script {
	var sc Script
	if start := firstChildOfType(n, "start_tag"); start != nil {
		attrs := attributes(start, content)
		sc.Src = attrs["src"]
		sc.Module = attrs["type"] == "module"
	}
	if raw := firstChildOfType(n, "raw_text"); raw != nil && sc.Src == "" {
		sc.Inline = string(content[raw.StartByte():raw.EndByte()])
	}
	return sc
}

// attributes returns the lower-cased attribute names of a start tag with
// their unquoted values.
func attributes(start *sitter.Node, content []byte) map[string]string {
	attrs := make(map[string]string)
	for i := 0; i < int(start.NamedChildCount()); i++ {
		a := start.NamedChild(i)
		if a.Type() != "attribute" {
			continue
		}
		var name, value string
		for j := 0; j < int(a.NamedChildCount()); j++ {
			c := a.NamedChild(j)
			switch c.Type() {
			case "attribute_name":
				name = strings.ToLower(string(content[c.StartByte():c.EndByte()]))
			case "attribute_value":
				value = string(content[c.StartByte():c.EndByte()])
			case "quoted_attribute_value":
				value = strings.Trim(string(content[c.StartByte():c.EndByte()]), `"'`)
			}
		}
		if name != "" {
			attrs[name] = value
		}
	}
	return attrs
}

func tagName(start *sitter.Node, content []byte) string {
	if n := firstChildOfType(start, "tag_name"); n != nil {
		return strings.ToLower(string(content[n.StartByte():n.EndByte()]))
	}
	return ""
}

func firstChildOfType(n *sitter.Node, typ string) *sitter.Node {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if c := n.NamedChild(i); c.Type() == typ {
			return c
		}
	}
	return nil
}
