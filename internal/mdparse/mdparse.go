// Package mdparse centralizes the single goldmark configuration shared by
// internal/heartbeat (task-list parsing) and internal/contextfiles (context
// file concatenation): GFM task lists on, rendering off — both callers only
// ever walk the resulting AST.
package mdparse

import (
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

var md = goldmark.New(goldmark.WithExtensions(extension.TaskList))

// Parse parses source into a goldmark AST document. The returned tree's
// Text/Segment nodes index back into source directly.
func Parse(source []byte) ast.Node {
	return md.Parser().Parse(text.NewReader(source))
}
