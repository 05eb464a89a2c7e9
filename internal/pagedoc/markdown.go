// Package pagedoc converts between a page's markdown source (for
// PageTypeMarkdown pages whose source of truth is a .md file on disk) and
// the block list the rest of the engine works with. It parses with goldmark
// plus the extension set the app's editor understands, so round-tripping a
// page never silently drops a wikilink, hashtag, mermaid diagram, or math
// block the user actually wrote. Frontmatter is returned apart from the
// blocks in ParseResult.Frontmatter; RenderMarkdown does not write it back.
package pagedoc

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/litao91/goldmark-mathjax"
	obsidian "github.com/powerman/goldmark-obsidian"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	meta "github.com/yuin/goldmark-meta"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
	"go.abhg.dev/goldmark/hashtag"
	"go.abhg.dev/goldmark/mermaid"
	"go.abhg.dev/goldmark/wikilink"

	"github.com/nous-app/notebook-sync/internal/crdt"
)

// md is configured once with every extension the editor's markdown dialect
// understands. Parsing is used only to split a document into block-level
// ranges and recover frontmatter; rendering is not used because the block's
// stored Text is already markdown and is emitted back out verbatim to
// preserve exactly what the user (or a concurrent CRDT merge) produced.
var md = goldmark.New(
	goldmark.WithExtensions(
		meta.Meta,
		&wikilink.Extender{},
		&hashtag.Extender{},
		&mermaid.Extender{},
		mathjax.MathJax,
		&obsidian.Extender{},
	),
	goldmark.WithParserOptions(
		parser.WithAutoHeadingID(),
	),
)

// Frontmatter is the parsed YAML frontmatter block, if present.
type Frontmatter map[string]interface{}

// ParseResult is the output of splitting a markdown document into editor
// blocks, alongside any frontmatter recovered from the top of the file.
type ParseResult struct {
	Frontmatter Frontmatter
	Blocks      []crdt.EditorBlock
}

// ParseMarkdown splits src into one EditorBlock per top-level goldmark AST
// node (paragraph, heading, list, code block, etc.), each carrying its
// original markdown source as Text and the node's goldmark kind as Type.
// Position is assigned densely starting at 0 so later CRDT inserts can
// interleave between existing blocks using fractional positions.
func ParseMarkdown(src []byte) (*ParseResult, error) {
	ctx := parser.NewContext()
	doc := md.Parser().Parse(text.NewReader(src), parser.WithContext(ctx))

	result := &ParseResult{}
	if fm := meta.Get(ctx); fm != nil {
		result.Frontmatter = fm
	}

	pos := 0.0
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		blockSrc := nodeSource(n, src)
		if strings.TrimSpace(blockSrc) == "" {
			continue
		}
		result.Blocks = append(result.Blocks, crdt.EditorBlock{
			Type:     blockType(n),
			Text:     blockSrc,
			Position: pos,
		})
		pos++
	}
	return result, nil
}

// nodeSource extracts the raw markdown text a top-level block node spans,
// by concatenating its line segments from the original source buffer —
// goldmark's AST nodes only record byte ranges (ast.Node.Lines()), not the
// rendered text, for block-level nodes.
func nodeSource(n ast.Node, src []byte) string {
	lines := n.Lines()
	if lines.Len() == 0 {
		return nodeSourceFallback(n, src)
	}
	var buf bytes.Buffer
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		buf.Write(seg.Value(src))
	}
	return buf.String()
}

// nodeSourceFallback handles node kinds (headings, thematic breaks, fenced
// code with no body) whose own Lines() is empty but whose children cover
// the span, by walking to the first and last descendant with lines.
func nodeSourceFallback(n ast.Node, src []byte) string {
	start, end := -1, -1
	ast.Walk(n, func(child ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		lines := child.Lines()
		if lines.Len() == 0 {
			return ast.WalkContinue, nil
		}
		first := lines.At(0)
		last := lines.At(lines.Len() - 1)
		if start == -1 || first.Start < start {
			start = first.Start
		}
		if end == -1 || last.Stop > end {
			end = last.Stop
		}
		return ast.WalkContinue, nil
	})
	if start == -1 {
		return ""
	}
	return string(src[start:end])
}

func blockType(n ast.Node) string {
	switch n.Kind() {
	case ast.KindHeading:
		return "heading"
	case ast.KindParagraph:
		return "paragraph"
	case ast.KindList:
		return "list"
	case ast.KindBlockquote:
		return "blockquote"
	case ast.KindFencedCodeBlock, ast.KindCodeBlock:
		return "code"
	case ast.KindThematicBreak:
		return "divider"
	case ast.KindHTMLBlock:
		return "html"
	default:
		return fmt.Sprintf("unknown:%s", n.Kind().String())
	}
}

// RenderMarkdown reassembles editor blocks back into a markdown document in
// Position order, separated by blank lines. Each block's Text is emitted
// verbatim since it is already markdown source.
func RenderMarkdown(blocks []crdt.EditorBlock) string {
	var buf strings.Builder
	for i, b := range blocks {
		if i > 0 {
			buf.WriteString("\n\n")
		}
		buf.WriteString(strings.TrimRight(b.Text, "\n"))
	}
	buf.WriteString("\n")
	return buf.String()
}
