// Package markdown turns evaluation failure reasons, which evaluators often
// write as markdown, into plain text suitable for embedding and keyword search.
package markdown

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
	"go.abhg.dev/goldmark/toc"
)

// DefaultMaxChars bounds the text sent to the embedding model (~1500 tokens).
const DefaultMaxChars = 6000

// Section is a run of plain text under one heading hierarchy.
type Section struct {
	HeaderPath string // "Summary > Details"
	Text       string
}

// Flattener strips markdown syntax while keeping heading context.
type Flattener struct {
	parser   goldmark.Markdown
	maxChars int
}

// NewFlattener creates a flattener. maxChars <= 0 uses DefaultMaxChars.
func NewFlattener(maxChars int) *Flattener {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	md := goldmark.New(
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
		),
	)
	return &Flattener{parser: md, maxChars: maxChars}
}

// Sections splits source at headings (H1-H3) and returns the plain text of
// each part with its heading path. Text before the first heading gets an
// empty path. Sections without text are dropped.
func (f *Flattener) Sections(source []byte) ([]Section, error) {
	doc := f.parser.Parser().Parse(text.NewReader(source))

	tree, err := toc.Inspect(doc, source,
		toc.MinDepth(1),
		toc.MaxDepth(3),
		toc.Compact(true),
	)
	if err != nil {
		return nil, fmt.Errorf("inspect headings: %w", err)
	}
	titles := make(map[string]string)
	collectTitles(tree.Items, titles)

	var (
		sections []Section
		path     []string
		levels   []int
		buf      strings.Builder
	)
	flush := func() {
		if s := collapseSpace(buf.String()); s != "" {
			sections = append(sections, Section{HeaderPath: strings.Join(path, " > "), Text: s})
		}
		buf.Reset()
	}

	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		heading, ok := n.(*ast.Heading)
		if !ok || heading.Level > 3 {
			writeBlockText(&buf, n, source)
			continue
		}

		flush()
		for len(levels) > 0 && levels[len(levels)-1] >= heading.Level {
			levels = levels[:len(levels)-1]
			path = path[:len(path)-1]
		}
		title := headingTitle(heading, source, titles)
		levels = append(levels, heading.Level)
		path = append(path, title)
	}
	flush()

	return sections, nil
}

// PlainText flattens source into a single line-per-section string, truncated
// to the configured limit.
func (f *Flattener) PlainText(source []byte) (string, error) {
	sections, err := f.Sections(source)
	if err != nil {
		return "", err
	}

	lines := make([]string, 0, len(sections))
	for _, s := range sections {
		if s.HeaderPath == "" {
			lines = append(lines, s.Text)
			continue
		}
		lines = append(lines, s.HeaderPath+": "+s.Text)
	}

	return Truncate(strings.Join(lines, "\n"), f.maxChars), nil
}

// Truncate cuts s to at most maxChars bytes without splitting a UTF-8 rune.
func Truncate(s string, maxChars int) string {
	if maxChars <= 0 || len(s) <= maxChars {
		return s
	}
	cut := maxChars
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

func collectTitles(items toc.Items, titles map[string]string) {
	for _, item := range items {
		titles[string(item.ID)] = string(item.Title)
		collectTitles(item.Items, titles)
	}
}

func headingTitle(h *ast.Heading, source []byte, titles map[string]string) string {
	if id, ok := h.AttributeString("id"); ok {
		if raw, ok := id.([]byte); ok {
			if title, ok := titles[string(raw)]; ok {
				return title
			}
		}
	}
	var buf strings.Builder
	writeInlineText(&buf, h, source)
	return collapseSpace(buf.String())
}

// writeBlockText appends the visible text of a block node and its children.
func writeBlockText(buf *strings.Builder, n ast.Node, source []byte) {
	switch n.Kind() {
	case ast.KindFencedCodeBlock, ast.KindCodeBlock:
		lines := n.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			buf.Write(bytes.TrimSpace(seg.Value(source)))
			buf.WriteByte(' ')
		}
		return
	case ast.KindThematicBreak, ast.KindHTMLBlock:
		return
	}

	if n.Type() == ast.TypeBlock && n.HasChildren() && n.FirstChild().Type() == ast.TypeInline {
		writeInlineText(buf, n, source)
		buf.WriteByte(' ')
		return
	}
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		writeBlockText(buf, c, source)
	}
}

func writeInlineText(buf *strings.Builder, n ast.Node, source []byte) {
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch t := c.(type) {
		case *ast.Text:
			buf.Write(t.Segment.Value(source))
			if t.SoftLineBreak() || t.HardLineBreak() {
				buf.WriteByte(' ')
			}
		case *ast.String:
			buf.Write(t.Value)
		case *ast.RawHTML:
			// dropped
		default:
			writeInlineText(buf, c, source)
		}
	}
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
