// Package plaintext turns model replies, which often arrive as
// markdown, into text fit to be spoken aloud and shown in a 144
// character chat box.
package plaintext

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// dropElements contribute nothing speakable.
var dropElements = map[atom.Atom]bool{
	atom.Script: true,
	atom.Style:  true,
	atom.Pre:    true,
	atom.Hr:     true,
	atom.Img:    true,
}

// blockElements end a line of text.
var blockElements = map[atom.Atom]bool{
	atom.P:          true,
	atom.Li:         true,
	atom.H1:         true,
	atom.H2:         true,
	atom.H3:         true,
	atom.H4:         true,
	atom.H5:         true,
	atom.H6:         true,
	atom.Blockquote: true,
	atom.Br:         true,
}

// FromMarkdown renders md and returns its visible text with emphasis,
// headings, links, and list markers removed. Fenced code blocks are
// dropped. Whitespace is collapsed and blocks are joined by a single
// space. If rendering fails the input is returned with whitespace
// collapsed.
func FromMarkdown(md string) string {
	if !strings.ContainsAny(md, "*_`#[]>-+|~") {
		return collapse(md)
	}

	// Raw HTML is omitted by the renderer; keep angle-bracket text such
	// as "<wave>" by escaping it first.
	src := strings.ReplaceAll(md, "<", "&lt;")

	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(src), &buf); err != nil {
		return collapse(md)
	}

	doc, err := html.Parse(&buf)
	if err != nil {
		return collapse(md)
	}

	var b strings.Builder
	walk(doc, &b)
	return collapse(b.String())
}

func walk(n *html.Node, b *strings.Builder) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		return
	case html.ElementNode:
		if dropElements[n.DataAtom] {
			return
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, b)
	}

	if n.Type == html.ElementNode && blockElements[n.DataAtom] {
		b.WriteByte('\n')
	}
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
