package markdown

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// parseFragment parses a rendered implementor snippet in a <div> context.
func parseFragment(src string) []*html.Node {
	ctx := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	nodes, err := html.ParseFragment(strings.NewReader(src), ctx)
	if err != nil {
		return nil
	}
	return nodes
}

// PlainText returns the visible text of a rendered implementor snippet with
// whitespace collapsed, e.g. "impl Read for File".
func PlainText(src string) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range parseFragment(src) {
		walk(n)
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// FromHTML converts a rendered implementor snippet into inline markdown.
// Anchors become links with their original (possibly relative) destination;
// every destination is returned so callers can rebase them.
func FromHTML(src string) (string, []string) {
	var b strings.Builder
	var links []string

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch {
		case n.Type == html.TextNode:
			b.WriteString(escapeInline(n.Data))
			return
		case n.Type == html.ElementNode && n.DataAtom == atom.A:
			href := attr(n, "href")
			if href == "" {
				break
			}
			var text strings.Builder
			collectText(n, &text)
			b.WriteString("[")
			b.WriteString(escapeInline(text.String()))
			b.WriteString("](")
			b.WriteString(href)
			b.WriteString(")")
			links = append(links, href)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range parseFragment(src) {
		walk(n)
	}
	return strings.Join(strings.Fields(b.String()), " "), links
}

func collectText(n *html.Node, b *strings.Builder) {
	if n.Type == html.TextNode {
		b.WriteString(n.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, b)
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

var inlineEscaper = strings.NewReplacer(
	`\`, `\\`,
	`<`, `\<`,
	`[`, `\[`,
	`]`, `\]`,
	`*`, `\*`,
	"`", "\\`",
)

func escapeInline(s string) string {
	return inlineEscaper.Replace(s)
}
