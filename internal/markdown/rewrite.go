package markdown

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	gm "github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/ast"
	gmhtml "github.com/gomarkdown/markdown/html"
	gmparser "github.com/gomarkdown/markdown/parser"
	"github.com/jcdickinson/implindex/internal/registry"
)

// RewriteLinks rewrites markdown link destinations using the provided link map.
// It parses the markdown to AST to find all link destinations, then performs
// targeted string replacements to preserve original formatting.
func RewriteLinks(src string, linkMap map[string]string) string {
	if len(linkMap) == 0 {
		return src
	}

	doc := gm.Parse([]byte(src), gmparser.NewWithExtensions(
		gmparser.CommonExtensions|gmparser.Autolink,
	))

	seen := make(map[string]bool)
	type replacement struct {
		oldDest string
		newDest string
	}
	var replacements []replacement

	ast.WalkFunc(doc, func(node ast.Node, entering bool) ast.WalkStatus {
		if !entering {
			return ast.GoToNext
		}
		if link, ok := node.(*ast.Link); ok {
			dest := string(link.Destination)
			if newDest, ok := linkMap[dest]; ok && !seen[dest] {
				seen[dest] = true
				replacements = append(replacements, replacement{dest, newDest})
			}
		}
		return ast.GoToNext
	})

	if len(replacements) == 0 {
		return src
	}

	result := src
	for _, r := range replacements {
		result = strings.ReplaceAll(result, "]("+r.oldDest+")", "]("+r.newDest+")")
	}

	// Reference-style definitions: [ref]: destination
	refMap := make(map[string]string, len(replacements))
	for _, r := range replacements {
		refMap["]: "+r.oldDest] = "]: " + r.newDest
	}
	lines := strings.Split(result, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		for oldSuffix, newSuffix := range refMap {
			if strings.HasSuffix(trimmed, oldSuffix) {
				lines[i] = strings.Replace(line, oldSuffix, newSuffix, 1)
				break
			}
		}
	}
	return strings.Join(lines, "\n")
}

// AddFrontMatter prepends a YAML front-matter block with the given fields.
func AddFrontMatter(src string, fields map[string]string) string {
	if len(fields) == 0 {
		return src
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("---\n")
	for _, k := range keys {
		b.WriteString(fmt.Sprintf("%s: %s\n", k, fields[k]))
	}
	b.WriteString("---\n\n")
	b.WriteString(src)
	return b.String()
}

// Page renders a trait's implementors as markdown, one section per crate.
// Relative links are resolved against base (a documentation root URL) when
// base is non-empty.
func Page(trait string, impls registry.Implementors, base string) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("# Implementors of `%s`\n\n", trait))

	var links []string
	for _, crate := range impls.Crates() {
		b.WriteString(fmt.Sprintf("## %s\n\n", crate))
		entries := impls[crate]
		if len(entries) == 0 {
			b.WriteString("_no implementors_\n\n")
			continue
		}
		for _, e := range entries {
			line, l := FromHTML(e.HTML)
			links = append(links, l...)
			b.WriteString("- ")
			b.WriteString(line)
			if e.Synthetic {
				b.WriteString(" _(auto trait)_")
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	return RewriteLinks(b.String(), rebase(links, base))
}

// rebase maps each relative destination to its absolute form under base.
func rebase(links []string, base string) map[string]string {
	if base == "" || len(links) == 0 {
		return nil
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil
	}
	out := make(map[string]string)
	for _, l := range links {
		u, err := url.Parse(l)
		if err != nil || u.IsAbs() {
			continue
		}
		out[l] = baseURL.ResolveReference(u).String()
	}
	return out
}

// HTMLPage renders a standalone HTML page listing a trait's implementors.
// Entries are embedded verbatim; base becomes the page's <base href>.
func HTMLPage(trait string, impls registry.Implementors, base string) []byte {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("# Implementors of `%s`\n\n", trait))
	for _, crate := range impls.Crates() {
		b.WriteString(fmt.Sprintf("## %s\n\n", crate))
		entries := impls[crate]
		if len(entries) == 0 {
			b.WriteString("_no implementors_\n\n")
			continue
		}
		for _, e := range entries {
			b.WriteString("- ")
			b.WriteString(e.HTML)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	opts := gmhtml.RendererOptions{
		Flags: gmhtml.HrefTargetBlank | gmhtml.CompletePage,
		Title: "Implementors of " + trait,
	}
	if base != "" {
		opts.Head = []byte(fmt.Sprintf("<base href=%q>\n", base))
	}
	p := gmparser.NewWithExtensions(gmparser.CommonExtensions)
	return gm.ToHTML([]byte(b.String()), p, gmhtml.NewRenderer(opts))
}
