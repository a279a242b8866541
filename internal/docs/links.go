package docs

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// kindPrefix maps a rustdoc item kind to the file prefix rustdoc uses for
// its HTML page (struct.Foo.html, fn.bar.html, ...).
var kindPrefix = map[string]string{
	"struct":      "struct",
	"enum":        "enum",
	"union":       "union",
	"trait":       "trait",
	"trait_alias": "traitalias",
	"type_alias":  "type",
	"function":    "fn",
	"macro":       "macro",
	"constant":    "constant",
	"static":      "static",
	"primitive":   "primitive",
}

// ItemHref builds the link rustdoc would emit for an item inside an
// implementor fragment. Items of the documented crate (and dependencies
// without an html_root_url) are relative to the doc root, e.g.
// "axfs/fops/struct.File.html"; dependencies with a root URL are absolute.
// Returns "" if the item can't be resolved.
func ItemHref(itemID int, crate *RustdocCrate) string {
	summary, ok := crate.Paths[strconv.Itoa(itemID)]
	if !ok || len(summary.Path) == 0 {
		return ""
	}
	prefix, ok := kindPrefix[summary.Kind]
	if !ok {
		return ""
	}
	segs := summary.Path
	rel := strings.Join(segs[:len(segs)-1], "/")
	if rel != "" {
		rel += "/"
	}
	rel += prefix + "." + segs[len(segs)-1] + ".html"

	if summary.CrateID != 0 {
		if ext, ok := crate.ExternalCrates[strconv.Itoa(summary.CrateID)]; ok && ext.HTMLRootURL != "" {
			root := ext.HTMLRootURL
			if !strings.HasSuffix(root, "/") {
				root += "/"
			}
			return root + rel
		}
	}
	return rel
}

// ItemPath returns the full Rust path of an item, e.g. "axfs::fops::File".
func ItemPath(itemID int, crate *RustdocCrate) string {
	if summary, ok := crate.Paths[strconv.Itoa(itemID)]; ok {
		return strings.Join(summary.Path, "::")
	}
	return ""
}

// ItemKind returns the rustdoc kind of an item, or "" if unknown.
func ItemKind(itemID int, crate *RustdocCrate) string {
	if summary, ok := crate.Paths[strconv.Itoa(itemID)]; ok {
		return summary.Kind
	}
	return ""
}

// ExternalCrateName looks up the Cargo package name for a dependency by crate_id.
// Prefers the name extracted from html_root_url (e.g. "https://docs.rs/tracing-core/0.1.36/...")
// since the Name field uses the Rust lib name (underscores) which may differ from the
// Cargo name (hyphens). Falls back to the lib name if no docs.rs URL is present.
func (c *RustdocCrate) ExternalCrateName(crateID int) string {
	ext, ok := c.ExternalCrates[strconv.Itoa(crateID)]
	if !ok {
		return ""
	}
	if name := extractDocsRsCrateName(ext.HTMLRootURL); name != "" {
		return name
	}
	return ext.Name
}

// docsRsCrateNameRe extracts the crate name from a docs.rs html_root_url.
// Example: "https://docs.rs/tracing-core/0.1.36/x86_64-unknown-linux-gnu/" → "tracing-core"
var docsRsCrateNameRe = regexp.MustCompile(`^https?://docs\.rs/([^/]+)/`)

func extractDocsRsCrateName(rootURL string) string {
	m := docsRsCrateNameRe.FindStringSubmatch(rootURL)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// TraitPage is a docs.rs trait page URL broken into its parts.
type TraitPage struct {
	Crate   string // package name in the URL
	Version string
	Trait   string // Rust path, e.g. "axio::Read"
}

// ParseTraitPage recognizes a docs.rs trait page such as
// https://docs.rs/axio/0.1.1/axio/trait.Read.html. Any #fragment is ignored.
func ParseTraitPage(rawURL string) (TraitPage, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return TraitPage{}, false
	}

	path := strings.Trim(u.Path, "/")
	if strings.HasPrefix(path, "crate/") {
		return TraitPage{}, false
	}

	parts := strings.SplitN(path, "/", 3)
	if len(parts) < 3 {
		return TraitPage{}, false
	}

	segments := strings.Split(parts[2], "/")
	last := segments[len(segments)-1]
	if !strings.HasPrefix(last, "trait.") || !strings.HasSuffix(last, ".html") {
		return TraitPage{}, false
	}
	name := strings.TrimSuffix(strings.TrimPrefix(last, "trait."), ".html")
	if name == "" || len(segments) < 2 {
		return TraitPage{}, false
	}
	segments[len(segments)-1] = name

	return TraitPage{
		Crate:   parts[0],
		Version: parts[1],
		Trait:   strings.Join(segments, "::"),
	}, true
}

// FragmentURL returns the URL of the trait.impl fragment that lists the
// implementors of p.Trait within the docs.rs build of p.Crate.
func (p TraitPage) FragmentURL(base string) string {
	if base == "" {
		base = DefaultBaseURL
	}
	segs := strings.Split(p.Trait, "::")
	dir := strings.Join(segs[:len(segs)-1], "/")
	return strings.TrimSuffix(base, "/") + "/" + p.Crate + "/" + p.Version +
		"/trait.impl/" + dir + "/trait." + segs[len(segs)-1] + ".js"
}
