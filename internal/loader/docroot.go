package loader

import (
	"net/url"
	"path/filepath"
	"strings"

	"github.com/jcdickinson/implindex/internal/docs"
)

var fragmentDirMarkers = []string{"/trait.impl/", "/implementors/"}

// DocRoot returns the documentation root that relative links inside a
// fragment resolve against, given the fragment's source string as recorded
// by the loader. It returns "" when the source carries no usable location.
func DocRoot(source, docsBase string) string {
	kind, target, ok := strings.Cut(source, ":")
	if !ok {
		return ""
	}

	switch kind {
	case "url":
		if i := markerIndex(target); i >= 0 {
			return target[:i+1]
		}
	case "dir", "file", "watch":
		target, _, _ = strings.Cut(target, "#")
		p := filepath.ToSlash(target)
		if i := markerIndex(p); i >= 0 {
			return (&url.URL{Scheme: "file", Path: p[:i+1]}).String()
		}
	case "rustdoc", "docsrs":
		name, version, _ := strings.Cut(target, "@")
		return (&docs.Fetcher{BaseURL: docsBase}).DocRoot(name, version)
	}
	return ""
}

func markerIndex(s string) int {
	best := -1
	for _, m := range fragmentDirMarkers {
		if i := strings.LastIndex(s, m); i > best {
			best = i
		}
	}
	return best
}
