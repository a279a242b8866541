package docs

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/jcdickinson/implindex/internal/registry"
)

type BuildOptions struct {
	// IncludeBlanket keeps the per-type copies of blanket impls rustdoc
	// records (impl<T> From<T> for T, ...). They are flagged synthetic.
	IncludeBlanket bool
}

// LibName returns the crate's library name, which is the key rustdoc uses
// in implementor fragments (underscores, not the package's hyphens).
func (c *RustdocCrate) LibName() string {
	if summary, ok := c.Paths[strconv.Itoa(c.Root)]; ok && len(summary.Path) > 0 {
		return summary.Path[0]
	}
	if item, ok := c.Index[strconv.Itoa(c.Root)]; ok && item.Name != nil {
		return *item.Name
	}
	return ""
}

type builtEntry struct {
	id    int
	entry registry.Entry
}

// BuildFragments produces one fragment per trait implemented in the crate,
// each holding this crate's implementor entries for that trait. Entry HTML is
// rendered from the impl's structured metadata.
func BuildFragments(crate *RustdocCrate, crateName, version string, opts BuildOptions) []registry.Fragment {
	key := crate.LibName()
	if key == "" {
		key = strings.ReplaceAll(crateName, "-", "_")
	}

	byTrait := make(map[string][]builtEntry)
	skipped := 0
	for id, item := range crate.Index {
		if item.CrateID != 0 {
			continue
		}
		data := unwrapInner(item.Inner, "impl")
		if data == nil {
			continue
		}
		var impl Impl
		if err := json.Unmarshal(data, &impl); err != nil {
			skipped++
			continue
		}
		if impl.Trait == nil {
			continue
		}
		if impl.BlanketImpl != nil && !opts.IncludeBlanket {
			continue
		}

		trait := traitPath(impl.Trait, crate)
		if trait == "" {
			skipped++
			continue
		}

		r := newRenderer(crate)
		html := r.implHeader(&impl)
		n, _ := strconv.Atoi(id)
		byTrait[trait] = append(byTrait[trait], builtEntry{
			id: n,
			entry: registry.Entry{
				HTML:      html,
				Synthetic: impl.IsSynthetic || impl.BlanketImpl != nil,
				Types:     r.types,
			},
		})
	}
	if skipped > 0 {
		slog.Debug("skipped unresolvable impls", "crate", crateName, "count", skipped)
	}

	traits := make([]string, 0, len(byTrait))
	for t := range byTrait {
		traits = append(traits, t)
	}
	sort.Strings(traits)

	source := fmt.Sprintf("rustdoc:%s@%s", crateName, version)
	out := make([]registry.Fragment, 0, len(traits))
	for _, t := range traits {
		built := byTrait[t]
		sort.Slice(built, func(i, j int) bool {
			if built[i].entry.HTML != built[j].entry.HTML {
				return built[i].entry.HTML < built[j].entry.HTML
			}
			return built[i].id < built[j].id
		})
		entries := make(registry.CrateIndex, len(built))
		for i, b := range built {
			entries[i] = b.entry
		}
		out = append(out, registry.Fragment{
			Trait:        t,
			Implementors: registry.Implementors{key: entries},
			Source:       source,
		})
	}
	return out
}

// traitPath resolves the full path of an impl's trait.
func traitPath(p *PathRef, crate *RustdocCrate) string {
	if path := ItemPath(p.ID, crate); path != "" {
		return path
	}
	if strings.Contains(p.Path, "::") {
		return p.Path
	}
	return ""
}

// unwrapInner extracts the inner data for a given kind from a rustdoc Item's Inner field.
// Inner is shaped like {"struct": {...}} or {"impl": {...}}.
func unwrapInner(inner json.RawMessage, kind string) json.RawMessage {
	if len(inner) == 0 {
		return nil
	}
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(inner, &outer); err != nil {
		return nil
	}
	data, ok := outer[kind]
	if !ok {
		return nil
	}
	return data
}
