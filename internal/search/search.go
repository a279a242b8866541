// Package search is the consumer side of the registry: an in-memory index of
// trait implementors that fragments are merged into and queried from.
package search

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	md "github.com/jcdickinson/implindex/internal/markdown"
	"github.com/jcdickinson/implindex/internal/registry"
	"github.com/jcdickinson/implindex/internal/rpc"
	"golang.org/x/text/cases"
)

var ErrNotFound = errors.New("trait not found")

// AmbiguousError is returned by Lookup when a bare trait name matches more
// than one indexed trait path.
type AmbiguousError struct {
	Name       string
	Candidates []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("%q is ambiguous: %s", e.Name, strings.Join(e.Candidates, ", "))
}

// Provenance is where a (trait, crate) key was last delivered from.
type Provenance struct {
	Source      string
	ContentHash string
	Batch       string
}

type traitEntry struct {
	impls   registry.Implementors
	texts   map[string][]string
	sources map[string]Provenance
}

// Index holds the merged view of every delivered fragment.
type Index struct {
	mu     sync.RWMutex
	traits map[string]*traitEntry
	merges int
}

func New() *Index {
	return &Index{traits: make(map[string]*traitEntry)}
}

// Merge folds a fragment into the index. Crate keys are unioned; a crate
// already present for the trait is replaced by the fragment's entries.
// It has the signature of a registry.Hook.
func (ix *Index) Merge(f registry.Fragment) {
	if f.Trait == "" {
		slog.Warn("ignoring fragment without trait", "source", f.Source)
		return
	}

	// Derive plain text outside the lock; it is the only HTML work we do.
	texts := make(map[string][]string, len(f.Implementors))
	for crate, entries := range f.Implementors {
		t := make([]string, len(entries))
		for i, e := range entries {
			t[i] = md.PlainText(e.HTML)
		}
		texts[crate] = t
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	te := ix.traits[f.Trait]
	if te == nil {
		te = &traitEntry{
			impls:   make(registry.Implementors),
			texts:   make(map[string][]string),
			sources: make(map[string]Provenance),
		}
		ix.traits[f.Trait] = te
	}
	for crate, entries := range f.Implementors {
		te.impls[crate] = append(registry.CrateIndex{}, entries...)
		te.texts[crate] = texts[crate]
		te.sources[crate] = Provenance{Source: f.Source, ContentHash: f.ContentHash, Batch: f.Batch}
	}
	ix.merges++
	slog.Debug("merged fragment", "trait", f.Trait, "crates", len(f.Implementors), "source", f.Source)
}

// Reset empties the index.
func (ix *Index) Reset() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.traits = make(map[string]*traitEntry)
	ix.merges = 0
}

// Traits returns every indexed trait path, sorted.
func (ix *Index) Traits() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]string, 0, len(ix.traits))
	for t := range ix.traits {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Crates returns every crate that contributed to any trait, sorted.
func (ix *Index) Crates() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	seen := make(map[string]bool)
	for _, te := range ix.traits {
		for crate := range te.impls {
			seen[crate] = true
		}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Result is a single trait's implementors as returned by Lookup.
type Result struct {
	Trait        string
	Implementors registry.Implementors
	Sources      map[string]Provenance
}

// Lookup resolves name to a trait and returns a copy of its implementors.
// name is either a full path ("axio::Read") or a path suffix such as "Read"
// or "io::Read" that identifies exactly one trait.
func (ix *Index) Lookup(name string) (*Result, error) {
	name = strings.TrimSpace(name)
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	trait := name
	te, ok := ix.traits[name]
	if !ok {
		var matches []string
		for t := range ix.traits {
			if strings.HasSuffix(t, "::"+name) {
				matches = append(matches, t)
			}
		}
		switch len(matches) {
		case 0:
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		case 1:
			trait = matches[0]
			te = ix.traits[trait]
		default:
			sort.Strings(matches)
			return nil, &AmbiguousError{Name: name, Candidates: matches}
		}
	}

	res := &Result{
		Trait:        trait,
		Implementors: make(registry.Implementors, len(te.impls)),
		Sources:      make(map[string]Provenance, len(te.sources)),
	}
	for crate, entries := range te.impls {
		res.Implementors[crate] = append(registry.CrateIndex{}, entries...)
	}
	for crate, p := range te.sources {
		res.Sources[crate] = p
	}
	return res, nil
}

const defaultLimit = 20

// Search matches query against trait paths, crate names and the plain text
// of each implementor, case-insensitively. A non-empty crates restricts the
// result to those crates.
func (ix *Index) Search(query string, crates []string, limit int) []rpc.Hit {
	fold := cases.Fold()
	q := fold.String(strings.TrimSpace(query))
	if q == "" {
		return nil
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	var only map[string]bool
	if len(crates) > 0 {
		only = make(map[string]bool, len(crates))
		for _, c := range crates {
			only[c] = true
		}
	}

	ix.mu.RLock()
	var hits []rpc.Hit
	for trait, te := range ix.traits {
		ft := fold.String(trait)
		var traitScore float32
		switch {
		case ft == q || strings.HasSuffix(ft, "::"+q):
			traitScore = 3
		case strings.Contains(ft, q):
			traitScore = 2
		}
		for crate, entries := range te.impls {
			if only != nil && !only[crate] {
				continue
			}
			crateScore := traitScore
			if crateScore == 0 && strings.Contains(fold.String(crate), q) {
				crateScore = 1.5
			}
			for i, e := range entries {
				text := te.texts[crate][i]
				score := crateScore
				if score == 0 && strings.Contains(fold.String(text), q) {
					score = 1
				}
				if score == 0 {
					continue
				}
				hits = append(hits, rpc.Hit{
					Trait:     trait,
					Crate:     crate,
					Position:  i,
					Text:      text,
					HTML:      e.HTML,
					Synthetic: e.Synthetic,
					Score:     score,
				})
			}
		}
	}
	ix.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Trait != b.Trait {
			return a.Trait < b.Trait
		}
		if a.Crate != b.Crate {
			return a.Crate < b.Crate
		}
		return a.Position < b.Position
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	slog.Info("search", "query", query, "crates", crates, "results", len(hits))
	return hits
}

// Stats summarizes the index.
func (ix *Index) Stats() rpc.IndexStats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	st := rpc.IndexStats{Traits: len(ix.traits), Merges: ix.merges}
	crates := make(map[string]bool)
	for _, te := range ix.traits {
		for crate, entries := range te.impls {
			crates[crate] = true
			st.Entries += len(entries)
		}
	}
	st.Crates = len(crates)
	return st
}
