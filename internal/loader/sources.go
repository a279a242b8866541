package loader

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/jcdickinson/implindex/internal/cas"
	"github.com/jcdickinson/implindex/internal/config"
	"github.com/jcdickinson/implindex/internal/docs"
	"github.com/jcdickinson/implindex/internal/fragment"
	"github.com/jcdickinson/implindex/internal/registry"
)

// jobs expands a source into its units of work. Directory walks happen here;
// everything that reads file contents or touches the network runs in a job.
func (l *Loader) jobs(src config.SourceConfig) ([]job, error) {
	switch src.Kind {
	case config.KindDir:
		return l.dirJobs(src)
	case config.KindFile:
		return []job{l.fileJob(src.Target, src.Trait, src.String())}, nil
	case config.KindURL:
		return []job{l.urlJob(src)}, nil
	case config.KindRustdoc:
		return []job{l.rustdocJob(src)}, nil
	case config.KindDocsRS:
		return []job{l.docsRSJob(src)}, nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", src.Kind)
	}
}

func (l *Loader) dirJobs(src config.SourceConfig) ([]job, error) {
	info, err := os.Stat(src.Target)
	if err != nil {
		return nil, fmt.Errorf("reading doc root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", src.Target)
	}

	var jobs []job
	err = filepath.WalkDir(src.Target, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			slog.Debug("skipping unreadable path", "path", p, "error", err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !fragment.IsFragmentPath(p) {
			return nil
		}
		jobs = append(jobs, l.fileJob(p, "", "dir:"+p))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", src.Target, err)
	}
	return jobs, nil
}

func (l *Loader) fileJob(path, trait, source string) job {
	return job{
		name: path,
		run: func(ctx context.Context) ([]registry.Fragment, error) {
			if trait == "" {
				t, err := fragment.TraitFromPath(path)
				if err != nil {
					return nil, err
				}
				trait = t
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("reading fragment: %w", err)
			}
			f, err := ParseScript(ctx, data, trait, source)
			if err != nil {
				return nil, err
			}
			return []registry.Fragment{*f}, nil
		},
	}
}

func (l *Loader) urlJob(src config.SourceConfig) job {
	target, trait := src.Target, src.Trait
	if page, ok := docs.ParseTraitPage(target); ok {
		target = page.FragmentURL(l.fetcher.BaseURL)
		if trait == "" {
			trait = page.Trait
		}
	}
	return job{
		name: target,
		run: func(ctx context.Context) ([]registry.Fragment, error) {
			if trait == "" {
				u, err := url.Parse(target)
				if err != nil {
					return nil, fmt.Errorf("parsing url: %w", err)
				}
				t, err := fragment.TraitFromPath(u.Path)
				if err != nil {
					return nil, err
				}
				trait = t
			}
			data, err := l.fetcher.FetchFragment(ctx, target)
			if err != nil {
				return nil, err
			}
			f, err := ParseScript(ctx, data, trait, "url:"+target)
			if err != nil {
				return nil, err
			}
			return []registry.Fragment{*f}, nil
		},
	}
}

func (l *Loader) rustdocJob(src config.SourceConfig) job {
	return job{
		name: src.Target,
		run: func(ctx context.Context) ([]registry.Fragment, error) {
			crate, err := docs.LoadFile(src.Target)
			if err != nil {
				return nil, err
			}
			name := crate.LibName()
			version := "unknown"
			if crate.CrateVersion != nil && *crate.CrateVersion != "" {
				version = *crate.CrateVersion
			}
			return l.encodeAll(docs.BuildFragments(crate, name, version, l.BuildOptions))
		},
	}
}

func (l *Loader) docsRSJob(src config.SourceConfig) job {
	name, version, _ := strings.Cut(src.Target, "@")
	if version == "" {
		version = "latest"
	}
	return job{
		name: name + "@" + version,
		run: func(ctx context.Context) ([]registry.Fragment, error) {
			var crate *docs.RustdocCrate
			// "latest" moves, so only pinned versions are served from cache.
			if version != "latest" && docs.HasCrateCache(name, version) {
				c, err := docs.LoadCrateCache(name, version)
				if err == nil {
					crate = c
				} else {
					slog.Warn("ignoring unreadable JSON cache", "crate", name, "version", version, "error", err)
				}
			}
			if crate == nil {
				data, err := l.fetcher.FetchRustdocJSON(ctx, name, version)
				if err != nil {
					return nil, err
				}
				c, err := docs.Parse(data)
				if err != nil {
					return nil, err
				}
				crate = c
				if c.CrateVersion != nil && *c.CrateVersion != "" {
					version = *c.CrateVersion
				}
				if err := docs.SaveCrateCache(data, name, version); err != nil {
					slog.Warn("saving JSON cache failed", "crate", name, "error", err)
				}
			}
			return l.encodeAll(docs.BuildFragments(crate, name, version, l.BuildOptions))
		},
	}
}

// encodeAll renders built fragments to scripts so they are content addressed
// like fragments loaded from disk.
func (l *Loader) encodeAll(frags []registry.Fragment) ([]registry.Fragment, error) {
	for i := range frags {
		script, err := fragment.Encode(frags[i].Implementors)
		if err != nil {
			return nil, fmt.Errorf("encoding %s: %w", frags[i].Trait, err)
		}
		hash, err := cas.Write(script)
		if err != nil {
			slog.Warn("storing fragment failed", "trait", frags[i].Trait, "error", err)
			continue
		}
		frags[i].ContentHash = hash
	}
	return frags, nil
}

// ParseScript parses a raw fragment script into a fragment for trait and
// stores the script in the CAS. A CAS failure is logged, not fatal.
func ParseScript(ctx context.Context, data []byte, trait, source string) (*registry.Fragment, error) {
	parsed, err := fragment.Parse(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", trait, err)
	}
	hash, err := cas.Write(data)
	if err != nil {
		slog.Warn("storing fragment failed", "trait", trait, "error", err)
		hash = ""
	}
	return &registry.Fragment{
		Trait:        trait,
		Implementors: parsed.Implementors,
		Source:       source,
		ContentHash:  hash,
	}, nil
}
