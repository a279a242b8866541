// Package loader discovers, fetches and parses implementor fragments and
// delivers each one to a sink as soon as it is ready.
package loader

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/jcdickinson/implindex/internal/config"
	"github.com/jcdickinson/implindex/internal/docs"
	"github.com/jcdickinson/implindex/internal/registry"
	"golang.org/x/sync/errgroup"
)

// Sink receives parsed fragments. *registry.Context is the usual sink.
type Sink interface {
	Register(registry.Fragment)
}

// Result summarizes one source.
type Result struct {
	Source    config.SourceConfig
	Delivered int
	Omitted   int
	Err       error // set when the source itself could not be enumerated
}

// job produces the fragments of one unit of work (a file, a URL, a crate).
type job struct {
	name string
	run  func(ctx context.Context) ([]registry.Fragment, error)
}

type Loader struct {
	sink        Sink
	fetcher     *docs.Fetcher
	concurrency int

	// BuildOptions control fragments built from rustdoc JSON.
	BuildOptions docs.BuildOptions
	// Progress, when set, receives human-readable progress messages.
	Progress func(msg string)
	// Armed, when set, is called once Watch has registered the whole tree.
	// Writes after that point are guaranteed to be seen.
	Armed func()
}

func New(sink Sink, fetcher *docs.Fetcher, concurrency int) *Loader {
	if fetcher == nil {
		fetcher = &docs.Fetcher{}
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Loader{sink: sink, fetcher: fetcher, concurrency: concurrency}
}

func (l *Loader) progress(format string, args ...any) {
	if l.Progress != nil {
		l.Progress(fmt.Sprintf(format, args...))
	}
}

// Load runs every source's jobs in parallel with bounded concurrency. Each
// fragment is delivered the moment it parses, so delivery order across
// sources is unspecified. A fragment that fails to load is omitted and
// counted; only cancellation of ctx makes Load return an error.
func (l *Loader) Load(ctx context.Context, sources []config.SourceConfig) ([]Result, error) {
	results := make([]Result, len(sources))
	delivered := make([]atomic.Int64, len(sources))
	omitted := make([]atomic.Int64, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.concurrency)

	for i, src := range sources {
		results[i].Source = src
		jobs, err := l.jobs(src)
		if err != nil {
			slog.Warn("source unavailable", "source", src.String(), "error", err)
			results[i].Err = err
			continue
		}
		l.progress("%s: %d job(s)", src, len(jobs))

		for _, j := range jobs {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				frags, err := j.run(gctx)
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					slog.Warn("omitting fragment", "source", src.String(), "job", j.name, "error", err)
					omitted[i].Add(1)
					l.progress("omitted %s: %v", j.name, err)
					return nil
				}
				for _, f := range frags {
					l.sink.Register(f)
					delivered[i].Add(1)
				}
				l.progress("loaded %s (%d fragment(s))", j.name, len(frags))
				return nil
			})
		}
	}

	err := g.Wait()
	for i := range results {
		results[i].Delivered = int(delivered[i].Load())
		results[i].Omitted = int(omitted[i].Load())
	}
	if err != nil {
		return results, fmt.Errorf("loading fragments: %w", err)
	}
	return results, nil
}
