package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/jcdickinson/implindex/internal/config"
	"github.com/jcdickinson/implindex/internal/daemon"
	"github.com/jcdickinson/implindex/internal/loader"
	"github.com/jcdickinson/implindex/internal/registry"
	"github.com/jcdickinson/implindex/internal/rpc"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch [doc-root]",
	Short: "Load a doc root and re-deliver fragments as rustdoc rewrites them",
	Long: `Load every fragment under a doc root, then watch it and deliver each
trait implementor script again whenever it is created or rewritten. Runs
until interrupted.`,
	Example: `  implindex watch target/doc
  implindex watch --debounce 1s`,
	Args: cobra.MaximumNArgs(1),
	Run:  runWatch,
}

var watchDebounce time.Duration

func init() {
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", 0, "coalesce writes to one file within this window (default: loader.debounce_millis)")
}

// deliverSink forwards each fragment to the daemon as its own batch.
type deliverSink struct {
	ctx    context.Context
	client *daemon.Client
}

func (s deliverSink) Register(f registry.Fragment) {
	resp, err := s.client.Deliver(s.ctx, []registry.Fragment{f})
	if err != nil {
		slog.Warn("delivering fragment failed", "trait", f.Trait, "error", err)
		return
	}
	fmt.Printf("  %s: delivered (batch %s)\n", f.Trait, resp.BatchID)
}

func runWatch(cmd *cobra.Command, args []string) {
	root := "target/doc"
	if len(args) > 0 {
		root = args[0]
	}
	root, err := filepath.Abs(root)
	if err != nil {
		log.Fatalf("resolving %s: %v", root, err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	debounce := watchDebounce
	if debounce == 0 {
		debounce = time.Duration(cfg.Loader.DebounceMillis) * time.Millisecond
	}

	client, err := connectDaemon()
	if err != nil {
		log.Fatalf("failed to connect to daemon: %v", err)
	}

	ctx, stop := signalContext()
	defer stop()

	// Arm the watcher before the initial load so rewrites made while the
	// load runs are delivered again.
	l := loader.New(deliverSink{ctx: ctx, client: client}, nil, 1)
	l.Progress = func(msg string) { slog.Debug(msg) }
	armed := make(chan struct{})
	l.Armed = func() { close(armed) }

	watchErr := make(chan error, 1)
	go func() { watchErr <- l.Watch(ctx, root, debounce) }()
	select {
	case <-armed:
	case err := <-watchErr:
		if err != nil {
			log.Fatalf("watch failed: %v", err)
		}
		return
	}

	results, err := client.Load(ctx, []rpc.SourceSpec{{Kind: config.KindDir, Target: root}}, nil)
	if err != nil {
		log.Fatalf("initial load failed: %v", err)
	}
	for _, r := range results {
		if r.Error != "" {
			log.Fatalf("initial load of %s failed: %s", r.Source, r.Error)
		}
		fmt.Printf("  %s: %d delivered, %d omitted\n", r.Source, r.Delivered, r.Omitted)
	}

	if err := <-watchErr; err != nil {
		log.Fatalf("watch failed: %v", err)
	}
}
