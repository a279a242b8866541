package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/jcdickinson/implindex/internal/config"
	"github.com/jcdickinson/implindex/internal/daemon"
	"github.com/jcdickinson/implindex/internal/rpc"
	"github.com/spf13/cobra"
)

var loadCmd = &cobra.Command{
	Use:   "load [source ...]",
	Short: "Load implementor fragments into the index",
	Long: `Load rustdoc trait implementor fragments. A source is written kind:target;
the kind is inferred when omitted (URLs, *.js files, *.json rustdoc output,
otherwise a doc directory). Without arguments the configured loader.sources
are loaded.`,
	Example: `  implindex load target/doc
  implindex load docsrs:axfs@0.1.0 docsrs:axio
  implindex load https://docs.rs/axio/0.1.1/axio/trait.Read.html
  implindex load path/to/trait.Read.js#axio::Read`,
	Run: runLoad,
}

func runLoad(cmd *cobra.Command, args []string) {
	var specs []rpc.SourceSpec
	for _, arg := range args {
		src, err := config.ParseSource(arg)
		if err != nil {
			log.Fatalf("invalid source %q: %v", arg, err)
		}
		specs = append(specs, rpc.SourceSpec{Kind: src.Kind, Target: src.Target, Trait: src.Trait})
	}

	client, err := connectDaemon()
	if err != nil {
		log.Fatalf("failed to connect to daemon: %v", err)
	}

	results, err := client.Load(context.Background(), specs, func(msg string) {
		fmt.Printf("  %s\n", msg)
	})
	if err != nil {
		log.Fatalf("failed to load fragments: %v", err)
	}

	for _, r := range results {
		if r.Error != "" {
			fmt.Printf("  %s: error: %s\n", r.Source, r.Error)
			continue
		}
		fmt.Printf("  %s: %d delivered", r.Source, r.Delivered)
		if r.Omitted > 0 {
			fmt.Printf(", %d omitted", r.Omitted)
		}
		fmt.Println()
	}
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search traits and implementors",
	Example: `  implindex search File
  implindex search --crate axfs read
  implindex search --limit 5 "dyn Any"`,
	Args: cobra.ExactArgs(1),
	Run:  runSearch,
}

var (
	searchCrates []string
	searchLimit  int
)

func init() {
	searchCmd.Flags().StringSliceVar(&searchCrates, "crate", nil, "filter to specific crates (repeatable)")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 20, "max results")
}

func runSearch(cmd *cobra.Command, args []string) {
	client, err := connectDaemon()
	if err != nil {
		log.Fatalf("failed to connect to daemon: %v", err)
	}

	resp, err := client.Search(context.Background(), rpc.SearchRequest{
		Query:  args[0],
		Crates: searchCrates,
		Limit:  searchLimit,
	})
	if err != nil {
		log.Fatalf("search failed: %v", err)
	}

	if len(resp.Results) == 0 {
		fmt.Println("no results")
		return
	}

	for i, r := range resp.Results {
		fmt.Printf("%d. [%.1f] %s (%s)\n", i+1, r.Score, r.Trait, r.Crate)
		if r.Text != "" {
			fmt.Printf("   %s\n", r.Text)
		}
	}
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show registry state and index statistics",
	Run:   runStatus,
}

var statusJSON bool

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output as JSON")
}

func runStatus(cmd *cobra.Command, args []string) {
	client, err := connectDaemon()
	if err != nil {
		log.Fatalf("failed to connect to daemon: %v", err)
	}

	resp, err := client.Status(context.Background())
	if err != nil {
		log.Fatalf("status failed: %v", err)
	}

	if statusJSON {
		out, _ := json.MarshalIndent(resp, "", "  ")
		fmt.Println(string(out))
		return
	}

	fmt.Printf("  registry: %s", resp.State)
	if resp.Pending > 0 {
		fmt.Printf(" (%d pending)", resp.Pending)
	}
	fmt.Println()
	fmt.Printf("  index:    %d traits, %d crates, %d implementors (%d merges)\n",
		resp.Index.Traits, resp.Index.Crates, resp.Index.Entries, resp.Index.Merges)
	fmt.Printf("  stored:   %d fragments, %d implementors\n", resp.Stored.Fragments, resp.Stored.Implementors)
	for _, b := range resp.Recent {
		fmt.Printf("  batch %s: %d fragments\n", b.BatchID, b.Fragments)
	}
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background daemon",
	Run:   runStop,
}

func runStop(cmd *cobra.Command, args []string) {
	client := daemon.NewClient(config.SocketPath())
	if !client.IsAvailable() {
		fmt.Println("daemon is not running")
		return
	}

	// The daemon exits right after answering, so a reset connection is
	// expected here.
	client.Shutdown(context.Background())
	fmt.Println("daemon stopped")
}
