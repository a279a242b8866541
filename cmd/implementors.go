package cmd

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/charmbracelet/glamour"
	"github.com/jcdickinson/implindex/internal/config"
	"github.com/jcdickinson/implindex/internal/markdown"
	"github.com/spf13/cobra"
)

var implementorsCmd = &cobra.Command{
	Use:     "implementors <trait>",
	Aliases: []string{"impls"},
	Short:   "Show the implementors of a trait",
	Long: `Show every type implementing a trait, grouped by crate. The trait may be
a full path (axio::Read) or a bare name when it is unambiguous.`,
	Example: `  implindex implementors axio::Read
  implindex implementors --html --out read.html Read
  implindex implementors --raw axns::AxNamespaceIf`,
	Args: cobra.ExactArgs(1),
	Run:  runImplementors,
}

var (
	implHTML bool
	implRaw  bool
	implOut  string
)

func init() {
	implementorsCmd.Flags().BoolVar(&implHTML, "html", false, "render as a standalone HTML page")
	implementorsCmd.Flags().BoolVar(&implRaw, "raw", false, "print the stored fragment scripts")
	implementorsCmd.Flags().StringVarP(&implOut, "out", "o", "", "write output to a file instead of stdout")
}

func runImplementors(cmd *cobra.Command, args []string) {
	client, err := connectDaemon()
	if err != nil {
		log.Fatalf("failed to connect to daemon: %v", err)
	}

	ctx := context.Background()
	resp, err := client.Implementors(ctx, args[0])
	if err != nil {
		log.Fatalf("lookup failed: %v", err)
	}

	var out []byte
	switch {
	case implRaw:
		seen := make(map[string]bool)
		for _, src := range resp.Sources {
			if src.ContentHash == "" || seen[src.ContentHash] {
				continue
			}
			seen[src.ContentHash] = true
			frag, err := client.GetFragment(ctx, src.ContentHash)
			if err != nil {
				log.Fatalf("fetching script %s: %v", src.ContentHash, err)
			}
			out = fmt.Appendf(out, "// %s (%s)\n%s\n", src.Source, src.Crate, frag.Script)
		}
		if len(out) == 0 {
			log.Fatalf("no stored scripts for %s", resp.Trait)
		}
	case implHTML:
		out = markdown.HTMLPage(resp.Trait, resp.Implementors, resp.DocRoot)
	default:
		page := markdown.Page(resp.Trait, resp.Implementors, resp.DocRoot)
		if implOut != "" {
			out = []byte(page)
			break
		}
		rendered, err := renderTerminal(page)
		if err != nil {
			log.Fatalf("rendering markdown: %v", err)
		}
		out = []byte(rendered)
	}

	if implOut != "" {
		if err := os.WriteFile(implOut, out, 0644); err != nil {
			log.Fatalf("writing %s: %v", implOut, err)
		}
		fmt.Printf("wrote %s\n", implOut)
		return
	}
	os.Stdout.Write(out)
}

// renderTerminal renders markdown for the terminal using the configured
// glamour style. An empty or "auto" style picks one from the terminal.
func renderTerminal(page string) (string, error) {
	style, wrap := "auto", 100
	if cfg, err := config.Load(); err == nil {
		if cfg.Render.Style != "" {
			style = cfg.Render.Style
		}
		if cfg.Render.WordWrap > 0 {
			wrap = cfg.Render.WordWrap
		}
	}

	styleOpt := glamour.WithAutoStyle()
	if style != "auto" {
		styleOpt = glamour.WithStandardStyle(style)
	}

	r, err := glamour.NewTermRenderer(styleOpt, glamour.WithWordWrap(wrap))
	if err != nil {
		return "", err
	}
	return r.Render(page)
}

var traitsCmd = &cobra.Command{
	Use:   "traits",
	Short: "List indexed traits",
	Run:   runTraits,
}

func runTraits(cmd *cobra.Command, args []string) {
	client, err := connectDaemon()
	if err != nil {
		log.Fatalf("failed to connect to daemon: %v", err)
	}

	resp, err := client.Traits(context.Background())
	if err != nil {
		log.Fatalf("listing traits failed: %v", err)
	}

	if len(resp.Traits) == 0 {
		fmt.Println("no traits indexed")
		return
	}
	for _, t := range resp.Traits {
		fmt.Printf("  %-48s %3d crates %5d implementors\n", t.Trait, t.Crates, t.Entries)
	}
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear the index, the database and stored scripts",
	Run:   runReset,
}

var resetKeepScripts bool

func init() {
	resetCmd.Flags().BoolVar(&resetKeepScripts, "keep-scripts", false, "keep stored fragment scripts on disk")
}

func runReset(cmd *cobra.Command, args []string) {
	client, err := connectDaemon()
	if err != nil {
		log.Fatalf("failed to connect to daemon: %v", err)
	}

	if err := client.Reset(context.Background(), resetKeepScripts); err != nil {
		log.Fatalf("reset failed: %v", err)
	}
	fmt.Println("index cleared")
}
