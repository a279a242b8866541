package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/jcdickinson/implindex/internal/docs"
	"github.com/jcdickinson/implindex/internal/fragment"
	"github.com/jcdickinson/implindex/internal/markdown"
	"github.com/jcdickinson/implindex/internal/registry"
	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <fragment.js>",
	Short: "Parse a fragment script offline and describe it",
	Long: `Parse a trait implementor script without contacting the daemon. Prints
the trait derived from the path, the literal form, each crate's entries and
the trailing start/fragment_lengths metadata, checked against the file.`,
	Example: `  implindex inspect target/doc/trait.impl/axio/trait.Read.js
  implindex inspect --trait axio::Read --json read.js`,
	Args: cobra.ExactArgs(1),
	Run:  runInspect,
}

var (
	inspectTrait string
	inspectJSON  bool
)

func init() {
	inspectCmd.Flags().StringVar(&inspectTrait, "trait", "", "trait path (default: derived from the file path)")
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "output the parsed fragment as JSON")
}

type inspectReport struct {
	Trait        string                `json:"trait"`
	Form         string                `json:"form"`
	Implementors registry.Implementors `json:"implementors"`
	Meta         *fragment.Meta        `json:"meta,omitempty"`
	MetaValid    bool                  `json:"meta_valid"`
}

func runInspect(cmd *cobra.Command, args []string) {
	path := args[0]
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("reading %s: %v", path, err)
	}

	trait := inspectTrait
	if trait == "" {
		trait, err = fragment.TraitFromPath(path)
		if err != nil {
			log.Fatalf("%v (pass --trait)", err)
		}
	}

	parsed, err := fragment.Parse(context.Background(), data)
	if err != nil {
		log.Fatalf("parsing %s: %v", path, err)
	}

	report := inspectReport{
		Trait:        trait,
		Form:         parsed.Form,
		Implementors: parsed.Implementors,
		Meta:         parsed.Meta,
	}
	segments, segErr := fragment.Segments(data, parsed.Meta)
	report.MetaValid = segErr == nil && len(segments) == len(parsed.Implementors)

	if inspectJSON {
		out, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(out))
		return
	}

	fmt.Printf("  trait:  %s\n", report.Trait)
	fmt.Printf("  form:   %s\n", report.Form)
	fmt.Printf("  crates: %d, implementors: %d\n", len(parsed.Implementors), parsed.Implementors.Len())
	for _, crate := range parsed.Implementors.Crates() {
		entries := parsed.Implementors[crate]
		fmt.Printf("\n  %s (%d)\n", crate, len(entries))
		for _, e := range entries {
			flag := ""
			if e.Synthetic {
				flag = " [synthetic]"
			}
			fmt.Printf("    %s%s\n", markdown.PlainText(e.HTML), flag)
		}
	}

	fmt.Println()
	switch {
	case parsed.Meta == nil:
		fmt.Println("  meta:   none")
	case segErr != nil:
		fmt.Printf("  meta:   start=%d lengths=%v (invalid: %v)\n", parsed.Meta.Start, parsed.Meta.FragmentLengths, segErr)
	default:
		fmt.Printf("  meta:   start=%d lengths=%v (%d segments)\n", parsed.Meta.Start, parsed.Meta.FragmentLengths, len(segments))
	}
}

var encodeCmd = &cobra.Command{
	Use:   "encode <rustdoc.json> [...]",
	Short: "Write fragment scripts built from rustdoc JSON",
	Long: `Build trait implementor scripts from rustdoc JSON output
(cargo rustdoc -- -Z unstable-options --output-format json) and write them
under a doc root in the trait.impl layout. With --merge, crates already
present in an existing script are kept and this crate's entries replace
its own.`,
	Example: `  implindex encode target/doc/axfs.json --out target/doc
  implindex encode --merge --blanket target/doc/axio.json.zst`,
	Args: cobra.MinimumNArgs(1),
	Run:  runEncode,
}

var (
	encodeOut     string
	encodeMerge   bool
	encodeBlanket bool
)

func init() {
	encodeCmd.Flags().StringVarP(&encodeOut, "out", "o", "target/doc", "doc root to write trait.impl/ under")
	encodeCmd.Flags().BoolVar(&encodeMerge, "merge", false, "merge into existing scripts instead of overwriting")
	encodeCmd.Flags().BoolVar(&encodeBlanket, "blanket", false, "include blanket impls")
}

func runEncode(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	written := 0
	for _, in := range args {
		crate, err := docs.LoadFile(in)
		if err != nil {
			log.Fatalf("loading %s: %v", in, err)
		}
		version := "unknown"
		if crate.CrateVersion != nil && *crate.CrateVersion != "" {
			version = *crate.CrateVersion
		}

		frags := docs.BuildFragments(crate, crate.LibName(), version, docs.BuildOptions{IncludeBlanket: encodeBlanket})
		for _, f := range frags {
			if err := writeFragment(ctx, encodeOut, f, encodeMerge); err != nil {
				log.Fatalf("writing %s: %v", f.Trait, err)
			}
			written++
		}
		fmt.Printf("  %s@%s: %d traits\n", crate.LibName(), version, len(frags))
	}
	fmt.Printf("wrote %d scripts under %s\n", written, encodeOut)
}

func writeFragment(ctx context.Context, root string, f registry.Fragment, merge bool) error {
	dst := filepath.Join(root, filepath.FromSlash(fragment.RelPath(f.Trait)))

	impls := f.Implementors
	if merge {
		if existing, err := os.ReadFile(dst); err == nil {
			parsed, err := fragment.Parse(ctx, existing)
			if err != nil {
				return fmt.Errorf("parsing existing %s: %w", dst, err)
			}
			for crate, entries := range f.Implementors {
				parsed.Implementors[crate] = entries
			}
			impls = parsed.Implementors
		} else if !os.IsNotExist(err) {
			return err
		}
	}

	data, err := fragment.Encode(impls)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}
