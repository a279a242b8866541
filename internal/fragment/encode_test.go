package fragment

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/jcdickinson/implindex/internal/registry"
)

func TestEncode_RoundTrip(t *testing.T) {
	t.Parallel()
	impls := registry.Implementors{
		"axstd": {{HTML: `impl <a href="axio/trait.Read.html">Read</a> for Stdin & co`}},
		"axfs": {
			{HTML: readHTML, Types: []string{"axfs::fops::File"}},
			{HTML: "impl Read for Dir", Synthetic: true},
		},
		"axns": {},
	}

	src, err := Encode(impls)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(src, []byte(`\u003c`)) {
		t.Error("html must not be escaped")
	}
	if !strings.Contains(string(src), "window.pending_implementors.push(implementors);") {
		t.Error("missing pending fallback")
	}

	parsed, err := Parse(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Form != "fromEntries" {
		t.Errorf("form = %q", parsed.Form)
	}

	want := registry.Implementors{
		"axstd": {{HTML: `impl <a href="axio/trait.Read.html">Read</a> for Stdin & co`}},
		"axfs": {
			{HTML: readHTML, Types: []string{"axfs::fops::File"}},
			{HTML: "impl Read for Dir", Synthetic: true, Types: []string{}},
		},
		"axns": {},
	}
	if diff := cmp.Diff(want, parsed.Implementors); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestEncode_TrailerOffsets(t *testing.T) {
	t.Parallel()
	impls := registry.Implementors{
		"axfs":  {{HTML: "impl Read for File"}},
		"axstd": {{HTML: "impl Read for Stdin"}},
	}
	src, err := Encode(impls)
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := Parse(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Meta == nil || parsed.Meta.Start != 57 {
		t.Fatalf("unexpected meta %+v", parsed.Meta)
	}

	segs, err := Segments(src, parsed.Meta)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		`["axfs",[["impl Read for File"]]]`,
		`["axstd",[["impl Read for Stdin"]]]`,
	}
	got := make([]string, len(segs))
	for i, s := range segs {
		got[i] = string(s)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("segments mismatch (-want +got):\n%s", diff)
	}
}

func TestSegments_OutOfRange(t *testing.T) {
	t.Parallel()
	if _, err := Segments([]byte("short"), &Meta{Start: 2, FragmentLengths: []int{10}}); err == nil {
		t.Fatal("expected out of range error")
	}
	if _, err := Segments([]byte("short"), nil); err == nil {
		t.Fatal("expected error for missing trailer")
	}
}

// Scripts that run before the hook is installed must accumulate in the
// pending list rather than replace one another.
func TestEncode_PendingFallbackAppends(t *testing.T) {
	t.Parallel()
	src, err := Encode(registry.Implementors{"axfs": {{HTML: "impl Read for File"}}})
	if err != nil {
		t.Fatal(err)
	}
	script := string(src)
	if strings.Contains(script, "window.pending_implementors = implementors;") {
		t.Error("fallback overwrites the pending slot")
	}
	for _, want := range []string{
		"window.pending_implementors = window.pending_implementors || [];",
		"window.pending_implementors.push(implementors);",
	} {
		if !strings.Contains(script, want) {
			t.Errorf("script missing %q", want)
		}
	}

	parsed, err := Parse(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Form != "fromEntries" || len(parsed.Implementors["axfs"]) != 1 {
		t.Errorf("parsed = %+v", parsed)
	}
}
