package docs

import "testing"

func TestItemHref(t *testing.T) {
	t.Parallel()
	crate := &RustdocCrate{
		Paths: map[string]RustdocSummary{
			"1": {CrateID: 0, Path: []string{"axfs", "fops", "File"}, Kind: "struct"},
			"2": {CrateID: 1, Path: []string{"axio", "Read"}, Kind: "trait"},
			"3": {CrateID: 2, Path: []string{"core", "marker", "Send"}, Kind: "trait"},
			"4": {CrateID: 0, Path: []string{"axfs", "open"}, Kind: "function"},
			"5": {CrateID: 0, Path: []string{"axfs", "fops"}, Kind: "module"},
		},
		ExternalCrates: map[string]ExternalCrate{
			"1": {Name: "axio"},
			"2": {Name: "core", HTMLRootURL: "https://doc.rust-lang.org/nightly"},
		},
	}

	tests := []struct {
		id   int
		want string
	}{
		{1, "axfs/fops/struct.File.html"},
		{2, "axio/trait.Read.html"},
		{3, "https://doc.rust-lang.org/nightly/core/marker/trait.Send.html"},
		{4, "axfs/fn.open.html"},
		{5, ""},
		{99, ""},
	}
	for _, tt := range tests {
		if got := ItemHref(tt.id, crate); got != tt.want {
			t.Errorf("ItemHref(%d) = %q, want %q", tt.id, got, tt.want)
		}
	}
	if got := ItemPath(1, crate); got != "axfs::fops::File" {
		t.Errorf("ItemPath = %q", got)
	}
}

func TestExternalCrateName(t *testing.T) {
	t.Parallel()
	crate := &RustdocCrate{ExternalCrates: map[string]ExternalCrate{
		"1": {Name: "tracing_core", HTMLRootURL: "https://docs.rs/tracing-core/0.1.36/x86_64-unknown-linux-gnu/"},
		"2": {Name: "axio"},
	}}
	if got := crate.ExternalCrateName(1); got != "tracing-core" {
		t.Errorf("got %q", got)
	}
	if got := crate.ExternalCrateName(2); got != "axio" {
		t.Errorf("got %q", got)
	}
	if got := crate.ExternalCrateName(3); got != "" {
		t.Errorf("got %q", got)
	}
}

func TestParseTraitPage(t *testing.T) {
	t.Parallel()
	tests := []struct {
		url  string
		want TraitPage
		ok   bool
	}{
		{
			"https://docs.rs/axio/0.1.1/axio/trait.Read.html",
			TraitPage{Crate: "axio", Version: "0.1.1", Trait: "axio::Read"},
			true,
		},
		{
			"https://docs.rs/axfs/latest/axfs/api/port/trait.FileIO.html#implementors",
			TraitPage{Crate: "axfs", Version: "latest", Trait: "axfs::api::port::FileIO"},
			true,
		},
		{"https://docs.rs/axfs/latest/axfs/struct.File.html", TraitPage{}, false},
		{"https://docs.rs/crate/axfs/latest", TraitPage{}, false},
		{"https://docs.rs/axfs/latest/trait.Bad.html", TraitPage{}, false},
	}
	for _, tt := range tests {
		got, ok := ParseTraitPage(tt.url)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ParseTraitPage(%q) = %+v, %v; want %+v, %v", tt.url, got, ok, tt.want, tt.ok)
		}
	}
}

func TestTraitPage_FragmentURL(t *testing.T) {
	t.Parallel()
	p := TraitPage{Crate: "axfs", Version: "0.1.0", Trait: "axio::Read"}
	want := "https://docs.rs/axfs/0.1.0/trait.impl/axio/trait.Read.js"
	if got := p.FragmentURL(""); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
