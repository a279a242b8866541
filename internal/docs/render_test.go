package docs

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const myTypeLink = `<a class="struct" href="mycrate/struct.MyType.html" title="struct mycrate::MyType">MyType</a>`

func minimalCrate() *RustdocCrate {
	return &RustdocCrate{
		Paths: map[string]RustdocSummary{
			"10": {CrateID: 0, Path: []string{"mycrate", "MyType"}, Kind: "struct"},
			"11": {CrateID: 0, Path: []string{"mycrate", "io", "Read"}, Kind: "trait"},
		},
		Index:          map[string]RustdocItem{},
		ExternalCrates: map[string]ExternalCrate{},
	}
}

func TestRenderType(t *testing.T) {
	t.Parallel()
	crate := minimalCrate()

	tests := []struct {
		name string
		json string
		want string
	}{
		{"resolved_path", `{"resolved_path":{"name":"MyType","id":10,"args":null}}`, myTypeLink},
		{"resolved_path_new_format", `{"resolved_path":{"path":"mycrate::MyType","id":10,"args":null}}`, myTypeLink},
		{"unresolvable_path", `{"resolved_path":{"name":"Hidden","id":77,"args":null}}`, "Hidden"},
		{"primitive", `{"primitive":"u32"}`, "u32"},
		{"generic", `{"generic":"T"}`, "T"},
		{"borrowed_ref_immutable", `{"borrowed_ref":{"lifetime":null,"is_mutable":false,"type":{"primitive":"str"}}}`, "&amp;str"},
		{"borrowed_ref_mutable", `{"borrowed_ref":{"lifetime":null,"is_mutable":true,"type":{"primitive":"str"}}}`, "&amp;mut str"},
		{"borrowed_ref_with_lifetime", `{"borrowed_ref":{"lifetime":"'a","is_mutable":false,"type":{"primitive":"str"}}}`, "&amp;'a str"},
		{"raw_pointer", `{"raw_pointer":{"is_mutable":false,"type":{"primitive":"u8"}}}`, "*const u8"},
		{"slice", `{"slice":{"primitive":"u8"}}`, "[u8]"},
		{"array", `{"array":{"type":{"primitive":"u8"},"len":"4"}}`, "[u8; 4]"},
		{"tuple", `{"tuple":[{"primitive":"u32"},{"primitive":"bool"}]}`, "(u32, bool)"},
		{"empty_tuple", `{"tuple":[]}`, "()"},
		{
			"qualified_path_with_trait",
			`{"qualified_path":{"name":"Item","self_type":{"generic":"I"},"trait":{"name":"Iterator","id":99}}}`,
			"&lt;I as Iterator&gt;::Item",
		},
		{
			"qualified_path_without_trait",
			`{"qualified_path":{"name":"Output","self_type":{"primitive":"u32"},"trait":null}}`,
			"u32::Output",
		},
		{"dyn_trait", `{"dyn_trait":{"traits":[{"trait":{"name":"Debug","id":99}}],"lifetime":null}}`, "dyn Debug"},
		{
			"dyn_trait_multiple",
			`{"dyn_trait":{"traits":[{"trait":{"name":"Debug","id":99}},{"trait":{"name":"Send","id":98}}],"lifetime":"'static"}}`,
			"dyn Debug + Send + 'static",
		},
		{"invalid_json", `not json`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := newRenderer(crate).typ(json.RawMessage(tt.json))
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRenderGenericArgs(t *testing.T) {
	t.Parallel()
	crate := minimalCrate()

	tests := []struct {
		name string
		json string
		want string
	}{
		{"types", `{"angle_bracketed":{"args":[{"type":{"primitive":"u32"}},{"type":{"primitive":"bool"}}]}}`, "&lt;u32, bool&gt;"},
		{"lifetime", `{"angle_bracketed":{"args":[{"lifetime":"'a"}]}}`, "&lt;'a&gt;"},
		{"empty_args", `{"angle_bracketed":{"args":[]}}`, ""},
		{"no_angle_bracketed", `{}`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := newRenderer(crate).genericArgs(json.RawMessage(tt.json))
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRenderer_RecordsNamedTypes(t *testing.T) {
	t.Parallel()
	r := newRenderer(minimalCrate())
	r.typ(json.RawMessage(`{"tuple":[{"resolved_path":{"name":"MyType","id":10}},{"borrowed_ref":{"is_mutable":false,"type":{"resolved_path":{"name":"MyType","id":10}}}}]}`))
	if diff := cmp.Diff([]string{"mycrate::MyType"}, r.types); diff != "" {
		t.Errorf("types mismatch (-want +got):\n%s", diff)
	}
}

func TestRenderImplHeader(t *testing.T) {
	t.Parallel()
	crate := minimalCrate()

	tests := []struct {
		name string
		json string
		want string
	}{
		{
			"plain",
			`{"trait":{"name":"Read","id":11},"for":{"resolved_path":{"name":"MyType","id":10}}}`,
			`impl <a class="trait" href="mycrate/io/trait.Read.html" title="trait mycrate::io::Read">Read</a> for ` + myTypeLink,
		},
		{
			"generic",
			`{"generics":{"params":[{"name":"'a","kind":{"lifetime":{"outlives":[]}}},{"name":"T","kind":{"type":{"bounds":[],"is_synthetic":false}}},{"name":"impl Sized","kind":{"type":{"is_synthetic":true}}}]},"trait":{"name":"Read","id":11},"for":{"borrowed_ref":{"lifetime":"'a","is_mutable":false,"type":{"generic":"T"}}}}`,
			`impl&lt;'a, T&gt; <a class="trait" href="mycrate/io/trait.Read.html" title="trait mycrate::io::Read">Read</a> for &amp;'a T`,
		},
		{
			"negative_unsafe",
			`{"is_unsafe":true,"is_negative":true,"trait":{"name":"Send","id":99},"for":{"resolved_path":{"name":"MyType","id":10}}}`,
			`unsafe impl !Send for ` + myTypeLink,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var impl Impl
			if err := json.Unmarshal([]byte(tt.json), &impl); err != nil {
				t.Fatal(err)
			}
			got := newRenderer(crate).implHeader(&impl)
			if got != tt.want {
				t.Errorf("got  %s\nwant %s", got, tt.want)
			}
		})
	}
}
