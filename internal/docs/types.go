package docs

import "encoding/json"

// RustdocCrate is the top-level structure of rustdoc JSON output.
type RustdocCrate struct {
	Root           int                       `json:"root"`
	CrateVersion   *string                   `json:"crate_version"`
	Index          map[string]RustdocItem    `json:"index"`
	Paths          map[string]RustdocSummary `json:"paths"`
	ExternalCrates map[string]ExternalCrate  `json:"external_crates"`
	FormatVersion  int                       `json:"format_version"`
}

// ExternalCrate identifies a dependency crate by name.
type ExternalCrate struct {
	Name        string `json:"name"`
	HTMLRootURL string `json:"html_root_url"`
}

// RustdocItem is a single item in the rustdoc index.
type RustdocItem struct {
	ID      int             `json:"id"`
	CrateID int             `json:"crate_id"`
	Name    *string         `json:"name"`
	Docs    *string         `json:"docs"`
	Links   map[string]int  `json:"links"`
	Inner   json.RawMessage `json:"inner"`
}

// RustdocSummary provides the path and kind for an item.
type RustdocSummary struct {
	CrateID int      `json:"crate_id"`
	Path    []string `json:"path"`
	Kind    string   `json:"kind"`
}

// PathRef is a rustdoc Path: a reference to a named item with optional
// generic args. Older formats carry "name", newer ones "path".
type PathRef struct {
	Name string           `json:"name"`
	Path string           `json:"path"`
	ID   int              `json:"id"`
	Args *json.RawMessage `json:"args"`
}

// Impl is the inner data of an impl item.
type Impl struct {
	IsUnsafe    bool             `json:"is_unsafe"`
	Generics    Generics         `json:"generics"`
	Trait       *PathRef         `json:"trait"`
	For         json.RawMessage  `json:"for"`
	Items       []int            `json:"items"`
	IsNegative  bool             `json:"is_negative"`
	IsSynthetic bool             `json:"is_synthetic"`
	BlanketImpl *json.RawMessage `json:"blanket_impl"`
}

type Generics struct {
	Params []GenericParam `json:"params"`
}

type GenericParam struct {
	Name string                     `json:"name"`
	Kind map[string]json.RawMessage `json:"kind"`
}
