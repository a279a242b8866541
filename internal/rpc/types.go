package rpc

import (
	"time"

	"github.com/jcdickinson/implindex/internal/registry"
)

// LoadRequest is the request body for POST /load.
type LoadRequest struct {
	Sources []SourceSpec `json:"sources"`
}

// SourceSpec names one place fragments are loaded from.
type SourceSpec struct {
	Kind   string `json:"kind"` // dir, file, url, rustdoc, docsrs
	Target string `json:"target"`
	Trait  string `json:"trait,omitempty"`
}

// LoadResult summarizes one source of a load batch.
type LoadResult struct {
	BatchID   string `json:"batch_id"`
	Source    string `json:"source"`
	Delivered int    `json:"delivered"`
	Omitted   int    `json:"omitted"`
	Error     string `json:"error,omitempty"`
}

// ProgressLine is a single line of NDJSON streamed from the load endpoint.
type ProgressLine struct {
	Type    string      `json:"type"` // "progress" or "result"
	Message string      `json:"message,omitempty"`
	Result  *LoadResult `json:"result,omitempty"`
}

// DeliverRequest is the request body for POST /deliver: fragments parsed by
// the caller, registered as one batch.
type DeliverRequest struct {
	Fragments []registry.Fragment `json:"fragments"`
}

// DeliverResponse is the response body for POST /deliver.
type DeliverResponse struct {
	BatchID   string `json:"batch_id"`
	Delivered int    `json:"delivered"`
}

// ImplementorsRequest is the request body for POST /implementors.
type ImplementorsRequest struct {
	Trait string `json:"trait"`
}

// ImplementorsResponse is the response body for POST /implementors.
type ImplementorsResponse struct {
	Trait        string                `json:"trait"`
	Implementors registry.Implementors `json:"implementors"`
	Sources      []FragmentRef         `json:"sources,omitempty"`
	// DocRoot is what relative links in the entries resolve against, taken
	// from the first source that has one.
	DocRoot string `json:"doc_root,omitempty"`
}

// FragmentRef records where a crate's entries for a trait came from.
type FragmentRef struct {
	Crate       string     `json:"crate"`
	Source      string     `json:"source"`
	ContentHash string     `json:"content_hash,omitempty"`
	BatchID     string     `json:"batch_id,omitempty"`
	DocRoot     string     `json:"doc_root,omitempty"`
	LoadedAt    *time.Time `json:"loaded_at,omitempty"` // nil until persisted
}

// TraitsResponse is the response body for GET /traits.
type TraitsResponse struct {
	Traits []TraitSummary `json:"traits"`
}

type TraitSummary struct {
	Trait   string `json:"trait"`
	Crates  int    `json:"crates"`
	Entries int    `json:"entries"`
}

// ResetRequest is the request body for POST /reset.
type ResetRequest struct {
	// KeepScripts leaves the content-addressed fragment scripts on disk.
	KeepScripts bool `json:"keep_scripts,omitempty"`
}

// SearchRequest is the request body for POST /search.
type SearchRequest struct {
	Query  string   `json:"query"`
	Crates []string `json:"crates,omitempty"`
	Limit  int      `json:"limit,omitempty"`
}

// SearchResponse is the response body for POST /search.
type SearchResponse struct {
	Results []Hit `json:"results"`
}

type Hit struct {
	Trait     string  `json:"trait"`
	Crate     string  `json:"crate"`
	Position  int     `json:"position"`
	Text      string  `json:"text"`
	HTML      string  `json:"html"`
	Synthetic bool    `json:"synthetic,omitempty"`
	Score     float32 `json:"score"`
}

// GetFragmentRequest is the request body for POST /get-fragment.
type GetFragmentRequest struct {
	Hash string `json:"hash"`
}

// GetFragmentResponse is the response body for POST /get-fragment.
type GetFragmentResponse struct {
	Script string `json:"script"`
}

// StatusResponse is the response body for GET /status.
type StatusResponse struct {
	State   string       `json:"state"`
	Pending int          `json:"pending"`
	Index   IndexStats   `json:"index"`
	Stored  StoredStats  `json:"stored"`
	Recent  []BatchState `json:"recent,omitempty"`
}

type IndexStats struct {
	Traits  int `json:"traits"`
	Crates  int `json:"crates"`
	Entries int `json:"entries"`
	Merges  int `json:"merges"`
}

type StoredStats struct {
	Fragments    int `json:"fragments"`
	Implementors int `json:"implementors"`
}

type BatchState struct {
	BatchID   string `json:"batch_id"`
	Fragments int    `json:"fragments"`
}
