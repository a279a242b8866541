package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/jcdickinson/implindex/internal/registry"
	"github.com/jcdickinson/implindex/internal/rpc"
	"github.com/mark3labs/mcp-go/mcp"
)

type fakeBackend struct {
	loaded []rpc.SourceSpec
	search rpc.SearchRequest
}

func (f *fakeBackend) Load(_ context.Context, sources []rpc.SourceSpec, _ func(string)) ([]rpc.LoadResult, error) {
	f.loaded = sources
	out := make([]rpc.LoadResult, len(sources))
	for i, s := range sources {
		out[i] = rpc.LoadResult{BatchID: "b1", Source: s.Kind + ":" + s.Target, Delivered: 1}
	}
	return out, nil
}

func (f *fakeBackend) Implementors(_ context.Context, trait string) (*rpc.ImplementorsResponse, error) {
	if trait != "Read" && trait != "axio::Read" {
		return nil, errors.New("trait not found")
	}
	return &rpc.ImplementorsResponse{
		Trait: "axio::Read",
		Implementors: registry.Implementors{
			"axfs": {{HTML: `impl Read for <a class="struct" href="axfs/fops/struct.File.html">File</a>`}},
			"axns": {},
		},
		DocRoot: "https://docs.rs/axfs/0.1.0/",
	}, nil
}

func (f *fakeBackend) Search(_ context.Context, req rpc.SearchRequest) (*rpc.SearchResponse, error) {
	f.search = req
	return &rpc.SearchResponse{Results: []rpc.Hit{
		{Trait: "axio::Read", Crate: "axfs", Text: "impl Read for File", Score: 1},
	}}, nil
}

func (f *fakeBackend) Traits(context.Context) (*rpc.TraitsResponse, error) {
	return &rpc.TraitsResponse{Traits: []rpc.TraitSummary{{Trait: "axio::Read", Crates: 2, Entries: 1}}}, nil
}

func callTool(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) (string, bool) {
	t.Helper()
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	res, err := handler(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Content) == 0 {
		t.Fatal("empty tool result")
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("unexpected content %T", res.Content[0])
	}
	return text.Text, res.IsError
}

func TestLoadFragments_ParsesSources(t *testing.T) {
	t.Parallel()
	fb := &fakeBackend{}
	s := newServer(fb)

	out, isErr := callTool(t, s.handleLoad, map[string]any{
		"sources": []any{"target/doc", "docsrs:axfs@0.1.0", "read.js#axio::Read"},
	})
	if isErr {
		t.Fatalf("tool error: %s", out)
	}
	want := []rpc.SourceSpec{
		{Kind: "dir", Target: "target/doc"},
		{Kind: "docsrs", Target: "axfs@0.1.0"},
		{Kind: "file", Target: "read.js", Trait: "axio::Read"},
	}
	if diff := cmp.Diff(want, fb.loaded); diff != "" {
		t.Errorf("sources mismatch (-want +got):\n%s", diff)
	}

	var results []rpc.LoadResult
	if err := json.Unmarshal([]byte(out), &results); err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Errorf("results = %+v", results)
	}
}

func TestLoadFragments_BadSource(t *testing.T) {
	t.Parallel()
	s := newServer(&fakeBackend{})
	_, isErr := callTool(t, s.handleLoad, map[string]any{"sources": []any{"file:"}})
	if !isErr {
		t.Error("expected a tool error for a source without a target")
	}
}

func TestGetImplementors(t *testing.T) {
	t.Parallel()
	s := newServer(&fakeBackend{})

	out, isErr := callTool(t, s.handleGetImplementors, map[string]any{"trait": "Read"})
	if isErr {
		t.Fatalf("tool error: %s", out)
	}
	for _, want := range []string{
		"trait: axio::Read\n",
		"doc_root: https://docs.rs/axfs/0.1.0/\n",
		"# Implementors of `axio::Read`",
		"## axfs",
		"[File](https://docs.rs/axfs/0.1.0/axfs/fops/struct.File.html)",
		"## axns\n\n_no implementors_",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("page missing %q:\n%s", want, out)
		}
	}

	_, isErr = callTool(t, s.handleGetImplementors, map[string]any{"trait": "Write"})
	if !isErr {
		t.Error("expected a tool error for an unknown trait")
	}
	_, isErr = callTool(t, s.handleGetImplementors, map[string]any{})
	if !isErr {
		t.Error("expected a tool error for a missing trait")
	}
}

func TestSearchImplementors(t *testing.T) {
	t.Parallel()
	fb := &fakeBackend{}
	s := newServer(fb)

	out, isErr := callTool(t, s.handleSearch, map[string]any{
		"query":  "file",
		"crates": []any{"axfs"},
		"limit":  float64(5),
	})
	if isErr {
		t.Fatalf("tool error: %s", out)
	}
	if diff := cmp.Diff(rpc.SearchRequest{Query: "file", Crates: []string{"axfs"}, Limit: 5}, fb.search); diff != "" {
		t.Errorf("request mismatch (-want +got):\n%s", diff)
	}

	var hits []searchHit
	if err := json.Unmarshal([]byte(out), &hits); err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].URI != "implindex://axio::Read" {
		t.Errorf("hits = %+v", hits)
	}
}

func TestReadResource(t *testing.T) {
	t.Parallel()
	s := newServer(&fakeBackend{})

	var req mcp.ReadResourceRequest
	req.Params.URI = TraitURI("axio::Read")
	contents, err := s.handleReadResource(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	text, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("unexpected contents %T", contents[0])
	}
	if text.MIMEType != "text/markdown" || !strings.Contains(text.Text, "# Implementors of `axio::Read`") {
		t.Errorf("unexpected resource %+v", text)
	}

	req.Params.URI = "other://x"
	if _, err := s.handleReadResource(context.Background(), req); err == nil {
		t.Error("expected an error for a foreign URI")
	}
}
