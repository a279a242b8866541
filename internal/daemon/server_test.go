package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/jcdickinson/implindex/internal/config"
	"github.com/jcdickinson/implindex/internal/db"
	"github.com/jcdickinson/implindex/internal/registry"
	"github.com/jcdickinson/implindex/internal/rpc"
)

const readScript = `(function() {
    var implementors = Object.fromEntries([["axfs",[["impl <a class=\"trait\" href=\"axio/trait.Read.html\" title=\"trait axio::Read\">Read</a> for <a class=\"struct\" href=\"axfs/fops/struct.File.html\" title=\"struct axfs::fops::File\">File</a>",0,["axfs::fops::File"]]]]]);
    if (window.register_implementors) {
        window.register_implementors(implementors);
    } else {
        window.pending_implementors = implementors;
    }
})()`

const fsReadScript = `(function() {var implementors = {
"axfs":[["impl Read for Dir"]]
};if (window.register_implementors) {window.register_implementors(implementors);} else {window.pending_implementors = implementors;}})()`

func testDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("creating test db: %v", err)
	}
	return database
}

func testServer(t *testing.T, database *db.DB) (*Server, *httptest.Server) {
	t.Helper()
	cfg := &config.Config{
		Loader: config.LoaderConfig{Concurrency: 2},
		Daemon: config.DaemonConfig{ExpirationSeconds: 3600},
	}
	s := NewServer(cfg, database, filepath.Join(t.TempDir(), "d.sock"))
	ts := httptest.NewServer(s.routes())
	t.Cleanup(func() {
		ts.Close()
		s.cancel()
		database.Close()
	})
	return s, ts
}

func docRoot(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func post(t *testing.T, url string, body, out any) int {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatal(err)
		}
	}
	return resp.StatusCode
}

func getStatus(t *testing.T, url string) rpc.StatusResponse {
	t.Helper()
	resp, err := http.Get(url + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var st rpc.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	return st
}

func load(t *testing.T, url string, sources ...rpc.SourceSpec) []rpc.LoadResult {
	t.Helper()
	data, _ := json.Marshal(rpc.LoadRequest{Sources: sources})
	resp, err := http.Post(url+"/load", "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("load returned %d", resp.StatusCode)
	}

	var results []rpc.LoadResult
	dec := json.NewDecoder(resp.Body)
	for dec.More() {
		var line rpc.ProgressLine
		if err := dec.Decode(&line); err != nil {
			t.Fatal(err)
		}
		if line.Type == "result" {
			results = append(results, *line.Result)
		}
	}
	return results
}

func TestServer_LoadBeforeRestore(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	database := testDB(t)

	// An earlier session persisted two crates for the trait.
	older := registry.Fragment{
		Trait: "axio::Read",
		Implementors: registry.Implementors{
			"axfs": {{HTML: "impl Read for OldFile"}},
			"axns": {},
		},
		Source: "dir:old",
	}
	if err := database.SaveFragment(older, "batch-0"); err != nil {
		t.Fatal(err)
	}

	s, ts := testServer(t, database)
	root := docRoot(t, map[string]string{"trait.impl/axio/trait.Read.js": readScript})

	results := load(t, ts.URL, rpc.SourceSpec{Kind: config.KindDir, Target: root})
	if len(results) != 1 || results[0].Delivered != 1 || results[0].BatchID == "" {
		t.Fatalf("unexpected load results %+v", results)
	}

	st := getStatus(t, ts.URL)
	if st.State != "uninitialized" || st.Pending != 1 {
		t.Errorf("before restore: state=%s pending=%d", st.State, st.Pending)
	}

	if err := s.restore(); err != nil {
		t.Fatal(err)
	}

	st = getStatus(t, ts.URL)
	if st.State != "initialized" || st.Pending != 0 {
		t.Errorf("after restore: state=%s pending=%d", st.State, st.Pending)
	}

	var resp rpc.ImplementorsResponse
	if code := post(t, ts.URL+"/implementors", rpc.ImplementorsRequest{Trait: "Read"}, &resp); code != http.StatusOK {
		t.Fatalf("implementors returned %d", code)
	}
	if resp.Trait != "axio::Read" {
		t.Errorf("trait = %q", resp.Trait)
	}
	if got := resp.Implementors.Crates(); !cmp.Equal(got, []string{"axfs", "axns"}) {
		t.Errorf("crates = %v", got)
	}
	if got := resp.Implementors["axfs"][0].Types; !cmp.Equal(got, []string{"axfs::fops::File"}) {
		t.Errorf("pending load did not replace the restored axfs entries: %+v", resp.Implementors["axfs"])
	}

	if len(resp.Sources) != 2 {
		t.Fatalf("sources = %+v", resp.Sources)
	}
	axfs := resp.Sources[0]
	if axfs.BatchID != results[0].BatchID || axfs.ContentHash == "" || axfs.LoadedAt == nil {
		t.Errorf("axfs provenance = %+v", axfs)
	}

	// The pending fragment was persisted by the hook.
	stored, err := database.LoadFragments()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range stored {
		if _, ok := f.Implementors["axfs"]; ok && f.Batch != results[0].BatchID {
			t.Errorf("stored axfs batch = %q", f.Batch)
		}
	}
}

func TestServer_QueryEndpoints(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	s, ts := testServer(t, testDB(t))
	if err := s.restore(); err != nil {
		t.Fatal(err)
	}

	root := docRoot(t, map[string]string{
		"trait.impl/axio/trait.Read.js":     readScript,
		"trait.impl/axfs_vfs/trait.Read.js": fsReadScript,
		"trait.impl/axio/trait.Seek.js":     "garbage",
	})
	results := load(t, ts.URL, rpc.SourceSpec{Kind: config.KindDir, Target: root})
	if results[0].Delivered != 2 || results[0].Omitted != 1 {
		t.Errorf("delivered=%d omitted=%d", results[0].Delivered, results[0].Omitted)
	}

	if code := post(t, ts.URL+"/implementors", rpc.ImplementorsRequest{Trait: "Read"}, nil); code != http.StatusConflict {
		t.Errorf("ambiguous lookup returned %d", code)
	}
	if code := post(t, ts.URL+"/implementors", rpc.ImplementorsRequest{Trait: "axio::Write"}, nil); code != http.StatusNotFound {
		t.Errorf("missing lookup returned %d", code)
	}

	var sr rpc.SearchResponse
	if code := post(t, ts.URL+"/search", rpc.SearchRequest{Query: "dir"}, &sr); code != http.StatusOK {
		t.Fatalf("search returned %d", code)
	}
	if len(sr.Results) != 1 || sr.Results[0].Trait != "axfs_vfs::Read" {
		t.Errorf("search results = %+v", sr.Results)
	}

	var impl rpc.ImplementorsResponse
	post(t, ts.URL+"/implementors", rpc.ImplementorsRequest{Trait: "axio::Read"}, &impl)
	var frag rpc.GetFragmentResponse
	if code := post(t, ts.URL+"/get-fragment", rpc.GetFragmentRequest{Hash: impl.Sources[0].ContentHash}, &frag); code != http.StatusOK {
		t.Fatalf("get-fragment returned %d", code)
	}
	if frag.Script != readScript {
		t.Errorf("script mismatch:\n%s", frag.Script)
	}
	if code := post(t, ts.URL+"/get-fragment", rpc.GetFragmentRequest{Hash: "nope"}, nil); code != http.StatusBadRequest {
		t.Errorf("invalid hash returned %d", code)
	}

	resp, err := http.Get(ts.URL + "/traits")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var tr rpc.TraitsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		t.Fatal(err)
	}
	want := []rpc.TraitSummary{
		{Trait: "axfs_vfs::Read", Crates: 1, Entries: 1},
		{Trait: "axio::Read", Crates: 1, Entries: 1},
	}
	if diff := cmp.Diff(want, tr.Traits); diff != "" {
		t.Errorf("traits mismatch (-want +got):\n%s", diff)
	}
}

func TestServer_Deliver(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	s, ts := testServer(t, testDB(t))
	if err := s.restore(); err != nil {
		t.Fatal(err)
	}

	frag := registry.Fragment{
		Trait:        "axio::Write",
		Implementors: registry.Implementors{"axstd": {{HTML: "impl Write for Stdout"}}},
		Source:       "watch:/work/target/doc/trait.impl/axio/trait.Write.js",
	}
	var resp rpc.DeliverResponse
	if code := post(t, ts.URL+"/deliver", rpc.DeliverRequest{Fragments: []registry.Fragment{frag}}, &resp); code != http.StatusOK {
		t.Fatalf("deliver returned %d", code)
	}
	if resp.Delivered != 1 || resp.BatchID == "" {
		t.Errorf("deliver response = %+v", resp)
	}

	var impl rpc.ImplementorsResponse
	if code := post(t, ts.URL+"/implementors", rpc.ImplementorsRequest{Trait: "Write"}, &impl); code != http.StatusOK {
		t.Fatalf("implementors returned %d", code)
	}
	if impl.DocRoot != "file:///work/target/doc/" {
		t.Errorf("doc root = %q", impl.DocRoot)
	}
	if impl.Sources[0].BatchID != resp.BatchID {
		t.Errorf("batch = %q, want %q", impl.Sources[0].BatchID, resp.BatchID)
	}

	bad := rpc.DeliverRequest{Fragments: []registry.Fragment{{Implementors: registry.Implementors{}}}}
	if code := post(t, ts.URL+"/deliver", bad, nil); code != http.StatusBadRequest {
		t.Errorf("fragment without trait returned %d", code)
	}
}

func TestServer_LoadRejectsBadSource(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	_, ts := testServer(t, testDB(t))

	code := post(t, ts.URL+"/load", rpc.LoadRequest{Sources: []rpc.SourceSpec{{Kind: "ftp", Target: "x"}}}, nil)
	if code != http.StatusBadRequest {
		t.Errorf("bad source returned %d", code)
	}
	code = post(t, ts.URL+"/load", rpc.LoadRequest{}, nil)
	if code != http.StatusBadRequest {
		t.Errorf("empty load without configured sources returned %d", code)
	}
}

func TestServer_Reset(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	s, ts := testServer(t, testDB(t))
	if err := s.restore(); err != nil {
		t.Fatal(err)
	}

	root := docRoot(t, map[string]string{"trait.impl/axio/trait.Read.js": readScript})
	load(t, ts.URL, rpc.SourceSpec{Kind: config.KindDir, Target: root})

	if code := post(t, ts.URL+"/reset", rpc.ResetRequest{}, nil); code != http.StatusOK {
		t.Fatalf("reset returned %d", code)
	}
	st := getStatus(t, ts.URL)
	if st.Index.Traits != 0 || st.Stored.Fragments != 0 {
		t.Errorf("reset left data behind: %+v", st)
	}
	if st.State != "initialized" {
		t.Errorf("state = %s", st.State)
	}

	// Loads after a reset are merged as usual.
	load(t, ts.URL, rpc.SourceSpec{Kind: config.KindDir, Target: root})
	if st := getStatus(t, ts.URL); st.Index.Traits != 1 {
		t.Errorf("traits after reload = %d", st.Index.Traits)
	}
}

// storedEntries returns the persisted entries for one (trait, crate) key.
func storedEntries(t *testing.T, database *db.DB, trait, crate string) registry.CrateIndex {
	t.Helper()
	frags, err := database.LoadFragments()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range frags {
		if f.Trait != trait {
			continue
		}
		if entries, ok := f.Implementors[crate]; ok {
			return entries
		}
	}
	return nil
}

func TestServer_ConcurrentDeliverSameKey(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	database := testDB(t)
	s, _ := testServer(t, database)
	if err := s.restore(); err != nil {
		t.Fatal(err)
	}

	// Two copies of the same trait, as when a doc root carries both
	// implementors/ and trait.impl/, delivered by racing loader goroutines.
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.reg.Register(registry.Fragment{
				Trait:        "axio::Read",
				Implementors: registry.Implementors{"axfs": {{HTML: fmt.Sprintf("impl Read for File%d", i)}}},
				Batch:        "b",
			})
		}(i)
	}
	wg.Wait()

	res, err := s.index.Lookup("axio::Read")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(res.Implementors["axfs"], storedEntries(t, database, "axio::Read", "axfs"), cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("index and store disagree (-index +store):\n%s", diff)
	}
}

func TestServer_ResetRacingDeliver(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	database := testDB(t)
	s, ts := testServer(t, database)
	if err := s.restore(); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.reg.Register(registry.Fragment{
				Trait:        fmt.Sprintf("axio::Trait%d", i),
				Implementors: registry.Implementors{"axfs": {{HTML: "impl"}}},
			})
		}(i)
	}
	if code := post(t, ts.URL+"/reset", rpc.ResetRequest{KeepScripts: true}, nil); code != http.StatusOK {
		t.Fatalf("reset returned %d", code)
	}
	wg.Wait()

	rows, err := database.ListTraits()
	if err != nil {
		t.Fatal(err)
	}
	stored := make([]string, len(rows))
	for i, row := range rows {
		stored[i] = row.Trait
	}
	sort.Strings(stored)
	indexed := s.index.Traits()
	sort.Strings(indexed)
	if diff := cmp.Diff(indexed, stored, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("index and store disagree after reset (-index +store):\n%s", diff)
	}
}

func TestClient_RoundTrip(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	sock := filepath.Join(t.TempDir(), "d.sock")
	cfg := &config.Config{
		Loader: config.LoaderConfig{Concurrency: 1},
		Daemon: config.DaemonConfig{ExpirationSeconds: 3600},
	}
	s := NewServer(cfg, testDB(t), sock)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(context.Background()) }()

	c := NewClient(sock)
	deadline := time.Now().Add(5 * time.Second)
	for !c.IsAvailable() {
		if time.Now().After(deadline) {
			t.Fatal("server did not start")
		}
		time.Sleep(10 * time.Millisecond)
	}
	<-s.restored

	ctx := context.Background()
	root := docRoot(t, map[string]string{"trait.impl/axio/trait.Read.js": readScript})
	var progress []string
	results, err := c.Load(ctx, []rpc.SourceSpec{{Kind: config.KindDir, Target: root}}, func(msg string) {
		progress = append(progress, msg)
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Delivered != 1 {
		t.Errorf("results = %+v", results)
	}
	if len(progress) == 0 {
		t.Error("expected progress lines")
	}

	impl, err := c.Implementors(ctx, "axio::Read")
	if err != nil {
		t.Fatal(err)
	}
	if impl.Implementors.Len() != 1 {
		t.Errorf("implementors = %+v", impl.Implementors)
	}

	_, err = c.Implementors(ctx, "axio::Write")
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusNotFound {
		t.Errorf("expected a 404 StatusError, got %v", err)
	}

	st, err := c.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.State != "initialized" || st.Stored.Fragments != 1 || len(st.Recent) != 1 {
		t.Errorf("status = %+v", st)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Errorf("stop: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Errorf("start: %v", err)
	}
}
